package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/orchestrator/pkg/cloudstate"
	"github.com/openfroyo/orchestrator/pkg/config"
	"github.com/openfroyo/orchestrator/pkg/engine"
	"github.com/openfroyo/orchestrator/pkg/events"
	"github.com/openfroyo/orchestrator/pkg/executor"
	"github.com/openfroyo/orchestrator/pkg/lock"
	"github.com/openfroyo/orchestrator/pkg/orchestrator"
	"github.com/openfroyo/orchestrator/pkg/policy"
	"github.com/openfroyo/orchestrator/pkg/stores"
	"github.com/openfroyo/orchestrator/pkg/telemetry"
)

// runtime holds the components a long-running command wires together.
type runtime struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	logger   zerolog.Logger

	store    stores.Store
	locks    *lock.Manager
	sink     events.Sink
	executor *executor.Executor
	cloud    engine.CloudState
	policy   *policy.Engine
	service  *orchestrator.Service

	closers []func(context.Context) error
}

// runtimeNeeds selects the optional parts of a runtime.
type runtimeNeeds struct {
	executor bool
	policy   bool
}

func loadSettings(version string) (*config.Settings, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if version != "" && settings.Telemetry.ServiceVersion == "dev" {
		settings.Telemetry.ServiceVersion = version
	}
	return settings, nil
}

// newRuntime opens every backend named by the settings. On error whatever was
// opened is closed again.
func newRuntime(ctx context.Context, settings *config.Settings, needs runtimeNeeds) (_ *runtime, err error) {
	rt := &runtime{settings: settings}
	defer func() {
		if err != nil {
			rt.Close(context.Background())
		}
	}()

	rt.tel, err = telemetry.NewTelemetry(&settings.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	rt.closers = append(rt.closers, rt.tel.Shutdown)
	rt.logger = rt.tel.Logger.Zerolog()

	rt.store, err = stores.Open(ctx, settings.Store, rt.logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func(context.Context) error { return rt.store.Close() })

	lockStore, closeLocks, err := lock.Open(ctx, settings.Lock)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock store: %w", err)
	}
	rt.closers = append(rt.closers, func(context.Context) error { return closeLocks() })
	if settings.Lock.Driver == lock.DriverMemory || settings.Lock.Driver == "" {
		log.Warn().Msg("In-memory leases only exclude operations inside this process")
	}
	rt.locks = lock.NewManager(lockStore, lock.WithLogger(rt.logger), lock.WithMetrics(rt.tel.Metrics))

	rt.sink, err = events.New(settings.Events, rt.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create event sink: %w", err)
	}
	rt.closers = append(rt.closers, rt.sink.Close)

	if needs.executor || settings.CloudState.Source != cloudstate.SourceSnapshot {
		rt.executor, err = executor.New(ctx, settings.Executor, rt.logger, rt.tel.Tracer.OTel())
		if err != nil {
			return nil, fmt.Errorf("failed to create executor: %w", err)
		}
		rt.closers = append(rt.closers, func(context.Context) error { return rt.executor.Close() })
	}

	switch settings.CloudState.Source {
	case cloudstate.SourceSnapshot:
		static, err := cloudstate.NewStatic(settings.CloudState.SnapshotPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load cloud state snapshot: %w", err)
		}
		if settings.CloudState.Watch {
			if err := static.Watch(ctx, rt.logger); err != nil {
				return nil, err
			}
		}
		rt.cloud = static
	default:
		rt.cloud = rt.executor.State
	}

	opts := []orchestrator.Option{
		orchestrator.WithEventSink(rt.sink),
		orchestrator.WithCloudState(rt.cloud),
		orchestrator.WithMetrics(rt.tel.Metrics),
		orchestrator.WithTracer(rt.tel.Tracer),
	}
	if needs.policy {
		rt.policy, err = policy.NewEngine(ctx, settings.Policy, rt.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create policy engine: %w", err)
		}
		rt.closers = append(rt.closers, func(context.Context) error { return rt.policy.Close() })
		if err := rt.policy.Watch(ctx); err != nil {
			return nil, fmt.Errorf("failed to watch policies: %w", err)
		}
		opts = append(opts, orchestrator.WithPlanGate(rt.policy))
	}

	cfg := settings.Orchestrator
	cfg.LockTTL = settings.Lock.TTL
	cfg.PlanningTTL = settings.Lock.PlanningTTL
	rt.service = orchestrator.NewService(cfg, rt.store, rt.locks, rt.logger, opts...)
	return rt, nil
}

// Close releases everything in reverse order of opening.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
