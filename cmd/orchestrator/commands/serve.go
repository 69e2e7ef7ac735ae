package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/orchestrator/pkg/api"
	"github.com/openfroyo/orchestrator/pkg/worker"
)

func newServeCommand(info buildInfo) *cobra.Command {
	var (
		listen  string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		Long: `Run the HTTP API together with the background loops of the control plane:

  - the reconciler, which re-evaluates EXECUTING and ROLLING_BACK deployments
    whose task outcomes were not picked up by a worker
  - the drift scheduler, when orchestrator.drift_interval is set
  - the policy watcher, when policy.watch is set

With --workers, task workers also run in this process, which is the simplest
single-node setup.`,
		Example: `  # Serve with the settings file
  orchestrator serve --config orchestrator.yaml

  # Single process development setup with two embedded workers
  orchestrator serve --workers 2

  # Override the listen address
  orchestrator serve --listen :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			settings, err := loadSettings(info.Version)
			if err != nil {
				return err
			}
			if listen != "" {
				settings.API.ListenAddress = listen
			}

			rt, err := newRuntime(ctx, settings, runtimeNeeds{executor: workers > 0, policy: true})
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			handler := api.NewHandler(rt.service, info.Version, map[string]api.ReadyFunc{
				"store": rt.store.HealthCheck,
			})
			server := api.NewServer(settings.API, handler, rt.logger, api.WithTelemetry(rt.tel))

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return server.Run(ctx) })
			g.Go(func() error { return rt.service.RunReconciler(ctx) })
			g.Go(func() error { return rt.service.RunDriftScheduler(ctx) })

			for i := 0; i < workers; i++ {
				cfg := settings.Worker
				if cfg.WorkerID != "" {
					cfg.WorkerID = fmt.Sprintf("%s-%d", cfg.WorkerID, i)
				}
				agent := newAgent(rt, cfg)
				g.Go(func() error { return agent.Run(ctx) })
			}

			log.Info().
				Str("listen", settings.API.ListenAddress).
				Int("workers", workers).
				Str("store", settings.Store.Driver).
				Str("lock", settings.Lock.Driver).
				Msg("Orchestrator serving")
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "API listen address (overrides api.listen_address)")
	cmd.Flags().IntVar(&workers, "workers", 0, "number of task workers to run in-process")

	return cmd
}

func newAgent(rt *runtime, cfg worker.Config) *worker.Agent {
	return worker.NewAgent(cfg, rt.store, rt.executor, rt.logger,
		worker.WithResultHandler(rt.service.HandleTaskResult),
		worker.WithMetrics(rt.tel.Metrics),
		worker.WithTracer(rt.tel.Tracer),
	)
}
