package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/orchestrator/pkg/engine"
	"github.com/openfroyo/orchestrator/pkg/lock"
	"github.com/openfroyo/orchestrator/pkg/telemetry"
)

// Repository is the persistence the service needs. stores.Store satisfies it.
type Repository interface {
	engine.DeploymentRepository
	engine.TaskRepository
	engine.DriftRepository
}

// Service is the deployment orchestration facade. Every operation that
// mutates a deployment runs under that deployment's lease, loads the
// aggregate fresh, applies one state machine operation and persists it before
// the raised events are published.
type Service struct {
	cfg   Config
	repo  Repository
	locks *lock.Manager // per-deployment lease; drift scans run without it

	planner  *engine.Planner
	detector *engine.DriftDetector

	// Optional collaborators, nil unless set through an Option
	sink  engine.EventSink
	gate  engine.PlanGate
	cloud engine.CloudState

	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithEventSink publishes persisted domain events to sink.
func WithEventSink(sink engine.EventSink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithPlanGate reviews every forward plan before it can be approved.
func WithPlanGate(gate engine.PlanGate) Option {
	return func(s *Service) { s.gate = gate }
}

// WithCloudState enables drift scans and resource verification.
func WithCloudState(cloud engine.CloudState) Option {
	return func(s *Service) { s.cloud = cloud }
}

// WithPlanner replaces the default catalog planner.
func WithPlanner(p *engine.Planner) Option {
	return func(s *Service) { s.planner = p }
}

// WithMetrics records transitions, plans and drift scans.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer wraps every operation in a span.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// NewService creates the orchestration service. Zero config fields take their defaults.
func NewService(cfg Config, repo Repository, locks *lock.Manager, logger zerolog.Logger, opts ...Option) *Service {
	defaults := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaults.LockTTL
	}
	if cfg.PlanningTTL <= 0 {
		cfg.PlanningTTL = defaults.PlanningTTL
	}

	s := &Service{
		cfg:      cfg,
		repo:     repo,
		locks:    locks,
		planner:  engine.NewPlanner(engine.DefaultCatalog()),
		detector: engine.NewDriftDetector(),
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates an intent and stores it as a PENDING deployment.
func (s *Service) Submit(ctx context.Context, intent engine.Intent) (_ *engine.Deployment, err error) {
	ctx, span := s.tracer.StartSpan(ctx, "deployment.submit")
	defer func() { endSpan(span, err) }()

	d, err := engine.NewDeployment(intent)
	if err != nil {
		return nil, err
	}
	events := d.Events()
	if err := s.repo.CreateDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}
	s.publish(ctx, events)

	s.logger.Info().
		Str("deployment_id", d.ID).
		Str("name", d.Name).
		Str("environment", string(d.Environment)).
		Int("resources", len(d.Resources)).
		Msg("Deployment submitted")
	return d, nil
}

// Plan generates the execution plan: PENDING -> PLANNING -> PLANNED, then on to
// APPROVED when auto-approve is set and the plan gate allows it, or to
// AWAITING_APPROVAL otherwise. A planning error moves the deployment to FAILED
// and is returned.
func (s *Service) Plan(ctx context.Context, id string) (*engine.Deployment, error) {
	return s.mutate(ctx, "plan", id, s.cfg.PlanningTTL, func(ctx context.Context, d *engine.Deployment) error {
		if err := d.StartPlanning(); err != nil {
			return err
		}

		plan, planErr := s.planner.Plan(d.Intent())
		if planErr != nil {
			s.logger.Warn().Err(planErr).Str("deployment_id", d.ID).Msg("Planning failed")
			if err := d.Fail(planErr.Error()); err != nil {
				return err
			}
			return &committedError{err: planErr}
		}
		if err := d.AttachPlan(plan); err != nil {
			return err
		}
		s.metrics.RecordPlanGenerated(string(plan.Risk), false)

		allowed, reasons := s.review(ctx, d, plan)
		if d.AutoApprove && allowed {
			return d.Approve("auto-approve")
		}
		return d.RequestApproval(strings.Join(reasons, "; "))
	})
}

// review runs the plan gate. A gate error blocks auto-approval.
func (s *Service) review(ctx context.Context, d *engine.Deployment, plan *engine.ExecutionPlan) (bool, []string) {
	if s.gate == nil {
		return true, nil
	}
	allowed, reasons, err := s.gate.Review(ctx, d, plan)
	if err != nil {
		s.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("Plan review failed, manual approval required")
		return false, []string{"policy evaluation failed: " + err.Error()}
	}
	if !allowed {
		s.logger.Info().
			Str("deployment_id", d.ID).
			Strs("reasons", reasons).
			Msg("Plan gate requires manual approval")
	}
	return allowed, reasons
}

// Approve moves AWAITING_APPROVAL -> APPROVED.
func (s *Service) Approve(ctx context.Context, id, approver string) (*engine.Deployment, error) {
	return s.mutate(ctx, "approve", id, s.cfg.LockTTL, func(_ context.Context, d *engine.Deployment) error {
		if approver == "" {
			return engine.NewValidationError("approver is required", nil)
		}
		return d.Approve(approver)
	})
}

// Reject moves AWAITING_APPROVAL -> REJECTED.
func (s *Service) Reject(ctx context.Context, id, rejecter, reason string) (*engine.Deployment, error) {
	return s.mutate(ctx, "reject", id, s.cfg.LockTTL, func(_ context.Context, d *engine.Deployment) error {
		if rejecter == "" {
			return engine.NewValidationError("rejecter is required", nil)
		}
		return d.Reject(rejecter, reason)
	})
}

// Execute moves APPROVED -> EXECUTING and materializes one QUEUED task per
// plan step. Workers pick the tasks up from there.
func (s *Service) Execute(ctx context.Context, id string) (*engine.Deployment, error) {
	return s.mutate(ctx, "execute", id, s.cfg.LockTTL, func(ctx context.Context, d *engine.Deployment) error {
		if err := d.StartExecution(); err != nil {
			return err
		}
		if len(d.Plan.Steps) == 0 {
			if err := d.StartVerification(); err != nil {
				return err
			}
			return d.Complete()
		}
		return s.materialize(ctx, d, d.Plan)
	})
}

// Rollback moves EXECUTING or FAILED -> ROLLING_BACK with the reverse of the
// forward plan as a new task epoch. Pending tasks of the abandoned epoch are
// cancelled; running ones finish on their own.
func (s *Service) Rollback(ctx context.Context, id string) (*engine.Deployment, error) {
	return s.mutate(ctx, "rollback", id, s.cfg.LockTTL, func(ctx context.Context, d *engine.Deployment) error {
		return s.startRollback(ctx, d)
	})
}

// Cancel moves a deployment that is not executing to CANCELLED and cancels
// any task that has not started.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*engine.Deployment, error) {
	return s.mutate(ctx, "cancel", id, s.cfg.LockTTL, func(ctx context.Context, d *engine.Deployment) error {
		if err := d.Cancel(reason); err != nil {
			return err
		}
		_, err := s.cancelPending(ctx, d.ID, func(*engine.Task) bool { return true }, "deployment cancelled")
		return err
	})
}

// Get returns a deployment.
func (s *Service) Get(ctx context.Context, id string) (*engine.Deployment, error) {
	return s.repo.GetDeployment(ctx, id)
}

// List returns deployments matching filter, newest first.
func (s *Service) List(ctx context.Context, filter engine.DeploymentFilter) ([]*engine.Deployment, error) {
	return s.repo.ListDeployments(ctx, filter)
}

// Tasks returns every task of a deployment across all epochs.
func (s *Service) Tasks(ctx context.Context, id string) ([]*engine.Task, error) {
	if _, err := s.repo.GetDeployment(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListTasksByDeployment(ctx, id)
}

// Events returns the persisted event history of a deployment.
func (s *Service) Events(ctx context.Context, id string) ([]engine.DomainEvent, error) {
	if _, err := s.repo.GetDeployment(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListDeploymentEvents(ctx, id)
}

// committedError is returned by a mutation that must persist the aggregate
// and still fail the operation, like a planning error moving the deployment
// to FAILED.
type committedError struct {
	err error
}

func (e *committedError) Error() string { return e.err.Error() }
func (e *committedError) Unwrap() error { return e.err }

// mutate runs fn on a freshly loaded deployment under its lease and persists
// the result. Nothing is saved when fn fails, unless it returns a
// committedError.
func (s *Service) mutate(ctx context.Context, op, id string, ttl time.Duration, fn func(ctx context.Context, d *engine.Deployment) error) (result *engine.Deployment, err error) {
	ctx, span := s.tracer.StartDeploymentSpan(ctx, op, id)
	defer func() { endSpan(span, err) }()

	logger := s.logger.With().Str("deployment_id", id).Str("operation", op).Logger()

	err = s.locks.WithLock(ctx, lock.DeploymentKey(id), ttl, func(ctx context.Context) error {
		d, err := s.repo.GetDeployment(ctx, id)
		if err != nil {
			return err
		}
		from := d.State

		fnErr := fn(ctx, d)
		var committed *committedError
		isCommitted := errors.As(fnErr, &committed)
		if fnErr != nil && !isCommitted {
			return fnErr
		}
		if len(d.Events()) == 0 {
			result = d
			return nil
		}

		if err := s.save(ctx, d); err != nil {
			return err
		}
		result = d
		logger.Info().Str("from", string(from)).Str("to", string(d.State)).Msg("Deployment updated")
		if isCommitted {
			return committed.err
		}
		return nil
	})
	if err != nil {
		s.metrics.RecordError(classify(err))
		return result, err
	}
	return result, nil
}

// save persists d and publishes the events it raised.
func (s *Service) save(ctx context.Context, d *engine.Deployment) error {
	events := d.Events()
	if err := s.repo.SaveDeployment(ctx, d); err != nil {
		return fmt.Errorf("failed to save deployment %s: %w", d.ID, err)
	}
	s.publish(ctx, events)
	return nil
}

// publish forwards events to the sink. Delivery failures are logged only.
func (s *Service) publish(ctx context.Context, events []engine.DomainEvent) {
	for _, event := range events {
		if to, ok := event.Payload["to"].(string); ok {
			from, _ := event.Payload["from"].(string)
			s.metrics.RecordDeploymentTransition(from, to)
		}
		if s.sink == nil {
			continue
		}
		if err := s.sink.Publish(ctx, event); err != nil {
			s.logger.Warn().
				Err(err).
				Str("event_type", string(event.Type)).
				Str("aggregate_id", event.AggregateID).
				Msg("Failed to publish event")
		}
	}
}

// materialize creates one QUEUED task per plan step in the deployment's
// current epoch.
func (s *Service) materialize(ctx context.Context, d *engine.Deployment, plan *engine.ExecutionPlan) error {
	// Tasks of this epoch can already exist when an earlier attempt created
	// them but failed to save the deployment. Those are adopted as they are.
	existing, err := s.repo.ListTasksByDeployment(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	adopted := make(map[string]bool)
	for _, t := range existing {
		if t.Epoch == d.PlanEpoch {
			adopted[t.StepID] = true
		}
	}

	tasks := make([]*engine.Task, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		if adopted[step.StepID] {
			continue
		}
		t := engine.NewTask(d.ID, step, d.PlanEpoch, s.cfg.MaxAttempts)
		if err := t.Enqueue(); err != nil {
			return err
		}
		tasks = append(tasks, t)
	}
	if len(tasks) > 0 {
		if err := s.repo.CreateTasks(ctx, tasks); err != nil {
			return fmt.Errorf("failed to create tasks: %w", err)
		}
	}
	s.logger.Info().
		Str("deployment_id", d.ID).
		Int("epoch", d.PlanEpoch).
		Int("tasks", len(tasks)).
		Int("adopted", len(adopted)).
		Msg("Tasks materialized")
	return nil
}

// startRollback attaches the reverse plan, cancels what is left of the
// abandoned epoch and materializes the reverse tasks.
func (s *Service) startRollback(ctx context.Context, d *engine.Deployment) error {
	if d.Plan == nil {
		return d.StartRollback(nil)
	}
	reverse := engine.ReversePlan(d.Plan)
	abandoned := d.PlanEpoch
	if err := d.StartRollback(reverse); err != nil {
		return err
	}
	s.metrics.RecordPlanGenerated(string(reverse.Risk), true)

	if _, err := s.cancelPending(ctx, d.ID, func(t *engine.Task) bool { return t.Epoch <= abandoned }, "superseded by rollback"); err != nil {
		return err
	}
	if len(reverse.Steps) == 0 {
		return d.CompleteRollback()
	}
	return s.materialize(ctx, d, reverse)
}

// cancelPending cancels the non-terminal tasks selected by match. RUNNING
// tasks are left to finish; their outcome no longer affects the deployment.
func (s *Service) cancelPending(ctx context.Context, deploymentID string, match func(*engine.Task) bool, reason string) (int, error) {
	tasks, err := s.repo.ListTasksByDeployment(ctx, deploymentID)
	if err != nil {
		return 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	cancelled := 0
	for _, t := range tasks {
		if t.State.IsTerminal() || t.State == engine.TaskRunning || !match(t) {
			continue
		}
		if err := t.Cancel(reason); err != nil {
			return cancelled, err
		}
		if err := s.repo.SaveTask(ctx, t); err != nil {
			if errors.Is(err, engine.ErrClaimConflict) {
				// Claimed or started since the listing; it finishes on its own.
				continue
			}
			return cancelled, fmt.Errorf("failed to cancel task %s: %w", t.ID, err)
		}
		cancelled++
	}
	if cancelled > 0 {
		s.logger.Info().Str("deployment_id", deploymentID).Int("cancelled", cancelled).Str("reason", reason).Msg("Tasks cancelled")
	}
	return cancelled, nil
}

// classify returns the metric labels of an operation error.
func classify(err error) (class, code string) {
	var e *engine.EngineError
	switch {
	case errors.As(err, &e):
		return string(e.Class), e.Code
	case errors.Is(err, engine.ErrInvalidTransition):
		return string(engine.ErrorClassPermanent), engine.ErrCodeInvalidTransition
	default:
		return "unknown", ""
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	span.End()
}
