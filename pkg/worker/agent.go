package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestrator/pkg/engine"
	"github.com/openfroyo/orchestrator/pkg/telemetry"
)

// Config holds worker agent settings.
type Config struct {
	// WorkerID identifies the agent in task claims. Generated when empty.
	WorkerID string `yaml:"worker_id" envconfig:"ID"`

	// PollInterval is the delay between claim attempts.
	PollInterval time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`

	// MaxConcurrent bounds the tasks this agent executes at once.
	MaxConcurrent int `yaml:"max_concurrent" envconfig:"MAX_CONCURRENT" validate:"gte=0"`

	// ClaimBatch caps how many tasks one poll claims. Defaults to MaxConcurrent.
	ClaimBatch int `yaml:"claim_batch" envconfig:"CLAIM_BATCH" validate:"gte=0"`

	// SweepInterval is the delay between stale-claim sweeps.
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`

	// StaleAfter is how long a claim may sit unstarted, or a running task may
	// overrun its own timeout, before it is recovered.
	StaleAfter time.Duration `yaml:"stale_after" envconfig:"STALE_AFTER"`

	// SweepLimit caps the tasks handled by one retry or stale sweep.
	SweepLimit int `yaml:"sweep_limit" envconfig:"SWEEP_LIMIT" validate:"gte=0"`

	Backoff engine.BackoffPolicy `yaml:"-" ignored:"true"`
}

// DefaultConfig returns worker defaults: poll every 2s, five concurrent tasks.
func DefaultConfig() Config {
	return Config{
		PollInterval:  2 * time.Second,
		MaxConcurrent: 5,
		SweepInterval: 30 * time.Second,
		StaleAfter:    5 * time.Minute,
		SweepLimit:    100,
		Backoff:       engine.DefaultBackoff(),
	}
}

// ResultHandler is called after a task reaches a terminal state so the parent
// deployment can be re-evaluated.
type ResultHandler func(ctx context.Context, task *engine.Task)

// Health is a point-in-time snapshot of an agent.
type Health struct {
	WorkerID  string    `json:"worker_id"`
	Running   bool      `json:"running"`
	Active    int       `json:"active_tasks"`
	Capacity  int       `json:"capacity"`
	Processed int64     `json:"processed"`
	Failed    int64     `json:"failed"`
	LastPoll  time.Time `json:"last_poll"`
}

// Option configures an Agent.
type Option func(*Agent)

// WithResultHandler sets the callback invoked for every task reaching a terminal state.
func WithResultHandler(h ResultHandler) Option {
	return func(a *Agent) { a.onResult = h }
}

// WithMetrics records claim, attempt and recovery metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithTracer wraps every execution attempt in a span.
func WithTracer(t *telemetry.Tracer) Option {
	return func(a *Agent) { a.tracer = t }
}

// Agent claims runnable tasks from the task repository and drives them to a
// terminal state through an Executor. Many agents may share one repository;
// the repository's claim primitive keeps them from executing the same task.
type Agent struct {
	cfg      Config
	tasks    engine.TaskRepository
	executor engine.Executor
	onResult ResultHandler
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	logger   zerolog.Logger
	sem      *Semaphore
	now      func() time.Time
	wg       sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64

	mu       sync.RWMutex
	lastPoll time.Time
	running  bool
}

// NewWorkerID returns a fresh worker identity of the form worker-<8 hex>.
func NewWorkerID() string {
	return "worker-" + uuid.New().String()[:8]
}

// NewAgent creates an agent. Zero config fields take their defaults.
func NewAgent(cfg Config, tasks engine.TaskRepository, executor engine.Executor, logger zerolog.Logger, opts ...Option) *Agent {
	defaults := DefaultConfig()
	if cfg.WorkerID == "" {
		cfg.WorkerID = NewWorkerID()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaults.MaxConcurrent
	}
	if cfg.ClaimBatch <= 0 || cfg.ClaimBatch > cfg.MaxConcurrent {
		cfg.ClaimBatch = cfg.MaxConcurrent
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaults.StaleAfter
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = defaults.SweepLimit
	}
	if cfg.Backoff == (engine.BackoffPolicy{}) {
		cfg.Backoff = defaults.Backoff
	}

	a := &Agent{
		cfg:      cfg,
		tasks:    tasks,
		executor: executor,
		logger:   logger.With().Str("component", "worker").Str("worker_id", cfg.WorkerID).Logger(),
		sem:      NewSemaphore(cfg.MaxConcurrent),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the worker identity used in claims.
func (a *Agent) ID() string {
	return a.cfg.WorkerID
}

// Run polls for tasks until ctx is cancelled, then waits for in-flight
// executions to finish. Cancelling ctx stops claiming; running executor calls
// are only bounded by their task timeout.
func (a *Agent) Run(ctx context.Context) error {
	a.setRunning(true)
	defer a.setRunning(false)

	a.logger.Info().
		Dur("poll_interval", a.cfg.PollInterval).
		Int("max_concurrent", a.cfg.MaxConcurrent).
		Msg("Worker started")

	pollTicker := time.NewTicker(a.cfg.PollInterval)
	defer pollTicker.Stop()
	sweepTicker := time.NewTicker(a.cfg.SweepInterval)
	defer sweepTicker.Stop()

	a.sweep(ctx)
	a.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Int("in_flight", a.sem.InUse()).Msg("Worker stopping")
			a.Wait()
			a.logger.Info().Msg("Worker stopped")
			return nil
		case <-pollTicker.C:
			a.pollOnce(ctx)
		case <-sweepTicker.C:
			a.sweep(ctx)
		}
	}
}

func (a *Agent) pollOnce(ctx context.Context) {
	if _, err := a.Poll(ctx); err != nil && ctx.Err() == nil {
		// An unreachable store makes this worker unavailable; its claims age
		// out and are recovered by other workers.
		a.logger.Warn().Err(err).Msg("Task poll failed")
	}
}

func (a *Agent) sweep(ctx context.Context) {
	if _, err := a.RecoverStale(ctx); err != nil && ctx.Err() == nil {
		a.logger.Warn().Err(err).Msg("Stale task sweep failed")
	}
}

// Poll promotes due retries, claims up to the free concurrency and starts
// executing what it claimed. It returns the number of tasks dispatched.
func (a *Agent) Poll(ctx context.Context) (int, error) {
	a.mu.Lock()
	a.lastPoll = a.now()
	a.mu.Unlock()

	if _, err := a.PromoteRetries(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Retry promotion failed")
	}

	limit := a.cfg.ClaimBatch
	if free := a.sem.Available(); free < limit {
		limit = free
	}
	if limit == 0 {
		return 0, nil
	}

	claimed, err := a.tasks.ClaimQueued(ctx, a.cfg.WorkerID, limit, a.now())
	if err != nil {
		return 0, fmt.Errorf("failed to claim tasks: %w", err)
	}
	a.metrics.RecordTasksClaimed(a.cfg.WorkerID, len(claimed))

	dispatched := 0
	for _, task := range claimed {
		if !a.sem.TryAcquire() {
			// Only reachable if the repository ignored the limit.
			a.release(ctx, task)
			continue
		}
		a.wg.Add(1)
		go func(t *engine.Task) {
			defer a.wg.Done()
			defer a.sem.Release()
			// Executions outlive the poll loop; only the task timeout stops them.
			a.execute(context.WithoutCancel(ctx), t)
		}(task)
		dispatched++
	}
	a.metrics.SetActiveTasks(a.cfg.WorkerID, a.sem.InUse())

	if dispatched > 0 {
		a.logger.Debug().Int("dispatched", dispatched).Msg("Tasks dispatched")
	}
	return dispatched, nil
}

// Wait blocks until every dispatched execution has finished.
func (a *Agent) Wait() {
	a.wg.Wait()
}

// Health returns a snapshot of the agent.
func (a *Agent) Health() Health {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return Health{
		WorkerID:  a.cfg.WorkerID,
		Running:   a.running,
		Active:    a.sem.InUse(),
		Capacity:  a.sem.Cap(),
		Processed: a.processed.Load(),
		Failed:    a.failed.Load(),
		LastPoll:  a.lastPoll,
	}
}

func (a *Agent) setRunning(running bool) {
	a.mu.Lock()
	a.running = running
	a.mu.Unlock()
}

// execute runs one claimed task: CLAIMED -> RUNNING -> SUCCEEDED or through
// the retry policy. ctx carries no cancellation of its own; an attempt ends
// with an executor result or the task timeout.
func (a *Agent) execute(ctx context.Context, task *engine.Task) {
	logger := a.logger.With().
		Str("task_id", task.ID).
		Str("deployment_id", task.DeploymentID).
		Str("step_id", task.StepID).
		Int("attempt", task.AttemptCount).
		Logger()

	if err := task.Start(); err != nil {
		logger.Error().Err(err).Msg("Claimed task cannot start")
		return
	}
	if err := a.tasks.SaveTask(ctx, task); err != nil {
		if errors.Is(err, engine.ErrClaimConflict) {
			// Cancelled or recovered since the claim.
			logger.Info().Msg("Task changed after claim, skipping")
			return
		}
		logger.Error().Err(err).Msg("Failed to mark task running")
		return
	}

	spanCtx, span := a.tracer.StartTaskSpan(ctx, task.ID, task.DeploymentID, string(task.Action), string(task.Resource.Type), task.AttemptCount)
	defer span.End()

	logger.Info().Str("action", string(task.Action)).Str("resource", task.Resource.Identifier()).Msg("Executing task")
	timer := telemetry.NewTimer()
	result, execErr := a.apply(spanCtx, task)
	duration := timer.Duration()

	outcome := "succeeded"
	if execErr == nil {
		if err := task.Succeed(result.Output); err != nil {
			logger.Error().Err(err).Msg("Failed to record task success")
			return
		}
		telemetry.RecordSuccess(span)
	} else {
		outcome = "failed"
		telemetry.RecordError(span, execErr)
		if err := task.Fail(execErr, a.cfg.Backoff); err != nil {
			logger.Error().Err(err).Msg("Failed to record task failure")
			return
		}
		a.failed.Add(1)
		a.metrics.RecordError(string(classOf(execErr)), engine.CodeOf(execErr))
	}
	a.processed.Add(1)
	a.metrics.RecordTaskAttempt(string(task.Action), string(task.Resource.Type), outcome, duration)

	if err := a.tasks.SaveTask(ctx, task); err != nil {
		if errors.Is(err, engine.ErrClaimConflict) {
			current, getErr := a.tasks.GetTask(ctx, task.ID)
			if getErr == nil {
				logger.Warn().Str("state", string(current.State)).Msg("Task changed while running, outcome discarded")
				return
			}
		}
		logger.Error().Err(err).Msg("Failed to persist task outcome")
		return
	}

	event := logger.Info()
	if execErr != nil {
		event = logger.Warn().Err(execErr)
	}
	event.Str("state", string(task.State)).Dur("duration", duration).Msg("Task attempt finished")

	a.notify(ctx, task)
}

// apply invokes the executor under the task's hard deadline. The executor runs
// in its own goroutine so a call that ignores its context cannot hold the
// attempt past the deadline.
func (a *Agent) apply(ctx context.Context, task *engine.Task) (*engine.ApplyResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	req := engine.ApplyRequest{
		TaskID:         task.ID,
		DeploymentID:   task.DeploymentID,
		StepID:         task.StepID,
		IdempotencyKey: task.IdempotencyKey,
		Resource:       task.Resource,
		Action:         task.Action,
		Attempt:        task.AttemptCount,
	}

	type outcome struct {
		result *engine.ApplyResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := a.executor.Apply(execCtx, req)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, classifyExecutorError(task, out.err)
		}
		if out.result == nil {
			out.result = &engine.ApplyResult{}
		}
		return out.result, nil
	case <-execCtx.Done():
		return nil, timeoutError(task, execCtx.Err())
	}
}

func classifyExecutorError(task *engine.Task, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutError(task, err)
	}
	var engineErr *engine.EngineError
	if errors.As(err, &engineErr) {
		return err
	}
	return engine.NewTransientError("executor failed", err).
		WithCode(engine.ErrCodeExecutorFailed).
		WithResource(task.Resource.Identifier()).
		WithOperation(string(task.Action))
}

func timeoutError(task *engine.Task, err error) error {
	return engine.NewTransientError(fmt.Sprintf("executor exceeded timeout of %s", task.Timeout), err).
		WithCode(engine.ErrCodeExecutorTimeout).
		WithResource(task.Resource.Identifier()).
		WithOperation(string(task.Action))
}

func classOf(err error) engine.ErrorClass {
	var e *engine.EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

func (a *Agent) notify(ctx context.Context, task *engine.Task) {
	if a.onResult == nil || !task.State.IsTerminal() {
		return
	}
	a.onResult(ctx, task)
}

// release hands a claimed task back to the queue without consuming an attempt.
func (a *Agent) release(ctx context.Context, task *engine.Task) {
	if err := task.ReleaseClaim(); err != nil {
		a.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to release claim")
		return
	}
	if err := a.tasks.SaveTask(context.WithoutCancel(ctx), task); err != nil {
		a.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to persist released claim")
	}
}
