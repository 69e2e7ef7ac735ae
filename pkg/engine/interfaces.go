package engine

import (
	"context"
	"time"
)

// DeploymentFilter narrows ListDeployments.
type DeploymentFilter struct {
	TenantID string
	State    DeploymentState
	Limit    int
	Offset   int
}

// DeploymentRepository persists Deployment aggregates and their event history.
type DeploymentRepository interface {
	// CreateDeployment inserts a new deployment and appends its pending events.
	CreateDeployment(ctx context.Context, d *Deployment) error

	// GetDeployment loads a deployment by ID. Returns ErrNotFound if missing.
	GetDeployment(ctx context.Context, id string) (*Deployment, error)

	// SaveDeployment writes the deployment if its stored version equals d.Version,
	// increments d.Version and appends the events drained from d.
	// Returns ErrClaimConflict when the stored version moved on.
	SaveDeployment(ctx context.Context, d *Deployment) error

	// ListDeployments returns deployments, newest first.
	ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*Deployment, error)

	// ListDeploymentEvents returns the event history of a deployment, oldest first.
	ListDeploymentEvents(ctx context.Context, deploymentID string) ([]DomainEvent, error)
}

// TaskRepository is the durable task queue. ClaimQueued is the only operation
// that may be called concurrently by many workers for the same rows.
type TaskRepository interface {
	// CreateTasks inserts tasks in one transaction.
	CreateTasks(ctx context.Context, tasks []*Task) error

	// GetTask loads a task by ID. Returns ErrNotFound if missing.
	GetTask(ctx context.Context, id string) (*Task, error)

	// SaveTask writes the task if its stored version equals t.Version and increments t.Version.
	// Returns ErrClaimConflict when another writer got there first.
	SaveTask(ctx context.Context, t *Task) error

	// ListTasksByDeployment returns all tasks of a deployment ordered by epoch and step.
	ListTasksByDeployment(ctx context.Context, deploymentID string) ([]*Task, error)

	// ClaimQueued atomically moves up to limit QUEUED tasks whose dependencies have
	// succeeded to CLAIMED for workerID and returns them. No task is ever returned
	// to two callers.
	ClaimQueued(ctx context.Context, workerID string, limit int, now time.Time) ([]*Task, error)

	// ListDueRetries returns RETRYING tasks whose backoff elapsed by now.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*Task, error)

	// ListStale returns CLAIMED or RUNNING tasks claimed before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Task, error)
}

// DriftRepository keeps the history of drift scans.
type DriftRepository interface {
	// SaveDriftReport stores an immutable report.
	SaveDriftReport(ctx context.Context, r *DriftReport) error

	// ListDriftReports returns the reports of a deployment, newest first.
	ListDriftReports(ctx context.Context, deploymentID string, limit int) ([]*DriftReport, error)
}

// ApplyRequest is what a worker hands the executor for one task attempt.
type ApplyRequest struct {
	TaskID         string
	DeploymentID   string
	StepID         string
	IdempotencyKey string
	Resource       ResourceSpec
	Action         Action
	Attempt        int
}

// ApplyResult is the executor output recorded on a succeeded task.
type ApplyResult struct {
	Output map[string]interface{}
}

// Executor applies one resource action against real infrastructure.
// Implementations must treat a repeated IdempotencyKey as the same logical change.
type Executor interface {
	// Apply performs the action. The context carries the task's hard deadline.
	Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error)
}

// EventSink receives domain events after they are persisted.
type EventSink interface {
	// Publish delivers one event. Errors are logged by callers, never fatal.
	Publish(ctx context.Context, event DomainEvent) error
}

// CloudState reports what actually exists in a target environment.
type CloudState interface {
	// Snapshot returns the observed form of spec, or false if it does not exist.
	Snapshot(ctx context.Context, spec ResourceSpec) (ResourceSpec, bool, error)
}

// Inventory is an optional CloudState extension that lists everything observed
// in a provider region, used to report unmanaged resources.
type Inventory interface {
	// Inventory returns all observed resources of a provider region.
	Inventory(ctx context.Context, provider Provider, region string) ([]ResourceSpec, error)
}

// PlanGate reviews a freshly generated plan before approval.
type PlanGate interface {
	// Review returns whether the plan may be auto-approved, with the reasons it may not.
	Review(ctx context.Context, d *Deployment, plan *ExecutionPlan) (allowed bool, reasons []string, err error)
}
