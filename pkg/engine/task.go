package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxAttempts is the number of executions a task gets before dead-lettering.
	DefaultMaxAttempts = 3

	// DefaultTaskTimeout applies when a step carries no duration estimate.
	DefaultTaskTimeout = 300 * time.Second

	minTaskTimeout = 60 * time.Second
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskCreated    TaskState = "CREATED"
	TaskQueued     TaskState = "QUEUED"
	TaskClaimed    TaskState = "CLAIMED"
	TaskRunning    TaskState = "RUNNING"
	TaskSucceeded  TaskState = "SUCCEEDED"
	TaskFailed     TaskState = "FAILED"
	TaskRetrying   TaskState = "RETRYING"
	TaskDeadLetter TaskState = "DEAD_LETTER"
	TaskCancelled  TaskState = "CANCELLED"
)

// AllTaskStates lists every task state.
var AllTaskStates = []TaskState{
	TaskCreated, TaskQueued, TaskClaimed, TaskRunning, TaskSucceeded,
	TaskFailed, TaskRetrying, TaskDeadLetter, TaskCancelled,
}

// taskTransitions is the single source of truth for legal task transitions.
// CLAIMED -> QUEUED releases a stale claim whose execution never started.
var taskTransitions = map[TaskState][]TaskState{
	TaskCreated:  {TaskQueued, TaskCancelled},
	TaskQueued:   {TaskClaimed, TaskCancelled},
	TaskClaimed:  {TaskRunning, TaskQueued, TaskCancelled},
	TaskRunning:  {TaskSucceeded, TaskFailed, TaskCancelled},
	TaskFailed:   {TaskRetrying, TaskDeadLetter, TaskCancelled},
	TaskRetrying: {TaskQueued, TaskCancelled},
}

// IsTerminal returns true if no further transitions are possible from s.
func (s TaskState) IsTerminal() bool {
	return s == TaskSucceeded || s == TaskDeadLetter || s == TaskCancelled
}

// Validate checks if the task state is valid.
func (s TaskState) Validate() error {
	for _, known := range AllTaskStates {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("invalid task state: %s", s)
}

// CanTransitionTask reports whether the table lists from -> to.
func CanTransitionTask(from, to TaskState) bool {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Task is one execution of a plan step, retried until it succeeds or runs out of attempts.
// A queued task is only claimable once every step in DependsOn has SUCCEEDED
// within the same deployment and epoch.
type Task struct {
	ID           string `json:"id"`
	DeploymentID string `json:"deployment_id"`

	// StepID and DependsOn mirror the plan step this task executes
	StepID    string   `json:"step_id"`
	DependsOn []string `json:"depends_on,omitempty"`

	// Epoch is the deployment plan epoch the task belongs to
	Epoch int `json:"epoch"`

	// IdempotencyKey is passed to the executor on every attempt
	IdempotencyKey string `json:"idempotency_key"`

	Resource ResourceSpec `json:"resource"`
	Action   Action       `json:"action"`
	State    TaskState    `json:"state"`

	// AttemptCount is 1 for the first attempt and grows on each retry
	AttemptCount int    `json:"attempt_count"`
	MaxAttempts  int    `json:"max_attempts"`
	LastError    string `json:"last_error,omitempty"`

	// ClaimedBy and ClaimedAt are set while a worker holds the task
	ClaimedBy string     `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	// NotBefore delays a RETRYING task until its backoff has passed
	NotBefore *time.Time `json:"not_before,omitempty"`

	// Timeout is the hard deadline of one executor call
	Timeout time.Duration `json:"timeout"`

	// Result is the executor output of the successful attempt
	Result      map[string]interface{} `json:"result,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`

	// Version is the optimistic concurrency counter kept by the repository
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IdempotencyKey derives the stable key of a step execution from the deployment,
// the step and the plan epoch. Retries of the same task share the key.
func IdempotencyKey(deploymentID, stepID string, epoch int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%s/%d", deploymentID, stepID, epoch)))
	return hex.EncodeToString(sum[:])
}

// NewTask creates a CREATED task for a plan step.
func NewTask(deploymentID string, step PlanStep, epoch, maxAttempts int) *Task {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	timeout := DefaultTaskTimeout
	if step.EstimatedDurationSeconds > 0 {
		timeout = 2 * time.Duration(step.EstimatedDurationSeconds) * time.Second
		if timeout < minTaskTimeout {
			timeout = minTaskTimeout
		}
	}
	now := time.Now().UTC()
	return &Task{
		ID:             uuid.New().String(),
		DeploymentID:   deploymentID,
		StepID:         step.StepID,
		DependsOn:      append([]string(nil), step.DependsOn...),
		Epoch:          epoch,
		IdempotencyKey: IdempotencyKey(deploymentID, step.StepID, epoch),
		Resource:       step.Resource,
		Action:         step.Action,
		State:          TaskCreated,
		AttemptCount:   1,
		MaxAttempts:    maxAttempts,
		Timeout:        timeout,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Enqueue moves CREATED -> QUEUED.
func (t *Task) Enqueue() error {
	return t.transition(TaskQueued)
}

// Claim moves QUEUED -> CLAIMED for a worker.
func (t *Task) Claim(workerID string, at time.Time) error {
	if workerID == "" {
		return t.refuse(TaskClaimed, "worker id is required")
	}
	if err := t.transition(TaskClaimed); err != nil {
		return err
	}
	t.ClaimedBy = workerID
	t.ClaimedAt = &at
	return nil
}

// ReleaseClaim moves a CLAIMED task back to QUEUED without consuming an attempt.
func (t *Task) ReleaseClaim() error {
	if err := t.transition(TaskQueued); err != nil {
		return err
	}
	t.ClaimedBy = ""
	t.ClaimedAt = nil
	return nil
}

// Start moves CLAIMED -> RUNNING.
func (t *Task) Start() error {
	if err := t.transition(TaskRunning); err != nil {
		return err
	}
	now := t.UpdatedAt
	t.StartedAt = &now
	return nil
}

// Succeed moves RUNNING -> SUCCEEDED with the executor output.
func (t *Task) Succeed(output map[string]interface{}) error {
	if err := t.transition(TaskSucceeded); err != nil {
		return err
	}
	t.Result = output
	t.LastError = ""
	now := t.UpdatedAt
	t.CompletedAt = &now
	return nil
}

// Fail moves RUNNING -> FAILED, records the error and applies the retry policy:
// RETRYING with a backoff gate while attempts remain, DEAD_LETTER otherwise.
func (t *Task) Fail(cause error, backoff BackoffPolicy) error {
	if err := t.transition(TaskFailed); err != nil {
		return err
	}
	if cause != nil {
		t.LastError = cause.Error()
	}

	if t.AttemptCount < t.MaxAttempts {
		if err := t.transition(TaskRetrying); err != nil {
			return err
		}
		notBefore := t.UpdatedAt.Add(backoff.Delay(t.AttemptCount, cause))
		t.NotBefore = &notBefore
		return nil
	}

	if err := t.transition(TaskDeadLetter); err != nil {
		return err
	}
	now := t.UpdatedAt
	t.CompletedAt = &now
	return nil
}

// DependenciesMet reports whether every dependency of t is in succeeded.
func (t *Task) DependenciesMet(succeeded map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !succeeded[dep] {
			return false
		}
	}
	return true
}

// ReadyForRetry reports whether a RETRYING task's backoff has elapsed.
func (t *Task) ReadyForRetry(now time.Time) bool {
	return t.State == TaskRetrying && (t.NotBefore == nil || !now.Before(*t.NotBefore))
}

// Requeue moves RETRYING -> QUEUED and increments the attempt count.
// The idempotency key is left untouched.
func (t *Task) Requeue() error {
	if err := t.transition(TaskQueued); err != nil {
		return err
	}
	t.AttemptCount++
	t.ClaimedBy = ""
	t.ClaimedAt = nil
	t.NotBefore = nil
	return nil
}

// Cancel moves any non-terminal task to CANCELLED.
func (t *Task) Cancel(reason string) error {
	if err := t.transition(TaskCancelled); err != nil {
		return err
	}
	if reason != "" {
		t.LastError = reason
	}
	now := t.UpdatedAt
	t.CompletedAt = &now
	return nil
}

func (t *Task) transition(to TaskState) error {
	if !CanTransitionTask(t.State, to) {
		reason := "transition not allowed"
		if t.State.IsTerminal() {
			reason = fmt.Sprintf("%s is a terminal state", t.State)
		}
		return t.refuse(to, reason)
	}
	t.State = to
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *Task) refuse(to TaskState, reason string) error {
	return &TransitionError{
		Aggregate: "task",
		ID:        t.ID,
		From:      string(t.State),
		To:        string(to),
		Reason:    reason,
	}
}
