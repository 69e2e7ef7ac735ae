package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeploymentState is the lifecycle state of a deployment.
type DeploymentState string

const (
	DeploymentPending          DeploymentState = "PENDING"
	DeploymentPlanning         DeploymentState = "PLANNING"
	DeploymentPlanned          DeploymentState = "PLANNED"
	DeploymentAwaitingApproval DeploymentState = "AWAITING_APPROVAL"
	DeploymentApproved         DeploymentState = "APPROVED"
	DeploymentExecuting        DeploymentState = "EXECUTING"
	DeploymentVerifying        DeploymentState = "VERIFYING"
	DeploymentCompleted        DeploymentState = "COMPLETED"
	DeploymentFailed           DeploymentState = "FAILED"
	DeploymentRollingBack      DeploymentState = "ROLLING_BACK"
	DeploymentRolledBack       DeploymentState = "ROLLED_BACK"
	DeploymentCancelled        DeploymentState = "CANCELLED"
	DeploymentRejected         DeploymentState = "REJECTED"
)

// AllDeploymentStates lists every deployment state.
var AllDeploymentStates = []DeploymentState{
	DeploymentPending, DeploymentPlanning, DeploymentPlanned, DeploymentAwaitingApproval,
	DeploymentApproved, DeploymentExecuting, DeploymentVerifying, DeploymentCompleted,
	DeploymentFailed, DeploymentRollingBack, DeploymentRolledBack, DeploymentCancelled,
	DeploymentRejected,
}

// deploymentTransitions is the single source of truth for legal deployment transitions.
var deploymentTransitions = map[DeploymentState][]DeploymentState{
	DeploymentPending:          {DeploymentPlanning, DeploymentCancelled},
	DeploymentPlanning:         {DeploymentPlanned, DeploymentFailed},
	DeploymentPlanned:          {DeploymentAwaitingApproval, DeploymentApproved, DeploymentCancelled},
	DeploymentAwaitingApproval: {DeploymentApproved, DeploymentRejected, DeploymentCancelled},
	DeploymentApproved:         {DeploymentExecuting, DeploymentCancelled},
	DeploymentExecuting:        {DeploymentVerifying, DeploymentFailed, DeploymentRollingBack},
	DeploymentVerifying:        {DeploymentCompleted, DeploymentFailed},
	DeploymentFailed:           {DeploymentRollingBack},
	DeploymentRollingBack:      {DeploymentRolledBack, DeploymentFailed},
}

// IsTerminal returns true if no further transitions are possible from s.
func (s DeploymentState) IsTerminal() bool {
	switch s {
	case DeploymentCompleted, DeploymentRolledBack, DeploymentCancelled, DeploymentRejected:
		return true
	default:
		return false
	}
}

// Validate checks if the deployment state is valid.
func (s DeploymentState) Validate() error {
	for _, known := range AllDeploymentStates {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("invalid deployment state: %s", s)
}

// CanTransitionDeployment reports whether the table lists from -> to.
func CanTransitionDeployment(from, to DeploymentState) bool {
	for _, allowed := range deploymentTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Deployment is the aggregate root of a multi-cloud deployment.
// All state changes go through transition, which consults deploymentTransitions.
type Deployment struct {
	// Identity and intent, fixed at submission
	ID                string                 `json:"id"`
	TenantID          string                 `json:"tenant_id,omitempty"`
	Name              string                 `json:"name"`
	Description       string                 `json:"description,omitempty"`
	InitiatedBy       string                 `json:"initiated_by,omitempty"`
	TargetProviders   []Provider             `json:"target_providers"`
	TargetRegions     []string               `json:"target_regions"`
	Resources         []ResourceSpec         `json:"resources"`
	Strategy          Strategy               `json:"strategy"`
	Environment       Environment            `json:"environment"`
	Parameters        map[string]interface{} `json:"parameters,omitempty"`
	AutoApprove       bool                   `json:"auto_approve"`
	RollbackOnFailure bool                   `json:"rollback_on_failure"`

	// State is only changed through transition
	State DeploymentState `json:"state"`

	// Plan is the forward plan; RollbackPlan is set when a rollback starts
	Plan         *ExecutionPlan `json:"plan,omitempty"`
	RollbackPlan *ExecutionPlan `json:"rollback_plan,omitempty"`

	// PlanEpoch numbers the task generation. Forward tasks use epoch 0 and
	// every rollback starts a new epoch; tasks of older epochs are ignored.
	PlanEpoch int `json:"plan_epoch"`

	ApprovedBy string `json:"approved_by,omitempty"`
	RejectedBy string `json:"rejected_by,omitempty"`

	// LastError is the reason of the latest failure or rejection
	LastError string `json:"last_error,omitempty"`

	// Version is the optimistic concurrency counter kept by the repository
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// events raised since the aggregate was loaded, drained by PullEvents
	events []DomainEvent
}

// NewDeployment creates a PENDING deployment from a validated intent and records
// deployment.created as its entry into PENDING.
func NewDeployment(intent Intent) (*Deployment, error) {
	intent.ApplyDefaults()
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	d := &Deployment{
		ID:                uuid.New().String(),
		TenantID:          intent.TenantID,
		Name:              intent.Name,
		Description:       intent.Description,
		InitiatedBy:       intent.InitiatedBy,
		TargetProviders:   append([]Provider(nil), intent.TargetProviders...),
		TargetRegions:     append([]string(nil), intent.TargetRegions...),
		Resources:         append([]ResourceSpec(nil), intent.Resources...),
		Strategy:          intent.Strategy,
		Environment:       intent.Environment,
		Parameters:        intent.Parameters,
		State:             DeploymentPending,
		AutoApprove:       intent.AutoApprove,
		RollbackOnFailure: *intent.RollbackOnFailure,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	d.record(EventDeploymentCreated, map[string]interface{}{
		"name":        d.Name,
		"to":          string(DeploymentPending),
		"environment": string(d.Environment),
		"strategy":    string(d.Strategy),
	})
	return d, nil
}

// Intent reconstructs the intent the deployment was created from.
func (d *Deployment) Intent() Intent {
	rollback := d.RollbackOnFailure
	return Intent{
		Name:              d.Name,
		Description:       d.Description,
		TenantID:          d.TenantID,
		InitiatedBy:       d.InitiatedBy,
		TargetProviders:   d.TargetProviders,
		TargetRegions:     d.TargetRegions,
		Resources:         d.Resources,
		Strategy:          d.Strategy,
		Environment:       d.Environment,
		AutoApprove:       d.AutoApprove,
		RollbackOnFailure: &rollback,
		Parameters:        d.Parameters,
	}
}

// CurrentPlan returns the plan whose tasks are being executed: the rollback plan
// once a rollback has started, the forward plan otherwise.
func (d *Deployment) CurrentPlan() *ExecutionPlan {
	if d.PlanEpoch > 0 && d.RollbackPlan != nil {
		return d.RollbackPlan
	}
	return d.Plan
}

// Events returns the events raised since the last PullEvents.
func (d *Deployment) Events() []DomainEvent {
	return append([]DomainEvent(nil), d.events...)
}

// PullEvents returns and clears the pending events.
func (d *Deployment) PullEvents() []DomainEvent {
	events := d.events
	d.events = nil
	return events
}

// StartPlanning moves PENDING -> PLANNING.
func (d *Deployment) StartPlanning() error {
	return d.transition(DeploymentPlanning, EventPlanningStarted, nil)
}

// AttachPlan moves PLANNING -> PLANNED with the generated plan.
func (d *Deployment) AttachPlan(plan *ExecutionPlan) error {
	if plan == nil {
		return d.refuse(DeploymentPlanned, "plan is nil")
	}
	if err := d.transition(DeploymentPlanned, EventPlanGenerated, map[string]interface{}{
		"plan_id": plan.PlanID,
		"steps":   len(plan.Steps),
		"risk":    string(plan.Risk),
	}); err != nil {
		return err
	}
	d.Plan = plan
	return nil
}

// RequestApproval moves PLANNED -> AWAITING_APPROVAL.
func (d *Deployment) RequestApproval(reason string) error {
	var payload map[string]interface{}
	if reason != "" {
		payload = map[string]interface{}{"reason": reason}
	}
	return d.transition(DeploymentAwaitingApproval, EventAwaitingApproval, payload)
}

// Approve moves AWAITING_APPROVAL -> APPROVED, or PLANNED -> APPROVED when auto-approve is set.
func (d *Deployment) Approve(approver string) error {
	if d.Plan == nil {
		return d.refuse(DeploymentApproved, "a plan must exist before approval")
	}
	if d.State == DeploymentPlanned && !d.AutoApprove {
		return d.refuse(DeploymentApproved, "auto-approve is not enabled")
	}
	if err := d.transition(DeploymentApproved, EventDeploymentApproved, map[string]interface{}{
		"approved_by": approver,
	}); err != nil {
		return err
	}
	d.ApprovedBy = approver
	return nil
}

// Reject moves AWAITING_APPROVAL -> REJECTED.
func (d *Deployment) Reject(rejecter, reason string) error {
	if err := d.transition(DeploymentRejected, EventDeploymentRejected, map[string]interface{}{
		"rejected_by": rejecter,
		"reason":      reason,
	}); err != nil {
		return err
	}
	d.RejectedBy = rejecter
	d.LastError = reason
	return nil
}

// StartExecution moves APPROVED -> EXECUTING.
func (d *Deployment) StartExecution() error {
	if d.Plan == nil {
		return d.refuse(DeploymentExecuting, "no plan attached")
	}
	return d.transition(DeploymentExecuting, EventExecutionStarted, map[string]interface{}{
		"plan_id": d.Plan.PlanID,
		"steps":   len(d.Plan.Steps),
	})
}

// StartVerification moves EXECUTING -> VERIFYING.
func (d *Deployment) StartVerification() error {
	return d.transition(DeploymentVerifying, EventVerificationStarted, nil)
}

// Complete moves VERIFYING -> COMPLETED.
func (d *Deployment) Complete() error {
	return d.transition(DeploymentCompleted, EventDeploymentCompleted, nil)
}

// Fail moves the deployment to FAILED and records the reason.
func (d *Deployment) Fail(reason string) error {
	if err := d.transition(DeploymentFailed, EventDeploymentFailed, map[string]interface{}{
		"error": reason,
	}); err != nil {
		return err
	}
	d.LastError = reason
	return nil
}

// CanRollback reports whether StartRollback would be accepted.
func (d *Deployment) CanRollback() bool {
	if !CanTransitionDeployment(d.State, DeploymentRollingBack) || d.Plan == nil {
		return false
	}
	return d.State != DeploymentFailed || d.RollbackOnFailure
}

// StartRollback moves EXECUTING or FAILED -> ROLLING_BACK, attaching the reverse plan
// and opening a new task epoch.
func (d *Deployment) StartRollback(reverse *ExecutionPlan) error {
	if reverse == nil || d.Plan == nil {
		return d.refuse(DeploymentRollingBack, "no plan to reverse")
	}
	if d.State == DeploymentFailed && !d.RollbackOnFailure {
		return d.refuse(DeploymentRollingBack, "rollback_on_failure is disabled, FAILED is terminal")
	}
	if err := d.transition(DeploymentRollingBack, EventRollbackStarted, map[string]interface{}{
		"plan_id": reverse.PlanID,
		"steps":   len(reverse.Steps),
		"epoch":   d.PlanEpoch + 1,
	}); err != nil {
		return err
	}
	d.RollbackPlan = reverse
	d.PlanEpoch++
	return nil
}

// CompleteRollback moves ROLLING_BACK -> ROLLED_BACK.
func (d *Deployment) CompleteRollback() error {
	return d.transition(DeploymentRolledBack, EventRollbackCompleted, nil)
}

// Cancel moves a non-terminal, non-executing deployment to CANCELLED.
func (d *Deployment) Cancel(reason string) error {
	return d.transition(DeploymentCancelled, EventDeploymentCancelled, map[string]interface{}{
		"reason": reason,
	})
}

// Transition dispatches to the operation that leads to the target state. It exists
// for callers that drive the machine generically; plan-carrying transitions
// (PLANNED, ROLLING_BACK) reuse the plan already attached.
func (d *Deployment) Transition(to DeploymentState) error {
	switch to {
	case DeploymentPlanning:
		return d.StartPlanning()
	case DeploymentPlanned:
		return d.AttachPlan(d.Plan)
	case DeploymentAwaitingApproval:
		return d.RequestApproval("")
	case DeploymentApproved:
		return d.Approve(d.ApprovedBy)
	case DeploymentRejected:
		return d.Reject(d.RejectedBy, "")
	case DeploymentExecuting:
		return d.StartExecution()
	case DeploymentVerifying:
		return d.StartVerification()
	case DeploymentCompleted:
		return d.Complete()
	case DeploymentFailed:
		return d.Fail(d.LastError)
	case DeploymentRollingBack:
		if d.Plan == nil {
			return d.refuse(to, "no plan to reverse")
		}
		return d.StartRollback(ReversePlan(d.Plan))
	case DeploymentRolledBack:
		return d.CompleteRollback()
	case DeploymentCancelled:
		return d.Cancel("")
	default:
		return d.refuse(to, "unknown target state")
	}
}

// transition validates and applies a state change, recording exactly one event.
func (d *Deployment) transition(to DeploymentState, eventType EventType, payload map[string]interface{}) error {
	from := d.State
	if !CanTransitionDeployment(from, to) {
		reason := "transition not allowed"
		if from.IsTerminal() {
			reason = fmt.Sprintf("%s is a terminal state", from)
		}
		return d.refuse(to, reason)
	}

	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["from"] = string(from)
	payload["to"] = string(to)

	d.State = to
	d.UpdatedAt = time.Now().UTC()
	d.record(eventType, payload)
	return nil
}

func (d *Deployment) refuse(to DeploymentState, reason string) error {
	return &TransitionError{
		Aggregate: "deployment",
		ID:        d.ID,
		From:      string(d.State),
		To:        string(to),
		Reason:    reason,
	}
}

func (d *Deployment) record(eventType EventType, payload map[string]interface{}) {
	d.events = append(d.events, NewDomainEvent(eventType, d.ID, payload))
}
