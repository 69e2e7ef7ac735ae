package engine

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a domain event.
type EventType string

// Deployment lifecycle events, one per accepted transition.
const (
	EventDeploymentCreated   EventType = "deployment.created"
	EventPlanningStarted     EventType = "deployment.planning_started"
	EventPlanGenerated       EventType = "deployment.plan_generated"
	EventAwaitingApproval    EventType = "deployment.awaiting_approval"
	EventDeploymentApproved  EventType = "deployment.approved"
	EventDeploymentRejected  EventType = "deployment.rejected"
	EventExecutionStarted    EventType = "deployment.started"
	EventVerificationStarted EventType = "deployment.verifying"
	EventDeploymentCompleted EventType = "deployment.completed"
	EventDeploymentFailed    EventType = "deployment.failed"
	EventRollbackStarted     EventType = "deployment.rollback_started"
	EventRollbackCompleted   EventType = "deployment.rollback_completed"
	EventDeploymentCancelled EventType = "deployment.cancelled"
	EventDriftDetected       EventType = "drift.detected"
)

// DomainEvent is an immutable record of something that happened to an aggregate.
type DomainEvent struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"event_type"`
	AggregateID string                 `json:"aggregate_id"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
}

// NewDomainEvent creates an event stamped with a fresh ID and the current time.
func NewDomainEvent(eventType EventType, aggregateID string, payload map[string]interface{}) DomainEvent {
	return DomainEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		AggregateID: aggregateID,
		Payload:     payload,
		OccurredAt:  time.Now().UTC(),
	}
}
