package engine

import (
	"errors"
	"testing"
)

func newTestDeployment(t *testing.T) *Deployment {
	t.Helper()
	d, err := NewDeployment(webIntent())
	if err != nil {
		t.Fatalf("NewDeployment failed: %v", err)
	}
	return d
}

func plannedDeployment(t *testing.T, autoApprove bool) *Deployment {
	t.Helper()
	d := newTestDeployment(t)
	d.AutoApprove = autoApprove
	plan, err := NewPlanner(nil).Plan(d.Intent())
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if err := d.StartPlanning(); err != nil {
		t.Fatalf("StartPlanning failed: %v", err)
	}
	if err := d.AttachPlan(plan); err != nil {
		t.Fatalf("AttachPlan failed: %v", err)
	}
	return d
}

func TestNewDeployment(t *testing.T) {
	d := newTestDeployment(t)

	if d.State != DeploymentPending {
		t.Errorf("Expected PENDING, got %s", d.State)
	}
	if !d.RollbackOnFailure {
		t.Error("Expected rollback_on_failure to default to true")
	}
	events := d.Events()
	if len(events) != 1 || events[0].Type != EventDeploymentCreated {
		t.Fatalf("Expected one deployment.created event, got %v", events)
	}
	if events[0].AggregateID != d.ID {
		t.Errorf("Expected aggregate ID %s, got %s", d.ID, events[0].AggregateID)
	}
}

func TestNewDeployment_InvalidIntent(t *testing.T) {
	intent := webIntent()
	intent.TargetProviders = []Provider{"oracle"}

	_, err := NewDeployment(intent)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if CodeOf(err) != ErrCodeValidation {
		t.Errorf("Expected code %s, got %s", ErrCodeValidation, CodeOf(err))
	}
}

func TestDeployment_HappyPath(t *testing.T) {
	d := plannedDeployment(t, false)

	steps := []struct {
		name     string
		op       func() error
		expected DeploymentState
	}{
		{"request approval", func() error { return d.RequestApproval("manual review") }, DeploymentAwaitingApproval},
		{"approve", func() error { return d.Approve("alice") }, DeploymentApproved},
		{"execute", d.StartExecution, DeploymentExecuting},
		{"verify", d.StartVerification, DeploymentVerifying},
		{"complete", d.Complete, DeploymentCompleted},
	}
	for _, s := range steps {
		if err := s.op(); err != nil {
			t.Fatalf("%s: unexpected error: %v", s.name, err)
		}
		if d.State != s.expected {
			t.Fatalf("%s: expected %s, got %s", s.name, s.expected, d.State)
		}
	}

	if d.ApprovedBy != "alice" {
		t.Errorf("Expected approver alice, got %s", d.ApprovedBy)
	}
	// created, planning_started, plan_generated, then one per step above
	if n := len(d.Events()); n != 3+len(steps) {
		t.Errorf("Expected %d events, got %d", 3+len(steps), n)
	}
}

func TestDeployment_ApproveRequiresAutoApproveFromPlanned(t *testing.T) {
	d := plannedDeployment(t, false)
	before := len(d.Events())

	err := d.Approve("bob")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Expected ErrInvalidTransition, got %v", err)
	}
	if d.State != DeploymentPlanned {
		t.Errorf("Expected state to stay PLANNED, got %s", d.State)
	}
	if len(d.Events()) != before {
		t.Error("Expected no event for a refused transition")
	}

	auto := plannedDeployment(t, true)
	if err := auto.Approve("system"); err != nil {
		t.Fatalf("Expected auto-approve from PLANNED, got %v", err)
	}
}

func TestDeployment_ApproveRequiresPlan(t *testing.T) {
	d := newTestDeployment(t)
	d.State = DeploymentAwaitingApproval

	if err := d.Approve("alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition without a plan, got %v", err)
	}
	if d.State != DeploymentAwaitingApproval {
		t.Errorf("Expected state unchanged, got %s", d.State)
	}
}

func TestDeployment_TransitionTable(t *testing.T) {
	base := plannedDeployment(t, true)

	for _, from := range AllDeploymentStates {
		for _, to := range AllDeploymentStates {
			d := *base
			d.events = nil
			d.State = from
			d.RollbackPlan = nil
			d.PlanEpoch = 0

			err := d.Transition(to)
			allowed := CanTransitionDeployment(from, to)

			if allowed && err != nil {
				t.Errorf("%s -> %s: expected success, got %v", from, to, err)
				continue
			}
			if !allowed {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", from, to, err)
				}
				if d.State != from {
					t.Errorf("%s -> %s: state changed to %s on refusal", from, to, d.State)
				}
				if len(d.events) != 0 {
					t.Errorf("%s -> %s: refusal recorded an event", from, to)
				}
				continue
			}
			if len(d.events) != 1 {
				t.Errorf("%s -> %s: expected exactly one event, got %d", from, to, len(d.events))
			}
		}
	}
}

func TestDeployment_TerminalStates(t *testing.T) {
	for _, s := range []DeploymentState{
		DeploymentCompleted, DeploymentRolledBack, DeploymentCancelled, DeploymentRejected,
	} {
		if !s.IsTerminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
		if len(deploymentTransitions[s]) != 0 {
			t.Errorf("Expected no transitions out of %s", s)
		}
	}
	if DeploymentFailed.IsTerminal() {
		t.Error("FAILED is only terminal when rollback is disabled")
	}
}

func TestDeployment_FailedWithoutRollbackIsTerminal(t *testing.T) {
	d := plannedDeployment(t, true)
	d.RollbackOnFailure = false
	d.State = DeploymentExecuting

	if err := d.Fail("task step-001 dead-lettered"); err != nil {
		t.Fatalf("Fail returned error: %v", err)
	}
	if d.CanRollback() {
		t.Error("Expected CanRollback to be false")
	}
	err := d.StartRollback(ReversePlan(d.Plan))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
	if d.State != DeploymentFailed {
		t.Errorf("Expected FAILED, got %s", d.State)
	}
	if d.LastError != "task step-001 dead-lettered" {
		t.Errorf("Expected last error to be kept, got %q", d.LastError)
	}
}

func TestDeployment_StartRollbackOpensEpoch(t *testing.T) {
	d := plannedDeployment(t, true)
	d.State = DeploymentExecuting

	if err := d.StartRollback(ReversePlan(d.Plan)); err != nil {
		t.Fatalf("StartRollback failed: %v", err)
	}
	if d.PlanEpoch != 1 {
		t.Errorf("Expected epoch 1, got %d", d.PlanEpoch)
	}
	if d.CurrentPlan() != d.RollbackPlan {
		t.Error("Expected current plan to be the rollback plan")
	}
	if !d.CurrentPlan().Reverse {
		t.Error("Expected reverse plan")
	}
}

func TestDeployment_Reject(t *testing.T) {
	d := plannedDeployment(t, false)
	if err := d.RequestApproval(""); err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}
	if err := d.Reject("carol", "too expensive"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if d.State != DeploymentRejected || d.RejectedBy != "carol" || d.LastError != "too expensive" {
		t.Errorf("Unexpected deployment after reject: state=%s by=%s err=%s", d.State, d.RejectedBy, d.LastError)
	}
}

func TestDeployment_PullEvents(t *testing.T) {
	d := plannedDeployment(t, false)

	events := d.PullEvents()
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	expected := []EventType{EventDeploymentCreated, EventPlanningStarted, EventPlanGenerated}
	for i, e := range events {
		if e.Type != expected[i] {
			t.Errorf("Event %d: expected %s, got %s", i, expected[i], e.Type)
		}
	}
	if len(d.Events()) != 0 {
		t.Error("Expected events to be drained")
	}
	if events[2].Payload["from"] != string(DeploymentPlanning) || events[2].Payload["to"] != string(DeploymentPlanned) {
		t.Errorf("Unexpected payload: %v", events[2].Payload)
	}
}
