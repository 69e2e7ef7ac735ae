package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestrator/pkg/engine"
	"github.com/openfroyo/orchestrator/pkg/executor"
	"github.com/openfroyo/orchestrator/pkg/lock"
	"github.com/openfroyo/orchestrator/pkg/stores"
	"github.com/openfroyo/orchestrator/pkg/worker"
)

// recordingSink is an engine.EventSink keeping every published event.
type recordingSink struct {
	mu     sync.Mutex
	events []engine.DomainEvent
}

func (r *recordingSink) Publish(ctx context.Context, event engine.DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) types(aggregateID string) []engine.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []engine.EventType
	for _, e := range r.events {
		if e.AggregateID == aggregateID {
			out = append(out, e.Type)
		}
	}
	return out
}

// mockGate is a controllable engine.PlanGate.
type mockGate struct {
	mu      sync.Mutex
	allowed bool
	reasons []string
	err     error
	calls   int
}

func (g *mockGate) Review(ctx context.Context, d *engine.Deployment, plan *engine.ExecutionPlan) (bool, []string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.allowed, g.reasons, g.err
}

// missingCloud reports every resource as absent.
type missingCloud struct{}

func (missingCloud) Snapshot(ctx context.Context, spec engine.ResourceSpec) (engine.ResourceSpec, bool, error) {
	return engine.ResourceSpec{}, false, nil
}

type fixture struct {
	svc   *Service
	store *stores.MemoryStore
	locks *lock.Manager
	sim   *executor.Simulated
	sink  *recordingSink
	agent *worker.Agent
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: stores.NewMemoryStore(),
		locks: lock.NewManager(lock.NewMemoryStore()),
		sim:   executor.NewSimulated(0, zerolog.Nop()),
		sink:  &recordingSink{},
	}
	opts = append([]Option{WithEventSink(f.sink), WithCloudState(f.sim)}, opts...)
	f.svc = NewService(cfg, f.store, f.locks, zerolog.Nop(), opts...)
	f.agent = worker.NewAgent(worker.Config{MaxConcurrent: 4}, f.store, f.sim, zerolog.Nop(),
		worker.WithResultHandler(f.svc.HandleTaskResult))
	return f
}

func testIntent(autoApprove bool) engine.Intent {
	return engine.Intent{
		Name:            "checkout",
		TargetProviders: []engine.Provider{engine.ProviderAWS},
		TargetRegions:   []string{"us-east-1"},
		AutoApprove:     autoApprove,
		Resources: []engine.ResourceSpec{
			{Type: engine.ResourceNetwork, Provider: engine.ProviderAWS, Region: "us-east-1", Name: "core"},
			{
				Type:       engine.ResourceCompute,
				Provider:   engine.ProviderAWS,
				Region:     "us-east-1",
				Name:       "web",
				Properties: map[string]interface{}{"instance_type": "t3.micro"},
			},
		},
	}
}

// drive polls the worker until the deployment reaches want.
func (f *fixture) drive(t *testing.T, id string, want engine.DeploymentState) *engine.Deployment {
	t.Helper()
	ctx := context.Background()
	var d *engine.Deployment
	for i := 0; i < 10; i++ {
		if _, err := f.agent.Poll(ctx); err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		f.agent.Wait()

		var err error
		d, err = f.svc.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if d.State == want {
			return d
		}
	}
	t.Fatalf("Expected deployment state %s, got %s (last error %q)", want, d.State, d.LastError)
	return nil
}

func submitAndPlan(t *testing.T, f *fixture, intent engine.Intent) *engine.Deployment {
	t.Helper()
	ctx := context.Background()
	d, err := f.svc.Submit(ctx, intent)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	d, err = f.svc.Plan(ctx, d.ID)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	return d
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.svc.Submit(context.Background(), engine.Intent{Name: "x"})
	if engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestPlanApprovalRouting(t *testing.T) {
	tests := []struct {
		name        string
		autoApprove bool
		gate        *mockGate
		wantState   engine.DeploymentState
	}{
		{"manual approval", false, nil, engine.DeploymentAwaitingApproval},
		{"auto approve without gate", true, nil, engine.DeploymentApproved},
		{"auto approve allowed by gate", true, &mockGate{allowed: true}, engine.DeploymentApproved},
		{"auto approve denied by gate", true, &mockGate{reasons: []string{"too expensive"}}, engine.DeploymentAwaitingApproval},
		{"gate error blocks auto approve", true, &mockGate{allowed: true, err: errors.New("rego failed")}, engine.DeploymentAwaitingApproval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.gate != nil {
				opts = append(opts, WithPlanGate(tt.gate))
			}
			f := newFixture(t, Config{}, opts...)
			d := submitAndPlan(t, f, testIntent(tt.autoApprove))

			if d.State != tt.wantState {
				t.Errorf("Expected %s, got %s", tt.wantState, d.State)
			}
			if d.Plan == nil || len(d.Plan.Steps) != 2 {
				t.Fatalf("Expected a 2-step plan, got %+v", d.Plan)
			}
			stored, err := f.svc.Get(context.Background(), d.ID)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if stored.State != tt.wantState {
				t.Errorf("Expected stored state %s, got %s", tt.wantState, stored.State)
			}
		})
	}
}

func TestPlanFailureMovesToFailed(t *testing.T) {
	f := newFixture(t, Config{}, WithPlanner(engine.NewPlanner(&engine.Catalog{})))
	ctx := context.Background()

	d, err := f.svc.Submit(ctx, testIntent(false))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	_, err = f.svc.Plan(ctx, d.ID)
	if !errors.Is(err, engine.ErrPlanning) {
		t.Fatalf("Expected planning error, got %v", err)
	}

	stored, _ := f.svc.Get(ctx, d.ID)
	if stored.State != engine.DeploymentFailed {
		t.Errorf("Expected FAILED, got %s", stored.State)
	}
	if !strings.Contains(stored.LastError, "unsupported resource type") {
		t.Errorf("Expected planning error recorded, got %q", stored.LastError)
	}
}

func TestMutationsRespectLease(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	d := submitAndPlan(t, f, testIntent(false))

	lease, err := f.locks.Acquire(ctx, lock.DeploymentKey(d.ID), 0)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if _, err := f.svc.Approve(ctx, d.ID, "alice"); !errors.Is(err, engine.ErrLockBusy) {
		t.Fatalf("Expected lock busy, got %v", err)
	}
	stored, _ := f.svc.Get(ctx, d.ID)
	if stored.State != engine.DeploymentAwaitingApproval {
		t.Errorf("Expected state unchanged, got %s", stored.State)
	}

	if err := f.locks.Release(ctx, lease); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	approved, err := f.svc.Approve(ctx, d.ID, "alice")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if approved.State != engine.DeploymentApproved || approved.ApprovedBy != "alice" {
		t.Errorf("Expected APPROVED by alice, got %s by %q", approved.State, approved.ApprovedBy)
	}
}

func TestInvalidOperationsLeaveStateUnchanged(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	d, err := f.svc.Submit(ctx, testIntent(false))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ops := []struct {
		name string
		run  func() error
	}{
		{"approve pending", func() error { _, err := f.svc.Approve(ctx, d.ID, "alice"); return err }},
		{"execute pending", func() error { _, err := f.svc.Execute(ctx, d.ID); return err }},
		{"rollback pending", func() error { _, err := f.svc.Rollback(ctx, d.ID); return err }},
		{"reject pending", func() error { _, err := f.svc.Reject(ctx, d.ID, "bob", "no"); return err }},
	}
	for _, op := range ops {
		t.Run(op.name, func(t *testing.T) {
			if err := op.run(); !errors.Is(err, engine.ErrInvalidTransition) {
				t.Errorf("Expected invalid transition, got %v", err)
			}
			stored, _ := f.svc.Get(ctx, d.ID)
			if stored.State != engine.DeploymentPending {
				t.Errorf("Expected PENDING, got %s", stored.State)
			}
		})
	}

	if _, err := f.svc.Approve(ctx, "missing", "alice"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestRejectAndCancel(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rejected := submitAndPlan(t, f, testIntent(false))
	if _, err := f.svc.Reject(ctx, rejected.ID, "", "no"); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("Expected validation error without rejecter, got %v", err)
	}
	d, err := f.svc.Reject(ctx, rejected.ID, "bob", "too risky")
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if d.State != engine.DeploymentRejected || d.RejectedBy != "bob" || d.LastError != "too risky" {
		t.Errorf("Expected REJECTED by bob, got %+v", d)
	}

	cancelled := submitAndPlan(t, f, testIntent(false))
	d, err = f.svc.Cancel(ctx, cancelled.ID, "changed my mind")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if d.State != engine.DeploymentCancelled {
		t.Errorf("Expected CANCELLED, got %s", d.State)
	}
	if _, err := f.svc.Cancel(ctx, cancelled.ID, "again"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Errorf("Expected invalid transition from terminal state, got %v", err)
	}
}

func TestExecuteToCompletion(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	d := submitAndPlan(t, f, testIntent(true))
	d, err := f.svc.Execute(ctx, d.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if d.State != engine.DeploymentExecuting {
		t.Fatalf("Expected EXECUTING, got %s", d.State)
	}

	tasks, err := f.svc.Tasks(ctx, d.ID)
	if err != nil {
		t.Fatalf("Tasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("Expected 2 tasks, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.State != engine.TaskQueued {
			t.Errorf("Expected QUEUED task, got %s", task.State)
		}
		if task.IdempotencyKey != engine.IdempotencyKey(d.ID, task.StepID, 0) {
			t.Errorf("Expected idempotency key derived from deployment, step and epoch")
		}
	}

	f.drive(t, d.ID, engine.DeploymentCompleted)

	want := []engine.EventType{
		engine.EventDeploymentCreated,
		engine.EventPlanningStarted,
		engine.EventPlanGenerated,
		engine.EventDeploymentApproved,
		engine.EventExecutionStarted,
		engine.EventVerificationStarted,
		engine.EventDeploymentCompleted,
	}
	got := f.sink.types(d.ID)
	if len(got) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	history, err := f.svc.Events(ctx, d.ID)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(history) != len(want) {
		t.Errorf("Expected %d persisted events, got %d", len(want), len(history))
	}

	if _, ok, _ := f.sim.Snapshot(ctx, testIntent(true).Resources[1]); !ok {
		t.Error("Expected compute resource to exist in the simulated cloud")
	}
}

func TestExecuteAdoptsExistingEpochTasks(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	d := submitAndPlan(t, f, testIntent(true))
	orphan := engine.NewTask(d.ID, d.Plan.Steps[0], d.PlanEpoch, 0)
	if err := orphan.Enqueue(); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := f.store.CreateTasks(ctx, []*engine.Task{orphan}); err != nil {
		t.Fatalf("CreateTasks failed: %v", err)
	}

	if _, err := f.svc.Execute(ctx, d.ID); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	tasks, err := f.svc.Tasks(ctx, d.ID)
	if err != nil {
		t.Fatalf("Tasks failed: %v", err)
	}
	if len(tasks) != len(d.Plan.Steps) {
		t.Fatalf("Expected %d tasks, got %d", len(d.Plan.Steps), len(tasks))
	}
	found := false
	for _, task := range tasks {
		if task.ID == orphan.ID {
			found = true
		}
	}
	if !found {
		t.Error("Expected the existing task to be adopted")
	}

	f.drive(t, d.ID, engine.DeploymentCompleted)
}

func TestDeadLetterRollsBack(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1})
	ctx := context.Background()

	intent := testIntent(true)
	intent.Resources[1].Properties[executor.FailureProperty] = "permanent"
	d := submitAndPlan(t, f, intent)
	if _, err := f.svc.Execute(ctx, d.ID); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	d = f.drive(t, d.ID, engine.DeploymentRolledBack)
	if d.PlanEpoch != 1 || d.RollbackPlan == nil || !d.RollbackPlan.Reverse {
		t.Errorf("Expected reverse plan in epoch 1, got epoch %d plan %+v", d.PlanEpoch, d.RollbackPlan)
	}
	if !strings.Contains(d.LastError, "failed after 1 attempts") {
		t.Errorf("Expected dead-letter reason, got %q", d.LastError)
	}

	tasks, _ := f.svc.Tasks(ctx, d.ID)
	states := map[engine.TaskState]int{}
	reverse := 0
	for _, task := range tasks {
		states[task.State]++
		if task.Epoch == 1 {
			reverse++
			if task.Action != engine.ActionDelete {
				t.Errorf("Expected reverse task to delete, got %s", task.Action)
			}
		}
	}
	if reverse != 2 {
		t.Errorf("Expected 2 reverse tasks, got %d", reverse)
	}
	if states[engine.TaskDeadLetter] != 1 || states[engine.TaskSucceeded] != 3 {
		t.Errorf("Expected 1 dead letter and 3 successes, got %v", states)
	}

	if _, ok, _ := f.sim.Snapshot(ctx, intent.Resources[0]); ok {
		t.Error("Expected network to be deleted by the rollback")
	}

	got := f.sink.types(d.ID)
	tail := got[len(got)-3:]
	want := []engine.EventType{engine.EventDeploymentFailed, engine.EventRollbackStarted, engine.EventRollbackCompleted}
	for i := range want {
		if tail[i] != want[i] {
			t.Errorf("Expected events to end with %v, got %v", want, got)
			break
		}
	}
}

func TestDeadLetterWithoutRollback(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1})
	ctx := context.Background()

	intent := testIntent(true)
	noRollback := false
	intent.RollbackOnFailure = &noRollback
	intent.Resources[0].Properties = map[string]interface{}{executor.FailureProperty: "permanent"}
	d := submitAndPlan(t, f, intent)
	if _, err := f.svc.Execute(ctx, d.ID); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	d = f.drive(t, d.ID, engine.DeploymentFailed)

	tasks, _ := f.svc.Tasks(ctx, d.ID)
	for _, task := range tasks {
		want := engine.TaskCancelled
		if task.Resource.Type == engine.ResourceNetwork {
			want = engine.TaskDeadLetter
		}
		if task.State != want {
			t.Errorf("Expected %s task %s, got %s", task.Resource.Type, want, task.State)
		}
	}
	if _, err := f.svc.Rollback(ctx, d.ID); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Errorf("Expected FAILED to be terminal without rollback_on_failure, got %v", err)
	}
}

func TestVerificationFailureRollsBack(t *testing.T) {
	f := newFixture(t, Config{VerifyResources: true})
	f.svc.cloud = missingCloud{}
	ctx := context.Background()

	d := submitAndPlan(t, f, testIntent(true))
	if _, err := f.svc.Execute(ctx, d.ID); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	d = f.drive(t, d.ID, engine.DeploymentRolledBack)
	if !strings.Contains(d.LastError, "verification failed") {
		t.Errorf("Expected verification failure, got %q", d.LastError)
	}
}

func TestReconcilePicksUpMissedResults(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	agent := worker.NewAgent(worker.Config{MaxConcurrent: 4}, f.store, f.sim, zerolog.Nop())

	d := submitAndPlan(t, f, testIntent(true))
	if _, err := f.svc.Execute(ctx, d.ID); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := agent.Poll(ctx); err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		agent.Wait()
	}

	stored, _ := f.svc.Get(ctx, d.ID)
	if stored.State != engine.DeploymentExecuting {
		t.Fatalf("Expected EXECUTING without a result handler, got %s", stored.State)
	}
	changed, err := f.svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if changed != 1 {
		t.Errorf("Expected 1 deployment moved, got %d", changed)
	}
	stored, _ = f.svc.Get(ctx, d.ID)
	if stored.State != engine.DeploymentCompleted {
		t.Errorf("Expected COMPLETED, got %s", stored.State)
	}
}

func TestScanDrift(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	d := submitAndPlan(t, f, testIntent(true))
	if _, err := f.svc.ScanDrift(ctx, d.ID); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("Expected validation error before completion, got %v", err)
	}
	if _, err := f.svc.Execute(ctx, d.ID); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	f.drive(t, d.ID, engine.DeploymentCompleted)

	clean, err := f.svc.ScanDrift(ctx, d.ID)
	if err != nil {
		t.Fatalf("ScanDrift failed: %v", err)
	}
	if clean.HasDrift() {
		t.Errorf("Expected no drift, got %+v", clean.Findings)
	}

	compute := testIntent(true).Resources[1]
	f.sim.Mutate(compute.Identifier(), func(r *engine.ResourceSpec) {
		r.Properties["instance_type"] = "t3.large"
	})
	report, err := f.svc.ScanDrift(ctx, d.ID)
	if err != nil {
		t.Fatalf("ScanDrift failed: %v", err)
	}
	if len(report.Findings) != 1 || report.Severity != engine.SeverityMedium {
		t.Errorf("Expected one MEDIUM finding, got %d findings severity %s", len(report.Findings), report.Severity)
	}

	events := f.sink.types(d.ID)
	if events[len(events)-1] != engine.EventDriftDetected {
		t.Errorf("Expected drift.detected last, got %v", events)
	}

	history, err := f.svc.DriftReports(ctx, d.ID, 10)
	if err != nil {
		t.Fatalf("DriftReports failed: %v", err)
	}
	if len(history) != 2 || history[0].ID != report.ID {
		t.Errorf("Expected 2 reports newest first, got %d", len(history))
	}

	drifted, err := f.svc.ScanCompleted(ctx)
	if err != nil {
		t.Fatalf("ScanCompleted failed: %v", err)
	}
	if len(drifted) != 1 || drifted[0].ScanType != engine.ScanScheduled {
		t.Errorf("Expected one scheduled drift report, got %+v", drifted)
	}
}

func TestScanDriftUnmanaged(t *testing.T) {
	f := newFixture(t, Config{ReportUnmanaged: true})
	ctx := context.Background()

	d := submitAndPlan(t, f, testIntent(true))
	if _, err := f.svc.Execute(ctx, d.ID); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	f.drive(t, d.ID, engine.DeploymentCompleted)

	f.sim.Put(engine.ResourceSpec{Type: engine.ResourceStorage, Provider: engine.ProviderAWS, Region: "us-east-1", Name: "stray"})
	report, err := f.svc.ScanDrift(ctx, d.ID)
	if err != nil {
		t.Fatalf("ScanDrift failed: %v", err)
	}
	if len(report.Findings) != 1 || report.Findings[0].DriftType != engine.DriftResourceAdded {
		t.Fatalf("Expected one unmanaged finding, got %+v", report.Findings)
	}
	if report.Severity != engine.SeverityHigh {
		t.Errorf("Expected HIGH, got %s", report.Severity)
	}
}

func TestListAndQueries(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	submitAndPlan(t, f, testIntent(false))
	pending, err := f.svc.Submit(ctx, testIntent(false))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	all, err := f.svc.List(ctx, engine.DeploymentFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 deployments, got %d", len(all))
	}
	filtered, _ := f.svc.List(ctx, engine.DeploymentFilter{State: engine.DeploymentPending})
	if len(filtered) != 1 || filtered[0].ID != pending.ID {
		t.Errorf("Expected only the pending deployment, got %d", len(filtered))
	}

	for name, fn := range map[string]func() error{
		"tasks":  func() error { _, err := f.svc.Tasks(ctx, "missing"); return err },
		"events": func() error { _, err := f.svc.Events(ctx, "missing"); return err },
		"drift":  func() error { _, err := f.svc.DriftReports(ctx, "missing", 5); return err },
	} {
		if err := fn(); !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("%s: expected not found, got %v", name, err)
		}
	}
}
