package stores

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

// storeFactories returns a constructor per available driver. Postgres only
// runs when ORCHESTRATOR_TEST_POSTGRES_DSN points at a scratch database.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	factories := map[string]func(t *testing.T) Store{
		DriverMemory: func(t *testing.T) Store {
			return NewMemoryStore()
		},
		DriverSQLite: func(t *testing.T) Store {
			return openTestStore(t, Config{
				Driver: DriverSQLite,
				Path:   filepath.Join(t.TempDir(), "orchestrator.db"),
			})
		},
	}
	if dsn := os.Getenv("ORCHESTRATOR_TEST_POSTGRES_DSN"); dsn != "" {
		factories[DriverPostgres] = func(t *testing.T) Store {
			store := openTestStore(t, Config{Driver: DriverPostgres, DSN: dsn})
			_, err := store.(*PostgresStore).pool.Exec(context.Background(),
				`TRUNCATE deployments, deployment_events, tasks, task_dependencies, drift_reports CASCADE`)
			if err != nil {
				t.Fatalf("failed to reset postgres tables: %v", err)
			}
			return store
		}
	}
	return factories
}

func openTestStore(t *testing.T, cfg Config) Store {
	t.Helper()
	store, err := Open(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open %s store: %v", cfg.Driver, err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	for name, factory := range storeFactories(t) {
		factory := factory
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func testIntent(name string) engine.Intent {
	return engine.Intent{
		Name:            name,
		TenantID:        "tenant-a",
		TargetProviders: []engine.Provider{engine.ProviderAWS},
		TargetRegions:   []string{"us-east-1"},
		Resources: []engine.ResourceSpec{
			{Type: engine.ResourceNetwork, Provider: engine.ProviderAWS, Region: "us-east-1", Name: "vpc"},
			{Type: engine.ResourceCompute, Provider: engine.ProviderAWS, Region: "us-east-1", Name: "app"},
		},
	}
}

func createDeployment(t *testing.T, store Store, name string) *engine.Deployment {
	t.Helper()
	d, err := engine.NewDeployment(testIntent(name))
	if err != nil {
		t.Fatalf("NewDeployment failed: %v", err)
	}
	if err := store.CreateDeployment(context.Background(), d); err != nil {
		t.Fatalf("CreateDeployment failed: %v", err)
	}
	return d
}

func queuedTasks(t *testing.T, deploymentID string, steps ...engine.PlanStep) []*engine.Task {
	t.Helper()
	tasks := make([]*engine.Task, 0, len(steps))
	for _, step := range steps {
		task := engine.NewTask(deploymentID, step, 0, 3)
		if err := task.Enqueue(); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		tasks = append(tasks, task)
	}
	return tasks
}

func step(id string, deps ...string) engine.PlanStep {
	return engine.PlanStep{
		StepID:    id,
		Action:    engine.ActionCreate,
		DependsOn: deps,
		Resource:  engine.ResourceSpec{Type: engine.ResourceCompute, Provider: engine.ProviderAWS, Region: "us-east-1", Name: id},
	}
}

func TestStore_DeploymentLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		d := createDeployment(t, store, "web")

		if d.Version != 1 {
			t.Errorf("Expected version 1 after create, got %d", d.Version)
		}
		if len(d.Events()) != 0 {
			t.Errorf("Expected pending events to be drained, got %d", len(d.Events()))
		}

		loaded, err := store.GetDeployment(ctx, d.ID)
		if err != nil {
			t.Fatalf("GetDeployment failed: %v", err)
		}
		if loaded.Name != "web" || loaded.State != engine.DeploymentPending || loaded.Version != 1 {
			t.Errorf("Unexpected deployment: name=%s state=%s version=%d", loaded.Name, loaded.State, loaded.Version)
		}

		if err := loaded.StartPlanning(); err != nil {
			t.Fatalf("StartPlanning failed: %v", err)
		}
		if err := store.SaveDeployment(ctx, loaded); err != nil {
			t.Fatalf("SaveDeployment failed: %v", err)
		}
		if loaded.Version != 2 {
			t.Errorf("Expected version 2 after save, got %d", loaded.Version)
		}

		events, err := store.ListDeploymentEvents(ctx, d.ID)
		if err != nil {
			t.Fatalf("ListDeploymentEvents failed: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("Expected 2 events, got %d", len(events))
		}
		if events[0].Type != engine.EventDeploymentCreated || events[1].Type != engine.EventPlanningStarted {
			t.Errorf("Unexpected event order: %s, %s", events[0].Type, events[1].Type)
		}
		if events[1].Payload["to"] != string(engine.DeploymentPlanning) {
			t.Errorf("Expected payload to=PLANNING, got %v", events[1].Payload["to"])
		}
	})
}

func TestStore_DeploymentErrors(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		if _, err := store.GetDeployment(ctx, "missing"); !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}

		d := createDeployment(t, store, "web")
		dup := *d
		if err := store.CreateDeployment(ctx, &dup); !errors.Is(err, engine.ErrAlreadyExists) {
			t.Errorf("Expected ErrAlreadyExists, got %v", err)
		}

		first, _ := store.GetDeployment(ctx, d.ID)
		second, _ := store.GetDeployment(ctx, d.ID)
		if err := first.StartPlanning(); err != nil {
			t.Fatalf("StartPlanning failed: %v", err)
		}
		if err := store.SaveDeployment(ctx, first); err != nil {
			t.Fatalf("SaveDeployment failed: %v", err)
		}

		if err := second.Cancel("user request"); err != nil {
			t.Fatalf("Cancel failed: %v", err)
		}
		err := store.SaveDeployment(ctx, second)
		if !errors.Is(err, engine.ErrClaimConflict) {
			t.Fatalf("Expected ErrClaimConflict for stale save, got %v", err)
		}
		if second.Version != 1 {
			t.Errorf("Expected version to be restored after conflict, got %d", second.Version)
		}

		stored, _ := store.GetDeployment(ctx, d.ID)
		if stored.State != engine.DeploymentPlanning {
			t.Errorf("Expected stored state PLANNING, got %s", stored.State)
		}
	})
}

func TestStore_ListDeployments(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		for i, name := range []string{"a", "b", "c"} {
			d, err := engine.NewDeployment(testIntent(name))
			if err != nil {
				t.Fatalf("NewDeployment failed: %v", err)
			}
			d.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			if name == "c" {
				d.TenantID = "tenant-b"
			}
			if err := store.CreateDeployment(ctx, d); err != nil {
				t.Fatalf("CreateDeployment failed: %v", err)
			}
		}

		all, err := store.ListDeployments(ctx, engine.DeploymentFilter{})
		if err != nil {
			t.Fatalf("ListDeployments failed: %v", err)
		}
		if len(all) != 3 || all[0].Name != "c" || all[2].Name != "a" {
			t.Errorf("Expected newest first, got %d deployments", len(all))
		}

		tenant, _ := store.ListDeployments(ctx, engine.DeploymentFilter{TenantID: "tenant-a"})
		if len(tenant) != 2 {
			t.Errorf("Expected 2 deployments for tenant-a, got %d", len(tenant))
		}

		page, _ := store.ListDeployments(ctx, engine.DeploymentFilter{Limit: 1, Offset: 1})
		if len(page) != 1 || page[0].Name != "b" {
			t.Errorf("Expected second page to hold b, got %d entries", len(page))
		}

		planning, _ := store.ListDeployments(ctx, engine.DeploymentFilter{State: engine.DeploymentPlanning})
		if len(planning) != 0 {
			t.Errorf("Expected no PLANNING deployments, got %d", len(planning))
		}
	})
}

func TestStore_ClaimRespectsDependencies(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		d := createDeployment(t, store, "web")
		now := time.Now().UTC()

		tasks := queuedTasks(t, d.ID, step("step-001"), step("step-002", "step-001"))
		if err := store.CreateTasks(ctx, tasks); err != nil {
			t.Fatalf("CreateTasks failed: %v", err)
		}

		claimed, err := store.ClaimQueued(ctx, "worker-1", 10, now)
		if err != nil {
			t.Fatalf("ClaimQueued failed: %v", err)
		}
		if len(claimed) != 1 || claimed[0].StepID != "step-001" {
			t.Fatalf("Expected only step-001 to be claimable, got %d tasks", len(claimed))
		}
		first := claimed[0]
		if first.State != engine.TaskClaimed || first.ClaimedBy != "worker-1" {
			t.Errorf("Expected CLAIMED by worker-1, got %s by %s", first.State, first.ClaimedBy)
		}

		again, err := store.ClaimQueued(ctx, "worker-2", 10, now)
		if err != nil {
			t.Fatalf("ClaimQueued failed: %v", err)
		}
		if len(again) != 0 {
			t.Errorf("Expected nothing claimable while step-001 runs, got %d", len(again))
		}

		if err := first.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := first.Succeed(map[string]interface{}{"id": "vpc-1"}); err != nil {
			t.Fatalf("Succeed failed: %v", err)
		}
		if err := store.SaveTask(ctx, first); err != nil {
			t.Fatalf("SaveTask failed: %v", err)
		}

		next, err := store.ClaimQueued(ctx, "worker-2", 10, now)
		if err != nil {
			t.Fatalf("ClaimQueued failed: %v", err)
		}
		if len(next) != 1 || next[0].StepID != "step-002" {
			t.Fatalf("Expected step-002 after its dependency succeeded, got %d tasks", len(next))
		}

		listed, err := store.ListTasksByDeployment(ctx, d.ID)
		if err != nil {
			t.Fatalf("ListTasksByDeployment failed: %v", err)
		}
		if len(listed) != 2 || listed[0].StepID != "step-001" || listed[0].State != engine.TaskSucceeded {
			t.Errorf("Unexpected task listing: %d tasks", len(listed))
		}
		if listed[0].Result["id"] != "vpc-1" {
			t.Errorf("Expected result to persist, got %v", listed[0].Result)
		}
	})
}

func TestStore_ConcurrentClaimsNeverOverlap(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		d := createDeployment(t, store, "web")

		const total = 20
		steps := make([]engine.PlanStep, 0, total)
		for i := 0; i < total; i++ {
			steps = append(steps, step(fmt.Sprintf("step-%03d", i+1)))
		}
		if err := store.CreateTasks(ctx, queuedTasks(t, d.ID, steps...)); err != nil {
			t.Fatalf("CreateTasks failed: %v", err)
		}

		var (
			mu     sync.Mutex
			seen   = make(map[string]string)
			dupes  int
			errs   []error
			wg     sync.WaitGroup
			claims = func(worker string) {
				defer wg.Done()
				for {
					batch, err := store.ClaimQueued(ctx, worker, 3, time.Now().UTC())
					if err != nil {
						mu.Lock()
						errs = append(errs, err)
						mu.Unlock()
						return
					}
					if len(batch) == 0 {
						return
					}
					mu.Lock()
					for _, task := range batch {
						if _, ok := seen[task.ID]; ok {
							dupes++
						}
						seen[task.ID] = worker
					}
					mu.Unlock()
				}
			}
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go claims(fmt.Sprintf("worker-%d", w))
		}
		wg.Wait()

		if len(errs) > 0 {
			t.Fatalf("Expected no claim errors, got %v", errs[0])
		}
		if dupes != 0 {
			t.Errorf("Expected no task claimed twice, got %d duplicates", dupes)
		}
		if len(seen) != total {
			t.Errorf("Expected %d tasks claimed, got %d", total, len(seen))
		}
	})
}

func TestStore_SaveTaskVersioning(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		d := createDeployment(t, store, "web")
		tasks := queuedTasks(t, d.ID, step("step-001"))
		if err := store.CreateTasks(ctx, tasks); err != nil {
			t.Fatalf("CreateTasks failed: %v", err)
		}

		stale, err := store.GetTask(ctx, tasks[0].ID)
		if err != nil {
			t.Fatalf("GetTask failed: %v", err)
		}
		if _, err := store.ClaimQueued(ctx, "worker-1", 1, time.Now().UTC()); err != nil {
			t.Fatalf("ClaimQueued failed: %v", err)
		}

		if err := stale.Cancel("cancelled"); err != nil {
			t.Fatalf("Cancel failed: %v", err)
		}
		if err := store.SaveTask(ctx, stale); !errors.Is(err, engine.ErrClaimConflict) {
			t.Errorf("Expected ErrClaimConflict, got %v", err)
		}

		if _, err := store.GetTask(ctx, "missing"); !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_DueRetriesAndStaleClaims(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		d := createDeployment(t, store, "web")
		tasks := queuedTasks(t, d.ID, step("step-001"), step("step-002"))
		if err := store.CreateTasks(ctx, tasks); err != nil {
			t.Fatalf("CreateTasks failed: %v", err)
		}

		claimedAt := time.Now().UTC().Add(-time.Hour)
		claimed, err := store.ClaimQueued(ctx, "worker-1", 2, claimedAt)
		if err != nil || len(claimed) != 2 {
			t.Fatalf("Expected 2 claimed tasks, got %d (%v)", len(claimed), err)
		}

		failing := claimed[0]
		if err := failing.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := failing.Fail(errors.New("boom"), engine.DefaultBackoff()); err != nil {
			t.Fatalf("Fail failed: %v", err)
		}
		if err := store.SaveTask(ctx, failing); err != nil {
			t.Fatalf("SaveTask failed: %v", err)
		}

		due, err := store.ListDueRetries(ctx, failing.UpdatedAt, 10)
		if err != nil {
			t.Fatalf("ListDueRetries failed: %v", err)
		}
		if len(due) != 0 {
			t.Errorf("Expected no retries due before backoff, got %d", len(due))
		}
		due, _ = store.ListDueRetries(ctx, failing.NotBefore.Add(time.Millisecond), 10)
		if len(due) != 1 || due[0].ID != failing.ID {
			t.Errorf("Expected failing task to be due, got %d", len(due))
		}

		stale, err := store.ListStale(ctx, time.Now().UTC().Add(-30*time.Minute), 10)
		if err != nil {
			t.Fatalf("ListStale failed: %v", err)
		}
		if len(stale) != 1 || stale[0].ID != claimed[1].ID {
			t.Errorf("Expected the still-claimed task to be stale, got %d", len(stale))
		}

		fresh, _ := store.ListStale(ctx, claimedAt.Add(-time.Minute), 10)
		if len(fresh) != 0 {
			t.Errorf("Expected no stale tasks before the claim time, got %d", len(fresh))
		}
	})
}

func TestStore_DriftReports(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		d := createDeployment(t, store, "web")
		detector := engine.NewDriftDetector()
		at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

		clean := detector.Detect(d.ID, d.Resources, d.Resources, at)
		drifted := detector.Detect(d.ID, d.Resources, d.Resources[:1], at.Add(time.Hour))
		for _, r := range []*engine.DriftReport{clean, drifted} {
			if err := store.SaveDriftReport(ctx, r); err != nil {
				t.Fatalf("SaveDriftReport failed: %v", err)
			}
		}

		reports, err := store.ListDriftReports(ctx, d.ID, 10)
		if err != nil {
			t.Fatalf("ListDriftReports failed: %v", err)
		}
		if len(reports) != 2 {
			t.Fatalf("Expected 2 reports, got %d", len(reports))
		}
		if reports[0].ID != drifted.ID || !reports[0].HasDrift() {
			t.Errorf("Expected newest drifted report first")
		}
		if reports[0].Severity != engine.SeverityCritical {
			t.Errorf("Expected CRITICAL severity, got %s", reports[0].Severity)
		}

		limited, _ := store.ListDriftReports(ctx, d.ID, 1)
		if len(limited) != 1 {
			t.Errorf("Expected limit to apply, got %d", len(limited))
		}
	})
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mongo"}, zerolog.Nop())
	if err == nil {
		t.Fatal("Expected error for unknown driver")
	}
}

func TestNewSQLiteStore_RequiresFilePath(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"empty", ""},
		{"memory", ":memory:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSQLiteStore(Config{Path: tt.path}); err == nil {
				t.Errorf("Expected error for path %q", tt.path)
			}
		})
	}
}
