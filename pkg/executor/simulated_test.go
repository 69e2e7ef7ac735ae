package executor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

func TestSimulatedApply(t *testing.T) {
	sim := NewSimulated(0, zerolog.Nop())
	ctx := context.Background()
	spec := webSpec()

	res, err := sim.Apply(ctx, engine.ApplyRequest{IdempotencyKey: "k1", Resource: spec, Action: engine.ActionCreate})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	id := res.Output["id"]
	if id == nil || id == "" {
		t.Fatal("Expected a cloud id")
	}

	again, err := sim.Apply(ctx, engine.ApplyRequest{IdempotencyKey: "k1", Resource: spec, Action: engine.ActionCreate})
	if err != nil {
		t.Fatalf("Repeated apply failed: %v", err)
	}
	if again.Output["id"] != id {
		t.Errorf("Expected repeated key to return id %v, got %v", id, again.Output["id"])
	}

	observed, ok, err := sim.Snapshot(ctx, spec)
	if err != nil || !ok {
		t.Fatalf("Expected resource to exist, got ok=%v err=%v", ok, err)
	}
	if !observed.Equal(spec) {
		t.Errorf("Expected observed %v to equal %v", observed, spec)
	}

	updated := webSpec()
	updated.Properties["instance_type"] = "t3.large"
	res, err = sim.Apply(ctx, engine.ApplyRequest{IdempotencyKey: "k2", Resource: updated, Action: engine.ActionUpdate})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if res.Output["id"] != id {
		t.Errorf("Expected update to keep id %v, got %v", id, res.Output["id"])
	}

	if _, err := sim.Apply(ctx, engine.ApplyRequest{IdempotencyKey: "k3", Resource: spec, Action: engine.ActionDelete}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := sim.Snapshot(ctx, spec); ok {
		t.Error("Expected resource to be gone after delete")
	}
}

func TestSimulatedFailures(t *testing.T) {
	sim := NewSimulated(0, zerolog.Nop())

	tests := []struct {
		mode  string
		check func(error) bool
	}{
		{"transient", engine.IsTransient},
		{"throttled", engine.IsThrottled},
		{"permanent", engine.IsPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			spec := webSpec()
			spec.Properties[FailureProperty] = tt.mode
			_, err := sim.Apply(context.Background(), engine.ApplyRequest{Resource: spec, Action: engine.ActionCreate})
			if err == nil || !tt.check(err) {
				t.Errorf("Expected %s error, got %v", tt.mode, err)
			}
		})
	}

	if _, ok, _ := sim.Snapshot(context.Background(), webSpec()); ok {
		t.Error("Expected failed applies to leave nothing behind")
	}
}

func TestSimulatedLatencyHonoursContext(t *testing.T) {
	sim := NewSimulated(time.Minute, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sim.Apply(ctx, engine.ApplyRequest{Resource: webSpec(), Action: engine.ActionCreate})
	if err != context.DeadlineExceeded {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestSimulatedOutOfBandChanges(t *testing.T) {
	sim := NewSimulated(0, zerolog.Nop())
	ctx := context.Background()
	spec := webSpec()
	sim.Put(spec)

	stray := webSpec()
	stray.Name = "stray"
	sim.Put(stray)

	other := webSpec()
	other.Region = "eu-west-1"
	sim.Put(other)

	if !sim.Mutate(spec.Identifier(), func(r *engine.ResourceSpec) { r.Properties["instance_type"] = "m5.xlarge" }) {
		t.Fatal("Expected Mutate to find the resource")
	}
	if sim.Mutate("aws/us-east-1/compute/missing", func(*engine.ResourceSpec) {}) {
		t.Error("Expected Mutate to report a missing resource")
	}
	if spec.Properties["instance_type"] != "t3.micro" {
		t.Error("Expected Put to copy the spec")
	}

	observed, _, _ := sim.Snapshot(ctx, spec)
	if observed.Properties["instance_type"] != "m5.xlarge" {
		t.Errorf("Expected mutated instance type, got %v", observed.Properties["instance_type"])
	}

	inventory, err := sim.Inventory(ctx, engine.ProviderAWS, "us-east-1")
	if err != nil {
		t.Fatalf("Inventory failed: %v", err)
	}
	if len(inventory) != 2 {
		t.Fatalf("Expected 2 resources in us-east-1, got %d", len(inventory))
	}
	if inventory[0].Name != "stray" || inventory[1].Name != "web-1" {
		t.Errorf("Expected inventory sorted by identifier, got %s, %s", inventory[0].Name, inventory[1].Name)
	}

	sim.Remove(stray.Identifier())
	if _, ok, _ := sim.Snapshot(ctx, stray); ok {
		t.Error("Expected removed resource to be gone")
	}
}

func TestNewExecutor(t *testing.T) {
	ctx := context.Background()

	exec, err := New(ctx, DefaultConfig(), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := exec.Executor.(*Simulated); !ok {
		t.Errorf("Expected simulated executor by default, got %T", exec.Executor)
	}
	if exec.State == nil {
		t.Error("Expected simulated executor to report state")
	}
	if err := exec.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Driver = DriverTerraform
	cfg.WorkDir = t.TempDir()
	exec, err = New(ctx, cfg, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := exec.State.(*WorkspaceState); !ok {
		t.Errorf("Expected workspace state, got %T", exec.State)
	}

	cfg.Driver = "pulumi"
	if _, err := New(ctx, cfg, zerolog.Nop(), nil); err == nil {
		t.Error("Expected error for unknown driver")
	}
}
