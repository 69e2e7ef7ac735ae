package cloudstate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

const snapshotYAML = `resources:
  - type: compute
    provider: aws
    region: us-east-1
    name: web-1
    properties:
      instance_type: t3.large
    tags:
      owner: platform
  - type: storage
    provider: aws
    region: us-east-1
    name: assets
  - type: storage
    provider: aws
    region: eu-west-1
    name: backups
`

func writeSnapshot(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "snapshot.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStaticSnapshot(t *testing.T) {
	s, err := NewStatic(writeSnapshot(t, t.TempDir(), snapshotYAML))
	if err != nil {
		t.Fatalf("NewStatic failed: %v", err)
	}
	ctx := context.Background()

	web := engine.ResourceSpec{Type: engine.ResourceCompute, Provider: engine.ProviderAWS, Region: "us-east-1", Name: "web-1"}
	observed, ok, err := s.Snapshot(ctx, web)
	if err != nil || !ok {
		t.Fatalf("Expected web-1 to be observed, got ok=%v err=%v", ok, err)
	}
	if observed.Properties["instance_type"] != "t3.large" {
		t.Errorf("Expected instance_type t3.large, got %v", observed.Properties["instance_type"])
	}
	if observed.Tags["owner"] != "platform" {
		t.Errorf("Expected owner tag, got %v", observed.Tags)
	}

	web.Name = "web-2"
	if _, ok, _ := s.Snapshot(ctx, web); ok {
		t.Error("Expected web-2 to be missing")
	}

	inventory, err := s.Inventory(ctx, engine.ProviderAWS, "us-east-1")
	if err != nil {
		t.Fatalf("Inventory failed: %v", err)
	}
	if len(inventory) != 2 || inventory[0].Name != "web-1" || inventory[1].Name != "assets" {
		names := make([]string, 0, len(inventory))
		for _, r := range inventory {
			names = append(names, r.Name)
		}
		t.Errorf("Expected [web-1 assets] sorted by identifier, got %v", names)
	}
}

func TestStaticErrors(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		errorMsg string
	}{
		{"invalid yaml", "resources: [", "failed to parse snapshot"},
		{"invalid provider", "resources:\n  - {type: compute, provider: ibm, region: r, name: n}\n", "snapshot resource 0"},
		{"duplicate", "resources:\n  - {type: compute, provider: aws, region: r, name: n}\n  - {type: compute, provider: aws, region: r, name: n}\n", "twice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStatic(writeSnapshot(t, t.TempDir(), tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error containing %q, got %v", tt.errorMsg, err)
			}
		})
	}

	if _, err := NewStatic(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing snapshot")
	}
}

func TestStaticReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := writeSnapshot(t, dir, snapshotYAML)
	s, err := NewStatic(path)
	if err != nil {
		t.Fatalf("NewStatic failed: %v", err)
	}

	writeSnapshot(t, dir, "resources: [")
	if err := s.Reload(); err == nil {
		t.Fatal("Expected reload error")
	}
	inventory, _ := s.Inventory(context.Background(), engine.ProviderAWS, "eu-west-1")
	if len(inventory) != 1 {
		t.Errorf("Expected previous snapshot to be kept, got %d resources", len(inventory))
	}
}

func TestStaticWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeSnapshot(t, dir, snapshotYAML)
	s, err := NewStatic(path)
	if err != nil {
		t.Fatalf("NewStatic failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Watch(ctx, zerolog.Nop()); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeSnapshot(t, dir, "resources:\n  - {type: queue, provider: aws, region: eu-west-1, name: jobs}\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inventory, _ := s.Inventory(ctx, engine.ProviderAWS, "eu-west-1")
		if len(inventory) == 1 && inventory[0].Name == "jobs" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("Expected snapshot to be reloaded after the file changed")
}
