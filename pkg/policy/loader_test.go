package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const denyAll = `package test.deny

import rego.v1

deny contains "denied" if { true }
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFromPaths_Rego(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.rego")
	writeFile(t, path, "# Limits instance sizes.\n# Second line.\n# severity: critical\n\n"+denyAll)

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(policies))
	}
	p := policies[0]
	if p.Name != "limits" {
		t.Errorf("Expected name limits, got %s", p.Name)
	}
	if p.Description != "Limits instance sizes. Second line." {
		t.Errorf("Unexpected description: %q", p.Description)
	}
	if p.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", p.Severity)
	}
	if !p.Enabled || p.Builtin {
		t.Errorf("Expected enabled custom policy, got enabled=%v builtin=%v", p.Enabled, p.Builtin)
	}
	if p.Metadata["source"] != path {
		t.Errorf("Expected source %s, got %v", path, p.Metadata["source"])
	}
}

func TestLoadFromPaths_JSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "p.json"), `{"name": "from-json", "rego": "package test.deny\n\nimport rego.v1\n\ndeny contains \"x\" if { true }\n"}`)

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 || policies[0].Name != "from-json" {
		t.Fatalf("Expected from-json policy, got %+v", policies)
	}
	if policies[0].Severity != SeverityWarning || !policies[0].Enabled {
		t.Errorf("Expected warning default and enabled, got %s enabled=%v", policies[0].Severity, policies[0].Enabled)
	}
}

func TestLoadFromPaths_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), denyAll)
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), denyAll)
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")
	writeFile(t, filepath.Join(dir, "broken.rego"), "package broken\n\ndeny contains")

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
}

func TestLoadFromPaths_Errors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "one", "dup.rego"), denyAll)
	writeFile(t, filepath.Join(dir, "two", "dup.rego"), denyAll)
	writeFile(t, filepath.Join(dir, "bad.json"), `{"name": "x"`)
	writeFile(t, filepath.Join(dir, "nameless.json"), `{"rego": "package x"}`)
	writeFile(t, filepath.Join(dir, "sev.rego"), "# severity: loud\n"+denyAll)

	tests := []struct {
		name  string
		paths []string
	}{
		{"missing path", []string{filepath.Join(dir, "missing")}},
		{"duplicate names", []string{filepath.Join(dir, "one"), filepath.Join(dir, "two")}},
		{"invalid json", []string{filepath.Join(dir, "bad.json")}},
		{"json without name", []string{filepath.Join(dir, "nameless.json")}},
		{"unknown severity", []string{filepath.Join(dir, "sev.rego")}},
	}

	loader := NewLoader(zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loader.LoadFromPaths(context.Background(), tt.paths); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestWatch_Reloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), denyAll)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader := NewLoader(zerolog.Nop())
	reloaded := make(chan []Policy, 4)
	err := loader.Watch(ctx, []string{dir}, func(p []Policy) error {
		reloaded <- p
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.StopWatching()

	writeFile(t, filepath.Join(dir, "b.rego"), denyAll)

	select {
	case p := <-reloaded:
		if len(p) != 2 {
			t.Errorf("Expected 2 policies after reload, got %d", len(p))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}
