package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Store.Driver != "sqlite" {
		t.Errorf("Expected sqlite store, got %s", s.Store.Driver)
	}
	if s.Executor.Driver != "simulated" {
		t.Errorf("Expected simulated executor, got %s", s.Executor.Driver)
	}
	if s.Worker.PollInterval != 2*time.Second || s.Worker.MaxConcurrent != 5 {
		t.Errorf("Expected worker defaults 2s/5, got %s/%d", s.Worker.PollInterval, s.Worker.MaxConcurrent)
	}
	if s.Events.TopicPrefix != "orchestrator" {
		t.Errorf("Expected topic prefix orchestrator, got %s", s.Events.TopicPrefix)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: postgres
  dsn: postgres://file/db
lock:
  driver: redis
  addr: redis:6379
worker:
  poll_interval: 500ms
  max_concurrent: 8
events:
  driver: kafka
  brokers: [kafka-1:9092]
executor:
  driver: terraform
  work_dir: /srv/workspaces
telemetry:
  logging:
    level: debug
`)

	t.Setenv("ORCHESTRATOR_STORE_DSN", "postgres://env/db")
	t.Setenv("ORCHESTRATOR_WORKER_MAX_CONCURRENT", "3")
	t.Setenv("ORCHESTRATOR_TELEMETRY_LOG_LEVEL", "warn")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"env overrides file", s.Store.DSN, "postgres://env/db"},
		{"file overrides default", s.Store.Driver, "postgres"},
		{"file duration", s.Worker.PollInterval, 500 * time.Millisecond},
		{"env int", s.Worker.MaxConcurrent, 3},
		{"untouched default", s.Worker.SweepLimit, 100},
		{"nested env", s.Telemetry.Logging.Level, "warn"},
		{"lock addr", s.Lock.Addr, "redis:6379"},
		{"kafka brokers", len(s.Events.Brokers), 1},
		{"work dir", s.Executor.WorkDir, "/srv/workspaces"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, tt.got)
		}
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		errorMsg string
	}{
		{"unknown store driver", "store:\n  driver: mysql\n", "Store.Driver"},
		{"kafka without brokers", "events:\n  driver: kafka\n", "Events.Brokers"},
		{"redis without addr", "lock:\n  driver: redis\n  addr: \"\"\n", "Lock.Addr"},
		{"snapshot without path", "cloud_state:\n  source: snapshot\n", "CloudState.SnapshotPath"},
		{"unknown executor", "executor:\n  driver: pulumi\n", "Executor.Driver"},
		{"bad log level", "telemetry:\n  logging:\n    level: loud\n", "invalid log level"},
		{"broken yaml", "store: [", "failed to parse config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error containing %q, got %v", tt.errorMsg, err)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}
