// Package cloudstate provides observed-state sources for drift scans that do
// not come from an executor.
package cloudstate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

// Snapshot is the YAML document a Static source reads:
//
//	resources:
//	  - type: compute
//	    provider: aws
//	    region: us-east-1
//	    name: web-1
//	    properties:
//	      instance_type: t3.large
type Snapshot struct {
	Resources []engine.ResourceSpec `yaml:"resources"`
}

// Static serves observed state from a YAML snapshot file, typically exported
// by an external inventory job. Watch picks up a new export without a restart.
type Static struct {
	path string

	mu   sync.Mutex
	byID map[string]engine.ResourceSpec
}

var (
	_ engine.CloudState = (*Static)(nil)
	_ engine.Inventory  = (*Static)(nil)
)

// NewStatic loads path once to fail fast on a broken snapshot.
func NewStatic(path string) (*Static, error) {
	s := &Static{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the snapshot file. On error the previous snapshot is kept.
func (s *Static) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse snapshot %s: %w", s.path, err)
	}

	byID := make(map[string]engine.ResourceSpec, len(snap.Resources))
	for i, r := range snap.Resources {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("snapshot resource %d: %w", i, err)
		}
		if _, dup := byID[r.Identifier()]; dup {
			return fmt.Errorf("snapshot lists %s twice", r.Identifier())
		}
		byID[r.Identifier()] = r
	}

	s.mu.Lock()
	s.byID = byID
	s.mu.Unlock()
	return nil
}

// Snapshot implements engine.CloudState.
func (s *Static) Snapshot(ctx context.Context, spec engine.ResourceSpec) (engine.ResourceSpec, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[spec.Identifier()]
	return r, ok, nil
}

// Inventory implements engine.Inventory.
func (s *Static) Inventory(ctx context.Context, provider engine.Provider, region string) ([]engine.ResourceSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []engine.ResourceSpec
	for _, r := range s.byID {
		if r.Provider == provider && r.Region == region {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier() < out[j].Identifier() })
	return out, nil
}

// Watch reloads the snapshot whenever the file is written or replaced, until
// ctx is done.
func (s *Static) Watch(ctx context.Context, logger zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Exporters usually replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}

	target := filepath.Clean(s.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					logger.Warn().Err(err).Str("path", s.path).Msg("Snapshot reload failed, keeping previous snapshot")
					continue
				}
				logger.Info().Str("path", s.path).Msg("Cloud state snapshot reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error().Err(err).Msg("Snapshot watcher error")
			}
		}
	}()
	return nil
}

// Source names for Config.Source.
const (
	SourceExecutor = "executor"
	SourceSnapshot = "snapshot"
)

// Config selects where drift scans read observed state from.
type Config struct {
	// Source is executor (the executor driver's own view) or snapshot.
	Source string `yaml:"source" envconfig:"SOURCE" validate:"omitempty,oneof=executor snapshot"`

	// SnapshotPath is the YAML snapshot read by the snapshot source.
	SnapshotPath string `yaml:"snapshot_path" envconfig:"SNAPSHOT_PATH" validate:"required_if=Source snapshot"`

	// Watch reloads the snapshot when the file changes.
	Watch bool `yaml:"watch" envconfig:"WATCH"`
}
