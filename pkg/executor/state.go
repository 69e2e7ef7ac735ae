package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

// WorkspaceState reports observed resources from the terraform state files of
// the executor's workspaces.
type WorkspaceState struct {
	backend Backend
	root    string
}

var (
	_ engine.CloudState = (*WorkspaceState)(nil)
	_ engine.Inventory  = (*WorkspaceState)(nil)
)

// NewWorkspaceState reads the workspaces under root on backend.
func NewWorkspaceState(backend Backend, root string) *WorkspaceState {
	return &WorkspaceState{backend: backend, root: root}
}

// Snapshot implements engine.CloudState. A workspace without state or with an
// empty state means the resource does not exist. Only the properties spec
// declares are read back from the state attributes.
func (w *WorkspaceState) Snapshot(ctx context.Context, spec engine.ResourceSpec) (engine.ResourceSpec, bool, error) {
	dir := WorkspaceDir(w.root, spec)
	data, err := w.backend.ReadFile(ctx, path.Join(dir, StateFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return engine.ResourceSpec{}, false, nil
		}
		return engine.ResourceSpec{}, false, fmt.Errorf("failed to read state of %s: %w", spec.Identifier(), err)
	}

	state, err := ParseState(data)
	if err != nil {
		return engine.ResourceSpec{}, false, fmt.Errorf("%s: %w", spec.Identifier(), err)
	}
	attrs, ok := state.Attributes()
	if !ok {
		return engine.ResourceSpec{}, false, nil
	}
	return observedSpec(spec, attrs), true, nil
}

// Inventory implements engine.Inventory by listing the workspaces of a
// provider region that still hold a resource.
func (w *WorkspaceState) Inventory(ctx context.Context, provider engine.Provider, region string) ([]engine.ResourceSpec, error) {
	pattern := path.Join(w.root, string(provider), region, "*", "*", SpecFile)
	matches, err := w.backend.Glob(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	sort.Strings(matches)

	var out []engine.ResourceSpec
	for _, m := range matches {
		data, err := w.backend.ReadFile(ctx, m)
		if err != nil {
			return nil, err
		}
		var spec engine.ResourceSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", m, err)
		}
		observed, ok, err := w.Snapshot(ctx, spec)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, observed)
		}
	}
	return out, nil
}

func observedSpec(spec engine.ResourceSpec, attrs map[string]interface{}) engine.ResourceSpec {
	observed := engine.ResourceSpec{
		Type:     spec.Type,
		Provider: spec.Provider,
		Region:   spec.Region,
		Name:     spec.Name,
	}

	if len(spec.Properties) > 0 {
		observed.Properties = make(map[string]interface{}, len(spec.Properties))
		for k := range spec.Properties {
			if v, ok := attrs[k]; ok {
				observed.Properties[k] = v
			}
		}
	}

	tagsKey := "tags"
	if block, ok := providerBlocks[spec.Provider]; ok {
		tagsKey = block.tagsKey
	}
	if raw, ok := attrs[tagsKey].(map[string]interface{}); ok && len(raw) > 0 {
		observed.Tags = make(map[string]string, len(raw))
		for k, v := range raw {
			observed.Tags[k] = fmt.Sprint(v)
		}
	}
	return observed
}
