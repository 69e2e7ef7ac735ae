package stores

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

// Aggregates are stored as JSON documents next to the columns that queries
// filter on. The document is authoritative; the columns are projections of it.

func encodeDocument(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return data, nil
}

func decodeDeployment(data []byte) (*engine.Deployment, error) {
	d := &engine.Deployment{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("failed to decode deployment: %w", err)
	}
	return d, nil
}

func decodeTask(data []byte) (*engine.Task, error) {
	t := &engine.Task{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return t, nil
}

func decodeDriftReport(data []byte) (*engine.DriftReport, error) {
	r := &engine.DriftReport{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("failed to decode drift report: %w", err)
	}
	return r, nil
}

func encodePayload(p map[string]interface{}) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return encodeDocument(p)
}

func decodePayload(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p map[string]interface{}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode event payload: %w", err)
	}
	return p, nil
}

func versionConflict(kind, id string) error {
	return engine.NewConflictError(fmt.Sprintf("%s was modified concurrently", kind), nil).
		WithCode(engine.ErrCodeClaimConflict).
		WithResource(id)
}

func alreadyExists(kind, id string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s already exists", kind), nil).
		WithCode(engine.ErrCodeAlreadyExists).
		WithResource(id)
}

func defaultLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}
