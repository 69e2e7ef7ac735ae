package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

// FailureProperty is the resource property that makes the simulated executor
// fail creates and updates: "transient", "throttled" or "permanent". Deletes
// always succeed so a rollback can clean up.
const FailureProperty = "simulate_failure"

// Simulated is an in-memory cloud. It applies resources to a map keyed by
// identifier and reports that map as the observed cloud state.
type Simulated struct {
	mu        sync.Mutex
	resources map[string]engine.ResourceSpec
	ids       map[string]string
	results   map[string]*engine.ApplyResult
	latency   time.Duration
	logger    zerolog.Logger
}

var (
	_ engine.Executor   = (*Simulated)(nil)
	_ engine.CloudState = (*Simulated)(nil)
	_ engine.Inventory  = (*Simulated)(nil)
)

// NewSimulated returns an empty simulated cloud. Each apply sleeps for latency.
func NewSimulated(latency time.Duration, logger zerolog.Logger) *Simulated {
	return &Simulated{
		resources: make(map[string]engine.ResourceSpec),
		ids:       make(map[string]string),
		results:   make(map[string]*engine.ApplyResult),
		latency:   latency,
		logger:    logger.With().Str("component", "simulated-executor").Logger(),
	}
}

// Apply implements engine.Executor. A repeated idempotency key returns the
// first result without touching the simulated cloud again.
func (s *Simulated) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResult, error) {
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if err := simulatedFailure(req); err != nil {
		s.logger.Debug().Str("resource", req.Resource.Identifier()).Err(err).Msg("Simulated failure")
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		if res, ok := s.results[req.IdempotencyKey]; ok {
			return res, nil
		}
	}

	id := req.Resource.Identifier()
	output := map[string]interface{}{
		"action":          string(req.Action),
		"idempotency_key": req.IdempotencyKey,
	}

	switch req.Action {
	case engine.ActionCreate, engine.ActionUpdate:
		cloudID, ok := s.ids[id]
		if !ok {
			cloudID = uuid.New().String()
			s.ids[id] = cloudID
		}
		s.resources[id] = cloneSpec(req.Resource)
		output["id"] = cloudID
	case engine.ActionDelete:
		delete(s.resources, id)
		delete(s.ids, id)
		output["destroyed"] = true
	case engine.ActionNoop:
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unsupported action %q", req.Action), nil).
			WithCode(engine.ErrCodeExecutorFailed).
			WithResource(id)
	}

	res := &engine.ApplyResult{Output: output}
	if req.IdempotencyKey != "" {
		s.results[req.IdempotencyKey] = res
	}
	s.logger.Debug().Str("resource", id).Str("action", string(req.Action)).Msg("Simulated apply")
	return res, nil
}

func simulatedFailure(req engine.ApplyRequest) error {
	if req.Action == engine.ActionDelete {
		return nil
	}
	mode, _ := req.Resource.Properties[FailureProperty].(string)
	id := req.Resource.Identifier()
	switch mode {
	case "transient":
		return engine.NewTransientError("simulated transient failure", nil).WithCode(engine.ErrCodeExecutorFailed).WithResource(id)
	case "throttled":
		return engine.NewThrottledError("simulated throttling", nil).WithCode(engine.ErrCodeExecutorFailed).WithResource(id)
	case "permanent":
		return engine.NewPermanentError("simulated permanent failure", nil).WithCode(engine.ErrCodeExecutorFailed).WithResource(id)
	}
	return nil
}

// Snapshot implements engine.CloudState.
func (s *Simulated) Snapshot(ctx context.Context, spec engine.ResourceSpec) (engine.ResourceSpec, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	observed, ok := s.resources[spec.Identifier()]
	if !ok {
		return engine.ResourceSpec{}, false, nil
	}
	return cloneSpec(observed), true, nil
}

// Inventory implements engine.Inventory.
func (s *Simulated) Inventory(ctx context.Context, provider engine.Provider, region string) ([]engine.ResourceSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []engine.ResourceSpec
	for _, r := range s.resources {
		if r.Provider == provider && r.Region == region {
			out = append(out, cloneSpec(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier() < out[j].Identifier() })
	return out, nil
}

// Mutate changes an existing resource out of band, the way a console edit
// would. It returns false if the resource does not exist.
func (s *Simulated) Mutate(identifier string, fn func(*engine.ResourceSpec)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[identifier]
	if !ok {
		return false
	}
	r = cloneSpec(r)
	fn(&r)
	s.resources[identifier] = r
	return true
}

// Put adds a resource out of band.
func (s *Simulated) Put(spec engine.ResourceSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[spec.Identifier()] = cloneSpec(spec)
}

// Remove deletes a resource out of band.
func (s *Simulated) Remove(identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resources, identifier)
}

func cloneSpec(r engine.ResourceSpec) engine.ResourceSpec {
	out := r
	if r.Properties != nil {
		out.Properties = make(map[string]interface{}, len(r.Properties))
		for k, v := range r.Properties {
			out.Properties[k] = v
		}
	}
	if r.Tags != nil {
		out.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			out.Tags[k] = v
		}
	}
	return out
}
