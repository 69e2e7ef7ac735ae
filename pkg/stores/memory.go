package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

// MemoryStore keeps everything in process memory. Values are copied on the way
// in and out so callers never share state with the store.
type MemoryStore struct {
	mu          sync.Mutex
	deployments map[string][]byte
	events      map[string][]engine.DomainEvent
	tasks       map[string][]byte
	drift       map[string][][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deployments: make(map[string][]byte),
		events:      make(map[string][]engine.DomainEvent),
		tasks:       make(map[string][]byte),
		drift:       make(map[string][][]byte),
	}
}

// Init implements Store.
func (s *MemoryStore) Init(ctx context.Context) error { return nil }

// Migrate implements Store.
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

// HealthCheck implements Store.
func (s *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// CreateDeployment implements engine.DeploymentRepository.
func (s *MemoryStore) CreateDeployment(ctx context.Context, d *engine.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deployments[d.ID]; exists {
		return alreadyExists("deployment", d.ID)
	}
	d.Version = 1
	data, err := encodeDocument(d)
	if err != nil {
		d.Version = 0
		return err
	}
	s.deployments[d.ID] = data
	s.events[d.ID] = append(s.events[d.ID], d.PullEvents()...)
	return nil
}

// GetDeployment implements engine.DeploymentRepository.
func (s *MemoryStore) GetDeployment(ctx context.Context, id string) (*engine.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.deployments[id]
	if !ok {
		return nil, engine.NewNotFoundError("deployment", id)
	}
	return decodeDeployment(data)
}

// SaveDeployment implements engine.DeploymentRepository.
func (s *MemoryStore) SaveDeployment(ctx context.Context, d *engine.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.deployments[d.ID]
	if !ok {
		return engine.NewNotFoundError("deployment", d.ID)
	}
	stored, err := decodeDeployment(data)
	if err != nil {
		return err
	}
	if stored.Version != d.Version {
		return versionConflict("deployment", d.ID)
	}

	d.Version++
	updated, err := encodeDocument(d)
	if err != nil {
		d.Version--
		return err
	}
	s.deployments[d.ID] = updated
	s.events[d.ID] = append(s.events[d.ID], d.PullEvents()...)
	return nil
}

// ListDeployments implements engine.DeploymentRepository.
func (s *MemoryStore) ListDeployments(ctx context.Context, filter engine.DeploymentFilter) ([]*engine.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*engine.Deployment, 0, len(s.deployments))
	for _, data := range s.deployments {
		d, err := decodeDeployment(data)
		if err != nil {
			return nil, err
		}
		if filter.TenantID != "" && d.TenantID != filter.TenantID {
			continue
		}
		if filter.State != "" && d.State != filter.State {
			continue
		}
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if filter.Offset >= len(all) {
		return []*engine.Deployment{}, nil
	}
	all = all[filter.Offset:]
	limit := defaultLimit(filter.Limit, 100)
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ListDeploymentEvents implements engine.DeploymentRepository.
func (s *MemoryStore) ListDeploymentEvents(ctx context.Context, deploymentID string) ([]engine.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]engine.DomainEvent(nil), s.events[deploymentID]...), nil
}

// CreateTasks implements engine.TaskRepository.
func (s *MemoryStore) CreateTasks(ctx context.Context, tasks []*engine.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded := make(map[string][]byte, len(tasks))
	for _, t := range tasks {
		if _, exists := s.tasks[t.ID]; exists {
			return alreadyExists("task", t.ID)
		}
		t.Version = 1
		data, err := encodeDocument(t)
		if err != nil {
			return err
		}
		encoded[t.ID] = data
	}
	for id, data := range encoded {
		s.tasks[id] = data
	}
	return nil
}

// GetTask implements engine.TaskRepository.
func (s *MemoryStore) GetTask(ctx context.Context, id string) (*engine.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.tasks[id]
	if !ok {
		return nil, engine.NewNotFoundError("task", id)
	}
	return decodeTask(data)
}

// SaveTask implements engine.TaskRepository.
func (s *MemoryStore) SaveTask(ctx context.Context, t *engine.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveTaskLocked(t)
}

func (s *MemoryStore) saveTaskLocked(t *engine.Task) error {
	data, ok := s.tasks[t.ID]
	if !ok {
		return engine.NewNotFoundError("task", t.ID)
	}
	stored, err := decodeTask(data)
	if err != nil {
		return err
	}
	if stored.Version != t.Version {
		return versionConflict("task", t.ID)
	}
	t.Version++
	updated, err := encodeDocument(t)
	if err != nil {
		t.Version--
		return err
	}
	s.tasks[t.ID] = updated
	return nil
}

// ListTasksByDeployment implements engine.TaskRepository.
func (s *MemoryStore) ListTasksByDeployment(ctx context.Context, deploymentID string) ([]*engine.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.filterTasks(func(t *engine.Task) bool { return t.DeploymentID == deploymentID })
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Epoch != tasks[j].Epoch {
			return tasks[i].Epoch < tasks[j].Epoch
		}
		return tasks[i].StepID < tasks[j].StepID
	})
	return tasks, nil
}

// ClaimQueued implements engine.TaskRepository. The store mutex makes the
// select-and-update a single atomic step.
func (s *MemoryStore) ClaimQueued(ctx context.Context, workerID string, limit int, now time.Time) ([]*engine.Task, error) {
	if limit <= 0 {
		return []*engine.Task{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.filterTasks(func(t *engine.Task) bool { return true })
	if err != nil {
		return nil, err
	}
	succeeded := make(map[string]map[string]bool)
	for _, t := range all {
		if t.State != engine.TaskSucceeded {
			continue
		}
		key := epochKey(t)
		if succeeded[key] == nil {
			succeeded[key] = make(map[string]bool)
		}
		succeeded[key][t.StepID] = true
	}
	queued := make([]*engine.Task, 0)
	for _, t := range all {
		if t.State == engine.TaskQueued && t.DependenciesMet(succeeded[epochKey(t)]) {
			queued = append(queued, t)
		}
	}
	sortQueue(queued)
	if len(queued) > limit {
		queued = queued[:limit]
	}

	claimed := make([]*engine.Task, 0, len(queued))
	for _, t := range queued {
		if err := t.Claim(workerID, now); err != nil {
			return nil, err
		}
		if err := s.saveTaskLocked(t); err != nil {
			return nil, err
		}
		claimed = append(claimed, t)
	}
	return claimed, nil
}

// ListDueRetries implements engine.TaskRepository.
func (s *MemoryStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*engine.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due, err := s.filterTasks(func(t *engine.Task) bool { return t.ReadyForRetry(now) })
	if err != nil {
		return nil, err
	}
	sortQueue(due)
	limit = defaultLimit(limit, 100)
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ListStale implements engine.TaskRepository.
func (s *MemoryStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*engine.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale, err := s.filterTasks(func(t *engine.Task) bool {
		return (t.State == engine.TaskClaimed || t.State == engine.TaskRunning) &&
			t.ClaimedAt != nil && t.ClaimedAt.Before(cutoff)
	})
	if err != nil {
		return nil, err
	}
	sortQueue(stale)
	limit = defaultLimit(limit, 100)
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// SaveDriftReport implements engine.DriftRepository.
func (s *MemoryStore) SaveDriftReport(ctx context.Context, r *engine.DriftReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := encodeDocument(r)
	if err != nil {
		return err
	}
	s.drift[r.DeploymentID] = append(s.drift[r.DeploymentID], data)
	return nil
}

// ListDriftReports implements engine.DriftRepository.
func (s *MemoryStore) ListDriftReports(ctx context.Context, deploymentID string, limit int) ([]*engine.DriftReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.drift[deploymentID]
	limit = defaultLimit(limit, 50)
	reports := make([]*engine.DriftReport, 0, len(stored))
	for i := len(stored) - 1; i >= 0 && len(reports) < limit; i-- {
		r, err := decodeDriftReport(stored[i])
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// epochKey groups the tasks of one plan execution.
func epochKey(t *engine.Task) string {
	return fmt.Sprintf("%s/%d", t.DeploymentID, t.Epoch)
}

func (s *MemoryStore) filterTasks(keep func(t *engine.Task) bool) ([]*engine.Task, error) {
	out := make([]*engine.Task, 0)
	for _, data := range s.tasks {
		t, err := decodeTask(data)
		if err != nil {
			return nil, err
		}
		if keep(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// sortQueue orders tasks the way every store hands them out: oldest first,
// then by step within a deployment.
func sortQueue(tasks []*engine.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		if tasks[i].StepID != tasks[j].StepID {
			return tasks[i].StepID < tasks[j].StepID
		}
		return tasks[i].ID < tasks[j].ID
	})
}
