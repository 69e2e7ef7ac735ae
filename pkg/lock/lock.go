// Package lock provides lease-based mutual exclusion keyed by deployment.
//
// A lease is acquired with an atomic set-if-absent carrying a caller-unique
// token, released with an atomic compare-token-and-delete and extended with an
// atomic compare-token-and-expire. The token check means a holder whose lease
// expired can never release or extend a lease that now belongs to someone else.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestrator/pkg/engine"
	"github.com/openfroyo/orchestrator/pkg/telemetry"
)

const (
	// DefaultTTL bounds how long a crashed holder can block a deployment.
	DefaultTTL = 30 * time.Second

	// PlanningTTL covers plan generation, which may take longer than other operations.
	PlanningTTL = 120 * time.Second
)

// Store is the lease storage port. All three operations must be atomic.
type Store interface {
	// SetIfAbsent stores token under key with a TTL unless the key exists.
	SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if it still holds token.
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)

	// CompareAndExtend resets the TTL of key only if it still holds token.
	CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// Lease is a held lock.
type Lease struct {
	Key       string    `json:"key"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DeploymentKey returns the lock key of a deployment.
func DeploymentKey(deploymentID string) string {
	return "deployment:" + deploymentID
}

// Manager acquires, extends and releases leases on a Store.
type Manager struct {
	store   Store
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger.With().Str("component", "lock-manager").Logger()
	}
}

// WithMetrics records acquisition outcomes.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates a lock manager on top of store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire takes the lease for key or fails fast with ErrLockBusy.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := uuid.New().String()

	ok, err := m.store.SetIfAbsent(ctx, key, token, ttl)
	if err != nil {
		m.metrics.RecordLockAcquisition("error")
		return nil, engine.NewTransientError("failed to acquire lease", err).
			WithResource(key).
			WithOperation("acquire")
	}
	if !ok {
		m.metrics.RecordLockAcquisition("busy")
		return nil, engine.NewConflictError("lease held by another holder", nil).
			WithCode(engine.ErrCodeLockBusy).
			WithResource(key)
	}

	m.metrics.RecordLockAcquisition("acquired")
	m.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Lease acquired")
	return &Lease{Key: key, Token: token, ExpiresAt: m.now().Add(ttl)}, nil
}

// Release gives the lease back. Releasing a lease that expired and was taken
// by another holder leaves the new holder's lease untouched.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	ok, err := m.store.CompareAndDelete(ctx, lease.Key, lease.Token)
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", lease.Key, err)
	}
	if !ok {
		m.logger.Warn().Str("key", lease.Key).Msg("Lease already expired or taken over at release")
	}
	return nil
}

// Extend pushes the lease expiry out by ttl. ErrLockLost means another holder
// may now be running and the caller must abort without committing.
func (m *Manager) Extend(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := m.store.CompareAndExtend(ctx, lease.Key, lease.Token, ttl)
	if err != nil {
		return engine.NewPermanentError("failed to extend lease", err).
			WithCode(engine.ErrCodeLockLost).
			WithResource(lease.Key)
	}
	if !ok {
		return engine.NewPermanentError("lease lost", nil).
			WithCode(engine.ErrCodeLockLost).
			WithResource(lease.Key)
	}
	lease.ExpiresAt = m.now().Add(ttl)
	return nil
}

// WithLock runs fn while holding the lease for key. A keep-alive extends the
// lease every ttl/3; if an extension fails, fn's context is cancelled and
// WithLock returns ErrLockLost regardless of fn's result.
func (m *Manager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	lease, err := m.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		interval := ttl / 3
		if interval <= 0 {
			interval = ttl
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := m.Extend(runCtx, lease, ttl); err != nil {
					m.logger.Error().Err(err).Str("key", key).Msg("Lease keep-alive failed, aborting operation")
					cancel(err)
					return
				}
			}
		}
	}()

	fnErr := fn(runCtx)
	close(done)
	<-stopped

	lost := context.Cause(runCtx)
	if lost != nil && errors.Is(lost, engine.ErrLockLost) {
		return lost
	}

	// Release on a fresh context so a cancelled caller still frees the key.
	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer releaseCancel()
	if err := m.Release(releaseCtx, lease); err != nil {
		m.logger.Warn().Err(err).Str("key", key).Msg("Failed to release lease")
	}
	return fnErr
}
