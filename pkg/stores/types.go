package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/orchestrator/pkg/engine"
	"github.com/rs/zerolog"
)

// Store is a complete persistence backend: deployments with their event
// history, the task queue and drift reports.
type Store interface {
	engine.DeploymentRepository
	engine.TaskRepository
	engine.DriftRepository

	// Init opens connections.
	Init(ctx context.Context) error

	// Migrate brings the schema up to date.
	Migrate(ctx context.Context) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases connections.
	Close() error
}

// Driver names.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds store configuration.
type Config struct {
	Driver          string        `yaml:"driver" envconfig:"DRIVER" validate:"required,oneof=memory sqlite postgres"`
	Path            string        `yaml:"path" envconfig:"SQLITE_PATH"`
	DSN             string        `yaml:"dsn" envconfig:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
}

// Open creates, initializes and migrates the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	var store Store
	switch cfg.Driver {
	case DriverMemory, "":
		store = NewMemoryStore()
	case DriverSQLite:
		s, err := NewSQLiteStore(cfg)
		if err != nil {
			return nil, err
		}
		store = s
	case DriverPostgres:
		s, err := NewPostgresStore(cfg)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}

	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize %s store: %w", cfg.Driver, err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate %s store: %w", cfg.Driver, err)
	}

	logger.Info().Str("driver", cfg.Driver).Msg("Store ready")
	return store, nil
}
