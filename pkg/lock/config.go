package lock

import (
	"context"
	"fmt"
	"time"
)

// Driver names.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Config selects the lease store and the lease durations.
type Config struct {
	// Driver is memory or redis. The memory store only excludes holders
	// inside one process.
	Driver   string `yaml:"driver" envconfig:"DRIVER" validate:"omitempty,oneof=memory redis"`
	Addr     string `yaml:"addr" envconfig:"ADDR" validate:"required_if=Driver redis"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	DB       int    `yaml:"db" envconfig:"DB" validate:"gte=0"`

	// TTL is the lease of ordinary deployment operations.
	TTL time.Duration `yaml:"ttl" envconfig:"TTL"`

	// PlanningTTL is the lease held while a plan is generated.
	PlanningTTL time.Duration `yaml:"planning_ttl" envconfig:"PLANNING_TTL"`
}

// DefaultConfig returns an in-memory store with the standard lease durations.
func DefaultConfig() Config {
	return Config{
		Driver:      DriverMemory,
		Addr:        "localhost:6379",
		TTL:         DefaultTTL,
		PlanningTTL: PlanningTTL,
	}
}

// Open builds the store named by cfg.Driver. The returned close function
// releases its connection.
func Open(ctx context.Context, cfg Config) (Store, func() error, error) {
	switch cfg.Driver {
	case DriverMemory, "":
		return NewMemoryStore(), func() error { return nil }, nil
	case DriverRedis:
		s, err := NewRedisStore(ctx, cfg.Addr, cfg.Password, cfg.DB)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock driver: %s", cfg.Driver)
	}
}
