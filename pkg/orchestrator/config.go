package orchestrator

import (
	"time"

	"github.com/openfroyo/orchestrator/pkg/engine"
	"github.com/openfroyo/orchestrator/pkg/lock"
)

// Config holds the service settings.
type Config struct {
	// MaxAttempts is the attempt budget of every materialized task.
	MaxAttempts int `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS" validate:"gte=0"`

	// LockTTL is the lease of ordinary deployment operations.
	LockTTL time.Duration `yaml:"-" ignored:"true"`

	// PlanningTTL is the lease held while a plan is generated.
	PlanningTTL time.Duration `yaml:"-" ignored:"true"`

	// ReconcileInterval is the delay between sweeps that re-evaluate every
	// EXECUTING and ROLLING_BACK deployment. Zero disables the sweep.
	ReconcileInterval time.Duration `yaml:"reconcile_interval" envconfig:"RECONCILE_INTERVAL"`

	// DriftInterval is the delay between scheduled drift scans of completed
	// deployments. Zero disables scheduled scans.
	DriftInterval time.Duration `yaml:"drift_interval" envconfig:"DRIFT_INTERVAL"`

	// ReportUnmanaged adds resources found in a deployment's provider regions
	// but declared by no step to drift reports. Only meaningful when each
	// provider region belongs to a single deployment.
	ReportUnmanaged bool `yaml:"report_unmanaged" envconfig:"REPORT_UNMANAGED"`

	// VerifyResources checks every expected resource against the cloud state
	// before a deployment completes.
	VerifyResources bool `yaml:"verify_resources" envconfig:"VERIFY_RESOURCES"`

	// NotifyRetries is how often a worker's re-evaluation is retried while the
	// deployment lease is held by someone else.
	NotifyRetries int `yaml:"notify_retries" envconfig:"NOTIFY_RETRIES" validate:"gte=0"`
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       engine.DefaultMaxAttempts,
		LockTTL:           lock.DefaultTTL,
		PlanningTTL:       lock.PlanningTTL,
		ReconcileInterval: 30 * time.Second,
		DriftInterval:     0,
		VerifyResources:   true,
		NotifyRetries:     5,
	}
}
