// Package executor applies single resource actions for the worker agents.
//
// Three drivers are available:
//   - terraform: renders a main.tf.json workspace per resource and runs the
//     terraform binary on this host
//   - ssh: the same workspaces, uploaded over SFTP and run on a remote runner
//   - simulated: an in-memory cloud used for development and tests
//
// Workspaces are keyed by resource identifier, so re-running a task converges
// on the same terraform state instead of creating a second resource.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/orchestrator/pkg/engine"
	"github.com/openfroyo/orchestrator/pkg/transports/ssh"
)

// Driver names.
const (
	DriverTerraform = "terraform"
	DriverSSH       = "ssh"
	DriverSimulated = "simulated"
)

// Config selects and configures the executor.
type Config struct {
	Driver string `yaml:"driver" envconfig:"DRIVER" validate:"omitempty,oneof=terraform ssh simulated"`

	// WorkDir is the workspace root, local or on the runner host.
	WorkDir string `yaml:"work_dir" envconfig:"WORK_DIR" validate:"required_unless=Driver simulated"`

	// TerraformBinary is the terraform executable name or path.
	TerraformBinary string `yaml:"terraform_binary" envconfig:"TERRAFORM_BINARY"`

	// SimulatedLatency delays every simulated apply.
	SimulatedLatency time.Duration `yaml:"simulated_latency" envconfig:"SIMULATED_LATENCY"`

	// SSH reaches the runner host for the ssh driver.
	SSH ssh.Config `yaml:"ssh" envconfig:"SSH"`
}

// DefaultConfig returns the simulated driver.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSimulated,
		WorkDir:         "/var/lib/orchestrator/workspaces",
		TerraformBinary: "terraform",
		SSH:             *ssh.DefaultConfig("", ""),
	}
}

// Executor is what New returns: the engine executor plus the observed state
// the same driver can report.
type Executor struct {
	engine.Executor
	State engine.CloudState
	close func() error
}

// Close releases driver resources.
func (e *Executor) Close() error {
	if e.close == nil {
		return nil
	}
	return e.close()
}

// New builds the configured executor. The State of the terraform drivers reads
// back their workspace state files.
func New(ctx context.Context, cfg Config, logger zerolog.Logger, tracer trace.Tracer) (*Executor, error) {
	switch cfg.Driver {
	case "", DriverSimulated:
		sim := NewSimulated(cfg.SimulatedLatency, logger)
		return &Executor{Executor: sim, State: sim}, nil

	case DriverTerraform:
		backend := NewLocalBackend(cfg.TerraformBinary)
		tf := NewTerraform(backend, cfg.WorkDir, logger, WithTracer(tracer))
		return &Executor{Executor: tf, State: NewWorkspaceState(backend, cfg.WorkDir)}, nil

	case DriverSSH:
		sshConfig := cfg.SSH
		client, err := ssh.NewClient(&sshConfig, logger)
		if err != nil {
			return nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to reach runner host: %w", err)
		}
		backend := NewRemoteBackend(client, cfg.TerraformBinary)
		tf := NewTerraform(backend, cfg.WorkDir, logger, WithTracer(tracer))
		return &Executor{Executor: tf, State: NewWorkspaceState(backend, cfg.WorkDir), close: backend.Close}, nil
	}
	return nil, fmt.Errorf("unknown executor driver %q", cfg.Driver)
}
