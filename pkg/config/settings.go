package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/orchestrator/pkg/api"
	"github.com/openfroyo/orchestrator/pkg/cloudstate"
	"github.com/openfroyo/orchestrator/pkg/events"
	"github.com/openfroyo/orchestrator/pkg/executor"
	"github.com/openfroyo/orchestrator/pkg/lock"
	"github.com/openfroyo/orchestrator/pkg/orchestrator"
	"github.com/openfroyo/orchestrator/pkg/policy"
	"github.com/openfroyo/orchestrator/pkg/stores"
	"github.com/openfroyo/orchestrator/pkg/telemetry"
	"github.com/openfroyo/orchestrator/pkg/worker"
)

// EnvPrefix prefixes every environment override, e.g. ORCHESTRATOR_STORE_DRIVER.
const EnvPrefix = "ORCHESTRATOR"

// Settings is the complete process configuration.
type Settings struct {
	Store        stores.Config       `yaml:"store"`
	Lock         lock.Config         `yaml:"lock"`
	Events       events.Config       `yaml:"events"`
	Worker       worker.Config       `yaml:"worker"`
	Executor     executor.Config     `yaml:"executor"`
	CloudState   cloudstate.Config   `yaml:"cloud_state"`
	Policy       policy.Config       `yaml:"policy"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	API          api.Config          `yaml:"api"`
	Telemetry    telemetry.Config    `yaml:"telemetry"`
}

// Default returns settings for a single-process development setup: SQLite in
// the working directory, in-memory locks, log events, simulated executor.
func Default() *Settings {
	return &Settings{
		Store: stores.Config{
			Driver:       stores.DriverSQLite,
			Path:         "orchestrator.db",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Lock:         lock.DefaultConfig(),
		Events:       events.Config{Driver: "log", TopicPrefix: "orchestrator", BufferSize: 256},
		Worker:       worker.DefaultConfig(),
		Executor:     executor.DefaultConfig(),
		CloudState:   cloudstate.Config{Source: cloudstate.SourceExecutor},
		Policy:       policy.Config{Watch: true},
		Orchestrator: orchestrator.DefaultConfig(),
		API:          api.DefaultConfig(),
		Telemetry:    *telemetry.DefaultConfig(),
	}
}

// Load reads settings with the priority environment > file > defaults.
// An empty path skips the file.
func Load(path string) (*Settings, error) {
	s := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := s.applyEnv(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) applyEnv() error {
	sections := []struct {
		prefix string
		target interface{}
	}{
		{"STORE", &s.Store},
		{"LOCK", &s.Lock},
		{"EVENTS", &s.Events},
		{"WORKER", &s.Worker},
		{"EXECUTOR", &s.Executor},
		{"CLOUD_STATE", &s.CloudState},
		{"POLICY", &s.Policy},
		{"ORCHESTRATOR", &s.Orchestrator},
		{"API", &s.API},
		{"TELEMETRY", &s.Telemetry},
	}
	for _, section := range sections {
		if err := envconfig.Process(EnvPrefix+"_"+section.prefix, section.target); err != nil {
			return fmt.Errorf("failed to read %s_%s environment: %w", EnvPrefix, section.prefix, err)
		}
	}
	return nil
}

var validate = validator.New()

// Validate checks struct tags on every section and the telemetry rules.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return formatValidationErrors(err)
	}
	if err := s.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Settings.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
