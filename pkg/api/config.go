package api

import "time"

// Config holds the HTTP server settings.
type Config struct {
	// ListenAddress is the host:port the API binds to.
	ListenAddress string `yaml:"listen_address" envconfig:"LISTEN_ADDRESS" validate:"required"`

	// CORSOrigins lists the browser origins allowed to call the API. "*"
	// allows any origin.
	CORSOrigins []string `yaml:"cors_origins" envconfig:"CORS_ORIGINS"`

	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gte=0"`

	// Debug switches gin to debug mode.
	Debug bool `yaml:"debug" envconfig:"DEBUG"`
}

// DefaultConfig returns the API defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddress:   ":8080",
		CORSOrigins:     []string{"http://localhost:3000"},
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}
