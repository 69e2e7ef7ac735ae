package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/orchestrator/cmd/orchestrator/commands"
)

// Build metadata, injected with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	configureCLILogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	// The first signal starts a graceful stop: serve drains HTTP requests and
	// workers finish the tasks they are executing. A second signal exits.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go handleSignals(signals, cancel)

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		log.Error().Err(err).Msg("orchestrator failed")
		os.Exit(1)
	}
}

func handleSignals(signals <-chan os.Signal, cancel context.CancelFunc) {
	sig := <-signals
	log.Warn().Str("signal", sig.String()).Msg("Shutting down, waiting for in-flight work (interrupt again to exit now)")
	cancel()

	<-signals
	log.Error().Msg("Second interrupt, exiting without waiting")
	os.Exit(130)
}

// configureCLILogger sets up the global logger used before settings are
// loaded. Long-running commands switch to the telemetry logger afterwards.
func configureCLILogger(level, format string) {
	// JSON lines when running under a supervisor, console output otherwise
	if format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
