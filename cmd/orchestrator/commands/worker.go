package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWorkerCommand(info buildInfo) *cobra.Command {
	var (
		workerID      string
		maxConcurrent int
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a task worker",
		Long: `Run a worker agent that claims QUEUED tasks whose dependencies succeeded,
executes them with the configured executor and records the outcome.

Workers need a shared store and, to report outcomes to their deployments
directly, a shared lock store (Redis). Outcomes a worker cannot report are
picked up by the reconciler of a serve process.`,
		Example: `  # Run a worker with the settings file
  orchestrator worker --config orchestrator.yaml

  # Run with a fixed identity and more concurrency
  orchestrator worker --id worker-eu-1 --max-concurrent 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			settings, err := loadSettings(info.Version)
			if err != nil {
				return err
			}
			if workerID != "" {
				settings.Worker.WorkerID = workerID
			}
			if maxConcurrent > 0 {
				settings.Worker.MaxConcurrent = maxConcurrent
			}

			rt, err := newRuntime(ctx, settings, runtimeNeeds{executor: true})
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			agent := newAgent(rt, settings.Worker)
			log.Info().Str("worker_id", agent.ID()).Str("executor", settings.Executor.Driver).Msg("Worker starting")

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return agent.Run(ctx) })
			g.Go(func() error { return rt.tel.Metrics.ServeMetrics(ctx) })
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&workerID, "id", "", "worker identity (default worker-<random>)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "maximum tasks executed at once")

	return cmd
}
