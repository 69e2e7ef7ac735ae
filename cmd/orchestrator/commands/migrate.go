package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestrator/pkg/config"
	"github.com/openfroyo/orchestrator/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Create or upgrade the schema of the configured store. serve and worker
migrate on start as well; run this ahead of a rollout to keep schema changes
out of the serving path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(configPath)
			if err != nil {
				return err
			}
			store, err := stores.Open(cmd.Context(), settings.Store, log.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			log.Info().Str("driver", settings.Store.Driver).Msg("Schema is up to date")
			return nil
		},
	}
}
