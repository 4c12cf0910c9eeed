package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sand/loyalty-escrow/backend/config"
	"github.com/sand/loyalty-escrow/backend/pkg/database"
)

// NewMigrateCommand applies pending migrations using the service configuration.
func NewMigrateCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if path == "" {
				path = cfg.DB.MigrationsPath
			}

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
			if err = database.RunMigrations(logger, cfg.DB.DatabaseURL, path); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "migrations directory (defaults to the configured one)")
	return cmd
}
