package cli

import (
	"context"

	"github.com/spf13/cobra"

	pgplatform "github.com/animus-labs/animus-mes/internal/platform/postgres"
)

func newMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				if app.DB == nil {
					return nil, NewExitError(ExitUsage, "migrate requires a database connection")
				}
				applied, err := pgplatform.Migrate(ctx, app.DB, app.Logger)
				if err != nil {
					return nil, err
				}
				return map[string]any{"applied": applied}, nil
			})
		},
	}
}
