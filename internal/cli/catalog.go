package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/animus-labs/animus-mes/internal/catalog"
	"github.com/animus-labs/animus-mes/internal/repo"
)

func newCatalogCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the process catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "apply [file.yaml]",
		Short: "Define processes from a YAML file",
		Long: `Define processes from a YAML file. Without an argument the file named by
catalog_file in the configuration is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				path := app.CatalogFile
				if len(args) == 1 {
					path = args[0]
				}
				if path == "" {
					return nil, NewExitError(ExitUsage, "catalog file is required")
				}
				f, err := os.Open(path)
				if err != nil {
					return nil, WrapExitError(ExitUsage, "open catalog file", err)
				}
				defer f.Close()
				defs, err := catalog.LoadDefinitions(f)
				if err != nil {
					return nil, WrapExitError(ExitUsage, "parse catalog file", err)
				}
				if opts.Operator != "" {
					ctx = repo.WithActor(ctx, opts.Operator)
				}
				c, err := app.Catalog.Define(ctx, defs)
				if err != nil {
					return nil, err
				}
				return c.All(), nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List process definitions in step order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				c, err := app.Registry.Current(ctx)
				if err != nil {
					return nil, err
				}
				return c.All(), nil
			})
		},
	})
	for _, active := range []bool{true, false} {
		use, short := "activate <process-id>", "Activate a process step"
		if !active {
			use, short = "deactivate <process-id>", "Deactivate a process step"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
					if opts.Operator != "" {
						ctx = repo.WithActor(ctx, opts.Operator)
					}
					return app.Catalog.SetActive(ctx, args[0], active)
				})
			},
		})
	}
	return cmd
}
