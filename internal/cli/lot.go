package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/animus-mes/internal/domain"
	"github.com/animus-labs/animus-mes/internal/repo"
	"github.com/animus-labs/animus-mes/internal/service/lots"
)

func newLotCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lot",
		Short: "Create, track and close production lots",
	}

	var (
		lotNumber string
		target    int
		date      string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a lot with a target quantity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, err := opts.requireOperator()
			if err != nil {
				return err
			}
			var production time.Time
			if date != "" {
				production, err = time.Parse(time.DateOnly, date)
				if err != nil {
					return WrapExitError(ExitUsage, "invalid --date", err)
				}
			}
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				return app.Lots.CreateBatch(ctx, lots.CreateBatchRequest{
					LotNumber:      lotNumber,
					TargetQuantity: target,
					ProductionDate: production,
					Operator:       operator,
				})
			})
		},
	}
	create.Flags().StringVar(&lotNumber, "lot", "", "lot number")
	create.Flags().IntVar(&target, "target", 0, "target quantity")
	create.Flags().StringVar(&date, "date", "", "production date (YYYY-MM-DD, default today)")
	cmd.AddCommand(create)

	var count int
	generate := &cobra.Command{
		Use:   "generate <batch-id>",
		Short: "Generate WIP units for a lot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, err := opts.requireOperator()
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				return app.Lots.GenerateUnits(ctx, args[0], count, operator)
			})
		},
	}
	generate.Flags().IntVar(&count, "count", 1, "number of units")
	cmd.AddCommand(generate)

	cmd.AddCommand(&cobra.Command{
		Use:   "get <batch-id>",
		Short: "Show a lot and its counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				b, found, err := app.Lots.Get(ctx, args[0])
				if err != nil {
					return nil, err
				}
				if !found {
					return nil, domain.NotFound("batch", args[0])
				}
				return b, nil
			})
		},
	})

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List lots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter repo.BatchFilter
			if status != "" {
				s, err := domain.ParseBatchStatus(status)
				if err != nil {
					return err
				}
				filter.Status = s
			}
			filter.Limit = limit
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				return app.Store.Batches().ListBatches(ctx, filter)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status")
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of lots")
	cmd.AddCommand(list)

	var unitStatus string
	units := &cobra.Command{
		Use:   "units <batch-id>",
		Short: "List the units of a lot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := repo.UnitFilter{BatchID: args[0]}
			if unitStatus != "" {
				s, err := domain.ParseUnitStatus(unitStatus)
				if err != nil {
					return err
				}
				filter.Status = s
			}
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				return app.WIP.ListUnits(ctx, filter)
			})
		},
	}
	units.Flags().StringVar(&unitStatus, "status", "", "filter by unit status")
	cmd.AddCommand(units)

	cmd.AddCommand(&cobra.Command{
		Use:   "close <batch-id>",
		Short: "Close a completed lot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, err := opts.requireOperator()
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				return app.Lots.Close(ctx, args[0], operator)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "recompute <batch-id>",
		Short: "Rebuild lot counters from its units and serials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				if opts.Operator != "" {
					ctx = repo.WithActor(ctx, opts.Operator)
				}
				return app.Lots.RecomputeFromUnits(ctx, args[0])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export <batch-id>",
		Short: "Upload the traceability bundle of a closed lot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				if app.Exporter == nil {
					return nil, NewExitError(ExitUsage, "object store is not configured")
				}
				if app.Bucket != nil {
					if err := app.Bucket.Ensure(ctx); err != nil {
						return nil, err
					}
				}
				res, err := app.Exporter.Export(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return map[string]any{"key": res.Key, "units": res.Units, "serials": res.Serials, "records": res.Records}, nil
			})
		},
	})
	return cmd
}
