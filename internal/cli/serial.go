package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/animus-labs/animus-mes/internal/domain"
)

func newSerialCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serial",
		Short: "Inspect serials and drive rework",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <serial-id>",
		Short: "Show a serial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				s, found, err := app.Rework.GetSerial(ctx, args[0])
				if err != nil {
					return nil, err
				}
				if !found {
					return nil, domain.NotFound("serial", args[0])
				}
				return s, nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "can-rework <serial-id>",
		Short: "Report whether a failed serial may be reworked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				ok, err := app.Rework.CanRework(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return map[string]any{"serial_id": args[0], "can_rework": ok}, nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rework <serial-id>",
		Short: "Send a failed serial back into processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, err := opts.requireOperator()
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				return app.Rework.Rework(ctx, args[0], operator)
			})
		},
	})

	var reason string
	status := &cobra.Command{
		Use:   "status <serial-id> <CREATED|IN_PROGRESS|PASSED|FAILED>",
		Short: "Set the status of a serial",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, err := opts.requireOperator()
			if err != nil {
				return err
			}
			next, err := domain.ParseSerialStatus(args[1])
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				return app.Rework.SetStatus(ctx, args[0], next, reason, operator)
			})
		},
	}
	status.Flags().StringVar(&reason, "reason", "", "failure reason (required for FAILED)")
	cmd.AddCommand(status)
	return cmd
}
