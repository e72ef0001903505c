package cli

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/animus-labs/animus-mes/internal/domain"
	"github.com/animus-labs/animus-mes/internal/service/sessions"
)

func newSessionCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Open and finish station execution sessions",
	}

	var (
		station  string
		batchID  string
		process  string
		params   string
		hardware string
	)
	open := &cobra.Command{
		Use:   "open",
		Short: "Open the session for a station, lot and process, or return the open one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, err := opts.requireOperator()
			if err != nil {
				return err
			}
			paramMeta, err := parseMetadata("--params", params)
			if err != nil {
				return err
			}
			hwMeta, err := parseMetadata("--hardware", hardware)
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				s, created, err := app.Sessions.OpenOrGet(ctx, sessions.OpenRequest{
					Key:            domain.SessionKey{StationID: station, BatchID: batchID, ProcessID: process},
					Parameters:     paramMeta,
					HardwareConfig: hwMeta,
					OpenedBy:       operator,
				})
				if err != nil {
					return nil, err
				}
				app.Logger.Debug("session resolved", "session_id", s.ID, "created", created)
				return s, nil
			})
		},
	}
	open.Flags().StringVar(&station, "station", "", "station id")
	open.Flags().StringVar(&batchID, "batch", "", "batch id")
	open.Flags().StringVar(&process, "process", "", "process id")
	open.Flags().StringVar(&params, "params", "", "process parameters as a JSON object")
	open.Flags().StringVar(&hardware, "hardware", "", "hardware configuration as a JSON object")
	cmd.AddCommand(open)

	cmd.AddCommand(&cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				s, found, err := app.Sessions.Get(ctx, args[0])
				if err != nil {
					return nil, err
				}
				if !found {
					return nil, domain.NotFound("session", args[0])
				}
				return s, nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "close <session-id>",
		Short: "Close an open session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, err := opts.requireOperator()
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				return app.Sessions.Close(ctx, args[0], operator)
			})
		},
	})

	var reason string
	cancel := &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel an open session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, err := opts.requireOperator()
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				return app.Sessions.Cancel(ctx, args[0], reason, operator)
			})
		},
	}
	cancel.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	cmd.AddCommand(cancel)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a cancelled session that recorded nothing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, err := opts.requireOperator()
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				if err := app.Sessions.Delete(ctx, args[0], operator); err != nil {
					return nil, err
				}
				return map[string]any{"deleted": args[0]}, nil
			})
		},
	})
	return cmd
}

func parseMetadata(flag, raw string) (domain.Metadata, error) {
	if raw == "" {
		return nil, nil
	}
	var meta domain.Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, WrapExitError(ExitUsage, "invalid "+flag+" JSON", err)
	}
	return meta, nil
}
