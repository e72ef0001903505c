package cli

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/animus-labs/animus-mes/internal/domain"
	"github.com/animus-labs/animus-mes/internal/service/wip"
)

func newUnitCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unit",
		Short: "Move WIP units through the process steps",
	}

	var (
		step      int
		equipment string
	)
	start := &cobra.Command{
		Use:   "start <unit-id>",
		Short: "Start a step on a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, err := opts.requireOperator()
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				return app.WIP.StartStep(ctx, wip.StartRequest{
					UnitID:     args[0],
					StepNumber: step,
					Operator:   operator,
					Equipment:  equipment,
				})
			})
		},
	}
	start.Flags().IntVar(&step, "step", 0, "step number")
	start.Flags().StringVar(&equipment, "equipment", "", "equipment id")
	cmd.AddCommand(start)

	var (
		completeStep int
		completeEqp  string
		result       string
		measurements string
		defects      []string
		sessionID    string
	)
	complete := &cobra.Command{
		Use:   "complete <unit-id>",
		Short: "Record the result of the unit's current step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, err := opts.requireOperator()
			if err != nil {
				return err
			}
			res, err := domain.ParseStepResult(result)
			if err != nil {
				return err
			}
			var meta domain.Metadata
			if measurements != "" {
				if err := json.Unmarshal([]byte(measurements), &meta); err != nil {
					return WrapExitError(ExitUsage, "invalid --measurements JSON", err)
				}
			}
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				return app.WIP.CompleteStep(ctx, wip.CompleteRequest{
					UnitID:       args[0],
					StepNumber:   completeStep,
					Operator:     operator,
					Equipment:    completeEqp,
					Result:       res,
					Measurements: meta,
					Defects:      defects,
					SessionID:    sessionID,
				})
			})
		},
	}
	complete.Flags().IntVar(&completeStep, "step", 0, "step number")
	complete.Flags().StringVar(&completeEqp, "equipment", "", "equipment id")
	complete.Flags().StringVar(&result, "result", "", "PASS, FAIL or REWORK")
	complete.Flags().StringVar(&measurements, "measurements", "", "measurements as a JSON object")
	complete.Flags().StringSliceVar(&defects, "defect", nil, "defect code (repeatable)")
	complete.Flags().StringVar(&sessionID, "session", "", "execution session to count the result on")
	cmd.AddCommand(complete)

	cmd.AddCommand(&cobra.Command{
		Use:   "convert <unit-id>",
		Short: "Convert a completed unit to a serial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, err := opts.requireOperator()
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				return app.WIP.ConvertToSerial(ctx, args[0], operator)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <unit-id>",
		Short: "Show a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				u, found, err := app.WIP.GetUnit(ctx, args[0])
				if err != nil {
					return nil, err
				}
				if !found {
					return nil, domain.NotFound("unit", args[0])
				}
				return u, nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "steps <unit-id>",
		Short: "List the steps the unit has passed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				steps, err := app.WIP.CompletedSteps(ctx, args[0])
				if err != nil {
					return nil, err
				}
				if steps == nil {
					steps = []int{}
				}
				return steps, nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "history <unit-id>",
		Short: "List every step record of a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, app *App) (any, error) {
				return app.WIP.History(ctx, args[0])
			})
		},
	})
	return cmd
}
