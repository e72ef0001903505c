// Package cli implements mesctl, the command-line caller of the WIP
// services.
package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Operator   string

	open Opener
	app  *App
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the mesctl root command backed by PostgreSQL.
func NewRootCommand() *cobra.Command {
	cmd, _ := newRootCommand(openPostgres)
	return cmd
}

func newRootCommand(open Opener) (*cobra.Command, *RootOptions) {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "mesctl",
		Short: "mesctl - manufacturing WIP step sequencing",
		Long: `mesctl drives units of a production lot through the process catalog,
converts finished units to serials and tracks rework and station sessions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitUsage, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.closeApp()
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default mes.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Operator, "operator", "", "operator recorded on mutations")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newCatalogCommand(opts))
	cmd.AddCommand(newLotCommand(opts))
	cmd.AddCommand(newUnitCommand(opts))
	cmd.AddCommand(newSerialCommand(opts))
	cmd.AddCommand(newSessionCommand(opts))

	return cmd, opts
}

// App opens the services once per invocation.
func (o *RootOptions) App(ctx context.Context) (*App, error) {
	if o.app != nil {
		return o.app, nil
	}
	app, err := o.open(ctx, o)
	if err != nil {
		return nil, err
	}
	o.app = app
	return app, nil
}

func (o *RootOptions) closeApp() error {
	if o.app == nil {
		return nil
	}
	err := o.app.Close()
	o.app = nil
	return err
}

func (o *RootOptions) requireOperator() (string, error) {
	op := strings.TrimSpace(o.Operator)
	if op == "" {
		return "", NewExitError(ExitUsage, "--operator is required")
	}
	return op, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// run opens the App and writes the result of fn in the selected format.
func (o *RootOptions) run(cmd *cobra.Command, fn func(ctx context.Context, app *App) (any, error)) error {
	app, err := o.App(cmd.Context())
	if err != nil {
		return err
	}
	out, err := fn(cmd.Context(), app)
	if err != nil {
		return err
	}
	return o.formatter(cmd).Success(out)
}

// Run executes mesctl with args and returns the process exit code. Errors are
// written to stdout in the selected format.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return execute(ctx, openPostgres, args, stdout, stderr)
}

func execute(ctx context.Context, open Opener, args []string, stdout, stderr io.Writer) int {
	cmd, opts := newRootCommand(open)
	// PersistentPostRunE does not run when a command fails.
	defer func() {
		if err := opts.closeApp(); err != nil {
			fmt.Fprintln(stderr, "close:", err)
		}
	}()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	format, _ := cmd.PersistentFlags().GetString("format")
	if !slices.Contains(ValidFormats, format) {
		format = "text"
	}
	f := &OutputFormatter{Format: format, Writer: stdout}
	if werr := f.Error(err); werr != nil {
		fmt.Fprintln(stderr, err)
	}
	return ExitCode(err)
}
