package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/eventific/internal/event"
)

// InitResult is the output of the init command.
type InitResult struct {
	Service string `json:"service"`
	Driver  string `json:"driver"`
	Table   string `json:"table"`
}

// RenderText implements TextRenderer.
func (r InitResult) RenderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Initialized %s (service %s, driver %s)\n", r.Table, r.Service, r.Driver)
	return err
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Provision the event table for the service",
		Long: `Create the event table of the configured service if it does not exist.

Provisioning is idempotent; running init against an existing store is a no-op.

Example:
  eventific init --dsn ./events.db --service orders`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(rootOpts, cmd)
		},
	}
}

func runInit(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose, slog.LevelWarn)
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	formatter.VerboseLog("Initializing service %s on %s", cfg.Service, cfg.Store.Driver)
	sys, err := startSystem(cmd.Context(), opts, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer closeSystem(sys, logger)

	table, err := event.NewStoreContext(cfg.Service).TableName()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid service name", err)
	}
	return formatter.Success(InitResult{Service: cfg.Service, Driver: cfg.Store.Driver, Table: table})
}
