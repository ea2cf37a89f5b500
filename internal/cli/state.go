package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"

	"github.com/spf13/cobra"

	"github.com/roach88/eventific/internal/engine"
	"github.com/roach88/eventific/internal/event"
)

// StateResult is the output of the state command.
type StateResult struct {
	AggregateID event.AggregateID `json:"aggregate_id"`
	Version     uint64            `json:"version"`
	State       Document          `json:"state"`
}

// RenderText implements TextRenderer.
func (r StateResult) RenderText(w io.Writer) error {
	if r.Version == 0 {
		_, err := fmt.Fprintf(w, "No events for %s\n", r.AggregateID)
		return err
	}
	state, err := json.Marshal(r.State)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s at version %d: %s\n", r.AggregateID, r.Version, state)
	return err
}

// mergePayload applies one event to the document state. Top-level payload
// keys replace earlier values and a null value removes the key.
func mergePayload(state Document, ev event.Event[Document, Document]) (Document, error) {
	next := maps.Clone(state)
	if next == nil {
		next = Document{}
	}
	for k, v := range ev.Payload {
		if v == nil {
			delete(next, k)
			continue
		}
		next[k] = v
	}
	return next, nil
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state <aggregate-id>",
		Short: "Show the current state of an aggregate",
		Long: `Replay the events of one aggregate and print the resulting document.

Each payload is merged over the state built so far: its top-level keys
replace earlier values and a null value removes the key. The version is
the id of the last event applied.

Example:
  eventific state --dsn ./events.db 0190f3c4-8e4a-7c1e-9b1a-3f2d4c5b6a79`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runState(rootOpts, args[0], cmd)
		},
	}
}

func runState(opts *RootOptions, rawID string, cmd *cobra.Command) error {
	id, err := event.ParseAggregateID(rawID)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid aggregate id", err)
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose, slog.LevelWarn)
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	sys, err := startSystem(cmd.Context(), opts, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer closeSystem(sys, logger)

	state, version, err := engine.Fold(cmd.Context(), sys, id, Document{}, mergePayload)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to replay aggregate", err)
	}
	return formatter.Success(StateResult{AggregateID: id, Version: version, State: state})
}
