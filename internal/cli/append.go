package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/eventific/internal/event"
)

// Batch is the file format read by the append command. JSON files are
// accepted as well since JSON is valid YAML.
//
//	aggregate_id: 0190f3c4-8e4a-7c1e-9b1a-3f2d4c5b6a79   # optional
//	events:
//	  - event_id: 1                                      # optional
//	    payload: {kind: deposit, amount: 10}
//	    metadata: {actor: alice}                         # optional
type Batch struct {
	AggregateID string       `yaml:"aggregate_id"`
	Events      []BatchEvent `yaml:"events"`
}

// BatchEvent is one event of a Batch.
type BatchEvent struct {
	EventID  uint64   `yaml:"event_id"`
	Payload  Document `yaml:"payload"`
	Metadata Document `yaml:"metadata"`
}

// AppendResult is the output of the append command.
type AppendResult struct {
	AggregateID event.AggregateID `json:"aggregate_id"`
	Result      string            `json:"result"`
	EventIDs    []uint64          `json:"event_ids"`
}

// RenderText implements TextRenderer.
func (r AppendResult) RenderText(w io.Writer) error {
	if len(r.EventIDs) == 0 {
		_, err := fmt.Fprintf(w, "%s: nothing to append (%s)\n", r.AggregateID, r.Result)
		return err
	}
	_, err := fmt.Fprintf(w, "%s: appended %d event(s) %v (%s)\n", r.AggregateID, len(r.EventIDs), r.EventIDs, r.Result)
	return err
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "append <batch-file>",
		Short: "Append a batch of events to one aggregate",
		Long: `Append the events of a YAML or JSON batch file atomically.

When aggregate_id is omitted a new aggregate is created. Events without an
event_id are numbered after the aggregate's current event count. Use "-" to
read the batch from stdin.

Example:
  eventific append --dsn ./events.db deposit.yaml
  cat batch.json | eventific append -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(rootOpts, args[0], cmd)
		},
	}
}

func runAppend(opts *RootOptions, path string, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose, slog.LevelWarn)
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	batch, err := readBatch(path, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read batch", err)
	}

	var id event.AggregateID
	if batch.AggregateID != "" {
		if id, err = event.ParseAggregateID(batch.AggregateID); err != nil {
			return WrapExitError(ExitCommandError, "invalid aggregate_id", err)
		}
	} else if len(batch.Events) == 0 {
		return NewExitError(ExitCommandError, "a batch without aggregate_id needs at least one event")
	}

	sys, err := startSystem(cmd.Context(), opts, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer closeSystem(sys, logger)

	if batch.AggregateID == "" {
		id = sys.NewAggregateID()
	}
	formatter.VerboseLog("Appending %d event(s) to %s", len(batch.Events), id)

	events, err := buildEvents(cmd.Context(), sys, id, batch.Events)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to number events", err)
	}

	result, err := sys.Append(cmd.Context(), events)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to append events", err)
	}

	out := AppendResult{AggregateID: id, Result: result.String(), EventIDs: []uint64{}}
	for _, ev := range events {
		out.EventIDs = append(out.EventIDs, ev.EventID)
	}
	return formatter.Success(out)
}

func readBatch(path string, stdin io.Reader) (Batch, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return Batch{}, err
	}

	var batch Batch
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return Batch{}, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, ev := range batch.Events {
		if ev.Payload == nil {
			return Batch{}, fmt.Errorf("events[%d]: payload is required", i)
		}
	}
	return batch, nil
}

// buildEvents stamps the batch. Missing event ids continue from the
// aggregate's current count.
func buildEvents(ctx context.Context, sys *System, id event.AggregateID, in []BatchEvent) ([]event.Event[Document, Document], error) {
	var next uint64
	events := make([]event.Event[Document, Document], 0, len(in))
	for _, be := range in {
		eventID := be.EventID
		if eventID == 0 {
			if next == 0 {
				n, err := sys.NextEventID(ctx, id)
				if err != nil {
					return nil, err
				}
				next = n
			}
			eventID = next
			next++
		}

		var metadata *Document
		if be.Metadata != nil {
			metadata = &be.Metadata
		}
		events = append(events, sys.NewEvent(id, eventID, be.Payload, metadata))
	}
	return events, nil
}
