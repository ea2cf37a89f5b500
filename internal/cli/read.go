package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/eventific/internal/event"
)

// EventsResult is the output of the events command.
type EventsResult struct {
	AggregateID event.AggregateID                 `json:"aggregate_id"`
	Events      []event.Event[Document, Document] `json:"events"`
}

// RenderText implements TextRenderer.
func (r EventsResult) RenderText(w io.Writer) error {
	if len(r.Events) == 0 {
		_, err := fmt.Fprintf(w, "No events for %s\n", r.AggregateID)
		return err
	}
	for _, ev := range r.Events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("#%d  %s  %s", ev.EventID, ev.CreatedDate.UTC().Format(time.RFC3339Nano), payload)
		if ev.Metadata != nil {
			metadata, err := json.Marshal(*ev.Metadata)
			if err != nil {
				return err
			}
			line += "  metadata=" + string(metadata)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// AggregatesResult is the output of the aggregates command.
type AggregatesResult struct {
	Aggregates []string `json:"aggregates"`
}

// RenderText implements TextRenderer.
func (r AggregatesResult) RenderText(w io.Writer) error {
	if len(r.Aggregates) == 0 {
		_, err := fmt.Fprintln(w, "No aggregates")
		return err
	}
	for _, id := range r.Aggregates {
		if _, err := fmt.Fprintln(w, id); err != nil {
			return err
		}
	}
	return nil
}

// StatsResult is the output of the stats command.
type StatsResult struct {
	Service         string             `json:"service"`
	TotalAggregates uint64             `json:"total_aggregates"`
	TotalEvents     uint64             `json:"total_events"`
	AggregateID     *event.AggregateID `json:"aggregate_id,omitempty"`
	AggregateEvents *uint64            `json:"aggregate_events,omitempty"`
}

// RenderText implements TextRenderer.
func (r StatsResult) RenderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "service:    %s\naggregates: %d\nevents:     %d\n", r.Service, r.TotalAggregates, r.TotalEvents)
	if err != nil || r.AggregateID == nil {
		return err
	}
	_, err = fmt.Fprintf(w, "aggregate %s: %d event(s)\n", *r.AggregateID, *r.AggregateEvents)
	return err
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events <aggregate-id>",
		Short: "List the events of an aggregate",
		Long: `List the events of one aggregate in event id order.

Example:
  eventific events --dsn ./events.db 0190f3c4-8e4a-7c1e-9b1a-3f2d4c5b6a79`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(rootOpts, args[0], cmd)
		},
	}
}

func runEvents(opts *RootOptions, rawID string, cmd *cobra.Command) error {
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

	result := EventsResult{AggregateID: id, Events: []event.Event[Document, Document]{}}
	for ev, err := range sys.Events(cmd.Context(), id) {
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read events", err)
		}
		result.Events = append(result.Events, ev)
	}
	return formatter.Success(result)
}

// NewAggregatesCommand creates the aggregates command.
func NewAggregatesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "aggregates",
		Short: "List aggregate ids",
		Long: `List every aggregate id of the service, sorted.

Example:
  eventific aggregates --dsn ./events.db --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAggregates(rootOpts, cmd)
		},
	}
}

func runAggregates(opts *RootOptions, cmd *cobra.Command) error {
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

	result := AggregatesResult{Aggregates: []string{}}
	for id, err := range sys.AggregateIDs(cmd.Context()) {
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list aggregates", err)
		}
		result.Aggregates = append(result.Aggregates, id.String())
	}
	slices.Sort(result.Aggregates)
	return formatter.Success(result)
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [aggregate-id]",
		Short: "Show aggregate and event counts",
		Long: `Show the number of aggregates and events of the service and, when an
aggregate id is given, the number of events of that aggregate.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(rootOpts, args, cmd)
		},
	}
}

func runStats(opts *RootOptions, args []string, cmd *cobra.Command) error {
	var id *event.AggregateID
	if len(args) == 1 {
		parsed, err := event.ParseAggregateID(args[0])
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid aggregate id", err)
		}
		id = &parsed
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

	ctx := cmd.Context()
	result := StatsResult{Service: cfg.Service}
	if result.TotalAggregates, err = sys.TotalAggregates(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to count aggregates", err)
	}
	if result.TotalEvents, err = sys.TotalEvents(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to count events", err)
	}
	if id != nil {
		n, err := sys.TotalEventsForAggregate(ctx, *id)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to count aggregate events", err)
		}
		result.AggregateID, result.AggregateEvents = id, &n
	}
	return formatter.Success(result)
}
