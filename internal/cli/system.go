package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/eventific/internal/config"
	"github.com/roach88/eventific/internal/engine"
	"github.com/roach88/eventific/internal/store"
	"github.com/roach88/eventific/internal/store/memory"
	"github.com/roach88/eventific/internal/store/sqlstore"
	"github.com/roach88/eventific/internal/telemetry"
)

// Document is the payload and metadata type of events handled by the CLI:
// any JSON object.
type Document = map[string]any

// System is the runtime the CLI drives.
type System = engine.System[Document, Document]

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}

	if opts.Driver != "" {
		cfg.Store.Driver = opts.Driver
	}
	if opts.DSN != "" {
		cfg.Store.DSN = opts.DSN
	}
	if opts.Service != "" {
		cfg.Service = opts.Service
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

// newLogger returns a text logger on w. Verbose lowers the level to debug.
func newLogger(w io.Writer, verbose bool, level slog.Level) *slog.Logger {
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openStore builds the store selected by cfg.Store.Driver.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store[Document, Document], error) {
	var st store.Store[Document, Document]

	switch cfg.Store.Driver {
	case config.DriverMemory:
		st = memory.New[Document, Document]()
	case config.DriverSQLite, config.DriverPostgres:
		dialect, err := sqlstore.DialectFor(cfg.Store.Driver)
		if err != nil {
			return nil, err
		}
		sqlStore, err := sqlstore.Open[Document, Document](ctx, sqlstore.Config{
			Dialect:          dialect,
			DSN:              cfg.Store.DSN,
			MaxConns:         cfg.Store.MaxConns,
			HealthInterval:   cfg.Store.HealthInterval,
			FailureThreshold: cfg.Store.FailureThreshold,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		st = sqlStore
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if cfg.Telemetry.Enabled {
		st = telemetry.Wrap(st)
	}
	return st, nil
}

// startSystem opens the store and starts a system on it. Senders and
// components must be attached through prepare, which runs before Start.
func startSystem(ctx context.Context, opts *RootOptions, cfg config.Config, logger *slog.Logger, prepare func(*System) error, extra ...engine.Option) (*System, error) {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to open store", err)
	}

	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithBacklog(cfg.Notify.Backlog),
	}
	if opts.Clock != nil {
		engineOpts = append(engineOpts, engine.WithClock(opts.Clock))
	}
	if opts.IDs != nil {
		engineOpts = append(engineOpts, engine.WithIDGenerator(opts.IDs))
	}
	engineOpts = append(engineOpts, extra...)

	sys, err := engine.New(st, cfg.Service, engineOpts...)
	if err != nil {
		closeStore(st, logger)
		return nil, WrapExitError(ExitCommandError, "failed to create system", err)
	}

	if prepare != nil {
		if err := prepare(sys); err != nil {
			closeSystem(sys, logger)
			return nil, WrapExitError(ExitCommandError, "failed to configure system", err)
		}
	}

	if err := sys.Start(ctx); err != nil {
		closeSystem(sys, logger)
		return nil, WrapExitError(ExitFailure, "failed to start system", err)
	}
	return sys, nil
}

func closeSystem(sys *System, logger *slog.Logger) {
	if err := sys.Close(context.Background()); err != nil {
		logger.Error("error closing system", "error", err)
	}
}

func closeStore(st store.Store[Document, Document], logger *slog.Logger) {
	if c, ok := st.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}
}

// newFormatter returns the formatter for cmd's output streams.
func newFormatter(opts *RootOptions, stdout, stderr io.Writer) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    stdout,
		ErrWriter: stderr, // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}
