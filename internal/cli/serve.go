package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/eventific/internal/engine"
	"github.com/roach88/eventific/internal/httpapi"
	"github.com/roach88/eventific/internal/notify"
	"github.com/roach88/eventific/internal/projection"
)

// errStoreFaulted is the cancellation cause when the store connection fails.
var errStoreFaulted = errors.New("store faulted")

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr            string
	JWTSecret       string
	ShutdownTimeout time.Duration

	// Ready, if set, is called with the bound address once the server
	// accepts requests (for testing).
	Ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the event store behind an HTTP API",
		Long: `Start the runtime with the aggregate-count projection, a logging
notification sender and the HTTP API.

The server stops gracefully on SIGINT or SIGTERM. If the store connection
fails the server shuts down and exits with status 1.

Example:
  eventific serve --dsn ./events.db --addr :8080
  eventific serve --config eventific.cue --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides http.addr)")
	cmd.Flags().StringVar(&opts.JWTSecret, "jwt-secret", "", "HS256 secret protecting write routes (overrides http.jwt_secret)")
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.HTTP.Addr = opts.Addr
	}
	if opts.JWTSecret != "" {
		cfg.HTTP.JWTSecret = opts.JWTSecret
	}

	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose, slog.LevelInfo)
	slog.SetDefault(logger)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parentCtx)
	defer cancel(nil)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel(nil)
		case <-ctx.Done():
		}
	}()

	tracker := projection.NewTracker[Document, Document](logger)
	server := httpapi.NewServer(httpapi.Config{
		Addr:            cfg.HTTP.Addr,
		JWTSecret:       cfg.HTTP.JWTSecret,
		ShutdownTimeout: opts.ShutdownTimeout,
		Logger:          logger,
	}, tracker)

	onFault := func(err error) {
		logger.Error("store connection failed", "error", err)
		cancel(fmt.Errorf("%w: %w", errStoreFaulted, err))
	}

	sys, err := startSystem(ctx, opts.RootOptions, cfg, logger, func(sys *System) error {
		if err := sys.RegisterSender(notify.NewLogSender[*System]("log", logger)); err != nil {
			return err
		}
		if err := sys.Use(projection.NewComponent(tracker)); err != nil {
			return err
		}
		return sys.Use(server)
	}, engine.WithFaultHandler(onFault))
	if err != nil {
		return err
	}

	if cfg.HTTP.JWTSecret == "" {
		logger.Warn("no jwt secret configured, write routes are unauthenticated")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://%s\n", cfg.Service, server.Addr())
	if opts.Ready != nil {
		opts.Ready(server.Addr())
	}

	<-ctx.Done()

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), opts.ShutdownTimeout)
	defer stop()
	closeErr := sys.Close(shutdownCtx)

	if cause := context.Cause(ctx); errors.Is(cause, errStoreFaulted) {
		return WrapExitError(ExitFailure, "server stopped", cause)
	}
	if closeErr != nil {
		return WrapExitError(ExitFailure, "shutdown failed", closeErr)
	}
	logger.Info("server stopped gracefully")
	return nil
}
