// Package httpapi exposes a System over HTTP.
//
// Routes:
//
//	GET  /health
//	GET  /api/v1/stats[?aggregate=<id>]
//	GET  /api/v1/aggregates
//	POST /api/v1/aggregates                  (write; creates a new aggregate)
//	GET  /api/v1/aggregates/:id/events
//	POST /api/v1/aggregates/:id/events       (write)
//
// Write routes require an HS256 bearer token when a JWT secret is configured.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/eventific/internal/component"
	"github.com/roach88/eventific/internal/engine"
	"github.com/roach88/eventific/internal/event"
	"github.com/roach88/eventific/internal/projection"
	"github.com/roach88/eventific/internal/store"
)

// ComponentName is the name the server registers under.
const ComponentName = "http"

// Config configures the server.
type Config struct {
	// Addr is the listen address, e.g. ":8080". Port 0 picks a free port.
	Addr string

	// JWTSecret enables bearer-token auth on write routes when non-empty.
	JWTSecret string

	// ShutdownTimeout bounds graceful shutdown when the stop context has no
	// deadline. Zero means 10s.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Server is an HTTP front end registered as a system component.
type Server[D, M any] struct {
	cfg     Config
	logger  *slog.Logger
	tracker *projection.Tracker[D, M]

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	served   chan error
}

var (
	_ component.Component[*engine.System[struct{}, struct{}]] = (*Server[struct{}, struct{}])(nil)
	_ component.Stopper                                       = (*Server[struct{}, struct{}])(nil)
)

// NewServer creates a server. tracker may be nil; when set, /api/v1/stats
// also reports the projection.
func NewServer[D, M any](cfg Config, tracker *projection.Tracker[D, M]) *Server[D, M] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server[D, M]{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", ComponentName),
		tracker: tracker,
	}
}

// ComponentName implements component.Component.
func (s *Server[D, M]) ComponentName() string {
	return ComponentName
}

// Init implements component.Component. It binds the listen address, so a
// port conflict fails the system start, and serves in the background.
func (s *Server[D, M]) Init(_ context.Context, system *engine.System[D, M]) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:           NewRouter(system, s.cfg, s.tracker),
		ReadHeaderTimeout: 10 * time.Second,
	}
	served := make(chan error, 1)

	s.mu.Lock()
	s.srv, s.listener, s.served = srv, ln, served
	s.mu.Unlock()

	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		served <- err
	}()

	s.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once Init has run.
func (s *Server[D, M]) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop implements component.Stopper with a graceful shutdown.
func (s *Server[D, M]) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, served := s.srv, s.served
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	s.logger.Info("http server stopping")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-served
}

// NewRouter builds the gin engine serving system.
func NewRouter[D, M any](system *engine.System[D, M], cfg Config, tracker *projection.Tracker[D, M]) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &handlers[D, M]{system: system, tracker: tracker, logger: logger}

	router := gin.New()
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))

	router.GET("/health", h.health)

	api := router.Group("/api/v1")
	{
		api.GET("/stats", h.stats)
		api.GET("/aggregates", h.listAggregates)
		api.GET("/aggregates/:id/events", h.listEvents)

		write := api.Group("")
		if cfg.JWTSecret != "" {
			write.Use(JWTAuth(cfg.JWTSecret))
		}
		write.POST("/aggregates", h.createAggregate)
		write.POST("/aggregates/:id/events", h.appendEvents)
	}

	return router
}

type handlers[D, M any] struct {
	system  *engine.System[D, M]
	tracker *projection.Tracker[D, M]
	logger  *slog.Logger
}

// EventInput is one event in an append request. A zero EventID is assigned
// the next free id of the aggregate.
type EventInput[D, M any] struct {
	EventID  uint64 `json:"event_id,omitempty"`
	Payload  D      `json:"payload"`
	Metadata *M     `json:"metadata,omitempty"`
}

// AppendRequest is the body of the append routes.
type AppendRequest[D, M any] struct {
	Events []EventInput[D, M] `json:"events"`
}

// AppendResponse is returned by the append routes.
type AppendResponse struct {
	AggregateID event.AggregateID `json:"aggregate_id"`
	Result      string            `json:"result"`
	EventIDs    []uint64          `json:"event_ids,omitempty"`
}

func (h *handlers[D, M]) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": h.system.ServiceName()})
}

func (h *handlers[D, M]) stats(c *gin.Context) {
	ctx := c.Request.Context()

	events, err := h.system.TotalEvents(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	aggregates, err := h.system.TotalAggregates(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}

	body := gin.H{
		"service":          h.system.ServiceName(),
		"total_events":     events,
		"total_aggregates": aggregates,
	}

	if raw := c.Query("aggregate"); raw != "" {
		id, err := event.ParseAggregateID(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid aggregate id"})
			return
		}
		n, err := h.system.TotalEventsForAggregate(ctx, id)
		if err != nil {
			h.fail(c, err)
			return
		}
		body["aggregate_id"] = id
		body["aggregate_events"] = n
	}

	if h.tracker != nil {
		body["projection"] = gin.H{
			"synced":     h.tracker.Synced(),
			"aggregates": len(h.tracker.Snapshot()),
			"events":     h.tracker.Total(),
		}
	}

	c.JSON(http.StatusOK, body)
}

func (h *handlers[D, M]) listAggregates(c *gin.Context) {
	ids := []string{}
	for id, err := range h.system.AggregateIDs(c.Request.Context()) {
		if err != nil {
			h.fail(c, err)
			return
		}
		ids = append(ids, id.String())
	}
	slices.Sort(ids)
	c.JSON(http.StatusOK, gin.H{"aggregates": ids})
}

func (h *handlers[D, M]) listEvents(c *gin.Context) {
	id, ok := h.aggregateParam(c)
	if !ok {
		return
	}

	events := []event.Event[D, M]{}
	for ev, err := range h.system.Events(c.Request.Context(), id) {
		if err != nil {
			h.fail(c, err)
			return
		}
		events = append(events, ev)
	}
	c.JSON(http.StatusOK, gin.H{"aggregate_id": id, "events": events})
}

func (h *handlers[D, M]) createAggregate(c *gin.Context) {
	req, ok := bindAppend[D, M](c)
	if !ok {
		return
	}
	// An empty batch persists nothing, so there would be no aggregate.
	if len(req.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one event is required to create an aggregate"})
		return
	}
	h.append(c, h.system.NewAggregateID(), req, http.StatusCreated)
}

func (h *handlers[D, M]) appendEvents(c *gin.Context) {
	id, ok := h.aggregateParam(c)
	if !ok {
		return
	}
	req, ok := bindAppend[D, M](c)
	if !ok {
		return
	}
	h.append(c, id, req, http.StatusOK)
}

func bindAppend[D, M any](c *gin.Context) (AppendRequest[D, M], bool) {
	var req AppendRequest[D, M]
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return req, false
	}
	return req, true
}

func (h *handlers[D, M]) append(c *gin.Context, id event.AggregateID, req AppendRequest[D, M], successStatus int) {
	ctx := c.Request.Context()

	events, err := h.buildEvents(ctx, id, req.Events)
	if err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.system.Append(ctx, events)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := AppendResponse{AggregateID: id, Result: result.String()}
	for _, ev := range events {
		resp.EventIDs = append(resp.EventIDs, ev.EventID)
	}

	h.logger.Debug("events appended", "aggregate_id", id, "count", len(events), "subject", Subject(c))
	c.JSON(successStatus, resp)
}

func (h *handlers[D, M]) buildEvents(ctx context.Context, id event.AggregateID, inputs []EventInput[D, M]) ([]event.Event[D, M], error) {
	var next uint64
	events := make([]event.Event[D, M], 0, len(inputs))
	for _, in := range inputs {
		eventID := in.EventID
		if eventID == 0 {
			if next == 0 {
				n, err := h.system.NextEventID(ctx, id)
				if err != nil {
					return nil, err
				}
				next = n
			}
			eventID = next
			next++
		}
		events = append(events, h.system.NewEvent(id, eventID, in.Payload, in.Metadata))
	}
	return events, nil
}

func (h *handlers[D, M]) aggregateParam(c *gin.Context) (event.AggregateID, bool) {
	id, err := event.ParseAggregateID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid aggregate id"})
		return event.AggregateID{}, false
	}
	return id, true
}

// fail maps an error to a status code and writes it.
func (h *handlers[D, M]) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case store.IsConstraintViolation(err):
		return http.StatusConflict
	case store.IsSerialization(err):
		return http.StatusUnprocessableEntity
	case engine.IsQuotaError(err):
		return http.StatusRequestEntityTooLarge
	case store.IsConnection(err),
		engine.HasCode(err, engine.ErrCodeNotStarted),
		engine.HasCode(err, engine.ErrCodeClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
