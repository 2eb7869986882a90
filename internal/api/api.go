// Package api provides the loopback HTTP control API of the daemon.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rennerdo30/tunnelkeeper/internal/engine"
	"github.com/rennerdo30/tunnelkeeper/internal/logging"
	"github.com/rennerdo30/tunnelkeeper/internal/network"
	"github.com/rennerdo30/tunnelkeeper/internal/session"
)

// ConnectTimeout is how long a caller should wait for a started session to
// reach connected before giving up. The engine itself never times out a
// connection attempt.
const ConnectTimeout = 30 * time.Second

// DefaultRequestTimeout bounds regular API requests.
const DefaultRequestTimeout = 30 * time.Second

// Sessions is the engine as seen by the API.
type Sessions interface {
	Start(ctx context.Context, req engine.StartRequest) (session.View, error)
	Stop(ctx context.Context, profileID string) error
	Status() map[string]session.View
	Log(profileID string) ([]byte, error)
	ClearLog(profileID string) error
}

// Adapters reports virtual adapter counts.
type Adapters interface {
	Refresh(ctx context.Context) (used, available int)
	Counts() network.Counts
}

// Resetter resets host networking.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Config holds API configuration.
type Config struct {
	Sessions       Sessions
	Adapters       Adapters     // nil disables /adapters
	Resetter       Resetter     // nil disables /network/reset
	Metrics        http.Handler // nil disables /metrics
	Token          string
	RequestTimeout time.Duration
	EventInterval  time.Duration
	Logger         *slog.Logger
}

// API serves the control endpoints.
type API struct {
	sessions       Sessions
	adapters       Adapters
	resetter       Resetter
	metrics        http.Handler
	token          string
	requestTimeout time.Duration
	eventInterval  time.Duration
	logger         *slog.Logger
	started        time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a new API.
func New(cfg Config) *API {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.EventInterval <= 0 {
		cfg.EventInterval = DefaultEventInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("api")
	}
	return &API{
		sessions:       cfg.Sessions,
		adapters:       cfg.Adapters,
		resetter:       cfg.Resetter,
		metrics:        cfg.Metrics,
		token:          cfg.Token,
		requestTimeout: cfg.RequestTimeout,
		eventInterval:  cfg.EventInterval,
		logger:         cfg.Logger,
		started:        time.Now(),
		done:           make(chan struct{}),
	}
}

// Close ends every open event stream. http.Server.Shutdown does not track
// hijacked connections, so the owner of the server calls this on shutdown.
func (a *API) Close() {
	a.closeOnce.Do(func() { close(a.done) })
}

// Handler returns the HTTP handler for the API.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(a.requestLogger)
	r.Use(a.recoverer)
	r.Use(noCacheMiddleware)
	r.Use(securityHeadersMiddleware)

	if a.token != "" {
		r.Use(a.authMiddleware)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(a.requestTimeout))

		r.Post("/start", a.handleStart)
		r.Post("/stop", a.handleStop)
		r.Get("/status", a.handleStatus)

		r.Get("/adapters", a.handleAdapters)

		r.Get("/log/{id}", a.handleGetLog)
		r.Delete("/log/{id}", a.handleClearLog)

		r.Get("/health", a.handleHealth)
		r.Get("/version", a.handleVersion)
	})

	// Neither is bounded by the request timeout: a reset runs every step
	// and the event stream lives as long as its client.
	r.Post("/network/reset", a.handleNetworkReset)
	r.Handle("/events", a.eventsHandler())

	if a.metrics != nil {
		r.Handle("/metrics", a.metrics)
	}

	return r
}
