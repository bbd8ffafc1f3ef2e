package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/engine"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/logging"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/progress/sinks"
)

// Controller is the run lifecycle the API drives.
type Controller interface {
	Partitions(ctx context.Context, input string) ([]string, error)
	Inspect(ctx context.Context, req engine.Request) (engine.Inspection, error)
	Start(ctx context.Context, req engine.Request) (string, error)
	Stop() error
	SetPoolTarget(n int) error
	Snapshot() (engine.Snapshot, bool)
}

// Options carries the optional collaborators of the Server.
type Options struct {
	// Defaults fill request fields the caller leaves empty.
	Defaults engine.Request
	Logs     *logging.Ring
	Events   *sinks.Tally
	Metrics  *metrics.HTTP
	Gatherer prometheus.Gatherer
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Server wires HTTP handlers to a Controller.
type Server struct {
	router   chi.Router
	ctrl     Controller
	opts     Options
	validate *validator.Validate
	logger   *zap.Logger
}

const defaultTimeout = 30 * time.Second

// NewServer constructs a Server with middleware and routes.
func NewServer(ctrl Controller, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		ctrl:     ctrl,
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   opts.Logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(timeoutMiddleware(opts.Timeout))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(opts.Gatherer))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/partitions", s.partitions)
		r.Route("/run", func(r chi.Router) {
			r.Post("/inspect", s.inspect)
			r.Post("/start", s.start)
			r.Post("/stop", s.stop)
			r.Post("/pool", s.setPool)
			r.Get("/status", s.status)
			r.Get("/logs", s.logs)
			r.Get("/events", s.events)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
