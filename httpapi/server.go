package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/isdmx/judgebox/judge"
	"github.com/isdmx/judgebox/pool"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 2 << 20

// Judge is the part of judge.Service the HTTP API calls.
type Judge interface {
	Execute(ctx context.Context, req judge.ExecutionRequest) (judge.ExecutionResult, error)
	RunOnce(ctx context.Context, req judge.RunOnceRequest) (judge.RunOnceResult, error)
	Languages() []string
}

// Pinger reports whether the execution engine is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Snapshotter lists pool instances for diagnostics.
type Snapshotter interface {
	Snapshot() []pool.Instance
}

// Config configures the HTTP server.
type Config struct {
	Addr           string
	RateLimitRPS   float64
	RateLimitBurst int
	// MCPPath mounts MCPHandler when both are set.
	MCPPath    string
	MCPHandler http.Handler
}

// Server is the JSON/HTTP transport.
type Server struct {
	logger  *zap.Logger
	judge   Judge
	health  Pinger
	pool    Snapshotter
	limiter *RateLimiter
	cfg     Config
	router  chi.Router
	http    *http.Server
}

// New creates a Server and registers its routes. health and snapshots may be nil.
func New(logger *zap.Logger, j Judge, health Pinger, snapshots Snapshotter, cfg Config) *Server {
	s := &Server{
		logger:  logger,
		judge:   j,
		health:  health,
		pool:    snapshots,
		limiter: NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		cfg:     cfg,
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(jsonContentType)
		r.Get("/languages", s.handleLanguages)
		r.Get("/instances", s.handleInstances)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Post("/execute", s.handleExecute)
			r.Post("/run", s.handleRun)
		})
	})

	if s.cfg.MCPPath != "" && s.cfg.MCPHandler != nil {
		r.With(s.limiter.Middleware).Handle(s.cfg.MCPPath, s.cfg.MCPHandler)
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Limiter returns the request rate limiter.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.http.Shutdown(ctx)
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
