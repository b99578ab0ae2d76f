package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/daniwesttech/mpesa-server/internal/config"
	"github.com/daniwesttech/mpesa-server/internal/idempotency"
	"github.com/daniwesttech/mpesa-server/internal/logger"
	"github.com/daniwesttech/mpesa-server/internal/metrics"
	"github.com/daniwesttech/mpesa-server/internal/ratelimit"
	"github.com/daniwesttech/mpesa-server/internal/receipt"
	"github.com/daniwesttech/mpesa-server/internal/reconcile"
	"github.com/daniwesttech/mpesa-server/internal/storage"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg              *config.Config
	engine           *reconcile.Engine
	store            storage.Store
	receipts         *receipt.Projector
	idempotencyStore idempotency.Store
	metrics          *metrics.Metrics
	logger           zerolog.Logger
}

// Deps carries everything the server needs. The metrics registry is passed
// separately so /metrics only exposes this process's collectors.
type Deps struct {
	Config           *config.Config
	Engine           *reconcile.Engine
	Store            storage.Store
	Receipts         *receipt.Projector
	IdempotencyStore idempotency.Store
	Metrics          *metrics.Metrics
	Registry         *prometheus.Registry
	Logger           zerolog.Logger
}

// New builds the HTTP server with a configured router.
func New(deps Deps) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:              deps.Config,
			engine:           deps.Engine,
			store:            deps.Store,
			receipts:         deps.Receipts,
			idempotencyStore: deps.IdempotencyStore,
			metrics:          deps.Metrics,
			logger:           deps.Logger,
		},
		httpServer: &http.Server{
			Addr:         deps.Config.Server.Address,
			ReadTimeout:  deps.Config.Server.ReadTimeout.Duration,
			WriteTimeout: deps.Config.Server.WriteTimeout.Duration,
			IdleTimeout:  deps.Config.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	s.configureRouter(router, deps.Registry)

	return s
}

func (s *Server) configureRouter(router chi.Router, registry *prometheus.Registry) {
	cfg := s.cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeaders)

	// Logging middleware runs early so every later layer sees the
	// request-scoped logger in context.
	router.Use(logger.Middleware(s.logger))
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(requestMetrics(s.metrics))

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled: cfg.RateLimit.GlobalEnabled,
		GlobalLimit:   cfg.RateLimit.GlobalLimit,
		GlobalWindow:  cfg.RateLimit.GlobalWindow.Duration,
		PerIPEnabled:  cfg.RateLimit.PerIPEnabled,
		PerIPLimit:    cfg.RateLimit.PerIPLimit,
		PerIPWindow:   cfg.RateLimit.PerIPWindow.Duration,
		Metrics:       s.metrics,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints with a 5s timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		root := prefix
		if root == "" {
			root = "/"
		}
		r.Get(root, s.health)
		r.Get(prefix+"/health", s.health)

		metricsHandler := promhttp.Handler()
		if registry != nil {
			metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		}
		r.With(metricsAuth(cfg.Server.MetricsAPIKey)).Handle("/metrics", metricsHandler)
	})

	idempotencyMW := idempotency.Middleware(s.idempotencyStore, 24*time.Hour)

	// Payment endpoints with a 60s timeout; a push blocks on the gateway
	// and its retries.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.With(idempotencyMW).Post(prefix+"/mpesa/stkpush", s.initiatePush)
		r.Post(prefix+"/mpesa/callback", s.handleCallback)

		r.Get(prefix+"/mpesa/transactions", s.listTransactions)
		r.Get(prefix+"/mpesa/transactions/{id}", s.getTransaction)
		r.Get(prefix+"/mpesa/receipt/{id}", s.getReceipt)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// SetAddr overrides the listen address before the server starts.
func (s *Server) SetAddr(addr string) {
	s.httpServer.Addr = addr
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
