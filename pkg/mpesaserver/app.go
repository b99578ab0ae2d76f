package mpesaserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/daniwesttech/mpesa-server/internal/auth"
	"github.com/daniwesttech/mpesa-server/internal/circuitbreaker"
	"github.com/daniwesttech/mpesa-server/internal/config"
	"github.com/daniwesttech/mpesa-server/internal/daraja"
	"github.com/daniwesttech/mpesa-server/internal/httpserver"
	"github.com/daniwesttech/mpesa-server/internal/idempotency"
	"github.com/daniwesttech/mpesa-server/internal/lifecycle"
	"github.com/daniwesttech/mpesa-server/internal/logger"
	"github.com/daniwesttech/mpesa-server/internal/metrics"
	"github.com/daniwesttech/mpesa-server/internal/receipt"
	"github.com/daniwesttech/mpesa-server/internal/reconcile"
	"github.com/daniwesttech/mpesa-server/internal/storage"
)

// App wires the reconciliation components for standalone serving or embedding.
type App struct {
	Config           *config.Config
	Store            storage.Store
	Tokens           *auth.TokenCache
	Gateway          *daraja.Client
	Engine           *reconcile.Engine
	Receipts         *receipt.Projector
	IdempotencyStore *idempotency.MemoryStore

	server           *httpserver.Server
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
	registry         *prometheus.Registry
	logger           zerolog.Logger
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store  storage.Store
	logger *zerolog.Logger
}

// WithStore sets a custom storage backend, overriding the configured one.
// The caller keeps ownership; the app will not close it.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithLogger sets the application logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

// NewApp assembles the full service from configuration.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("mpesaserver: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:          cfg,
		resourceManager: lifecycle.NewManager(),
		registry:        prometheus.NewRegistry(),
	}

	if optState.logger != nil {
		app.logger = *optState.logger
	} else {
		app.logger = logger.New(logger.Config{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			Service:     "mpesa-server",
			Environment: cfg.Logging.Environment,
		})
	}

	app.metricsCollector = metrics.New(app.registry)

	if optState.store != nil {
		app.Store = optState.store
	} else {
		store, err := newStore(cfg, app.metricsCollector)
		if err != nil {
			return nil, err
		}
		app.Store = store
		app.resourceManager.Register("storage", store)
		if cfg.Storage.Backend == "memory" {
			app.logger.Warn().
				Msg("mpesaserver: using in-memory store, transactions are lost on restart")
		}
	}

	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	app.Tokens = auth.NewTokenCache(
		cfg.Daraja.BaseURL,
		auth.Credentials{
			ConsumerKey:    cfg.Daraja.ConsumerKey,
			ConsumerSecret: cfg.Daraja.ConsumerSecret,
		},
		cfg.Daraja.TokenSkew.Duration,
		auth.WithLogger(app.logger),
		auth.WithMetrics(app.metricsCollector),
		auth.WithBreakers(breakers),
	)
	app.resourceManager.RegisterFunc("token-cache", func() error {
		app.Tokens.Close()
		return nil
	})

	app.Gateway = daraja.NewClient(cfg.Daraja, app.Tokens,
		daraja.WithClientLogger(app.logger),
		daraja.WithClientMetrics(app.metricsCollector),
		daraja.WithClientBreakers(breakers),
	)

	app.Engine = reconcile.NewEngine(app.Gateway, app.Store,
		reconcile.WithLogger(app.logger),
		reconcile.WithMetrics(app.metricsCollector),
	)

	receipts, err := receipt.NewProjector(cfg.Receipt.MerchantName, cfg.Receipt.SupportEmail)
	if err != nil {
		return nil, err
	}
	app.Receipts = receipts

	app.IdempotencyStore = idempotency.NewMemoryStore()
	app.resourceManager.RegisterFunc("idempotency-store", func() error {
		app.IdempotencyStore.Stop()
		return nil
	})

	app.server = httpserver.New(httpserver.Deps{
		Config:           cfg,
		Engine:           app.Engine,
		Store:            app.Store,
		Receipts:         app.Receipts,
		IdempotencyStore: app.IdempotencyStore,
		Metrics:          app.metricsCollector,
		Registry:         app.registry,
		Logger:           app.logger,
	})

	return app, nil
}

// newStore selects the storage backend from configuration.
func newStore(cfg *config.Config, m *metrics.Metrics) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "postgres":
		store, err := storage.NewPostgresStore(cfg.Storage.PostgresURL, cfg.Storage.PostgresPool, cfg.Storage.TransactionTable)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return store.WithMetrics(m), nil
	case "mongodb":
		store, err := storage.NewMongoDBStore(cfg.Storage.MongoDBURL, cfg.Storage.MongoDBDatabase, cfg.Storage.TransactionTable)
		if err != nil {
			return nil, fmt.Errorf("init mongodb store: %w", err)
		}
		return store.WithMetrics(m), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// Server returns the wired HTTP server.
func (a *App) Server() *httpserver.Server {
	return a.server
}

// Handler exposes the router as an http.Handler for embedding and tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Logger returns the application logger.
func (a *App) Logger() zerolog.Logger {
	return a.logger
}

// Shutdown drains the HTTP server and then releases resources in reverse
// registration order.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	if closeErr := a.resourceManager.Close(); err == nil {
		err = closeErr
	}
	return err
}
