// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/opsmend/opsmend/internal/archive"
	archivepostgres "github.com/opsmend/opsmend/internal/archive/postgres"
	"github.com/opsmend/opsmend/internal/cluster"
	"github.com/opsmend/opsmend/internal/cluster/kube"
	"github.com/opsmend/opsmend/internal/config"
	"github.com/opsmend/opsmend/internal/engine"
	"github.com/opsmend/opsmend/internal/ingest"
	"github.com/opsmend/opsmend/internal/notify"
	"github.com/opsmend/opsmend/internal/notify/mattermost"
	"github.com/opsmend/opsmend/internal/pkg/ctxlog"
	"github.com/opsmend/opsmend/internal/pkg/httputil"
	"github.com/opsmend/opsmend/internal/pkg/metrics"
	"github.com/opsmend/opsmend/internal/pkg/postgres"
	"github.com/opsmend/opsmend/internal/reasoner"
	"github.com/opsmend/opsmend/internal/reasoner/llm"
	"github.com/opsmend/opsmend/internal/version"
)

// App represents the application instance.
type App struct {
	config *config.Config
	logger *slog.Logger

	db        *pgxpool.Pool
	reasoner  reasoner.Reasoner
	inspector cluster.Inspector
	executor  cluster.Executor
	notifier  notify.Notifier

	runner        *ingest.Runner
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
}

// Option overrides a collaborator before construction. Used in tests to run
// the full application against fakes.
type Option func(*App)

// WithReasoner replaces the model-backed reasoner.
func WithReasoner(rsn reasoner.Reasoner) Option {
	return func(a *App) {
		a.reasoner = rsn
	}
}

// WithCluster replaces the Kubernetes-backed inspector and executor.
func WithCluster(insp cluster.Inspector, exec cluster.Executor) Option {
	return func(a *App) {
		a.inspector = insp
		a.executor = exec
	}
}

// WithNotifier replaces the configured notification sink.
func WithNotifier(n notify.Notifier) Option {
	return func(a *App) {
		a.notifier = n
	}
}

// New creates a new application instance.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	app := &App{
		config: cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(app)
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())
	app.metricsCancel = metricsCancel

	if cfg.Database.Enabled {
		connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
		defer connectCancel()

		db, err := postgres.Connect(connectCtx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnectAttempts: cfg.Database.ConnectAttempts,
		})
		if err != nil {
			metricsCancel()
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		app.db = db

		go app.collectDBMetrics(metricsCtx)
	} else {
		logger.Warn("run archive disabled: finished runs are kept in memory only")
	}

	router, runner, err := app.setupRouter()
	if err != nil {
		if app.db != nil {
			app.db.Close()
		}
		metricsCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}
	app.runner = runner

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	// Start main server
	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application. In-flight workflow runs are
// cancelled and take the escalation path before the database pool closes.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	var errs []error
	if err := a.runner.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if a.db != nil {
		a.db.Close()
	}

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Runner returns the run manager. Used in tests to inspect run state.
func (a *App) Runner() *ingest.Runner {
	return a.runner
}

func (a *App) setupRouter() (*chi.Mux, *ingest.Runner, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>opsmend API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        SwaggerUIBundle({
            url: "/api/openapi.yaml",
            dom_id: '#swagger-ui',
            presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
            layout: "BaseLayout"
        });
    </script>
</body>
</html>`))
	})

	if a.reasoner == nil {
		a.reasoner = llm.NewClient(llm.Config{
			APIKey:  a.config.Reasoner.APIKey,
			Model:   a.config.Reasoner.Model,
			BaseURL: a.config.Reasoner.BaseURL,
			Timeout: a.config.Reasoner.Timeout,
		})
	}

	if a.inspector == nil || a.executor == nil {
		client, err := kube.NewClient(a.config.Kubernetes.Kubeconfig)
		if err != nil {
			return nil, nil, fmt.Errorf("create kubernetes client: %w", err)
		}
		if a.config.Kubernetes.RateLimit > 0 {
			client.SetLimiter(rate.NewLimiter(
				rate.Limit(a.config.Kubernetes.RateLimit),
				a.config.Kubernetes.RateBurst,
			))
		}
		a.inspector = kube.NewInspector(client)
		a.executor = kube.NewExecutor(client)
	}

	if a.notifier == nil {
		if a.config.Notify.Enabled {
			a.notifier = mattermost.NewSender(mattermost.Config{
				WebhookURL: a.config.Notify.WebhookURL,
				Username:   a.config.Notify.Username,
				IconURL:    a.config.Notify.IconURL,
			})
		} else {
			a.logger.Info("notifications disabled")
			a.notifier = notify.Noop{}
		}
	}

	var archiver archive.Repository
	if a.db != nil {
		archiver = archivepostgres.NewRepository(a.db)
	}

	eng, err := engine.New(a.reasoner, a.inspector, a.executor, a.notifier, engine.Config{
		MaxAttempts:  a.config.Engine.MaxAttempts,
		StageTimeout: a.config.Engine.StageTimeout,
		ScaleTarget:  a.config.Engine.ScaleTarget,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create engine: %w", err)
	}

	runner := ingest.NewRunner(eng, archiver, ingest.Config{
		MaxConcurrentRuns: a.config.Engine.MaxConcurrentRuns,
		RetainRuns:        a.config.Engine.RetainRuns,
	})

	ingestHandler := ingest.NewHandler(runner,
		a.config.Ingest.SuppressedAlerts,
		a.config.Ingest.DefaultNamespace,
	)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.BearerTokenMiddleware(a.config.Server.AuthToken))
		ingestHandler.RegisterRoutes(r)
	})

	return r, runner, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if a.db == nil {
		httputil.Text(w, http.StatusOK, "OK")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
