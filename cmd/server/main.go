package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/expensepolicy/internal/config"
	"github.com/liamcoop/expensepolicy/internal/logger"
	"github.com/liamcoop/expensepolicy/internal/metrics"
	"github.com/liamcoop/expensepolicy/multitenant"
	"github.com/liamcoop/expensepolicy/policy"
	"github.com/liamcoop/expensepolicy/rules"
)

// maxBodyBytes caps request bodies on the company routes
const maxBodyBytes = 1 << 20

type Server struct {
	db          *sql.DB
	manager     *multitenant.Manager
	evaluator   *policy.Evaluator
	metrics     *metrics.Collector
	validate    *validator.Validate
	metricsPath string
	router      *chi.Mux
}

// NewServer wires a server around an existing manager. db may be nil when
// rules do not live in Postgres; metrics may be nil to skip the endpoint.
func NewServer(db *sql.DB, manager *multitenant.Manager, evaluator *policy.Evaluator, collector *metrics.Collector, metricsPath string) *Server {
	s := &Server{
		db:          db,
		manager:     manager,
		evaluator:   evaluator,
		metrics:     collector,
		validate:    validator.New(),
		metricsPath: metricsPath,
	}
	if s.metrics == nil {
		s.metrics = metrics.NewCollector(nil)
		s.metricsPath = ""
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check
	r.Get("/api/v1/health", s.handleHealth)

	if s.metricsPath != "" {
		r.Handle(s.metricsPath, s.metrics.Handler())
	}

	r.Route("/api/v1/companies/{companyId}", func(r chi.Router) {
		r.Use(middleware.RequestSize(maxBodyBytes))

		// Rule management
		r.Get("/rules", s.handleListRules)
		r.Post("/rules", s.handleCreateRule)
		r.Get("/rules/{ruleId}", s.handleGetRule)
		r.Put("/rules/{ruleId}", s.handleUpdateRule)
		r.Delete("/rules/{ruleId}", s.handleDeleteRule)

		// Evaluation and gated transitions
		r.Post("/evaluate", s.handleEvaluate)
		r.Post("/expenses/submit", s.handleSubmit)
		r.Post("/expenses/approve", s.handleApprove)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request through the process logger
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// components are the long-lived dependencies built from configuration
type components struct {
	db        *sql.DB
	redis     *redis.Client
	manager   *multitenant.Manager
	evaluator *policy.Evaluator
	metrics   *metrics.Collector
	files     *rules.FileRuleSource
}

func (c *components) Close() {
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			logger.Warn("failed to close redis client", "error", err)
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			logger.Warn("failed to close database", "error", err)
		}
	}
}

func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{
		evaluator: policy.Default(),
		metrics:   metrics.NewCollector(nil),
	}

	var factory multitenant.StoreFactory
	switch cfg.Rules.Source {
	case config.SourcePostgres:
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		c.db = db
		factory = func(companyID string) rules.RuleStore {
			return rules.NewPostgresRuleStore(db, companyID)
		}

	case config.SourceFile:
		files, err := rules.NewFileRuleSource(cfg.Rules.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load rule file: %w", err)
		}
		c.files = files
		factory = files.Store

	default:
		factory = func(companyID string) rules.RuleStore {
			return rules.NewInMemoryRuleStore(companyID)
		}
	}

	cacheCfg := rules.CacheConfig{TTL: cfg.Cache.TTL, KeyPrefix: cfg.Cache.KeyPrefix}
	var cache rules.RulesCache
	if cfg.Cache.Backend == config.CacheRedis {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := c.redis.Ping(ctx).Err(); err != nil {
			// The cache degrades to misses, so an unreachable Redis is not fatal
			logger.Warn("redis unreachable, snapshots will be read from the store", "addr", cfg.Redis.Addr, "error", err)
		}
		cache = rules.NewRedisRulesCache(c.redis, cacheCfg)
	} else {
		cache = rules.NewInMemoryRulesCache(cacheCfg)
	}

	c.manager = multitenant.NewManager(factory, c.evaluator.Parser(),
		multitenant.WithCache(cache),
		multitenant.WithCacheObserver(c.metrics.RecordCacheLookup),
	)

	return c, nil
}

// knownCompanies lists the companies whose snapshots are warmed at startup
func (c *components) knownCompanies(ctx context.Context) ([]string, error) {
	switch {
	case c.db != nil:
		return rules.ListCompanies(ctx, c.db)
	case c.files != nil:
		return c.files.Companies(), nil
	}
	return nil, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}

	if err := logger.Configure(ctx, logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		SampleRate:  cfg.Log.SampleRate,
		OTELEnabled: cfg.Log.OTELEnabled,
		ServiceName: cfg.App.Name,
	}); err != nil {
		logger.Warn("logger configuration incomplete", "error", err)
	}

	deps, err := buildComponents(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise", "error", err)
	}
	defer deps.Close()

	companies, err := deps.knownCompanies(ctx)
	if err != nil {
		logger.Warn("failed to list companies", "error", err)
	}
	warmed := deps.manager.Warm(ctx, companies)
	logger.Info("rule snapshots loaded", "source", cfg.Rules.Source, "companies", warmed)

	if deps.files != nil && cfg.Rules.Watch {
		go func() {
			err := deps.files.Watch(ctx, cfg.Rules.WatchDebounce, func() {
				deps.manager.InvalidateAll(ctx)
				logger.Info("rule file changed, snapshots invalidated")
			})
			if err != nil {
				logger.Error("rule file watcher stopped", "error", err)
			}
		}()
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	server := NewServer(deps.db, deps.manager, deps.evaluator, deps.metrics, metricsPath)

	httpServer := &http.Server{
		Addr:         cfg.App.Addr(),
		Handler:      server,
		ReadTimeout:  cfg.App.ReadTimeout,
		WriteTimeout: cfg.App.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("server starting", "addr", httpServer.Addr, "rules_source", cfg.Rules.Source, "cache", cfg.Cache.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := logger.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to flush logs", "error", err)
	}
	logger.Info("server stopped")
}
