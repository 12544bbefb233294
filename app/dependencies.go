package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/dispatch-core/config"
	"github.com/upb/dispatch-core/handlers"
	"github.com/upb/dispatch-core/middleware"
	"github.com/upb/dispatch-core/repositories"
	"github.com/upb/dispatch-core/repositories/memory"
	"github.com/upb/dispatch-core/repositories/postgres"
	"github.com/upb/dispatch-core/services/audit"
	"github.com/upb/dispatch-core/services/broadcast"
	"github.com/upb/dispatch-core/services/dispatch"
	"github.com/upb/dispatch-core/services/personalization"
	"github.com/upb/dispatch-core/services/policy"
	"github.com/upb/dispatch-core/services/providers"
	"github.com/upb/dispatch-core/services/providers/anthropic"
	"github.com/upb/dispatch-core/services/providers/ollama"
	"github.com/upb/dispatch-core/services/providers/openai"
	"github.com/upb/dispatch-core/services/ratelimit"
	"github.com/upb/dispatch-core/services/retrieval"
	"github.com/upb/dispatch-core/services/tools"
)

// Version is the build version reported by the readiness probe. It is
// overridden at link time for release builds.
var Version = "dev"

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB
	Logger *zap.Logger

	// Core services
	RateTracker *ratelimit.Tracker
	Engine      *policy.Engine
	Registry    *providers.Registry
	Hub         *broadcast.Hub
	Audit       *audit.Service
	Dispatcher  *dispatch.Service

	// Middleware
	AuthMiddleware   *middleware.AuthMiddleware
	PolicyMiddleware *middleware.PolicyMiddleware

	// Handlers
	AIHandler     *handlers.AIHandler
	PolicyHandler *handlers.PolicyHandler
	AuditHandler  *handlers.AuditHandler
	EventsHandler *handlers.EventsHandler
	HealthHandler *handlers.HealthHandler

	// sweeperCancel stops the rate tracker's background sweeper.
	sweeperCancel context.CancelFunc
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	deps.initPolicy(ctx, cfg)
	if cfg.Policy.FilePath != "" {
		if err := deps.Engine.LoadFile(cfg.Policy.FilePath); err != nil {
			return nil, fmt.Errorf("failed to load policy file: %w", err)
		}
		logger.Info("policy file loaded", zap.String("path", cfg.Policy.FilePath))
	}

	deps.initProviders(cfg)

	if err := deps.initAudit(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize audit pipeline: %w", err)
	}

	deps.initDispatch(cfg)
	deps.initHTTP(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initPolicy builds the rate tracker and policy engine. StartSweeper
// blocks until its context is cancelled, so it runs on its own goroutine
// until Close cancels it.
func (d *Dependencies) initPolicy(ctx context.Context, cfg *config.Config) {
	sweepCtx, cancel := context.WithCancel(ctx)
	d.sweeperCancel = cancel

	d.RateTracker = ratelimit.NewTracker(d.Logger)
	go d.RateTracker.StartSweeper(sweepCtx, cfg.Policy.RateSweepInterval, cfg.Policy.RateRetention)

	d.Engine = policy.NewEngine(d.RateTracker, d.Logger)
}

// initProviders registers every configured generation backend.
func (d *Dependencies) initProviders(cfg *config.Config) {
	registry := providers.NewRegistry(cfg.Providers.Primary, d.Logger)

	if cfg.Providers.OpenAI.APIKey != "" {
		adapter := openai.NewAdapter(openai.Config{
			APIKey:  cfg.Providers.OpenAI.APIKey,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
			Model:   cfg.Providers.OpenAI.Model,
			Timeout: cfg.Providers.OpenAI.Timeout,
		})
		if err := registry.Register(adapter); err != nil {
			d.Logger.Warn("failed to register OpenAI provider", zap.Error(err))
		}
	}

	if cfg.Providers.Anthropic.APIKey != "" {
		adapter, err := anthropic.NewAdapter(anthropic.Config{
			APIKey:    cfg.Providers.Anthropic.APIKey,
			Model:     cfg.Providers.Anthropic.Model,
			MaxTokens: cfg.Providers.Anthropic.MaxTokens,
		})
		if err != nil {
			d.Logger.Warn("failed to build Anthropic provider", zap.Error(err))
		} else if err := registry.Register(adapter); err != nil {
			d.Logger.Warn("failed to register Anthropic provider", zap.Error(err))
		}
	}

	if cfg.Providers.Ollama.Host != "" {
		adapter := ollama.NewAdapter(ollama.Config{
			Host:    cfg.Providers.Ollama.Host,
			Model:   cfg.Providers.Ollama.Model,
			Timeout: cfg.Providers.Ollama.Timeout,
		})
		if err := registry.Register(adapter); err != nil {
			d.Logger.Warn("failed to register local provider", zap.Error(err))
		}
	}

	if registry.Count() == 0 {
		d.Logger.Warn("no generation providers configured")
	}

	d.Registry = registry
}

// initAudit wires the in-memory ring and, when a database URL is set, a
// Postgres sink behind the same fan-out repository.
func (d *Dependencies) initAudit(ctx context.Context, cfg *config.Config) error {
	sinks := []repositories.AuditRepository{memory.NewAuditRepository(cfg.Audit.RingSize)}

	if cfg.Audit.DatabaseURL != "" {
		db, err := postgres.NewDB(cfg.Audit.DatabaseURL, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect to audit database: %w", err)
		}
		if err := db.InitSchema(ctx); err != nil {
			return fmt.Errorf("failed to initialize audit schema: %w", err)
		}
		d.DB = db
		sinks = append(sinks, postgres.NewAuditRepository(db, d.Logger))
		d.Logger.Info("audit database connected")
	}

	d.Audit = audit.NewService(repositories.Fanout(sinks...), d.Logger, audit.Config{
		BufferSize:  cfg.Audit.BufferSize,
		WorkerCount: cfg.Audit.WorkerCount,
	})
	return d.Audit.Start()
}

// initDispatch builds the broadcast hub, optional collaborators, and the
// dispatch orchestrator on top of them.
func (d *Dependencies) initDispatch(cfg *config.Config) {
	d.Hub = broadcast.NewHub(d.Logger)

	opts := dispatch.Options{
		Hub:               d.Hub,
		Auditor:           d.Audit,
		MaxToolIterations: cfg.Policy.MaxToolIterations,
	}

	if cfg.Collaborators.Retrieval.Enabled {
		opts.Search = retrieval.NewClient(cfg.Collaborators.Retrieval.BaseURL, cfg.Collaborators.Retrieval.Timeout, d.Logger)
		d.Logger.Info("retrieval collaborator enabled", zap.String("url", cfg.Collaborators.Retrieval.BaseURL))
	}
	if cfg.Collaborators.Personalization.Enabled {
		opts.WeakAreas = personalization.NewClient(cfg.Collaborators.Personalization.BaseURL, cfg.Collaborators.Personalization.Timeout, d.Logger)
		d.Logger.Info("personalization collaborator enabled", zap.String("url", cfg.Collaborators.Personalization.BaseURL))
	}
	if cfg.Collaborators.Tools.Enabled {
		opts.Executor = tools.NewClient(cfg.Collaborators.Tools.BaseURL, cfg.Collaborators.Tools.Timeout, d.Logger)
		d.Logger.Info("tools collaborator enabled", zap.String("url", cfg.Collaborators.Tools.BaseURL))
	}

	d.Dispatcher = dispatch.NewService(d.Engine, d.Registry, d.Logger, opts)
}

// initHTTP builds the middleware and handler layer.
func (d *Dependencies) initHTTP(cfg *config.Config) {
	d.AuthMiddleware = middleware.NewAuthMiddleware(cfg.Auth.JWTSecret, d.Logger)
	d.PolicyMiddleware = middleware.NewPolicyMiddleware(d.Engine, d.Audit, d.Logger)

	d.AIHandler = handlers.NewAIHandler(d.Dispatcher, d.Logger)
	d.PolicyHandler = handlers.NewPolicyHandler(d.Engine, d.Logger)
	d.AuditHandler = handlers.NewAuditHandler(d.Audit, d.Logger)
	d.EventsHandler = handlers.NewEventsHandler(d.Hub, d.Logger)

	var db handlers.HealthChecker
	if d.DB != nil {
		db = d.DB
	}
	d.HealthHandler = handlers.NewHealthHandler(d.Registry, db, Version)
}

// Close gracefully shuts down all dependencies.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.sweeperCancel != nil {
		d.sweeperCancel()
	}

	if d.Audit != nil {
		timeout := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Audit.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}
