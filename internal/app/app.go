package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/api"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/condition"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/config"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/db"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/dkim"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/engine"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/ipfilter"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/mailer"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/metrics"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/quota"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/repository"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/rotation"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/sandbox"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/secrets"
)

// Repositories groups the data access objects of one database
type Repositories struct {
	Campaigns  *repository.CampaignRepository
	Contacts   *repository.ContactRepository
	Executions *repository.CampaignContactRepository
	Events     *repository.EventRepository
	Accounts   *repository.AccountRepository
	Counters   *repository.SendCounterRepository
}

// App is the main application
type App struct {
	config  *config.Config
	version string
	logger  *slog.Logger

	db             *db.DB
	repos          Repositories
	engine         *engine.Engine
	worker         *engine.Worker
	sandboxStorage *sandbox.Storage
	redisCursor    *rotation.RedisCursor

	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
}

// New creates a new application. Nothing is started until Run.
func New(cfg *config.Config, version string) (*App, error) {
	logger := SetupLogger(cfg.Logging)

	database, err := db.Open(cfg.Database.Driver, cfg.Database.DSN, db.Options{MaxOpenConns: cfg.Database.MaxOpenConns})
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}

	a := &App{
		config:  cfg,
		version: version,
		logger:  logger,
		db:      database,
		repos: Repositories{
			Campaigns:  repository.NewCampaignRepository(database),
			Contacts:   repository.NewContactRepository(database),
			Executions: repository.NewCampaignContactRepository(database),
			Events:     repository.NewEventRepository(database),
			Accounts:   repository.NewAccountRepository(database),
			Counters:   repository.NewSendCounterRepository(database),
		},
	}

	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.config
	logger := a.logger

	// Rotation cursor
	var cursor rotation.Cursor = rotation.NewMemoryCursor()
	if cfg.Rotation.Backend == config.RotationRedis {
		rc, err := rotation.NewRedisCursorFromURL(cfg.Rotation.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to create redis cursor: %w", err)
		}
		a.redisCursor = rc
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rc.Ping(pingCtx); err != nil {
			return fmt.Errorf("redis is unreachable: %w", err)
		}
		cursor = rc
		logger.Info("rotation cursor shared through redis")
	}

	guard := quota.New(a.repos.Events, a.repos.Counters, cfg.Quota.DefaultDailyLimit)
	selector := rotation.New(a.repos.Accounts, guard, cursor, logger)

	// DKIM keys
	specs := make([]dkim.KeySpec, 0, len(cfg.Mailer.DKIM))
	for _, d := range cfg.Mailer.DKIM {
		specs = append(specs, dkim.KeySpec{Domain: d.Domain, Selector: d.Selector, KeyFile: d.KeyFile})
	}
	keyring, err := dkim.NewKeyring(specs)
	if err != nil {
		return fmt.Errorf("failed to load DKIM keys: %w", err)
	}
	if keyring.Len() > 0 {
		logger.Info("DKIM signing enabled", "domains", keyring.Len())
	}

	// Transports
	router := mailer.NewRouter(a.repos.Accounts, mailer.Options{
		RatePerSecond: cfg.Mailer.RatePerSecond,
		Secrets:       secrets.New(cfg.Mailer.SecretKey),
		Keyring:       keyring,
		Logger:        logger,
	})
	smtpTransport := mailer.NewSMTPTransport(cfg.Mailer.Hostname, cfg.Mailer.DialTimeout, logger)
	router.Register(models.ProviderSMTP, smtpTransport)
	router.Register(models.ProviderOAuth, mailer.NewOAuthTransport(smtpTransport, cfg.Mailer.OAuth))
	router.Register(models.ProviderSendGrid, mailer.NewSendGridTransport(cfg.Mailer.SendGridAPIKey))

	if cfg.Mailer.SandboxPath != "" {
		store, err := sandbox.Open(cfg.Mailer.SandboxPath)
		if err != nil {
			return fmt.Errorf("failed to open sandbox storage: %w", err)
		}
		a.sandboxStorage = store
		router.Register(models.ProviderSandbox, mailer.NewSandboxTransport(store))
		logger.Info("sandbox capture enabled", "path", cfg.Mailer.SandboxPath)
	}

	conditions, err := condition.NewEvaluator()
	if err != nil {
		return err
	}

	a.engine, err = engine.New(engine.Config{
		BatchSize:      cfg.Engine.BatchSize,
		Concurrency:    cfg.Engine.Concurrency,
		MinWaitDelay:   cfg.Engine.MinWaitDelay,
		QuotaResetHour: cfg.Engine.QuotaResetHour,
		SendTimeout:    cfg.Engine.SendTimeout,
	}, engine.Deps{
		Contacts:   a.repos.Executions,
		Steps:      a.repos.Campaigns,
		Events:     a.repos.Events,
		Accounts:   a.repos.Accounts,
		Selector:   selector,
		Quota:      guard,
		Sender:     router,
		Conditions: conditions,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	a.worker = engine.NewWorker(a.engine, cfg.Engine.CronSpec(), cfg.Engine.StaleClaimAfter, logger)

	if cfg.API.Enabled {
		filter, err := ipfilter.New(cfg.API.AllowedIPs, logger.With("component", "api_ipfilter"))
		if err != nil {
			return fmt.Errorf("invalid api.allowed_ips: %w", err)
		}
		a.apiServer = api.NewServer(&cfg.API, api.Deps{
			Runner:     a.engine,
			Campaigns:  a.repos.Campaigns,
			Executions: a.repos.Executions,
			Events:     a.repos.Events,
			Contacts:   a.repos.Contacts,
			Conditions: conditions,
			Sandbox:    a.sandboxStorage,
			Filter:     filter,
		}, a.version, logger)
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		filter, err := ipfilter.New(cfg.Metrics.AllowedIPs, logger.With("component", "metrics_ipfilter"))
		if err != nil {
			return fmt.Errorf("invalid metrics.allowed_ips: %w", err)
		}
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, filter, logger)
		a.collector = metrics.NewCollector(m, a.repos.Campaigns, cfg.Metrics.FlushInterval, logger)
	}

	return nil
}

// Engine returns the execution engine
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Repositories returns the data access objects
func (a *App) Repositories() Repositories {
	return a.repos
}

// Logger returns the configured logger
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting brazen",
		"version", a.version,
		"database", a.config.Database.Driver,
		"schedule", a.config.Engine.CronSpec(),
		"batch_size", a.config.Engine.BatchSize,
		"concurrency", a.config.Engine.Concurrency,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)

	if a.collector != nil {
		a.collector.Start(ctx)
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	if err := a.worker.Start(ctx); err != nil {
		cancel()
		a.Shutdown(context.Background())
		return err
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop the scheduler first; an in-flight cycle finishes before Stop returns
	if a.worker != nil {
		a.worker.Stop()
	}

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if a.collector != nil {
		a.collector.Stop()
	}

	a.Close()
	a.logger.Info("shutdown complete")
	return nil
}

// Close releases storage handles without touching servers
func (a *App) Close() {
	if a.sandboxStorage != nil {
		if err := a.sandboxStorage.Close(); err != nil {
			a.logger.Error("sandbox close error", "error", err)
		}
		a.sandboxStorage = nil
	}
	if a.redisCursor != nil {
		if err := a.redisCursor.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
		a.redisCursor = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
		a.db = nil
	}
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
