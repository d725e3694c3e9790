package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/johnrirwin/spinefeed/internal/aggregator"
	"github.com/johnrirwin/spinefeed/internal/auth"
	"github.com/johnrirwin/spinefeed/internal/cache"
	"github.com/johnrirwin/spinefeed/internal/config"
	"github.com/johnrirwin/spinefeed/internal/database"
	"github.com/johnrirwin/spinefeed/internal/dedup"
	"github.com/johnrirwin/spinefeed/internal/httpapi"
	"github.com/johnrirwin/spinefeed/internal/ingest"
	"github.com/johnrirwin/spinefeed/internal/logging"
	"github.com/johnrirwin/spinefeed/internal/mcp"
	"github.com/johnrirwin/spinefeed/internal/models"
	"github.com/johnrirwin/spinefeed/internal/ratelimit"
	"github.com/johnrirwin/spinefeed/internal/scheduler"
	"github.com/johnrirwin/spinefeed/internal/sources"
	"github.com/johnrirwin/spinefeed/internal/tagging"
)

// App holds all application dependencies
type App struct {
	Config         *config.Config
	Logger         *logging.Logger
	Cache          cache.Cache
	Store          database.Store
	Aggregator     *aggregator.Aggregator
	Scheduler      *scheduler.Scheduler
	AuthService    *auth.Service
	AuthMiddleware *auth.Middleware
	HTTPServer     *httpapi.Server
	MCPServer      *mcp.Server
	triggerLimiter ratelimit.RateLimiter
	sourcesConfig  *sources.SourcesConfig
}

// New creates and initializes a new App instance
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	app := &App{Config: cfg}

	// Initialize logger
	app.Logger = logging.New(logging.ParseLevel(cfg.Logging.Level))

	// Initialize cache and trigger rate limiter
	app.Cache = app.initCache()

	// Initialize store and tracked sources
	store, err := app.initStore()
	if err != nil {
		app.Cache.Close()
		return nil, err
	}
	app.Store = store
	app.sourcesConfig = app.loadSourcesConfig()
	if err := app.seedSources(context.Background()); err != nil {
		app.Store.Close()
		return nil, err
	}

	// Initialize ingestion pipeline and scheduler
	runner, err := app.initRunner()
	if err != nil {
		app.Store.Close()
		return nil, err
	}
	app.Aggregator = aggregator.New(app.Store, app.Cache, app.Logger)
	app.Scheduler = scheduler.New(app.Store, runner, app.Cache, app.Logger, scheduler.Config{
		Interval:   cfg.Scheduler.Interval,
		RunTimeout: cfg.Scheduler.RunTimeout,
		RunOnStart: cfg.Scheduler.RunOnStart,
		TaskTTL:    24 * time.Hour,
	},
		scheduler.WithRateLimiter(app.triggerLimiter),
		scheduler.OnRunFinished(func(run models.RunRecord) {
			if run.ItemsNew > 0 {
				app.Aggregator.Invalidate()
			}
		}),
	)
	app.Aggregator.SetStatusSource(app.Scheduler.Status)

	// Initialize auth and HTTP server
	app.AuthService = auth.NewService(cfg.Auth, app.Logger)
	app.AuthMiddleware = auth.NewMiddleware(app.AuthService)
	if app.AuthService == nil {
		app.Logger.Warn("ADMIN_JWT_SECRET not set, management routes are unauthenticated")
	}
	app.HTTPServer = httpapi.New(app.Aggregator, app.Store, app.Scheduler, app.AuthMiddleware, app.Logger)
	app.MCPServer = mcp.NewServer(mcp.NewHandler(app.Aggregator, app.Scheduler, app.Logger), app.Logger)

	return app, nil
}

// Run scrapes once and returns in scrape-once mode. Otherwise it starts the scheduler and serves
// MCP over stdio or HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	switch {
	case a.Config.Server.ScrapeOnceMode:
		return a.runScrapeOnce(ctx)
	case a.Config.Server.MCPMode:
		return a.runMCPMode(ctx)
	default:
		return a.runHTTPMode(ctx)
	}
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error("HTTP server shutdown error", logging.WithField("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(ctx); err != nil {
			a.Logger.Error("Scheduler shutdown error", logging.WithField("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Error("Store close error", logging.WithField("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.Cache != nil {
		a.Cache.Close()
	}

	return errors.Join(errs...)
}

func (a *App) initCache() cache.Cache {
	cooldown := a.Config.Server.TriggerCooldown
	switch a.Config.Cache.Backend {
	case "redis":
		a.Logger.Info("Using Redis cache backend", logging.WithField("addr", a.Config.Cache.RedisAddr))
		redisCache, err := cache.NewRedis(cache.RedisConfig{
			Addr: a.Config.Cache.RedisAddr,
		}, a.Config.Cache.TTL)
		if err != nil {
			a.Logger.Error("Failed to connect to Redis, falling back to memory cache", logging.WithField("error", err.Error()))
			a.triggerLimiter = ratelimit.New(cooldown)
			return cache.NewMemory(a.Config.Cache.TTL)
		}
		// Use Redis for distributed rate limiting when available
		a.triggerLimiter = ratelimit.NewRedis(redisCache.Client(), redisCache.Prefix()+"ratelimit:", cooldown)
		a.Logger.Info("Using Redis for distributed rate limiting")
		return redisCache
	default:
		a.Logger.Info("Using in-memory cache backend")
		a.triggerLimiter = ratelimit.New(cooldown)
		return cache.NewMemory(a.Config.Cache.TTL)
	}
}

// initStore opens the configured backend. A persistent backend that cannot be opened is a startup
// error; only an explicit memory backend runs without durable storage.
func (a *App) initStore() (database.Store, error) {
	if a.Config.Store.Backend == "memory" {
		a.Logger.Warn("Using in-memory store, content is lost on restart")
		return database.NewMemoryStore(), nil
	}

	dbConfig := database.DefaultConfig()
	dbConfig.Driver = database.Driver(a.Config.Store.Backend)
	dbConfig.Host = a.Config.Database.Host
	dbConfig.Port = a.Config.Database.Port
	dbConfig.User = a.Config.Database.User
	dbConfig.Password = a.Config.Database.Password
	dbConfig.Database = a.Config.Database.Database
	dbConfig.SSLMode = a.Config.Database.SSLMode
	dbConfig.SQLitePath = a.Config.Database.SQLitePath

	db, err := database.New(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", dbConfig.Driver, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s store: %w", dbConfig.Driver, err)
	}

	a.Logger.Info("Connected to database", logging.WithField("driver", string(db.Driver())))
	store := database.NewSQLStore(db)

	if a.Config.Scheduler.StaleAfter > 0 {
		cutoff := time.Now().Add(-a.Config.Scheduler.StaleAfter)
		n, err := store.FailStaleRuns(ctx, cutoff, "abandoned: process exited while running")
		if err != nil {
			a.Logger.Warn("Failed to close stale runs", logging.WithField("error", err.Error()))
		} else if n > 0 {
			a.Logger.Info("Closed stale runs", logging.WithField("count", n))
		}
	}
	return store, nil
}

func (a *App) loadSourcesConfig() *sources.SourcesConfig {
	path := sources.FindSourcesConfig(a.Config.Scraper.SourcesConfig)
	if path == "" {
		a.Logger.Info("No sources file found, using built-in sites")
		return sources.DefaultSourcesConfig()
	}

	cfg, err := sources.LoadSourcesConfig(path)
	if err != nil {
		a.Logger.Warn("Failed to load sources file, using built-in sites", logging.WithFields(map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		}))
		return sources.DefaultSourcesConfig()
	}

	a.Logger.Info("Loaded sources configuration", logging.WithFields(map[string]interface{}{
		"path":     path,
		"sites":    len(cfg.Sites),
		"users":    len(cfg.Twitter.Users),
		"keywords": len(cfg.Twitter.Keywords),
	}))
	return cfg
}

// seedSources tracks the configured sites and tweet seeds that are not tracked yet.
func (a *App) seedSources(ctx context.Context) error {
	now := time.Now().UTC()

	var seeds []models.SourceConfig
	for _, site := range a.sourcesConfig.Sites {
		seeds = append(seeds, site.Source(now))
	}
	tweets, errs := a.sourcesConfig.TweetSources(now)
	for _, err := range errs {
		a.Logger.Warn("Skipping invalid tweet seed", logging.WithField("error", err.Error()))
	}
	seeds = append(seeds, tweets...)

	if err := a.Store.SeedSources(ctx, seeds); err != nil {
		return fmt.Errorf("failed to seed sources: %w", err)
	}
	return nil
}

func (a *App) initRunner() (*ingest.Runner, error) {
	fetcherConfig := sources.DefaultConfig()
	fetcherConfig.Timeout = a.Config.Scraper.Timeout
	fetcherConfig.MaxAttempts = a.Config.Scraper.MaxAttempts

	client := sources.NewClient(fetcherConfig,
		ratelimit.New(a.Config.Scraper.HostInterval),
		ratelimit.NewHostGate(a.Config.Scraper.MaxPerHost),
	)

	tweets, err := sources.NewTweetParser(client, a.Config.Twitter.BridgeURL)
	if err != nil {
		return nil, err
	}
	registry := sources.NewRegistry(sources.NewArticleParser(client, a.sourcesConfig.Sites), tweets)

	runnerConfig := ingest.DefaultConfig()
	runnerConfig.Workers = a.Config.Scraper.Workers
	runnerConfig.MaxCandidates = a.Config.Scraper.MaxCandidates
	runnerConfig.DownloadMedia = a.Config.Scraper.DownloadMedia

	return ingest.NewRunner(registry, dedup.New(a.Store), a.Store, client, tagging.New(), a.Logger, runnerConfig), nil
}

func (a *App) runScrapeOnce(ctx context.Context) error {
	a.Logger.Info("Scraping every enabled source once")

	runs := a.Scheduler.Tick(ctx)
	failed := 0
	for _, run := range runs {
		if run.Status == models.RunFailed {
			failed++
		}
	}
	a.Logger.Info("Scrape complete", logging.WithFields(map[string]interface{}{
		"runs":   len(runs),
		"failed": failed,
	}))
	if len(runs) > 0 && failed == len(runs) {
		return errors.New("every source failed to scrape")
	}
	return nil
}

func (a *App) runMCPMode(ctx context.Context) error {
	if err := a.Scheduler.Start(); err != nil {
		return err
	}
	return a.MCPServer.Run(ctx)
}

func (a *App) runHTTPMode(ctx context.Context) error {
	if err := a.Scheduler.Start(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.HTTPServer.Start(a.Config.Server.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
