package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Cache     CacheConfig
	Logging   LoggingConfig
	Scheduler SchedulerConfig
	Scraper   ScraperConfig
	Twitter   TwitterConfig
	Auth      AuthConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	HTTPAddr string
	// ScrapeOnceMode runs a single scrape of every source and exits without serving HTTP.
	ScrapeOnceMode bool
	// MCPMode serves MCP tools over stdio instead of HTTP.
	MCPMode bool
	// TriggerCooldown is the minimum time between manual scrapes of the same kind.
	TriggerCooldown time.Duration
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Backend string // "postgres", "sqlite" or "memory"
}

// DatabaseConfig holds PostgreSQL and SQLite configuration
type DatabaseConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	SQLitePath string
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	Backend   string // "memory" or "redis"
	TTL       time.Duration
	RedisAddr string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string
}

// SchedulerConfig controls periodic refreshes
type SchedulerConfig struct {
	Interval   time.Duration
	RunTimeout time.Duration
	RunOnStart bool
	// StaleAfter marks runs left running by a crashed process as failed at start-up.
	StaleAfter time.Duration
}

// ScraperConfig controls outbound fetching
type ScraperConfig struct {
	Workers       int
	MaxPerHost    int
	HostInterval  time.Duration
	MaxCandidates int
	Timeout       time.Duration
	MaxAttempts   int
	DownloadMedia bool
	SourcesConfig string
}

// TwitterConfig points at the RSS bridge serving timelines and searches
type TwitterConfig struct {
	BridgeURL string
}

// AuthConfig holds admin token configuration. An empty secret leaves management routes open.
type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	TokenTTL    time.Duration
}

// Load parses flags and environment variables to build configuration
func Load() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Server.HTTPAddr, "http", ":8080", "HTTP server address")
	flag.BoolVar(&cfg.Server.ScrapeOnceMode, "scrape-once", false, "Scrape every source once and exit")
	flag.BoolVar(&cfg.Server.MCPMode, "mcp", false, "Serve MCP tools over stdio instead of HTTP")
	flag.DurationVar(&cfg.Server.TriggerCooldown, "trigger-cooldown", 2*time.Minute, "Minimum time between manual scrapes of one kind")
	flag.StringVar(&cfg.Store.Backend, "store", "postgres", "Store backend: postgres, sqlite or memory")
	flag.StringVar(&cfg.Database.Host, "db-host", "localhost", "PostgreSQL host")
	flag.IntVar(&cfg.Database.Port, "db-port", 5432, "PostgreSQL port")
	flag.StringVar(&cfg.Database.User, "db-user", "postgres", "PostgreSQL user")
	flag.StringVar(&cfg.Database.Password, "db-password", "postgres", "PostgreSQL password")
	flag.StringVar(&cfg.Database.Database, "db-name", "spinefeed", "PostgreSQL database name")
	flag.StringVar(&cfg.Database.SSLMode, "db-sslmode", "disable", "PostgreSQL SSL mode")
	flag.StringVar(&cfg.Database.SQLitePath, "sqlite-path", "data/spinefeed.db", "SQLite database file")
	flag.StringVar(&cfg.Cache.Backend, "cache-backend", "memory", "Cache backend: memory or redis")
	flag.DurationVar(&cfg.Cache.TTL, "cache-ttl", 5*time.Minute, "Default cache TTL")
	flag.StringVar(&cfg.Cache.RedisAddr, "redis-addr", "localhost:6379", "Redis server address")
	flag.StringVar(&cfg.Logging.Level, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.DurationVar(&cfg.Scheduler.Interval, "interval", 10*time.Hour, "Time between scheduled scrapes")
	flag.DurationVar(&cfg.Scheduler.RunTimeout, "run-timeout", 30*time.Minute, "Deadline for a single source run")
	flag.BoolVar(&cfg.Scheduler.RunOnStart, "scrape-on-start", true, "Scrape all sources at start-up")
	flag.DurationVar(&cfg.Scheduler.StaleAfter, "stale-after", time.Hour, "Age after which a running run is considered abandoned")
	flag.IntVar(&cfg.Scraper.Workers, "workers", 4, "Concurrent item extractions per run")
	flag.IntVar(&cfg.Scraper.MaxPerHost, "max-per-host", 2, "Concurrent requests per host")
	flag.DurationVar(&cfg.Scraper.HostInterval, "rate-limit", time.Second, "Minimum delay between requests to same host")
	flag.IntVar(&cfg.Scraper.MaxCandidates, "max-items", 100, "Maximum candidates listed per run")
	flag.DurationVar(&cfg.Scraper.Timeout, "fetch-timeout", 20*time.Second, "Per-request timeout")
	flag.IntVar(&cfg.Scraper.MaxAttempts, "fetch-attempts", 3, "Attempts per request for transient failures")
	flag.BoolVar(&cfg.Scraper.DownloadMedia, "download-media", true, "Keep local copies of tweet media")
	flag.StringVar(&cfg.Scraper.SourcesConfig, "sources", "", "Sources file (JSON or YAML)")
	flag.StringVar(&cfg.Twitter.BridgeURL, "twitter-bridge", "https://nitter.net", "Nitter-compatible RSS bridge")

	flag.Parse()

	applyEnvOverrides(cfg)
	cfg.Auth = loadAuthConfig()

	return cfg
}

func loadAuthConfig() AuthConfig {
	ttl := 12 * time.Hour
	if v := os.Getenv("ADMIN_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			ttl = d
		}
	}

	return AuthConfig{
		JWTSecret:   os.Getenv("ADMIN_JWT_SECRET"),
		JWTIssuer:   getEnvOrDefault("ADMIN_JWT_ISSUER", "spinefeed"),
		JWTAudience: getEnvOrDefault("ADMIN_JWT_AUDIENCE", "spinefeed-admin"),
		TokenTTL:    ttl,
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case "postgres", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("store backend %q must be postgres, sqlite or memory", c.Store.Backend))
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache backend %q must be memory or redis", c.Cache.Backend))
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if c.Scraper.Workers < 1 || c.Scraper.MaxPerHost < 1 || c.Scraper.MaxAttempts < 1 {
		errs = append(errs, errors.New("workers, max-per-host and fetch-attempts must be at least 1"))
	}
	if u, err := url.Parse(c.Twitter.BridgeURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("twitter bridge %q is not an http(s) url", c.Twitter.BridgeURL))
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("ADMIN_JWT_SECRET must be at least 32 characters"))
	}
	return errors.Join(errs...)
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func envBool(key string, target *bool) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true", "1", "yes":
		*target = true
	case "false", "0", "no":
		*target = false
	}
}

func envDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyEnvOverrides(cfg *Config) {
	envString("HTTP_ADDR", &cfg.Server.HTTPAddr)
	envBool("SCRAPE_ONCE_MODE", &cfg.Server.ScrapeOnceMode)
	envBool("MCP_MODE", &cfg.Server.MCPMode)
	envDuration("TRIGGER_COOLDOWN", &cfg.Server.TriggerCooldown)

	envString("STORE_BACKEND", &cfg.Store.Backend)
	envString("DB_HOST", &cfg.Database.Host)
	envInt("DB_PORT", &cfg.Database.Port)
	envString("DB_USER", &cfg.Database.User)
	envString("DB_PASSWORD", &cfg.Database.Password)
	envString("DB_NAME", &cfg.Database.Database)
	envString("DB_SSLMODE", &cfg.Database.SSLMode)
	envString("SQLITE_PATH", &cfg.Database.SQLitePath)

	envString("CACHE_BACKEND", &cfg.Cache.Backend)
	envDuration("CACHE_TTL", &cfg.Cache.TTL)
	envString("REDIS_ADDR", &cfg.Cache.RedisAddr)

	envString("LOG_LEVEL", &cfg.Logging.Level)

	envDuration("SCRAPE_INTERVAL", &cfg.Scheduler.Interval)
	envDuration("RUN_TIMEOUT", &cfg.Scheduler.RunTimeout)
	envBool("SCRAPE_ON_START", &cfg.Scheduler.RunOnStart)
	envDuration("STALE_RUN_AFTER", &cfg.Scheduler.StaleAfter)

	envInt("SCRAPE_WORKERS", &cfg.Scraper.Workers)
	envInt("MAX_PER_HOST", &cfg.Scraper.MaxPerHost)
	envDuration("RATE_LIMIT", &cfg.Scraper.HostInterval)
	envInt("MAX_ITEMS", &cfg.Scraper.MaxCandidates)
	envDuration("FETCH_TIMEOUT", &cfg.Scraper.Timeout)
	envInt("FETCH_ATTEMPTS", &cfg.Scraper.MaxAttempts)
	envBool("DOWNLOAD_MEDIA", &cfg.Scraper.DownloadMedia)
	envString("SOURCES_CONFIG", &cfg.Scraper.SourcesConfig)

	envString("TWITTER_BRIDGE_URL", &cfg.Twitter.BridgeURL)
}
