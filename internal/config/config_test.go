package config

import (
	"flag"
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

func loadWithArgs(t *testing.T, args ...string) *Config {
	t.Helper()

	if len(args) == 0 {
		args = []string{"test"}
	}

	oldCommandLine := flag.CommandLine
	oldArgs := os.Args

	flag.CommandLine = flag.NewFlagSet(args[0], flag.ContinueOnError)
	flag.CommandLine.SetOutput(io.Discard)
	os.Args = args

	t.Cleanup(func() {
		flag.CommandLine = oldCommandLine
		os.Args = oldArgs
	})

	return Load()
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadWithArgs(t, "test")

	if cfg.Scheduler.Interval != 10*time.Hour {
		t.Errorf("Scheduler.Interval = %v, want 10h", cfg.Scheduler.Interval)
	}
	if cfg.Scraper.Workers != 4 || cfg.Scraper.MaxPerHost != 2 || cfg.Scraper.MaxAttempts != 3 {
		t.Errorf("Scraper = %+v", cfg.Scraper)
	}
	if cfg.Scraper.Timeout != 20*time.Second {
		t.Errorf("Scraper.Timeout = %v, want 20s", cfg.Scraper.Timeout)
	}
	if cfg.Store.Backend != "postgres" {
		t.Errorf("Store.Backend = %q, want postgres", cfg.Store.Backend)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v", err)
	}
}

func TestLoad_ScrapeOnceMode_FromEnv(t *testing.T) {
	for _, v := range []string{"true", "1"} {
		t.Run(v, func(t *testing.T) {
			t.Setenv("SCRAPE_ONCE_MODE", v)
			cfg := loadWithArgs(t, "test")
			if !cfg.Server.ScrapeOnceMode {
				t.Fatalf("expected ScrapeOnceMode=true when SCRAPE_ONCE_MODE=%s", v)
			}
		})
	}

	t.Run("false", func(t *testing.T) {
		t.Setenv("SCRAPE_ONCE_MODE", "false")
		cfg := loadWithArgs(t, "test", "-scrape-once")
		if cfg.Server.ScrapeOnceMode {
			t.Fatalf("expected SCRAPE_ONCE_MODE=false to override the flag")
		}
	})
}

func TestLoad_ScrapeOnceMode_FromFlag(t *testing.T) {
	t.Setenv("SCRAPE_ONCE_MODE", "")
	cfg := loadWithArgs(t, "test", "-scrape-once")
	if !cfg.Server.ScrapeOnceMode {
		t.Fatalf("expected ScrapeOnceMode=true when -scrape-once is provided")
	}
}

func TestLoad_MCPMode(t *testing.T) {
	if cfg := loadWithArgs(t, "test", "-mcp"); !cfg.Server.MCPMode {
		t.Fatalf("expected MCPMode=true when -mcp is provided")
	}

	t.Setenv("MCP_MODE", "true")
	if cfg := loadWithArgs(t, "test"); !cfg.Server.MCPMode {
		t.Fatalf("expected MCPMode=true when MCP_MODE=true")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/feed.db")
	t.Setenv("SCRAPE_INTERVAL", "30m")
	t.Setenv("SCRAPE_WORKERS", "8")
	t.Setenv("TWITTER_BRIDGE_URL", "https://bridge.example")
	t.Setenv("ADMIN_JWT_SECRET", strings.Repeat("s", 32))

	cfg := loadWithArgs(t, "test", "-interval", "1h")
	if cfg.Store.Backend != "sqlite" || cfg.Database.SQLitePath != "/tmp/feed.db" {
		t.Errorf("store = %+v / %+v", cfg.Store, cfg.Database)
	}
	if cfg.Scheduler.Interval != 30*time.Minute {
		t.Errorf("Scheduler.Interval = %v, want env value 30m", cfg.Scheduler.Interval)
	}
	if cfg.Scraper.Workers != 8 {
		t.Errorf("Scraper.Workers = %d, want 8", cfg.Scraper.Workers)
	}
	if cfg.Twitter.BridgeURL != "https://bridge.example" {
		t.Errorf("Twitter.BridgeURL = %q", cfg.Twitter.BridgeURL)
	}
	if cfg.Auth.JWTSecret == "" || cfg.Auth.JWTIssuer != "spinefeed" {
		t.Errorf("Auth = %+v", cfg.Auth)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad store", func(c *Config) { c.Store.Backend = "mongo" }, "store backend"},
		{"bad cache", func(c *Config) { c.Cache.Backend = "memcached" }, "cache backend"},
		{"zero interval", func(c *Config) { c.Scheduler.Interval = 0 }, "interval"},
		{"no workers", func(c *Config) { c.Scraper.Workers = 0 }, "workers"},
		{"bad bridge", func(c *Config) { c.Twitter.BridgeURL = "nitter" }, "twitter bridge"},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "ADMIN_JWT_SECRET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadWithArgs(t, "test")
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}
