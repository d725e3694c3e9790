package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// Config holds database configuration
type Config struct {
	Driver          Driver
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Driver:          DriverPostgres,
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "postgres",
		Database:        "spinefeed",
		SSLMode:         "disable",
		SQLitePath:      "data/spinefeed.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DB wraps the sqlx connection with the dialect-specific query builder.
type DB struct {
	*sqlx.DB
	driver  Driver
	builder sq.StatementBuilderType
	config  Config
}

// New creates a new database connection
func New(config Config) (*DB, error) {
	var (
		db  *sqlx.DB
		err error
	)

	switch config.Driver {
	case DriverSQLite:
		db, err = openSQLite(config.SQLitePath)
	case DriverPostgres, "":
		config.Driver = DriverPostgres
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
		)
		db, err = sqlx.Open("postgres", dsn)
		if err == nil {
			db.SetMaxOpenConns(config.MaxOpenConns)
			db.SetMaxIdleConns(config.MaxIdleConns)
			db.SetConnMaxLifetime(config.ConnMaxLifetime)
		}
	default:
		return nil, fmt.Errorf("unknown database driver %q", config.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return wrap(db, config), nil
}

func wrap(db *sqlx.DB, config Config) *DB {
	placeholder := sq.PlaceholderFormat(sq.Dollar)
	if config.Driver == DriverSQLite {
		placeholder = sq.Question
	}
	return &DB{
		DB:      db,
		driver:  config.Driver,
		builder: sq.StatementBuilder.PlaceholderFormat(placeholder),
		config:  config,
	}
}

func openSQLite(path string) (*sqlx.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time; readers are served from WAL snapshots.
	db.SetMaxOpenConns(8)
	return db, nil
}

func (db *DB) Driver() Driver {
	return db.driver
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	for i, migration := range migrations(db.driver) {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

type columnTypes struct {
	timestamp string
	json      string
	blob      string
	boolean   string
}

func migrations(driver Driver) []string {
	types := columnTypes{timestamp: "TIMESTAMPTZ", json: "JSONB", blob: "BYTEA", boolean: "BOOLEAN"}
	if driver == DriverSQLite {
		types = columnTypes{timestamp: "TEXT", json: "TEXT", blob: "BLOB", boolean: "INTEGER"}
	}

	return []string{
		fmt.Sprintf(migrationContentItems, types.timestamp, types.timestamp, types.json, types.json, types.json),
		migrationContentIndexes,
		fmt.Sprintf(migrationSeenRecords, types.timestamp),
		fmt.Sprintf(migrationTrackedSources, types.boolean, types.boolean, types.timestamp),
		fmt.Sprintf(migrationRunRecords, types.timestamp, types.timestamp),
		migrationRunIndexes,
		fmt.Sprintf(migrationMediaBlobs, types.blob, types.timestamp),
	}
}

// Migration SQL statements
const migrationContentItems = `
CREATE TABLE IF NOT EXISTS content_items (
    kind VARCHAR(16) NOT NULL,
    id TEXT NOT NULL,
    source VARCHAR(255) NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL DEFAULT '',
    author VARCHAR(255) NOT NULL DEFAULT '',
    url TEXT NOT NULL,
    published_at %s NOT NULL,
    ingested_at %s NOT NULL,
    media %s NOT NULL,
    tags %s NOT NULL,
    metadata %s NOT NULL,
    PRIMARY KEY (kind, id)
)`

const migrationContentIndexes = `
CREATE INDEX IF NOT EXISTS idx_content_items_feed ON content_items(kind, published_at DESC, id);
CREATE INDEX IF NOT EXISTS idx_content_items_source ON content_items(kind, source, published_at DESC)`

const migrationSeenRecords = `
CREATE TABLE IF NOT EXISTS seen_records (
    kind VARCHAR(16) NOT NULL,
    id TEXT NOT NULL,
    first_seen_at %s NOT NULL,
    PRIMARY KEY (kind, id)
)`

const migrationTrackedSources = `
CREATE TABLE IF NOT EXISTS tracked_sources (
    kind VARCHAR(16) NOT NULL,
    source_key VARCHAR(255) NOT NULL,
    display_name VARCHAR(255) NOT NULL,
    mode VARCHAR(16) NOT NULL,
    endpoint TEXT NOT NULL,
    enabled %s NOT NULL,
    built_in %s NOT NULL,
    created_at %s NOT NULL,
    PRIMARY KEY (kind, source_key)
)`

const migrationRunRecords = `
CREATE TABLE IF NOT EXISTS run_records (
    id VARCHAR(64) PRIMARY KEY,
    task_id VARCHAR(64) NOT NULL DEFAULT '',
    source_kind VARCHAR(16) NOT NULL,
    source_key VARCHAR(255) NOT NULL,
    status VARCHAR(16) NOT NULL,
    started_at %s NOT NULL,
    finished_at %s,
    items_found INTEGER NOT NULL DEFAULT 0,
    items_new INTEGER NOT NULL DEFAULT 0,
    duplicates INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    error_detail TEXT NOT NULL DEFAULT ''
)`

// At most one running run per source.
const migrationRunIndexes = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_run_records_running ON run_records(source_kind, source_key) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_run_records_source ON run_records(source_kind, source_key, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_run_records_task ON run_records(task_id)`

const migrationMediaBlobs = `
CREATE TABLE IF NOT EXISTS media_blobs (
    id VARCHAR(64) PRIMARY KEY,
    sha256 VARCHAR(64) NOT NULL UNIQUE,
    content_type VARCHAR(255) NOT NULL,
    size BIGINT NOT NULL,
    source_url TEXT NOT NULL DEFAULT '',
    data %s NOT NULL,
    created_at %s NOT NULL
)`

// isUniqueViolation reports whether err is a uniqueness constraint failure on either backend.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
