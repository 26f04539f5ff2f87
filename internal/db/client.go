package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/marketbrief/internal/circuitbreaker"
	"github.com/Kocoro-lab/marketbrief/internal/config"
)

// Client manages the session store connection.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	now    func() time.Time
}

// Open connects with cfg, pings and applies the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite3"
	}

	rawDB, err := sqlx.Open(driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if driver == "sqlite3" {
		// One writer; also keeps ":memory:" databases on a single connection.
		rawDB.SetMaxOpenConns(1)
	} else {
		maxConns := cfg.MaxConnections
		if maxConns == 0 {
			maxConns = 25
		}
		rawDB.SetMaxOpenConns(maxConns)
		rawDB.SetMaxIdleConns(maxConns / 5)
	}
	if cfg.MaxLifetime > 0 {
		rawDB.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	client := NewClient(rawDB, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.db.PingContext(pingCtx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := client.Migrate(ctx); err != nil {
		rawDB.Close()
		return nil, err
	}

	logger.Info("Database client initialized",
		zap.String("driver", driver),
		zap.String("path", cfg.Path),
		zap.String("host", cfg.Host),
	)
	return client, nil
}

// NewClient wraps an already opened handle.
func NewClient(db *sqlx.DB, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		db:     circuitbreaker.NewDatabaseWrapper(db, logger),
		logger: logger,
		now:    time.Now,
	}
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		prompt TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		position INTEGER NOT NULL,
		agent TEXT NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		ordinal INTEGER NOT NULL,
		seq INTEGER NOT NULL DEFAULT 0,
		type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (session_id, ordinal)
	)`,
	`CREATE TABLE IF NOT EXISTS reports (
		session_id TEXT PRIMARY KEY REFERENCES sessions(id),
		markdown TEXT NOT NULL,
		sources_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id, position)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		prompt TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		position INTEGER NOT NULL,
		agent TEXT NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		ordinal BIGINT NOT NULL,
		seq BIGINT NOT NULL DEFAULT 0,
		type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (session_id, ordinal)
	)`,
	`CREATE TABLE IF NOT EXISTS reports (
		session_id TEXT PRIMARY KEY REFERENCES sessions(id),
		markdown TEXT NOT NULL,
		sources_json TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id, position)`,
}

// Migrate creates the tables if they do not exist.
func (c *Client) Migrate(ctx context.Context) error {
	stmts := sqliteSchema
	if c.db.DriverName() == "postgres" {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity through the breaker.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Wrapper returns the circuit-breaker wrapped handle.
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}

// Close closes the pool.
func (c *Client) Close() error {
	c.logger.Info("Closing database client")
	return c.db.Close()
}
