// Package auditstore records pipeline-terminal decisions to a durable
// ledger. It is optional: when persistence is disabled the gateway runs
// with a nil *Store, and Record becomes a no-op so callers never branch
// on whether auditing is configured.
package auditstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Decision is the pipeline's terminal verdict for one request.
type Decision string

const (
	DecisionAllowed       Decision = "allowed"
	DecisionWhitelistDeny Decision = "whitelist_rejected"
	DecisionRateLimited   Decision = "rate_limited"
	DecisionQuotaExceeded Decision = "quota_exceeded"
	DecisionGuardBlocked  Decision = "guard_blocked"
	DecisionGatewayError  Decision = "gateway_error"
)

// Entry is one audit record.
type Entry struct {
	Consumer   string
	Network    string
	Method     string
	Decision   Decision
	Reason     string
	CU         int
	StatusCode int
	Timestamp  time.Time
}

// Config configures the backing database.
type Config struct {
	Type     string // postgres or sqlite
	URL      string
	MaxConns int
	MinConns int
}

// Store is a pluggable Postgres/SQLite-backed audit ledger.
type Store struct {
	pool   *pgxpool.Pool // postgres
	sqldb  *sql.DB       // sqlite
	dbType string
	logger *zap.Logger
}

// New opens a Store. A nil Config.URL (persistence disabled) returns a nil
// *Store and nil error; callers pass that straight through to Record.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	switch cfg.Type {
	case "postgres", "postgresql":
		return newPostgres(cfg, logger)
	case "sqlite", "sqlite3":
		return newSQLite(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported audit store type: %s", cfg.Type)
	}
}

func newPostgres(cfg Config, logger *zap.Logger) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse audit database url: %w", err)
	}
	poolConfig.MaxConns = int32(maxInt(cfg.MaxConns, 1))
	poolConfig.MinConns = int32(maxInt(cfg.MinConns, 0))
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create audit connection pool: %w", err)
	}
	b := backoff.WithMaxRetries(backoff.WithContext(backoff.NewExponentialBackOff(), ctx), 3)
	if err := backoff.Retry(func() error { return pool.Ping(ctx) }, b); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}
	if err := ensurePostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("audit store connected", zap.String("type", "postgres"))
	return &Store{pool: pool, dbType: "postgres", logger: logger}, nil
}

func newSQLite(cfg Config, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open audit sqlite database: %w", err)
	}
	db.SetMaxOpenConns(maxInt(cfg.MaxConns, 1))
	db.SetMaxIdleConns(maxInt(cfg.MinConns, 1))
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit sqlite database: %w", err)
	}
	if err := ensureSQLiteSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("audit store connected", zap.String("type", "sqlite"))
	return &Store{sqldb: db, dbType: "sqlite", logger: logger}, nil
}

const postgresSchema = `
CREATE SCHEMA IF NOT EXISTS gateway_audit;
CREATE TABLE IF NOT EXISTS gateway_audit.request_log (
	id BIGSERIAL PRIMARY KEY,
	consumer TEXT NOT NULL,
	network TEXT NOT NULL,
	method TEXT NOT NULL,
	decision TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	cu INTEGER NOT NULL DEFAULT 0,
	status_code INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS request_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	consumer TEXT NOT NULL,
	network TEXT NOT NULL,
	method TEXT NOT NULL,
	decision TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	cu INTEGER NOT NULL DEFAULT 0,
	status_code INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);`

func ensurePostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, postgresSchema)
	if err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

func ensureSQLiteSchema(db *sql.DB) error {
	_, err := db.Exec(sqliteSchema)
	if err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// Record writes one entry. It is fire-and-forget: the write happens in a
// detached goroutine bounded by its own timeout, and failures are logged,
// never propagated, since auditing must never slow or fail a request.
// A nil Store makes Record a no-op.
func (s *Store) Record(e Entry) {
	if s == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	go s.write(e)
}

func (s *Store) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch s.dbType {
	case "postgres":
		_, err = s.pool.Exec(ctx, `
			INSERT INTO gateway_audit.request_log
				(consumer, network, method, decision, reason, cu, status_code, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.Consumer, e.Network, e.Method, e.Decision, e.Reason, e.CU, e.StatusCode, e.Timestamp)
	case "sqlite":
		_, err = s.sqldb.ExecContext(ctx, `
			INSERT INTO request_log
				(consumer, network, method, decision, reason, cu, status_code, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Consumer, e.Network, e.Method, e.Decision, e.Reason, e.CU, e.StatusCode, e.Timestamp)
	}
	if err != nil {
		s.logger.Warn("audit record write failed", zap.Error(err), zap.String("consumer", e.Consumer))
	}
}

// Close releases the underlying connection pool or database handle. A nil
// Store makes Close a no-op.
func (s *Store) Close() {
	if s == nil {
		return
	}
	switch s.dbType {
	case "postgres":
		s.pool.Close()
	case "sqlite":
		s.sqldb.Close()
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
