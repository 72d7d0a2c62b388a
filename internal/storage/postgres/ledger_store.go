// Package postgres persists the application ledger in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/autoapply/internal/apply"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "application_results"

// Config controls the Postgres connection pool used for ledger rows.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// LedgerStore appends application results and reloads the processed set.
type LedgerStore struct {
	pool  pgxPool
	table string
}

// NewLedgerStore connects to Postgres and, when AutoMigrate is set, creates the table.
func NewLedgerStore(ctx context.Context, cfg Config) (*LedgerStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("ledger.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewLedgerStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewLedgerStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewLedgerStoreWithPool(pool pgxPool, table string) (*LedgerStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &LedgerStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the results table and its work item index.
func (s *LedgerStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id           TEXT PRIMARY KEY,
	work_item_id TEXT NOT NULL,
	worker_id    TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	attempts     INTEGER NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	recorded_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_work_item_idx ON %[1]s (work_item_id)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// LoadProcessed returns every work item with a terminal outcome. Transient failures
// and lost claims (already processed with zero attempts) do not count.
func (s *LedgerStore) LoadProcessed(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT work_item_id FROM %s
WHERE outcome <> $1 AND NOT (outcome = $2 AND attempts = 0)`, s.table)
	rows, err := s.pool.Query(ctx, query,
		string(apply.OutcomeTransientFailure), string(apply.OutcomeAlreadyProcessed))
	if err != nil {
		return nil, fmt.Errorf("query processed: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan processed: %w", err)
	}
	return ids, nil
}

// AppendResults inserts results in one transaction. Rows already present are skipped,
// so a retried flush is safe.
func (s *LedgerStore) AppendResults(ctx context.Context, results []apply.ApplicationResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := fmt.Sprintf(`
INSERT INTO %s (id, work_item_id, worker_id, outcome, attempts, detail, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO NOTHING`, s.table)
	for _, r := range results {
		if r.ID == "" {
			return fmt.Errorf("result for %s has no id", r.WorkItemID)
		}
		if _, err := tx.Exec(ctx, query,
			r.ID,
			r.WorkItemID,
			r.WorkerID,
			string(r.Outcome),
			r.Attempts,
			r.Detail,
			r.Timestamp,
		); err != nil {
			return fmt.Errorf("insert result %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *LedgerStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
