// Package warehouse is the canonical store for every durable artifact of the
// platform: candles and their latest-bar snapshot, news articles and their
// symbol links, fundamentals, corporate actions, leases, cursors, and the
// repair queue. All cross-process coordination goes through these tables.
package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultStatementTimeout bounds every statement issued by workers and
	// the query service.
	DefaultStatementTimeout = 30 * time.Second

	// DefaultMaxConns keeps the query service's pool small; ingest workers
	// use even fewer connections.
	DefaultMaxConns = 10
)

// Warehouse wraps the Postgres/Timescale connection pool with the typed
// upsert and query primitives used by all workers and the query service.
type Warehouse struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to the warehouse using a Postgres DSN and verifies the
// connection with a ping.
func Open(ctx context.Context, dsn string) (*Warehouse, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}

	db.SetMaxOpenConns(DefaultMaxConns)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("ping warehouse: %w", err))
	}

	return &Warehouse{db: db, timeout: DefaultStatementTimeout}, nil
}

// NewFromDB wraps an existing pool. Used by tests with sqlmock.
func NewFromDB(db *sqlx.DB) *Warehouse {
	return &Warehouse{db: db, timeout: DefaultStatementTimeout}
}

// Close releases the connection pool.
func (w *Warehouse) Close() error {
	return w.db.Close()
}

// Ping runs SELECT 1, backing the /healthz endpoint.
func (w *Warehouse) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	var one int
	if err := w.db.GetContext(ctx, &one, `SELECT 1`); err != nil {
		return classify(fmt.Errorf("ping: %w", err))
	}
	return nil
}

// DB exposes the underlying pool for packages that issue their own SQL
// (lease coordinator, derived sync).
func (w *Warehouse) DB() *sqlx.DB {
	return w.db
}

func (w *Warehouse) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, w.timeout)
}

// inTx runs fn inside a transaction, rolling back on error.
func (w *Warehouse) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// NowMS returns the current UTC time as unix milliseconds, the hot-path
// timestamp representation used across candles, leases, and cursors.
func NowMS() int64 {
	return time.Now().UTC().UnixMilli()
}

func logRows(op string, n int) {
	log.Debug().Str("op", op).Int("rows", n).Msg("warehouse write")
}
