// Package pg implements billing.Store and outbox.Store on PostgreSQL through
// database/sql and the pgx driver. All billing tables live in the "billing" schema.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"rentflow.io/internal/billing"
	"rentflow.io/internal/outbox"
)

type Store struct {
	db *sql.DB
}

var (
	_ billing.Store = (*Store)(nil)
	_ outbox.Store  = (*Store)(nil)
)

// Open creates a pooled handle. The caller owns it and must Close it.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle, e.g. a sqlmock connection in tests.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping is used by readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// queryer is satisfied by both *sql.DB and *sql.Tx so reads share their SQL.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// WithinTx runs fn in a read-committed transaction. Row locks are taken explicitly with
// "for update" by the Tx methods that need them.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	q queryer
}

var _ billing.Tx = (*pgTx)(nil)

// notFound turns sql.ErrNoRows into the given domain error.
func notFound(err, domain error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain
	}
	return err
}
