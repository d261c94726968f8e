// Package store is the relational persistence layer: every other package
// reaches the database only through the typed accessors here, never through
// raw *sql.DB. Grounded on 88lin-divinesense's store/db/sqlite/sqlite.go for
// the connection/PRAGMA/transaction shape, and on the teacher's
// persistence.go for the read-through instrumentation idiom (transactional
// closures wrapped in OTel counters), generalized from bbolt buckets onto
// SQL tables — see DESIGN.md.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	_ "modernc.org/sqlite"

	"github.com/swarmguard/aipm-orchestrator/internal/telemetry"
)

// Store wraps a *sql.DB configured for single-writer SQLite access: one open
// connection, WAL journaling, foreign keys enforced. The single-connection
// pool is deliberate — SQLite serializes writers regardless, and a pool
// bigger than 1 only buys spurious "database is locked" errors under WAL.
type Store struct {
	db *sql.DB

	txCounter    metric.Int64Counter
	txErrCounter metric.Int64Counter
}

// Open creates (or opens) the SQLite database at path, applies PRAGMAs, runs
// pending migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "pragma %q", p)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}

	meter := otel.Meter(telemetry.Meter)
	txCounter, _ := meter.Int64Counter("aipm_store_tx_total")
	txErrCounter, _ := meter.Int64Counter("aipm_store_tx_error_total")

	return &Store{db: db, txCounter: txCounter, txErrCounter: txErrCounter}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for packages (internal/verify) that need
// to run ad-hoc consistency queries outside the typed accessors.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on error or panic. Mirrors the teacher's transactional-closure
// idiom in persistence.go, generalized from a bbolt *bolt.Tx to *sql.Tx.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}

	s.txCounter.Add(ctx, 1)

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback() //nolint:errcheck
			s.txErrCounter.Add(ctx, 1)
			panic(p)
		}
		if err != nil {
			tx.Rollback() //nolint:errcheck
			s.txErrCounter.Add(ctx, 1)
			return
		}
		err = tx.Commit()
		if err != nil {
			s.txErrCounter.Add(ctx, 1)
		}
	}()

	err = fn(tx)
	return err
}

// now is overridable in tests that need deterministic timestamps.
var now = func() time.Time { return time.Now().UTC() }
