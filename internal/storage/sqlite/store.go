// Package sqlite implements the pi-brain store on SQLite plus a JSON
// side-store. The relational database is the index; the JSON files under
// nodes/YYYY/MM/ are the authoritative versioned content record.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/Whamp/pi-brain-sub000/internal/errclass"
	"github.com/Whamp/pi-brain-sub000/internal/storage"
)

// Store is the SQLite-backed storage engine.
type Store struct {
	db       *sql.DB
	path     string
	nodesDir string
	log      *slog.Logger
}

// New opens (creating if needed) the database at dbPath, runs migrations,
// and binds the JSON side-store rooted at nodesDir.
func New(ctx context.Context, dbPath, nodesDir string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(nodesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create nodes dir: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer plus WAL readers. The daemon shares this pool across
	// workers, scheduler, and the query surface.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: dbPath, nodesDir: nodesDir, log: log}
	if err := s.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// UnderlyingDB returns the shared connection pool. The job queue keeps its
// table in the same database and goes through this handle.
func (s *Store) UnderlyingDB() *sql.DB { return s.db }

// withTx runs fn inside a BEGIN IMMEDIATE transaction, retrying briefly on
// lock contention. The write lock is taken up front so concurrent writers
// serialize instead of deadlocking mid-transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	op := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			if isBusy(err) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.WithContext(busyBackoff(), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return mapStorageError(err)
	}
	return nil
}

func busyBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return b
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func isConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "constraint failed") || strings.Contains(msg, "UNIQUE constraint")
}

// mapStorageError folds driver errors into the daemon's error taxonomy:
// constraint violations are permanent validation failures, everything else
// at this layer is transient I/O. Already-classified errors and not-found
// sentinels pass through untouched.
func mapStorageError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return err
	}
	var classified *errclass.Error
	if errors.As(err, &classified) {
		return err
	}
	if isConstraint(err) {
		return errclass.Wrap(err, errclass.Permanent, errclass.ReasonValidation)
	}
	return errclass.Wrap(err, errclass.Transient, errclass.ReasonIO)
}
