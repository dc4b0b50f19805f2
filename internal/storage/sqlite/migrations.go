package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migration is one numbered SQL file, with any capabilities it requires
// declared through "-- REQUIRES: <capability>" directives.
type migration struct {
	name     string
	sql      string
	requires []string
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // numbered prefixes order them

	migrations := make([]migration, 0, len(names))
	for _, name := range names {
		raw, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		m := migration{name: name, sql: string(raw)}
		for _, line := range strings.Split(m.sql, "\n") {
			line = strings.TrimSpace(line)
			if rest, ok := strings.CutPrefix(line, "-- REQUIRES:"); ok {
				m.requires = append(m.requires, strings.TrimSpace(rest))
			}
		}
		migrations = append(migrations, m)
	}
	return migrations, nil
}

// capabilities probes what this SQLite build supports. FTS5 is always
// present in the embedded build; vector search is not and its migration is
// recorded as skipped.
func (s *Store) capabilities(ctx context.Context) map[string]bool {
	caps := map[string]bool{}

	var ok int
	err := s.db.QueryRowContext(ctx, `SELECT sqlite_compileoption_used('ENABLE_FTS5')`).Scan(&ok)
	if err == nil && ok == 1 {
		caps["fts5"] = true
	} else {
		// Compile options can be stripped; probe directly.
		if _, err := s.db.ExecContext(ctx, `CREATE VIRTUAL TABLE temp.fts5_probe USING fts5(x)`); err == nil {
			_, _ = s.db.ExecContext(ctx, `DROP TABLE temp.fts5_probe`)
			caps["fts5"] = true
		}
	}

	if _, err := s.db.ExecContext(ctx, `SELECT vec_version()`); err == nil {
		caps["sqlite-vec"] = true
	}
	return caps
}

// runMigrations applies every pending migration in order, each in its own
// transaction. Migrations whose required capabilities are missing are
// recorded as skipped with the reason; the ledger is what lets a later run
// with the capability present apply them.
func (s *Store) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			status TEXT NOT NULL CHECK(status IN ('applied', 'skipped')),
			reason TEXT DEFAULT '',
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	caps := s.capabilities(ctx)

	for _, m := range migrations {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM schema_migrations WHERE name = ?`, m.name).Scan(&status)
		if err == nil && status == "applied" {
			continue
		}
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to check migration %s: %w", m.name, err)
		}
		// Previously skipped migrations are re-attempted; the capability may
		// have appeared since.

		if missing := missingCapability(m, caps); missing != "" {
			if _, err := s.db.ExecContext(ctx, `
				INSERT INTO schema_migrations (name, status, reason) VALUES (?, 'skipped', ?)
				ON CONFLICT(name) DO UPDATE SET reason = excluded.reason
			`, m.name, "missing capability: "+missing); err != nil {
				return fmt.Errorf("failed to record skipped migration %s: %w", m.name, err)
			}
			s.log.Info("skipped migration", "name", m.name, "missing", missing)
			continue
		}

		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
		s.log.Info("applied migration", "name", m.name)
	}
	return nil
}

func missingCapability(m migration, caps map[string]bool) string {
	for _, req := range m.requires {
		if !caps[req] {
			return req
		}
	}
	return ""
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (name, status, reason) VALUES (?, 'applied', '')
		ON CONFLICT(name) DO UPDATE SET status = 'applied', reason = ''
	`, m.name); err != nil {
		return err
	}
	return tx.Commit()
}

// MigrationStatus reports the ledger for inspection by the CLI.
type MigrationStatus struct {
	Name   string
	Status string
	Reason string
}

// ListMigrationStatus returns the applied/skipped ledger in order.
func (s *Store) ListMigrationStatus(ctx context.Context) ([]MigrationStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, status, reason FROM schema_migrations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schema_migrations: %w", err)
	}
	defer rows.Close()

	var out []MigrationStatus
	for rows.Next() {
		var ms MigrationStatus
		if err := rows.Scan(&ms.Name, &ms.Status, &ms.Reason); err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}
