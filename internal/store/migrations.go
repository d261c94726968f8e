package store

import (
	"database/sql"
	"embed"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

//go:embed schema/*.sql
var migrationFS embed.FS

var migrationNameRe = regexp.MustCompile(`^(\d{4})_[a-zA-Z0-9_]+\.sql$`)

// runMigrations ports original_source/backend/utils/db.py's run_migrations:
// it walks the embedded *.sql files in order, splits each into PRAGMA
// statements (run outside the transaction, since SQLite forbids changing
// foreign_keys inside one) and DDL/DML statements (run inside a single
// transaction per file), and records applied filenames in
// schema_migrations so re-runs are idempotent.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}

	applied, err := appliedMigrations(db)
	if err != nil {
		return errors.Wrap(err, "load applied migrations")
	}

	entries, err := migrationFS.ReadDir("schema")
	if err != nil {
		return errors.Wrap(err, "read embedded schema dir")
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if !migrationNameRe.MatchString(name) {
			return fmt.Errorf("invalid migration filename: %s", name)
		}
		if applied[name] {
			continue
		}

		raw, err := migrationFS.ReadFile(path.Join("schema", name))
		if err != nil {
			return errors.Wrapf(err, "read migration %s", name)
		}

		pragmas, body := splitPragmas(string(raw))

		// PRAGMA statements (e.g. foreign_keys = OFF for a recreate-copy-rename
		// reshape) run outside the transaction per spec.md §4.1's
		// "migrations execute in a distinct disable-FK window."
		for _, p := range pragmas {
			if _, err := db.Exec(p); err != nil {
				return errors.Wrapf(err, "migration %s: pragma %q", name, p)
			}
		}

		if err := applyMigrationBody(db, name, body); err != nil {
			return err
		}

		// Foreign keys are re-enabled after every migration file regardless
		// of whether it disabled them, closing the disable-FK window.
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return errors.Wrapf(err, "migration %s: restore foreign_keys", name)
		}
	}
	return nil
}

func applyMigrationBody(db *sql.DB, name, body string) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "migration %s: begin", name)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range splitStatements(body) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return errors.Wrapf(err, "migration %s: exec %q", name, stmt)
		}
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
		return errors.Wrapf(err, "migration %s: record applied", name)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "migration %s: commit", name)
	}
	return nil
}

func appliedMigrations(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

func splitPragmas(sqlText string) (pragmas []string, rest string) {
	var keep []string
	for _, stmt := range splitStatements(sqlText) {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(trimmed), "PRAGMA") {
			pragmas = append(pragmas, trimmed)
		} else {
			keep = append(keep, stmt)
		}
	}
	return pragmas, strings.Join(keep, ";\n")
}

// splitStatements splits on semicolons that terminate a statement. The
// embedded migrations never contain string literals with semicolons, so a
// naive split is sufficient — unlike a general SQL parser, this module only
// ever runs its own trusted schema files.
func splitStatements(sqlText string) []string {
	parts := strings.Split(sqlText, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
