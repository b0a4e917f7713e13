package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"
)

// Dialect is the SQL that differs between rule store backends when
// recording applied migrations.
type Dialect struct {
	Name string
	// AppliedAt is the column definition of schema_migrations.applied_at.
	AppliedAt string
	// Bind is the placeholder for the single version parameter.
	Bind string
}

var (
	SQLite   = Dialect{Name: "sqlite", AppliedAt: "DATETIME DEFAULT (datetime('now'))", Bind: "?"}
	Postgres = Dialect{Name: "postgres", AppliedAt: "TIMESTAMPTZ NOT NULL DEFAULT NOW()", Bind: "$1"}
)

// Migrate applies every migrations/*.sql file in fsys that is not yet
// recorded in schema_migrations, in file name order, each in its own
// transaction.
func Migrate(ctx context.Context, db *sql.DB, fsys fs.FS, d Dialect) error {
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at %s
	)`, d.AppliedAt)
	if _, err := db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	// Glob returns names in lexical order.
	files, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("listing migrations: %w", err)
	}

	for _, file := range files {
		version := strings.TrimSuffix(path.Base(file), ".sql")
		applied, err := migrationApplied(ctx, db, d, version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}
		if err := applyMigration(ctx, db, d, version, string(body)); err != nil {
			return err
		}
		slog.Info("applied migration", "dialect", d.Name, "version", version)
	}
	return nil
}

func migrationApplied(ctx context.Context, db *sql.DB, d Dialect, version string) (bool, error) {
	var n int
	q := "SELECT COUNT(*) FROM schema_migrations WHERE version = " + d.Bind
	if err := db.QueryRowContext(ctx, q, version).Scan(&n); err != nil {
		return false, fmt.Errorf("checking migration %s: %w", version, err)
	}
	return n > 0, nil
}

func applyMigration(ctx context.Context, db *sql.DB, d Dialect, version, body string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning migration %s: %w", version, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("executing migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ("+d.Bind+")", version); err != nil {
		return fmt.Errorf("recording migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %s: %w", version, err)
	}
	return nil
}
