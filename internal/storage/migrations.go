package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var schema embed.FS

const migrationsTable = `
	CREATE TABLE IF NOT EXISTS _migrations (
		name TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)
`

// RunMigrations brings the schema up to date. Each pending migration runs in
// its own transaction together with the row that marks it applied, so a
// failed migration leaves no partial schema behind.
func RunMigrations(ctx context.Context, db *DB, logger *zap.Logger) error {
	return migrate(ctx, db, schema, logger)
}

func migrate(ctx context.Context, db *DB, src fs.FS, logger *zap.Logger) error {
	if _, err := db.ExecContext(ctx, migrationsTable); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}
	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return err
	}

	files, err := fs.Glob(src, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("listing migrations: %w", err)
	}
	slices.Sort(files)

	pending := 0
	for _, file := range files {
		name := path.Base(file)
		if applied[name] {
			continue
		}
		body, err := fs.ReadFile(src, file)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if strings.TrimSpace(string(body)) == "" {
			return fmt.Errorf("migration %s is empty", name)
		}

		err = db.Transaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO _migrations (name) VALUES (?)", name)
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %s: %w", name, err)
		}
		pending++
		logger.Info("migration applied", zap.String("name", name))
	}

	logger.Debug("schema up to date", zap.Int("applied", pending), zap.Int("known", len(files)))
	return nil
}

func appliedMigrations(ctx context.Context, db *DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM _migrations")
	if err != nil {
		return nil, fmt.Errorf("querying applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning migration name: %w", err)
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
