package media

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"dh2ocol/internal/dbcompat"
)

//go:embed migrations
var migrationsFS embed.FS

const migrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    name VARCHAR(255) PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

// appliedMigrations returns the names recorded in schema_migrations.
func appliedMigrations(ctx context.Context, conn *dbcompat.Conn) (map[string]bool, error) {
	cur, err := conn.Execute(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	rows, err := cur.FetchAll()
	if err != nil {
		return nil, err
	}

	applied := make(map[string]bool, len(rows))
	for _, row := range rows {
		applied[asString(row["name"])] = true
	}
	return applied, nil
}

// Migrate applies the SQL files under migrations in lexicographical order.
// Each file runs once: applied files are recorded in schema_migrations and
// skipped afterwards. The files are written for MySQL and rewritten for
// SQLite by dbcompat.
func Migrate(ctx context.Context, m *dbcompat.Manager) error {
	ctx, release := m.Scope(ctx)
	defer release()

	conn, err := m.Conn(ctx)
	if err != nil {
		return err
	}

	err = dbcompat.InTransaction(conn, func() error {
		_, err := conn.Execute(ctx, migrationsTable)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		name := d.Name()
		if applied[name] {
			slog.Debug("Skipping applied migration", "name", name)
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Info("Running migration", "name", name, "engine", m.Engine())
		err = dbcompat.InTransaction(conn, func() error {
			if err := conn.ExecScript(ctx, string(content)); err != nil {
				return err
			}
			_, err := conn.Execute(ctx, `INSERT INTO schema_migrations (name) VALUES (%s)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		return nil
	})
}
