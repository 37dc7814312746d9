// Package db owns the workspace SQLite file: locating it, opening it with the
// pragmas the rest of the module assumes, and bringing its schema up to date.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

const (
	workspaceDir = ".reportline"
	databaseFile = "reportline.db"
)

type Config struct {
	Workspace string
}

// Path returns the database file location for a workspace root.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, databaseFile)
}

// EnsureWorkspace creates the hidden workspace directory if missing and
// returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// Open opens the workspace database and applies any pending schema steps.
// Foreign keys are enforced and a busy timeout covers the brief write
// contention a shared-cache connection pool can produce.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", Path(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := applySchema(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return conn, nil
}

// applySchema runs every embedded schema step that has not been recorded in
// the ledger yet, each inside its own transaction. Steps are ordered by file
// name, so new ones take the next numeric prefix.
func applySchema(conn *sql.DB) error {
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations(
	name TEXT PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return err
	}

	entries, err := schemaFS.ReadDir("schema")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		applied, err := schemaApplied(conn, name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := applySchemaStep(conn, name); err != nil {
			return fmt.Errorf("schema step %s: %w", name, err)
		}
	}
	return nil
}

func schemaApplied(conn *sql.DB, name string) (bool, error) {
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE name=?`, name).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func applySchemaStep(conn *sql.DB, name string) error {
	stmts, err := schemaFS.ReadFile("schema/" + name)
	if err != nil {
		return err
	}
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(string(stmts)); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations(name, applied_at) VALUES (?,?)`,
		name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}
