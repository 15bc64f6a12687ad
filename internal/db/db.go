package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const defaultDBName = "quoteline.db"

type Config struct {
	Workspace string
	// DSN selects the backend: empty or a file path / sqlite:// URL for
	// SQLite, postgres:// for PostgreSQL.
	DSN string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".quoteline", defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".quoteline")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the database named by cfg and reports its dialect.
func Open(cfg Config) (*sql.DB, Dialect, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, "", err
		}
		return openSQLite(dbPath(cfg.Workspace))
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("parse dsn: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "", "file":
		return openSQLite(strings.TrimPrefix(dsn, "file:"))
	case "sqlite", "sqlite3":
		path := parsed.Host + parsed.Path
		if parsed.Opaque != "" {
			path = parsed.Opaque
		}
		return openSQLite(path)
	case "postgres", "postgresql":
		conn, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, "", err
		}
		return conn, Postgres, nil
	default:
		return nil, "", fmt.Errorf("unsupported storage scheme: %s", parsed.Scheme)
	}
}

func openSQLite(path string) (*sql.DB, Dialect, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, "", err
		}
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", err
	}
	// a single writer keeps concurrent transactions from tripping SQLITE_BUSY
	conn.SetMaxOpenConns(1)
	return conn, SQLite, nil
}

// Path returns the default db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
