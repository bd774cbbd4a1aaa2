package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const workspaceDir = ".openwork"

type Config struct {
	Workspace string
	// Name is the database file stem, normally the domain role.
	Name string
}

func dbPath(cfg Config) string {
	workspace := cfg.Workspace
	if workspace == "" {
		workspace = "."
	}
	name := cfg.Name
	if name == "" {
		name = "openwork"
	}
	return filepath.Join(workspace, workspaceDir, name+".db")
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on. Writes are
// serialised by the node, so a single connection avoids SQLITE_BUSY.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate", dbPath(cfg))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(cfg Config) string {
	return dbPath(cfg)
}
