// Package db implements the relational metadata store for the registry:
// repositories, registry tokens, blobs, manifests, tags and in-flight
// uploads, persisted in sqlite.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"
)

const DBFilename = "wharf.db"

// DB wraps the sql handle with the registry queries.
type DB struct {
	conn *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace   TEXT NOT NULL,
	name        TEXT NOT NULL,
	owner_id    TEXT NOT NULL,
	visibility  TEXT NOT NULL DEFAULT 'private',
	pull_count  INTEGER NOT NULL DEFAULT 0,
	push_count  INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	deleted_at  INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_repositories_coord
	ON repositories(namespace, name) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS registry_tokens (
	id            TEXT PRIMARY KEY,
	repository_id INTEGER NOT NULL REFERENCES repositories(id),
	secret_hash   TEXT NOT NULL,
	can_pull      INTEGER NOT NULL DEFAULT 0,
	can_push      INTEGER NOT NULL DEFAULT 0,
	expires_at    INTEGER,
	last_used_at  INTEGER,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_registry_tokens_repo
	ON registry_tokens(repository_id);

CREATE TABLE IF NOT EXISTS blobs (
	digest        TEXT PRIMARY KEY,
	size_bytes    INTEGER NOT NULL,
	repository_id INTEGER NOT NULL,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS manifests (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_id INTEGER NOT NULL REFERENCES repositories(id),
	digest        TEXT NOT NULL,
	media_type    TEXT NOT NULL,
	size_bytes    INTEGER NOT NULL,
	payload       BLOB NOT NULL,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	UNIQUE(repository_id, digest)
);

CREATE TABLE IF NOT EXISTS tags (
	repository_id   INTEGER NOT NULL REFERENCES repositories(id),
	name            TEXT NOT NULL,
	manifest_digest TEXT NOT NULL,
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY(repository_id, name)
);

CREATE TABLE IF NOT EXISTS uploads (
	uuid          TEXT PRIMARY KEY,
	repository_id INTEGER NOT NULL REFERENCES repositories(id),
	offset_bytes  INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
`

// Open opens (and bootstraps, if needed) the sqlite database under dataDir.
func Open(dataDir string) (*DB, error) {
	dbDir := filepath.Join(dataDir, "db")
	if _, err := os.Stat(dbDir); os.IsNotExist(err) {
		log.Debug("Creating database directory", "dir", dbDir)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	dbPath := filepath.Join(dbDir, DBFilename)
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open DB: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	log.Debug("Database initialized", "path", dbPath)
	return &DB{conn: conn}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}
