package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertManifest persists a manifest row, refreshing updated_at when the
// same (repository, digest) content is pushed again. When tag is non-empty
// the tag pointer is upserted in the same transaction; both effects commit or
// neither does.
func (d *DB) UpsertManifest(ctx context.Context, m *Manifest, tag string) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin manifest transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO manifests (repository_id, digest, media_type, size_bytes, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository_id, digest) DO UPDATE SET updated_at = excluded.updated_at`,
		m.RepositoryID, m.Digest, m.MediaType, m.SizeBytes, m.Payload, now, now)
	if err != nil {
		return fmt.Errorf("failed to store manifest %s: %w", m.Digest, err)
	}

	if tag != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tags (repository_id, name, manifest_digest, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(repository_id, name) DO UPDATE SET
				manifest_digest = excluded.manifest_digest,
				updated_at = excluded.updated_at`,
			m.RepositoryID, tag, m.Digest, now)
		if err != nil {
			return fmt.Errorf("failed to upsert tag %s: %w", tag, err)
		}
	}

	return tx.Commit()
}

// GetManifestByDigest fetches a manifest row by (repository, digest).
func (d *DB) GetManifestByDigest(ctx context.Context, repoID int64, digest string) (*Manifest, error) {
	var m Manifest
	var created, updated int64
	err := d.conn.QueryRowContext(ctx, `
		SELECT id, repository_id, digest, media_type, size_bytes, payload, created_at, updated_at
		FROM manifests
		WHERE repository_id = ? AND digest = ?`,
		repoID, digest).Scan(&m.ID, &m.RepositoryID, &m.Digest, &m.MediaType, &m.SizeBytes, &m.Payload, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.CreatedAt = time.Unix(created, 0)
	m.UpdatedAt = time.Unix(updated, 0)
	return &m, nil
}
