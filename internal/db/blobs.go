package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertBlob records a committed blob. A second upload of identical content
// is a no-op; the first repository keeps the accounting reference.
func (d *DB) UpsertBlob(ctx context.Context, digest string, sizeBytes, repoID int64) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO blobs (digest, size_bytes, repository_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(digest) DO NOTHING`,
		digest, sizeBytes, repoID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record blob %s: %w", digest, err)
	}
	return nil
}

// GetBlob returns the blob row for a digest.
func (d *DB) GetBlob(ctx context.Context, digest string) (*Blob, error) {
	var b Blob
	var created int64
	err := d.conn.QueryRowContext(ctx,
		`SELECT digest, size_bytes, repository_id, created_at FROM blobs WHERE digest = ?`,
		digest).Scan(&b.Digest, &b.SizeBytes, &b.RepositoryID, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	b.CreatedAt = time.Unix(created, 0)
	return &b, nil
}
