package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetTag resolves a tag name to its current manifest digest.
func (d *DB) GetTag(ctx context.Context, repoID int64, name string) (*Tag, error) {
	var t Tag
	var updated int64
	err := d.conn.QueryRowContext(ctx,
		`SELECT repository_id, name, manifest_digest, updated_at FROM tags WHERE repository_id = ? AND name = ?`,
		repoID, name).Scan(&t.RepositoryID, &t.Name, &t.ManifestDigest, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.UpdatedAt = time.Unix(updated, 0)
	return &t, nil
}

// ListTags returns tag names in lexicographic ascending order. after is an
// exclusive keyset cursor: only names strictly greater are returned.
func (d *DB) ListTags(ctx context.Context, repoID int64, limit int, after string) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT name FROM tags
		WHERE repository_id = ? AND name > ?
		ORDER BY name
		LIMIT ?`,
		repoID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	defer rows.Close()

	// Non-nil even when empty so tags/list serializes as an array.
	tags := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tags = append(tags, name)
	}
	return tags, rows.Err()
}

// DeleteTag removes the pointer only; the manifest and blobs are untouched.
func (d *DB) DeleteTag(ctx context.Context, repoID int64, name string) error {
	res, err := d.conn.ExecContext(ctx,
		`DELETE FROM tags WHERE repository_id = ? AND name = ?`,
		repoID, name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
