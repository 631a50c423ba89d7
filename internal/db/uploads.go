package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateUpload inserts a new upload session row with a zero offset.
func (d *DB) CreateUpload(ctx context.Context, uuid string, repoID int64) error {
	now := time.Now().Unix()
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO uploads (uuid, repository_id, offset_bytes, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)`,
		uuid, repoID, now, now)
	if err != nil {
		return fmt.Errorf("failed to create upload session: %w", err)
	}
	return nil
}

// GetUpload fetches an upload session by id.
func (d *DB) GetUpload(ctx context.Context, uuid string) (*Upload, error) {
	var u Upload
	var created, updated int64
	err := d.conn.QueryRowContext(ctx,
		`SELECT uuid, repository_id, offset_bytes, created_at, updated_at FROM uploads WHERE uuid = ?`,
		uuid).Scan(&u.UUID, &u.RepositoryID, &u.OffsetBytes, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.CreatedAt = time.Unix(created, 0)
	u.UpdatedAt = time.Unix(updated, 0)
	return &u, nil
}

// SetUploadOffset records the accumulated byte offset after a chunk append.
func (d *DB) SetUploadOffset(ctx context.Context, uuid string, offset int64) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE uploads SET offset_bytes = ?, updated_at = ? WHERE uuid = ?`,
		offset, time.Now().Unix(), uuid)
	return err
}

// DeleteUpload removes a finished or abandoned session row.
func (d *DB) DeleteUpload(ctx context.Context, uuid string) error {
	_, err := d.conn.ExecContext(ctx, `DELETE FROM uploads WHERE uuid = ?`, uuid)
	return err
}

// StaleUploads returns session ids idle since before the cutoff.
func (d *DB) StaleUploads(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT uuid FROM uploads WHERE updated_at < ?`, cutoff.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
