package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// FindRepository looks up a repository by coordinate among non-deleted rows.
func (d *DB) FindRepository(ctx context.Context, namespace, name string) (*Repository, error) {
	row := d.conn.QueryRowContext(ctx, `
		SELECT id, namespace, name, owner_id, visibility, pull_count, push_count, created_at, updated_at
		FROM repositories
		WHERE namespace = ? AND name = ? AND deleted_at IS NULL`,
		namespace, name)
	return scanRepository(row)
}

// CreateRepository inserts a new repository row.
func (d *DB) CreateRepository(ctx context.Context, namespace, name, ownerID, visibility string) (*Repository, error) {
	now := time.Now().Unix()
	res, err := d.conn.ExecContext(ctx, `
		INSERT INTO repositories (namespace, name, owner_id, visibility, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		namespace, name, ownerID, visibility, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create repository %s/%s: %w", namespace, name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Repository{
		ID:         id,
		Namespace:  namespace,
		Name:       name,
		OwnerID:    ownerID,
		Visibility: visibility,
		CreatedAt:  time.Unix(now, 0),
		UpdatedAt:  time.Unix(now, 0),
	}, nil
}

// IncrementPullCount bumps the repository pull counter.
func (d *DB) IncrementPullCount(ctx context.Context, repoID int64) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE repositories SET pull_count = pull_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), repoID)
	return err
}

// IncrementPushCount bumps the repository push counter.
func (d *DB) IncrementPushCount(ctx context.Context, repoID int64) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE repositories SET push_count = push_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), repoID)
	return err
}

// SoftDeleteRepository marks the row deleted; it is never hard-deleted.
func (d *DB) SoftDeleteRepository(ctx context.Context, repoID int64) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE repositories SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().Unix(), repoID)
	return err
}

// ListRepositories returns repository coordinates visible to the given
// account: public repositories plus those it owns. ownerID may be empty for
// anonymous callers. Keyset pagination, ordered by namespace/name; after is
// an exclusive "namespace/name" cursor.
func (d *DB) ListRepositories(ctx context.Context, ownerID string, limit int, after string) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT namespace, name
		FROM repositories
		WHERE deleted_at IS NULL
		  AND (visibility = ? OR owner_id = ?)
		  AND (namespace || '/' || name) > ?
		ORDER BY namespace, name
		LIMIT ?`,
		VisibilityPublic, ownerID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer rows.Close()

	// Non-nil even when empty so the catalog serializes as an array.
	repos := []string{}
	for rows.Next() {
		var ns, name string
		if err := rows.Scan(&ns, &name); err != nil {
			return nil, err
		}
		repos = append(repos, ns+"/"+name)
	}
	return repos, rows.Err()
}

func scanRepository(row *sql.Row) (*Repository, error) {
	var r Repository
	var created, updated int64
	err := row.Scan(&r.ID, &r.Namespace, &r.Name, &r.OwnerID, &r.Visibility,
		&r.PullCount, &r.PushCount, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.CreatedAt = time.Unix(created, 0)
	r.UpdatedAt = time.Unix(updated, 0)
	return &r, nil
}
