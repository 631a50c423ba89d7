package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateRegistryToken inserts a token row. secretHash must already be a
// one-way hash of the secret; plaintext never reaches this layer.
func (d *DB) CreateRegistryToken(ctx context.Context, repoID int64, secretHash string, canPull, canPush bool, expiresAt *time.Time) (*RegistryToken, error) {
	t := &RegistryToken{
		ID:           uuid.New().String(),
		RepositoryID: repoID,
		SecretHash:   secretHash,
		CanPull:      canPull,
		CanPush:      canPush,
		ExpiresAt:    expiresAt,
		CreatedAt:    time.Now(),
	}
	var expires any
	if expiresAt != nil {
		expires = expiresAt.Unix()
	}
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO registry_tokens (id, repository_id, secret_hash, can_pull, can_push, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, repoID, secretHash, boolToInt(canPull), boolToInt(canPush), expires, t.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create registry token: %w", err)
	}
	return t, nil
}

// TokensForRepository returns all tokens scoped to the repository, expired
// ones included; expiry is the caller's check so last-used bookkeeping stays
// here.
func (d *DB) TokensForRepository(ctx context.Context, repoID int64) ([]*RegistryToken, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, repository_id, secret_hash, can_pull, can_push, expires_at, last_used_at, created_at
		FROM registry_tokens
		WHERE repository_id = ?`,
		repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to query registry tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*RegistryToken
	for rows.Next() {
		var t RegistryToken
		var canPull, canPush int
		var expires, lastUsed sql.NullInt64
		var created int64
		if err := rows.Scan(&t.ID, &t.RepositoryID, &t.SecretHash, &canPull, &canPush, &expires, &lastUsed, &created); err != nil {
			return nil, err
		}
		t.CanPull = canPull != 0
		t.CanPush = canPush != 0
		if expires.Valid {
			at := time.Unix(expires.Int64, 0)
			t.ExpiresAt = &at
		}
		if lastUsed.Valid {
			at := time.Unix(lastUsed.Int64, 0)
			t.LastUsedAt = &at
		}
		t.CreatedAt = time.Unix(created, 0)
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}

// TouchToken refreshes the token's last-used timestamp.
func (d *DB) TouchToken(ctx context.Context, tokenID string) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE registry_tokens SET last_used_at = ? WHERE id = ?`,
		time.Now().Unix(), tokenID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
