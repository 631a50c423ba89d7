package db

import "time"

// Repository visibility values.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Repository represents a container image repository row.
type Repository struct {
	ID         int64
	Namespace  string
	Name       string
	OwnerID    string
	Visibility string
	PullCount  int64
	PushCount  int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
}

// IsPublic reports whether anonymous pulls are allowed.
func (r *Repository) IsPublic() bool {
	return r.Visibility == VisibilityPublic
}

// FullName returns the namespace/name coordinate.
func (r *Repository) FullName() string {
	return r.Namespace + "/" + r.Name
}

// RegistryToken is a repository-scoped credential. The secret is stored only
// as a bcrypt hash.
type RegistryToken struct {
	ID           string
	RepositoryID int64
	SecretHash   string
	CanPull      bool
	CanPush      bool
	ExpiresAt    *time.Time
	LastUsedAt   *time.Time
	CreatedAt    time.Time
}

// Expired reports whether the token has an expiry in the past.
func (t *RegistryToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Before(now)
}

// Blob records a committed, content-addressed blob. Content is shared
// globally by digest; the repository reference is for accounting only.
type Blob struct {
	Digest       string
	SizeBytes    int64
	RepositoryID int64
	CreatedAt    time.Time
}

// Manifest is an immutable manifest row keyed by (repository, digest).
type Manifest struct {
	ID           int64
	RepositoryID int64
	Digest       string
	MediaType    string
	SizeBytes    int64
	Payload      []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Tag is a mutable pointer from a name to a manifest digest.
type Tag struct {
	RepositoryID   int64
	Name           string
	ManifestDigest string
	UpdatedAt      time.Time
}

// Upload is an in-flight chunked blob upload session.
type Upload struct {
	UUID         string
	RepositoryID int64
	OffsetBytes  int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
