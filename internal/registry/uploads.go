package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/ahlgren/wharf/internal/db"
)

// UploadManager tracks in-progress chunked blob uploads. Session state
// (owning repository, accumulated offset) lives in the metadata store; the
// bytes are spooled to disk and only promoted into the blob store on a
// verified finalize.
type UploadManager struct {
	store *db.DB
	blobs *FilesystemBlobStore
}

// NewUploadManager creates an upload session manager.
func NewUploadManager(store *db.DB, blobs *FilesystemBlobStore) *UploadManager {
	return &UploadManager{store: store, blobs: blobs}
}

// Start allocates a new upload session for the repository. The returned id
// is the client's resume handle; the initial offset is zero.
func (m *UploadManager) Start(ctx context.Context, repoID int64) (string, error) {
	id := uuid.New().String()

	f, err := os.Create(m.blobs.UploadSpoolPath(id))
	if err != nil {
		return "", fmt.Errorf("failed to create upload spool: %w", err)
	}
	f.Close()

	if err := m.store.CreateUpload(ctx, id, repoID); err != nil {
		os.Remove(m.blobs.UploadSpoolPath(id))
		return "", err
	}

	log.Debug("Upload session started", "uuid", id, "repository_id", repoID)
	return id, nil
}

// Get returns the session, or ErrUploadUnknown for ids that were never
// started or already finalized.
func (m *UploadManager) Get(ctx context.Context, id string) (*db.Upload, error) {
	u, err := m.store.GetUpload(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrUploadUnknown
		}
		return nil, err
	}
	return u, nil
}

// Append streams a chunk onto the session spool and returns the new
// accumulated offset. Chunks from one client arrive in order; concurrent
// writers to the same session are a caller error and resolve last-writer-wins.
func (m *UploadManager) Append(ctx context.Context, id string, r io.Reader) (int64, error) {
	u, err := m.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	f, err := os.OpenFile(m.blobs.UploadSpoolPath(id), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrUploadUnknown
		}
		return 0, fmt.Errorf("failed to open upload spool: %w", err)
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write upload chunk: %w", err)
	}

	offset := u.OffsetBytes + n
	if err := m.store.SetUploadOffset(ctx, id, offset); err != nil {
		return 0, err
	}

	log.Debug("Upload chunk appended", "uuid", id, "bytes", n, "offset", offset)
	return offset, nil
}

// Finish commits the session under the client-declared digest. The spooled
// bytes are re-hashed and compared against the declaration before anything
// is promoted: a mismatch aborts with ErrDigestMismatch and destroys the
// session. On success the blob is imported into the store, registered in the
// metadata layer, and the session is deleted.
func (m *UploadManager) Finish(ctx context.Context, id string, declared digest.Digest) (int64, error) {
	u, err := m.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	spool := m.blobs.UploadSpoolPath(id)

	actual, size, err := digestFile(spool)
	if err != nil {
		return 0, fmt.Errorf("failed to hash upload: %w", err)
	}

	if actual != declared {
		os.Remove(spool)
		_ = m.store.DeleteUpload(ctx, id)
		log.Warn("Upload digest mismatch", "uuid", id, "declared", declared, "actual", actual)
		return 0, ErrDigestMismatch
	}

	if err := m.blobs.ImportFile(declared, spool); err != nil {
		return 0, err
	}

	if err := m.store.UpsertBlob(ctx, declared.String(), size, u.RepositoryID); err != nil {
		return 0, err
	}

	if err := m.store.DeleteUpload(ctx, id); err != nil {
		return 0, err
	}

	log.Info("Blob upload completed", "uuid", id, "digest", declared, "size", size)
	return size, nil
}

// ReapStale removes sessions idle longer than maxAge, spool files included.
func (m *UploadManager) ReapStale(ctx context.Context, maxAge time.Duration) {
	ids, err := m.store.StaleUploads(ctx, time.Now().Add(-maxAge))
	if err != nil {
		log.Error("Failed to query stale uploads", "error", err)
		return
	}
	for _, id := range ids {
		os.Remove(m.blobs.UploadSpoolPath(id))
		if err := m.store.DeleteUpload(ctx, id); err != nil {
			log.Error("Failed to delete stale upload", "uuid", id, "error", err)
			continue
		}
		log.Info("Reaped stale upload session", "uuid", id)
	}
}

func digestFile(path string) (digest.Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	digester := digest.Canonical.Digester()
	size, err := io.Copy(digester.Hash(), f)
	if err != nil {
		return "", 0, err
	}
	return digester.Digest(), size, nil
}
