package registry

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"
)

// BlobStore is the object store boundary: durable byte storage keyed purely
// by digest.
type BlobStore interface {
	Exists(dgst digest.Digest) bool
	Open(dgst digest.Digest) (io.ReadCloser, error)
	Size(dgst digest.Digest) (int64, error)
	Put(dgst digest.Digest, r io.Reader) (int64, error)
	// ImportFile moves an already-spooled file into the store. Idempotent:
	// if the digest is already present the incoming file is discarded.
	ImportFile(dgst digest.Digest, path string) error
}

// FilesystemBlobStore implements BlobStore on a local directory, with blobs
// laid out as blobs/<algorithm>/<hex>.
type FilesystemBlobStore struct {
	rootDir string
}

// NewFilesystemBlobStore creates the blob directory structure under rootDir.
func NewFilesystemBlobStore(rootDir string) (*FilesystemBlobStore, error) {
	for _, dir := range []string{
		filepath.Join(rootDir, "blobs"),
		filepath.Join(rootDir, "uploads"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	log.Debug("Blob store initialized", "root_dir", rootDir)
	return &FilesystemBlobStore{rootDir: rootDir}, nil
}

func (s *FilesystemBlobStore) blobPath(dgst digest.Digest) string {
	return filepath.Join(s.rootDir, "blobs", dgst.Algorithm().String(), dgst.Encoded())
}

// UploadSpoolPath returns the spool file location for an upload session.
func (s *FilesystemBlobStore) UploadSpoolPath(uuid string) string {
	return filepath.Join(s.rootDir, "uploads", uuid)
}

func (s *FilesystemBlobStore) Exists(dgst digest.Digest) bool {
	_, err := os.Stat(s.blobPath(dgst))
	return err == nil
}

func (s *FilesystemBlobStore) Open(dgst digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobUnknown
		}
		return nil, fmt.Errorf("failed to open blob %s: %w", dgst, err)
	}
	return f, nil
}

func (s *FilesystemBlobStore) Size(dgst digest.Digest) (int64, error) {
	info, err := os.Stat(s.blobPath(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrBlobUnknown
		}
		return 0, fmt.Errorf("failed to stat blob %s: %w", dgst, err)
	}
	return info.Size(), nil
}

// Put streams r into the store under dgst. Writes to a temp file first so a
// failed write never leaves a partial blob at the final key.
func (s *FilesystemBlobStore) Put(dgst digest.Digest, r io.Reader) (int64, error) {
	blobPath := s.blobPath(dgst)
	if _, err := os.Stat(blobPath); err == nil {
		// Content-addressed: identical digest means identical bytes.
		return io.Copy(io.Discard, r)
	}

	if err := os.MkdirAll(filepath.Dir(blobPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(blobPath), ".put-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write blob %s: %w", dgst, err)
	}

	if err := os.Rename(tmp.Name(), blobPath); err != nil {
		return 0, fmt.Errorf("failed to commit blob %s: %w", dgst, err)
	}
	return n, nil
}

func (s *FilesystemBlobStore) ImportFile(dgst digest.Digest, path string) error {
	blobPath := s.blobPath(dgst)

	// Deduplicate: a concurrent upload of the same content wins by being
	// first; the bytes are identical either way.
	if _, err := os.Stat(blobPath); err == nil {
		return os.Remove(path)
	}

	if err := os.MkdirAll(filepath.Dir(blobPath), 0755); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	if err := os.Rename(path, blobPath); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to commit blob %s: %w", dgst, err)
	}
	return nil
}
