package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ahlgren/wharf/internal/db"
)

// Docker scheme 2 media types, still the bulk of real-world pushes alongside
// the OCI ones from image-spec.
const (
	MediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerList     = "application/vnd.docker.distribution.manifest.list.v2+json"
)

func isManifestList(mediaType string) bool {
	return mediaType == MediaTypeDockerList || mediaType == ocispec.MediaTypeImageIndex
}

// ManifestStore persists manifests keyed by (repository, digest) and
// maintains the mutable tag pointer table.
type ManifestStore struct {
	store *db.DB
}

// NewManifestStore creates a manifest and tag store over the metadata DB.
func NewManifestStore(store *db.DB) *ManifestStore {
	return &ManifestStore{store: store}
}

// StoredManifest is a resolved manifest: canonical bytes plus identity.
type StoredManifest struct {
	Digest    digest.Digest
	MediaType string
	Size      int64
	Payload   []byte
}

// Put validates and persists manifest bytes. The digest is computed from
// the canonical bytes; when ref is a tag the pointer is upserted atomically
// with the manifest row. Returns the manifest digest.
//
// Referenced layer digests are not required to pre-exist as blobs; clients
// push layers first by convention but the registry does not enforce the
// ordering.
func (s *ManifestStore) Put(ctx context.Context, repoID int64, ref Reference, payload []byte, mediaType string) (digest.Digest, error) {
	size, err := declaredSize(payload, mediaType)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrManifestInvalid, err)
	}

	dgst := DigestBytes(payload)
	if ref.IsDigest() && ref.Digest != dgst {
		return "", fmt.Errorf("%w: reference digest %s does not match content %s", ErrManifestInvalid, ref.Digest, dgst)
	}

	tag := ""
	if !ref.IsDigest() {
		tag = ref.Tag
	}

	m := &db.Manifest{
		RepositoryID: repoID,
		Digest:       dgst.String(),
		MediaType:    mediaType,
		SizeBytes:    size,
		Payload:      payload,
	}
	if err := s.store.UpsertManifest(ctx, m, tag); err != nil {
		return "", err
	}

	log.Debug("Manifest stored", "repository_id", repoID, "digest", dgst, "tag", tag, "media_type", mediaType)
	return dgst, nil
}

// Get resolves a reference to stored manifest bytes. Tags resolve through
// the pointer table; digests address the manifest row directly.
func (s *ManifestStore) Get(ctx context.Context, repoID int64, ref Reference) (*StoredManifest, error) {
	dgst := ref.Digest
	if !ref.IsDigest() {
		tag, err := s.store.GetTag(ctx, repoID, ref.Tag)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil, ErrManifestUnknown
			}
			return nil, err
		}
		dgst = digest.Digest(tag.ManifestDigest)
	}

	m, err := s.store.GetManifestByDigest(ctx, repoID, dgst.String())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrManifestUnknown
		}
		return nil, err
	}

	return &StoredManifest{
		Digest:    digest.Digest(m.Digest),
		MediaType: m.MediaType,
		Size:      int64(len(m.Payload)),
		Payload:   m.Payload,
	}, nil
}

// ListTags pages tag names in lexicographic order with an exclusive cursor.
func (s *ManifestStore) ListTags(ctx context.Context, repoID int64, limit int, after string) ([]string, error) {
	return s.store.ListTags(ctx, repoID, limit, after)
}

// DeleteTag removes the tag pointer only.
func (s *ManifestStore) DeleteTag(ctx context.Context, repoID int64, name string) error {
	err := s.store.DeleteTag(ctx, repoID, name)
	if errors.Is(err, db.ErrNotFound) {
		return ErrManifestUnknown
	}
	return err
}

// declaredSize parses the payload according to its media type and sums the
// declared config/layer (or sub-manifest) sizes. A payload that does not
// parse as the declared type is rejected.
func declaredSize(payload []byte, mediaType string) (int64, error) {
	if isManifestList(mediaType) {
		var index ocispec.Index
		if err := json.Unmarshal(payload, &index); err != nil {
			return 0, fmt.Errorf("not parseable as %s: %v", mediaType, err)
		}
		var total int64
		for _, desc := range index.Manifests {
			total += desc.Size
		}
		return total, nil
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(payload, &manifest); err != nil {
		return 0, fmt.Errorf("not parseable as %s: %v", mediaType, err)
	}
	total := manifest.Config.Size
	for _, layer := range manifest.Layers {
		total += layer.Size
	}
	return total, nil
}
