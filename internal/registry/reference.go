package registry

import (
	"fmt"
	"regexp"

	"github.com/opencontainers/go-digest"
)

// Reference is a manifest reference from the request path: either a human
// tag name or a content digest. The shape is decided once here, not
// re-sniffed downstream.
type Reference struct {
	Tag    string
	Digest digest.Digest
}

// IsDigest reports whether the reference addresses content directly.
func (r Reference) IsDigest() bool {
	return r.Digest != ""
}

func (r Reference) String() string {
	if r.IsDigest() {
		return r.Digest.String()
	}
	return r.Tag
}

var tagPattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)

// ParseReference classifies a path reference. Anything containing a colon is
// treated as a digest and must parse as one; otherwise it must be a valid
// tag name.
func ParseReference(s string) (Reference, error) {
	if dgst, err := digest.Parse(s); err == nil {
		return Reference{Digest: dgst}, nil
	}
	if tagPattern.MatchString(s) {
		return Reference{Tag: s}, nil
	}
	return Reference{}, fmt.Errorf("invalid reference %q", s)
}

// DigestBytes computes the canonical content digest for a byte payload.
// Deterministic; the universal key for blobs and manifests.
func DigestBytes(data []byte) digest.Digest {
	return digest.Canonical.FromBytes(data)
}

var repoSegment = regexp.MustCompile(`^[a-z0-9]+(?:[._-][a-z0-9]+)*$`)

// ValidateName checks a namespace or repository name segment. Rejects path
// traversal and anything outside the distribution grammar.
func ValidateName(s string) error {
	if !repoSegment.MatchString(s) {
		return fmt.Errorf("invalid repository name %q", s)
	}
	return nil
}
