package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/ahlgren/wharf/internal/db"
)

// timeNow is swappable in tests.
var timeNow = time.Now

// Action is a requested registry operation.
type Action string

const (
	ActionPull Action = "pull"
	ActionPush Action = "push"
)

// Caller carries the request's credentials, already split by shape at the
// HTTP boundary: a verified bearer account, Basic credentials, or neither.
type Caller struct {
	Account       *Account
	BasicUser     string
	BasicPassword string
}

// Authenticated reports whether the caller presented any credentials.
func (c Caller) Authenticated() bool {
	return c.Account != nil || c.BasicPassword != ""
}

// Outcome distinguishes how a resolution produced its repository.
type Outcome int

const (
	// OutcomeExisting means the repository row already existed.
	OutcomeExisting Outcome = iota
	// OutcomeProvisioned means the repository was auto-created for this push.
	OutcomeProvisioned
)

// Resolution is a successful authorization: the repository handle plus how
// it was obtained.
type Resolution struct {
	Repository *db.Repository
	Outcome    Outcome
}

// AccessResolver is the sole authorization gate. Every protocol operation
// resolves through it before touching any store. Bearer tokens are already
// verified at the HTTP boundary; the resolver only sees the resulting
// account.
type AccessResolver struct {
	store *db.DB
}

// NewAccessResolver creates the resolver over the metadata store.
func NewAccessResolver(store *db.DB) *AccessResolver {
	return &AccessResolver{store: store}
}

// Resolve authorizes action on (namespace, name) for the caller. On a push
// to a nonexistent repository by an authenticated caller whose derived
// namespace matches, the repository is auto-provisioned private and owned by
// the caller (OutcomeProvisioned). Denials short-circuit before any state
// mutation.
func (r *AccessResolver) Resolve(ctx context.Context, namespace, name string, action Action, caller Caller) (*Resolution, error) {
	repo, err := r.store.FindRepository(ctx, namespace, name)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		return r.provision(ctx, namespace, name, action, caller)
	}

	// Public repositories pull anonymously.
	if action == ActionPull && repo.IsPublic() {
		return &Resolution{Repository: repo, Outcome: OutcomeExisting}, nil
	}

	// Everything else requires credentials.
	if caller.Account != nil && caller.Account.ID == repo.OwnerID {
		return &Resolution{Repository: repo, Outcome: OutcomeExisting}, nil
	}

	if caller.BasicPassword != "" {
		if ok, err := r.checkRegistryToken(ctx, repo.ID, caller.BasicPassword, action); err != nil {
			return nil, err
		} else if ok {
			return &Resolution{Repository: repo, Outcome: OutcomeExisting}, nil
		}
	}

	return nil, ErrDenied
}

// provision handles the repository-absent branch: only an authenticated push
// into the caller's own derived namespace creates the row.
func (r *AccessResolver) provision(ctx context.Context, namespace, name string, action Action, caller Caller) (*Resolution, error) {
	if action != ActionPush || caller.Account == nil {
		return nil, ErrDenied
	}

	if NamespaceFor(caller.Account.ID) != namespace {
		log.Debug("Namespace mismatch on auto-provision",
			"requested", namespace, "derived", NamespaceFor(caller.Account.ID))
		return nil, ErrDenied
	}

	repo, err := r.store.CreateRepository(ctx, namespace, name, caller.Account.ID, db.VisibilityPrivate)
	if err != nil {
		return nil, err
	}

	log.Info("Auto-provisioned repository on first push",
		"repository", repo.FullName(), "owner", caller.Account.ID)
	return &Resolution{Repository: repo, Outcome: OutcomeProvisioned}, nil
}

// checkRegistryToken matches the Basic password against the repository's
// stored token hashes and checks the permission set. A match refreshes the
// token's last-used timestamp.
func (r *AccessResolver) checkRegistryToken(ctx context.Context, repoID int64, secret string, action Action) (bool, error) {
	tokens, err := r.store.TokensForRepository(ctx, repoID)
	if err != nil {
		return false, err
	}

	now := timeNow()
	for _, tok := range tokens {
		if tok.Expired(now) {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(tok.SecretHash), []byte(secret)) != nil {
			continue
		}
		if !tokenAllows(tok, action) {
			return false, nil
		}
		if err := r.store.TouchToken(ctx, tok.ID); err != nil {
			log.Error("Failed to touch registry token", "token_id", tok.ID, "error", err)
		}
		return true, nil
	}
	return false, nil
}

func tokenAllows(tok *db.RegistryToken, action Action) bool {
	switch action {
	case ActionPull:
		return tok.CanPull
	case ActionPush:
		return tok.CanPush
	}
	return false
}

// NamespaceFor derives the canonical namespace slug from an account id:
// lowercased, alphanumeric characters only.
func NamespaceFor(accountID string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(accountID) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
	}
	return b.String()
}
