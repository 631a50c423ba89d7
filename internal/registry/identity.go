package registry

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer is the issuer claim required on identity JWTs.
const TokenIssuer = "wharf-identity"

// Account is a verified end-user identity supplied by the identity service.
type Account struct {
	// ID is the account's unique identifier.
	ID string
}

// IdentityVerifier is the boundary to the external identity/session service.
// It turns a bearer token into a verified account.
type IdentityVerifier interface {
	VerifyBearer(ctx context.Context, token string) (Account, bool)
}

// StaticIdentity verifies bearer tokens against a fixed token→account map.
// It stands in for the identity service on single-box deployments and in
// tests.
type StaticIdentity struct {
	tokens map[string]string
}

// NewStaticIdentity builds a verifier from a token→account-id map.
func NewStaticIdentity(tokens map[string]string) *StaticIdentity {
	return &StaticIdentity{tokens: tokens}
}

func (s *StaticIdentity) VerifyBearer(_ context.Context, token string) (Account, bool) {
	if token == "" {
		return Account{}, false
	}
	id, ok := s.tokens[token]
	if !ok {
		return Account{}, false
	}
	return Account{ID: id}, true
}

// JWTIdentity verifies bearer tokens as HMAC-signed JWTs minted by the
// identity service. The subject claim carries the account id.
type JWTIdentity struct {
	secret []byte
}

// NewJWTIdentity builds a verifier over the shared signing secret.
func NewJWTIdentity(secret []byte) *JWTIdentity {
	return &JWTIdentity{secret: secret}
}

func (j *JWTIdentity) VerifyBearer(_ context.Context, tokenString string) (Account, bool) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return j.secret, nil
	}, jwt.WithIssuer(TokenIssuer))
	if err != nil || !token.Valid {
		return Account{}, false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Account{}, false
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Account{}, false
	}
	return Account{ID: sub}, true
}
