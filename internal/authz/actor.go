package authz

import (
	"context"
	"time"
)

// Actor identifies the subject a decision is made for. IsAdministrator is
// derived per call from a role claim and never persisted.
type Actor struct {
	SubjectID       string `json:"subject_id"`
	IsAdministrator bool   `json:"is_administrator"`
}

// Identity is the full per-call actor context produced by token validation:
// the actor plus the organization memberships the credential currently
// claims and the credential's expiry. It is passed explicitly so decisions
// stay reproducible outside the original request lifecycle.
type Identity struct {
	Actor
	ClaimedOrganizations []string
	TokenExpiry          time.Time
}

type identityContextKey struct{}

// ContextWithIdentity attaches the authenticated identity to the context.
// The context is transport only; resolver and service calls always take the
// actor as an explicit argument.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, &id)
}

// IdentityFromContext extracts the authenticated identity from the context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || v == nil {
		return Identity{}, false
	}
	return *v, true
}
