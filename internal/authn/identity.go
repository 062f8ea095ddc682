package authn

import "context"

const (
	RoleOwner = "owner"
	RoleAdmin = "admin"
)

// Identity is the authenticated caller resolved from a session cookie (or,
// in dev mode, a trusted header). Every downstream component — vault,
// capability approvals, resource calls — reads the owner id from here
// rather than re-deriving it.
type Identity struct {
	OwnerID string
	Email   string
	Role    string
}

type contextKey string

const identityKey contextKey = "identity"

// NewContext attaches an Identity to ctx.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the Identity attached to ctx, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}
