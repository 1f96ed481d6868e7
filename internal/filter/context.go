package filter

import (
	"context"

	"github.com/al-bashkir/keycloak-authfilter/internal/session"
)

type contextKey int

const (
	noAuthRequiredKey contextKey = iota
	identityKey
)

// WithNoAuthRequired marks a request context as not requiring authentication.
// Host routes such as health checks use it to bypass the filter.
func WithNoAuthRequired(ctx context.Context) context.Context {
	return context.WithValue(ctx, noAuthRequiredKey, true)
}

func noAuthRequired(ctx context.Context) bool {
	v, _ := ctx.Value(noAuthRequiredKey).(bool)
	return v
}

// Identity is the authenticated caller of a request that passed the filter.
type Identity struct {
	// UserName is the local user name the request runs as
	UserName string

	// SessionID is empty for stateless (Bearer) requests
	SessionID string

	// Ticket is the local ticket of ticket and Basic logons
	Ticket string

	// Account is set when the request was authenticated by Keycloak
	Account *session.Account
}

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the identity the filter attached to a request.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
