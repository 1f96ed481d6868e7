// Package registry tracks which HTTP sessions completed a Keycloak login.
//
// The registry is the liveness index consulted for back-channel logout: a
// session that carries an OIDC account but is missing from the registry has
// been logged out out-of-band and must be destroyed locally.
package registry

import "context"

// Registry is a process-wide set of session ids.
// Implementations must be safe for concurrent use.
type Registry interface {
	// Add records that the session completed an OIDC login.
	Add(ctx context.Context, sessionID string) error
	// Remove drops a single session id. Removing an unknown id is not an error.
	Remove(ctx context.Context, sessionID string) error
	// Has reports whether the session id is present.
	Has(ctx context.Context, sessionID string) (bool, error)
	// Clear drops every entry (global logout).
	Clear(ctx context.Context) error
	// Count returns the number of tracked sessions.
	Count(ctx context.Context) (int, error)
}
