// Package session provides the local HTTP session layer the authentication
// filter binds principals and Keycloak accounts to.
package session

import (
	"time"
)

// Principal is the authenticated user of a session.
type Principal struct {
	// UserName is the local user name the session runs as
	UserName string

	// Ticket is the local authentication ticket; empty for Keycloak logons
	Ticket string
}

// Account holds the Keycloak tokens a session was authenticated with.
// An Account is never modified after it has been stored; a token refresh
// stores a new Account.
type Account struct {
	// Subject is the "sub" claim of the ID token
	Subject string

	// PreferredUsername is the configured username claim (preferred_username by default)
	PreferredUsername string

	// AccessToken is the OAuth2 access token
	AccessToken string `json:"-"`

	// RefreshToken is the OAuth2 refresh token (if available)
	RefreshToken string `json:"-"`

	// IDToken is the raw OIDC ID token
	IDToken string `json:"-"`

	// Expiry is when the access token expires
	Expiry time.Time

	// IssuedAt is the "iat" claim of the access token
	IssuedAt time.Time

	// Claims are the merged ID and access token claims
	Claims map[string]interface{}
}

// Expired reports whether the access token expires within minTTL of now.
// Accounts without an expiry never expire.
func (a *Account) Expired(now time.Time, minTTL time.Duration) bool {
	if a.Expiry.IsZero() {
		return false
	}
	return !now.Add(minTTL).Before(a.Expiry)
}

// Session represents one HTTP session.
// Principal and Account are nil until a logon is bound to the session.
type Session struct {
	// ID is a unique identifier for this session (64-char hex string)
	ID string

	// Principal is the authenticated user, nil for anonymous sessions
	Principal *Principal

	// Account is the bound Keycloak account, nil for local logons
	Account *Account

	// CreatedAt is when this session was created
	CreatedAt time.Time

	// LastAccessedAt is when this session was last looked up
	LastAccessedAt time.Time
}

// Authenticated reports whether a principal is bound to the session.
func (s *Session) Authenticated() bool {
	return s != nil && s.Principal != nil
}
