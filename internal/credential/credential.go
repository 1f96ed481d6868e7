// Package credential describes the credentials a request authenticated with
// and reports authentication outcomes to listeners.
package credential

import (
	"context"
	"log/slog"

	"github.com/al-bashkir/keycloak-authfilter/internal/logsanitize"
)

// Kind identifies the credential variant.
type Kind int

const (
	KindUnknown Kind = iota
	KindTicket
	KindBasic
	KindOIDC
)

func (k Kind) String() string {
	switch k {
	case KindTicket:
		return "ticket"
	case KindBasic:
		return "basic"
	case KindOIDC:
		return "oidc"
	default:
		return "unknown"
	}
}

// Credential is the credential presented by one request. Only the fields of
// its Kind are set. It is never persisted.
type Credential struct {
	Kind Kind

	// Ticket is set for KindTicket
	Ticket string

	// UserName and Password are set for KindBasic
	UserName string
	Password string

	// AccessToken and Subject are set for KindOIDC; Subject holds the user name
	AccessToken string
	Subject     string
}

// Ticket returns a ticket credential.
func Ticket(ticket string) Credential {
	return Credential{Kind: KindTicket, Ticket: ticket}
}

// Basic returns a user name/password credential.
func Basic(userName, password string) Credential {
	return Credential{Kind: KindBasic, UserName: userName, Password: password}
}

// OIDCToken returns a Keycloak token credential for the given user.
func OIDCToken(accessToken, userName string) Credential {
	return Credential{Kind: KindOIDC, AccessToken: accessToken, Subject: userName}
}

// Unknown returns a credential without identity.
func Unknown() Credential {
	return Credential{Kind: KindUnknown}
}

// Masked returns an identity safe to log. Tickets and tokens are never
// revealed, user names are masked.
func (c Credential) Masked() string {
	switch c.Kind {
	case KindBasic:
		return logsanitize.MaskUsername(c.UserName)
	case KindOIDC:
		return logsanitize.MaskUsername(c.Subject)
	case KindTicket:
		return "ticket"
	default:
		return "unknown"
	}
}

// Listener is notified about every authentication decision that involved a credential.
type Listener interface {
	UserAuthenticated(ctx context.Context, cred Credential)
	AuthenticationFailed(ctx context.Context, cred Credential, err error)
}

// LogListener writes authentication events to a structured logger.
type LogListener struct {
	logger *slog.Logger
}

// NewLogListener returns a listener logging to logger, or to the default logger if nil.
func NewLogListener(logger *slog.Logger) *LogListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogListener{logger: logger}
}

// UserAuthenticated implements Listener.
func (l *LogListener) UserAuthenticated(ctx context.Context, cred Credential) {
	l.logger.InfoContext(ctx, "user authenticated",
		"credential", cred.Kind.String(),
		"user", cred.Masked(),
	)
}

// AuthenticationFailed implements Listener.
func (l *LogListener) AuthenticationFailed(ctx context.Context, cred Credential, err error) {
	l.logger.WarnContext(ctx, "authentication failed",
		"credential", cred.Kind.String(),
		"user", cred.Masked(),
		"error", err,
	)
}
