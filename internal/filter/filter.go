// Package filter decides, for every inbound request, how it is authenticated:
// through an existing local session, a legacy ticket or Basic credential, or
// a Keycloak OIDC handshake. Exactly one decision is made per request.
package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/al-bashkir/keycloak-authfilter/internal/credential"
	"github.com/al-bashkir/keycloak-authfilter/internal/registry"
	"github.com/al-bashkir/keycloak-authfilter/internal/session"
)

// DefaultBodyBufferLimit caps the form body read for parameter lookups when
// Options.BodyBufferLimit is not set.
const DefaultBodyBufferLimit = 32768

// Outcome is the result of one Authenticator invocation.
type Outcome int

const (
	OutcomeNotAttempted Outcome = iota
	OutcomeAuthenticated
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotAttempted:
		return "not_attempted"
	case OutcomeAuthenticated:
		return "authenticated"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is returned by Authenticator.Authenticate.
type Result struct {
	Outcome Outcome

	// Account is set when Outcome is OutcomeAuthenticated
	Account *session.Account

	// Stateless marks bearer-token logons that are not bound to a session
	Stateless bool

	// Ended reports that the Authenticator already wrote the response
	Ended bool

	// Challenge writes the response asking the client to authenticate
	Challenge http.Handler

	// Err describes a failed authentication
	Err error
}

// HTTPSession gives the Authenticator access to the request's session.
// ID creates the session on first use.
type HTTPSession interface {
	ID() (string, error)
	ChangeID() (string, error)
}

// SessionManagement lets Keycloak admin actions end local sessions.
type SessionManagement interface {
	LogoutAll(ctx context.Context) error
	LogoutSessions(ctx context.Context, ids []string) error
}

// Authenticator speaks the OIDC protocol on behalf of the filter.
type Authenticator interface {
	// Authenticate runs the bearer or code-flow authentication for a request.
	Authenticate(w http.ResponseWriter, r *http.Request, sess HTTPSession) Result

	// CheckCurrentToken verifies a stored account, refreshing its tokens if
	// they are about to expire. A returned account different from the
	// argument replaces the stored one.
	CheckCurrentToken(ctx context.Context, account *session.Account) (*session.Account, error)

	// HandlePreAuthAction serves Keycloak admin actions that need no user
	// authentication. It reports whether the response was written.
	HandlePreAuthAction(w http.ResponseWriter, r *http.Request, mgmt SessionManagement) bool

	// HandleAuthenticatedAction serves actions on behalf of an authenticated account.
	HandleAuthenticatedAction(w http.ResponseWriter, r *http.Request, account *session.Account) bool
}

// LocalAuthService validates the legacy local credentials.
type LocalAuthService interface {
	Authenticate(ctx context.Context, userName, password string) (session.Principal, error)
	Validate(ctx context.Context, ticket string) (session.Principal, error)
}

// TicketInvalidator is implemented by a LocalAuthService that can revoke
// tickets. Logout revokes the ticket of a local session through it.
type TicketInvalidator interface {
	Invalidate(ctx context.Context, ticket string)
}

// SessionStore is the HTTP session layer. *session.Store implements it.
type SessionStore interface {
	Create() (session.Session, error)
	Get(id string) (session.Session, bool)
	Bind(id string, principal *session.Principal, account *session.Account) error
	Rename(id string) (session.Session, error)
	Invalidate(id string) bool
	SessionID(r *http.Request) string
	SetCookie(w http.ResponseWriter, id string)
	ClearCookie(w http.ResponseWriter)
}

// Options are the filter switches.
type Options struct {
	// Active disables the filter entirely when false
	Active bool

	// AllowTicketLogon honors the ticket request parameter and ROLE_TICKET Basic logons
	AllowTicketLogon bool

	// AllowLocalBasicLogon checks Basic credentials against the local user store
	AllowLocalBasicLogon bool

	// BodyBufferLimit caps the form body read for parameter lookups
	BodyBufferLimit int

	// ContextPath is the path prefix the application is mounted at
	ContextPath string

	// StateCookie is the cookie the Authenticator sets during a login redirect
	StateCookie StateCookie
}

// Dependencies are the collaborators of the filter.
type Dependencies struct {
	Authenticator Authenticator
	LocalAuth     LocalAuthService
	Listener      credential.Listener
	Sessions      SessionStore
	Registry      registry.Registry
	Logger        *slog.Logger
}

// Filter is the authentication filter.
type Filter struct {
	auth     Authenticator
	local    LocalAuthService
	listener credential.Listener
	sessions SessionStore
	registry registry.Registry
	logger   *slog.Logger
	opts     Options
}

// New creates a filter. It fails with a *ConfigurationError when a
// mandatory collaborator is missing.
func New(deps Dependencies, opts Options) (*Filter, error) {
	switch {
	case deps.Authenticator == nil:
		return nil, &ConfigurationError{Field: "Authenticator"}
	case deps.Listener == nil:
		return nil, &ConfigurationError{Field: "Listener"}
	case deps.Sessions == nil:
		return nil, &ConfigurationError{Field: "Sessions"}
	case deps.Registry == nil:
		return nil, &ConfigurationError{Field: "Registry"}
	case deps.LocalAuth == nil && (opts.AllowTicketLogon || opts.AllowLocalBasicLogon):
		return nil, &ConfigurationError{Field: "LocalAuth"}
	}

	if opts.BodyBufferLimit <= 0 {
		opts.BodyBufferLimit = DefaultBodyBufferLimit
	}
	if opts.ContextPath == "" {
		opts.ContextPath = "/"
	}
	if opts.StateCookie.Name == "" {
		return nil, &ConfigurationError{Field: "StateCookie.Name"}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Filter{
		auth:     deps.Authenticator,
		local:    deps.LocalAuth,
		listener: deps.Listener,
		sessions: deps.Sessions,
		registry: deps.Registry,
		logger:   logger,
		opts:     opts,
	}, nil
}

// IsActive reports whether the filter authenticates requests at all.
func (f *Filter) IsActive() bool {
	return f.opts.Active
}

// Middleware wraps next with the filter.
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.Handle(w, r, next)
	})
}

// Handle authenticates one request and either passes it to next or writes
// the response itself.
func (f *Filter) Handle(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ex := f.newExchange(w, r)

	if f.decide(ex) {
		f.logger.DebugContext(ex.ctx(), "authentication skipped", "path", ex.path())
		next.ServeHTTP(w, ex.continueRequest())
		return
	}

	if header := ex.authHeader(); hasScheme(header, "basic") {
		if ok, _ := f.tryBasic(ex, header); ok {
			next.ServeHTTP(w, ex.continueRequest())
			return
		}
	}

	f.processKeycloak(ex, next)
}

// processKeycloak hands the request to the Authenticator and acts on its outcome.
func (f *Filter) processKeycloak(ex *exchange, next http.Handler) {
	ctx := ex.ctx()
	action := isActionPath(ex.path())

	if action && f.auth.HandlePreAuthAction(ex.w, ex.r, f.SessionManagement()) {
		f.logger.DebugContext(ctx, "keycloak pre-auth action handled", "path", ex.path())
		return
	}

	res := f.auth.Authenticate(ex.w, ex.r, ex)

	switch res.Outcome {
	case OutcomeAuthenticated:
		f.onAuthenticated(ex, res, action, next)
	case OutcomeNotAttempted:
		f.logger.DebugContext(ctx, "keycloak authentication not attempted, sending challenge")
		writeChallenge(ex, res.Challenge)
	case OutcomeFailed:
		f.onFailure(ex, res)
		writeChallenge(ex, res.Challenge)
	default:
		panic(fmt.Sprintf("filter: unexpected authentication outcome %s", res.Outcome))
	}
}

func (f *Filter) onAuthenticated(ex *exchange, res Result, action bool, next http.Handler) {
	ctx := ex.ctx()
	account := res.Account

	if account != nil {
		if res.Stateless {
			f.listener.UserAuthenticated(ctx, credential.OIDCToken(account.AccessToken, account.PreferredUsername))
		} else if err := f.bindSuccess(ex, account); err != nil {
			f.logger.ErrorContext(ctx, "failed to bind keycloak account to session", "error", err)
			http.Error(ex.w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}

	if res.Ended {
		return
	}

	if action && f.auth.HandleAuthenticatedAction(ex.w, ex.r, account) {
		f.logger.DebugContext(ctx, "keycloak authenticated action handled", "path", ex.path())
		return
	}

	if account != nil && res.Stateless {
		next.ServeHTTP(ex.w, ex.r.WithContext(withIdentity(ctx, Identity{
			UserName: account.PreferredUsername,
			Account:  account,
		})))
		return
	}

	next.ServeHTTP(ex.w, ex.continueRequest())
}

func (f *Filter) onFailure(ex *exchange, res Result) {
	ctx := ex.ctx()

	err := res.Err
	if err == nil {
		err = errors.New("keycloak authentication failed")
	}
	f.logger.WarnContext(ctx, "keycloak authentication failed", "error", err)

	f.destroySession(ex)
	if f.hasStateCookie(ex.r) {
		f.resetStateCookie(ex.w)
	}
	f.listener.AuthenticationFailed(ctx, credential.Unknown(), err)
}

// Logout ends the local session of the request and returns the Keycloak
// account it was bound to, if any. The ticket of a local logon is revoked.
func (f *Filter) Logout(w http.ResponseWriter, r *http.Request) *session.Account {
	ex := f.newExchange(w, r)
	sess := ex.session()
	if sess == nil {
		return nil
	}

	account := sess.Account
	f.destroySession(ex)

	if p := sess.Principal; p != nil && p.Ticket != "" {
		if inv, ok := f.local.(TicketInvalidator); ok {
			inv.Invalidate(ex.ctx(), p.Ticket)
			f.logger.DebugContext(ex.ctx(), "local ticket revoked", "session_id", sess.ID)
		}
	}

	f.logger.InfoContext(ex.ctx(), "session logged out", "session_id", sess.ID)
	return account
}

// destroySession invalidates the request's session and drops it from the
// registry if it was a Keycloak session.
func (f *Filter) destroySession(ex *exchange) {
	sess := ex.session()
	if sess == nil {
		return
	}

	ex.invalidate()

	if sess.Account != nil {
		f.unregister(ex.ctx(), sess.ID)
	}
}

// unregister drops a session from the registry. A failure is logged only:
// the stale entry is never consulted once the local session is gone.
func (f *Filter) unregister(ctx context.Context, id string) {
	if err := f.registry.Remove(ctx, id); err != nil {
		f.logger.ErrorContext(ctx, "failed to remove session from registry",
			"session_id", id,
			"error", err,
		)
	}
}

func writeChallenge(ex *exchange, challenge http.Handler) {
	if challenge == nil {
		http.Error(ex.w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	challenge.ServeHTTP(ex.w, ex.r)
}

// hasScheme reports whether an Authorization header uses scheme, ignoring case.
func hasScheme(header, scheme string) bool {
	if len(header) <= len(scheme) || header[len(scheme)] != ' ' {
		return false
	}
	return strings.EqualFold(header[:len(scheme)], scheme)
}
