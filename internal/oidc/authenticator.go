package oidc

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/al-bashkir/keycloak-authfilter/internal/filter"
	"github.com/al-bashkir/keycloak-authfilter/internal/logsanitize"
	"github.com/al-bashkir/keycloak-authfilter/internal/session"
)

var (
	// ErrTokenExpired is returned when a session's tokens expired and cannot be refreshed.
	ErrTokenExpired = errors.New("token expired and no refresh token available")

	// ErrNotBefore is returned for tokens issued before the realm's not-before policy.
	ErrNotBefore = errors.New("token issued before not-before policy")
)

const (
	defaultFlowTimeout     = 10 * time.Minute
	defaultMaxPendingFlows = 10000
)

// Options configures an Authenticator.
type Options struct {
	// UsernameClaim is the claim used as local user name
	UsernameClaim string

	// StateCookie is issued while a login redirect is in flight
	StateCookie filter.StateCookie

	// ContextPath is the path of the state cookie
	ContextPath string

	// SSLRequired forces https redirect URIs
	SSLRequired bool

	// SSLRedirectPort is the https port used when SSLRequired rewrites a redirect URI
	SSLRedirectPort int

	// TokenMinimumTimeToLive refreshes tokens expiring within this duration
	TokenMinimumTimeToLive time.Duration

	// BearerOnly answers unauthenticated requests with 401 instead of a login redirect
	BearerOnly bool

	// Realm is announced in WWW-Authenticate challenges
	Realm string

	// FlowTimeout bounds how long a login redirect may take
	FlowTimeout time.Duration

	// MaxPendingFlows bounds the number of login redirects in flight
	MaxPendingFlows int
}

// pendingFlow is a login redirect waiting for its callback.
type pendingFlow struct {
	codeVerifier string
	redirectURI  string
	originalURL  string
}

// Authenticator authenticates requests against Keycloak.
// It implements filter.Authenticator.
type Authenticator struct {
	provider *Provider
	opts     Options
	flows    *expirable.LRU[string, pendingFlow]

	// notBefore is the realm not-before policy in unix seconds
	notBefore atomic.Int64

	now func() time.Time
}

var _ filter.Authenticator = (*Authenticator)(nil)

// NewAuthenticator creates an Authenticator for a discovered provider.
func NewAuthenticator(provider *Provider, opts Options) *Authenticator {
	if opts.UsernameClaim == "" {
		opts.UsernameClaim = "preferred_username"
	}
	if opts.ContextPath == "" {
		opts.ContextPath = "/"
	}
	if opts.FlowTimeout <= 0 {
		opts.FlowTimeout = defaultFlowTimeout
	}
	if opts.MaxPendingFlows <= 0 {
		opts.MaxPendingFlows = defaultMaxPendingFlows
	}

	return &Authenticator{
		provider: provider,
		opts:     opts,
		flows:    expirable.NewLRU[string, pendingFlow](opts.MaxPendingFlows, nil, opts.FlowTimeout),
		now:      time.Now,
	}
}

// Authenticate implements filter.Authenticator.
func (a *Authenticator) Authenticate(w http.ResponseWriter, r *http.Request, sess filter.HTTPSession) filter.Result {
	if token, ok := bearerToken(r); ok {
		return a.authenticateBearer(r, token)
	}

	if a.opts.BearerOnly {
		return filter.Result{
			Outcome:   filter.OutcomeNotAttempted,
			Challenge: a.bearerChallenge("", ""),
		}
	}

	q := r.URL.Query()
	if q.Has("state") && (q.Has("code") || q.Has("error")) {
		return a.resolveCode(w, r, sess)
	}

	return filter.Result{
		Outcome:   filter.OutcomeNotAttempted,
		Challenge: a.loginChallenge(),
	}
}

// authenticateBearer verifies a bearer access token. Bearer logons are not
// bound to a session.
func (a *Authenticator) authenticateBearer(r *http.Request, raw string) filter.Result {
	ctx := r.Context()

	token, err := a.provider.accessVerifier.Verify(ctx, raw)
	if err != nil {
		return filter.Result{
			Outcome:   filter.OutcomeFailed,
			Err:       fmt.Errorf("failed to verify bearer token: %w", err),
			Challenge: a.bearerChallenge("invalid_token", "token verification failed"),
		}
	}

	account, err := a.accountFromBearer(token, raw)
	if err == nil && a.issuedBeforeNotBefore(account) {
		err = ErrNotBefore
	}
	if err != nil {
		return filter.Result{
			Outcome:   filter.OutcomeFailed,
			Err:       err,
			Challenge: a.bearerChallenge("invalid_token", "token rejected"),
		}
	}

	return filter.Result{
		Outcome:   filter.OutcomeAuthenticated,
		Account:   account,
		Stateless: true,
	}
}

// resolveCode completes the authorization code flow on the callback request.
func (a *Authenticator) resolveCode(w http.ResponseWriter, r *http.Request, sess filter.HTTPSession) filter.Result {
	ctx := r.Context()
	q := r.URL.Query()
	state := q.Get("state")

	cookie, err := r.Cookie(a.opts.StateCookie.Name)
	if err != nil || cookie.Value != state {
		return failed(errors.New("state parameter does not match state cookie"), http.StatusBadRequest)
	}

	flow, ok := a.flows.Get(state)
	a.flows.Remove(state)
	if !ok {
		return failed(errors.New("unknown or expired login state"), http.StatusBadRequest)
	}

	if e := q.Get("error"); e != "" {
		return failed(fmt.Errorf("authorization server returned error: %s", logsanitize.Sanitize(e)), http.StatusUnauthorized)
	}

	sessionID, err := sess.ChangeID()
	if err != nil {
		return failed(fmt.Errorf("failed to change session id: %w", err), http.StatusInternalServerError)
	}

	token, err := a.provider.ExchangeCode(ctx, q.Get("code"), flow.codeVerifier, flow.redirectURI, sessionID)
	if err != nil {
		return failed(err, http.StatusForbidden)
	}

	account, err := a.accountFromToken(ctx, token, nil)
	if err == nil && a.issuedBeforeNotBefore(account) {
		err = ErrNotBefore
	}
	if err != nil {
		return failed(err, http.StatusForbidden)
	}

	slog.Debug("authorization code exchanged",
		"user", logsanitize.MaskUsername(account.PreferredUsername),
	)

	a.clearStateCookie(w)
	http.Redirect(w, r, flow.originalURL, http.StatusFound)

	return filter.Result{
		Outcome: filter.OutcomeAuthenticated,
		Account: account,
		Ended:   true,
	}
}

// loginChallenge redirects browsers to the Keycloak login page. Scripted
// clients get a 401 instead.
func (a *Authenticator) loginChallenge() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Requested-With") == "XMLHttpRequest" || r.Header.Get("Authorization") != "" {
			a.bearerChallenge("", "").ServeHTTP(w, r)
			return
		}

		flow, err := a.provider.StartAuthFlow(a.redirectURI(r))
		if err != nil {
			slog.Error("failed to start login flow", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		a.flows.Add(flow.State, pendingFlow{
			codeVerifier: flow.CodeVerifier,
			redirectURI:  flow.RedirectURI,
			originalURL:  r.URL.RequestURI(),
		})

		http.SetCookie(w, &http.Cookie{
			Name:     a.opts.StateCookie.Name,
			Value:    flow.State,
			Path:     a.opts.ContextPath,
			MaxAge:   int(a.opts.FlowTimeout.Seconds()),
			Secure:   a.opts.StateCookie.Secure,
			HttpOnly: a.opts.StateCookie.HttpOnly,
			SameSite: http.SameSiteLaxMode,
		})
		http.Redirect(w, r, flow.AuthURL, http.StatusFound)
	})
}

// bearerChallenge answers with 401 and a Bearer WWW-Authenticate header.
func (a *Authenticator) bearerChallenge(errCode, description string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := fmt.Sprintf("Bearer realm=%q", a.opts.Realm)
		if errCode != "" {
			header += fmt.Sprintf(", error=%q, error_description=%q", errCode, description)
		}
		w.Header().Set("WWW-Authenticate", header)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}

func (a *Authenticator) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.opts.StateCookie.Name,
		Value:    "",
		Path:     a.opts.ContextPath,
		MaxAge:   -1,
		Secure:   a.opts.StateCookie.Secure,
		HttpOnly: a.opts.StateCookie.HttpOnly,
	})
}

// redirectURI builds the callback URI from the request URL. With SSL
// required, plain http requests are sent back on the https port.
func (a *Authenticator) redirectURI(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}

	host := r.Host
	if a.opts.SSLRequired && scheme == "http" {
		scheme = "https"

		hostname := strings.Trim(host, "[]")
		if h, _, err := net.SplitHostPort(host); err == nil {
			hostname = h
		}
		if port := a.opts.SSLRedirectPort; port != 0 && port != 443 {
			host = net.JoinHostPort(hostname, strconv.Itoa(port))
		} else if strings.Contains(hostname, ":") {
			host = "[" + hostname + "]"
		} else {
			host = hostname
		}
	}

	q := r.URL.Query()
	for _, key := range []string{"code", "state", "session_state", "error", "iss"} {
		q.Del(key)
	}

	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     r.URL.Path,
		RawQuery: q.Encode(),
	}
	return u.String()
}

func (a *Authenticator) issuedBeforeNotBefore(account *session.Account) bool {
	nb := a.notBefore.Load()
	return nb > 0 && account.IssuedAt.Unix() < nb
}

// setNotBefore raises the not-before policy; it never moves backwards.
func (a *Authenticator) setNotBefore(nb int64) {
	for {
		current := a.notBefore.Load()
		if nb <= current || a.notBefore.CompareAndSwap(current, nb) {
			return
		}
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func failed(err error, status int) filter.Result {
	return filter.Result{
		Outcome: filter.OutcomeFailed,
		Err:     err,
		Challenge: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(status), status)
		}),
	}
}
