package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/al-bashkir/keycloak-authfilter/internal/filter"
	"github.com/al-bashkir/keycloak-authfilter/internal/session"
)

const testStateCookie = "OAuth_Token_Request_State"

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// startLogin runs the login challenge for target and returns the recorder.
func startLogin(t *testing.T, a *Authenticator, target string) *httptest.ResponseRecorder {
	t.Helper()

	r := httptest.NewRequest(http.MethodGet, target, nil)
	res := a.Authenticate(httptest.NewRecorder(), r, &fakeSession{id: "s1"})
	if res.Outcome != filter.OutcomeNotAttempted {
		t.Fatalf("Outcome = %s, want not_attempted", res.Outcome)
	}
	if res.Challenge == nil {
		t.Fatal("expected a challenge")
	}

	rec := httptest.NewRecorder()
	res.Challenge.ServeHTTP(rec, r)
	return rec
}

func TestAuthenticate_LoginChallenge(t *testing.T) {
	kc := newFakeKeycloak(t)
	a := kc.authenticator(t, nil)

	rec := startLogin(t, a, "http://alfresco.example.com/share/page?doc=1")

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(loc.String(), kc.issuer+"/protocol/openid-connect/auth") {
		t.Errorf("Location = %s", loc)
	}

	q := loc.Query()
	if q.Get("redirect_uri") != "http://alfresco.example.com/share/page?doc=1" {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}

	state := findCookie(rec, testStateCookie)
	if state == nil {
		t.Fatal("expected a state cookie")
	}
	if state.Value != q.Get("state") {
		t.Errorf("state cookie = %q, state parameter = %q", state.Value, q.Get("state"))
	}
	if !state.HttpOnly || state.Path != "/" {
		t.Errorf("state cookie = %+v", state)
	}
	if a.flows.Len() != 1 {
		t.Errorf("pending flows = %d, want 1", a.flows.Len())
	}
}

func TestAuthenticate_ScriptedClientsGet401(t *testing.T) {
	kc := newFakeKeycloak(t)

	tests := []struct {
		name   string
		modify func(*Options)
		header http.Header
	}{
		{
			name:   "xhr",
			header: http.Header{"X-Requested-With": {"XMLHttpRequest"}},
		},
		{
			name:   "failed basic",
			header: http.Header{"Authorization": {"Basic dGVzdDp3cm9uZw=="}},
		},
		{
			name:   "bearer only",
			modify: func(o *Options) { o.BearerOnly = true },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := kc.authenticator(t, tt.modify)

			r := httptest.NewRequest(http.MethodGet, "http://alfresco.example.com/api/data", nil)
			for k, v := range tt.header {
				r.Header[k] = v
			}

			res := a.Authenticate(httptest.NewRecorder(), r, &fakeSession{id: "s1"})
			if res.Outcome != filter.OutcomeNotAttempted {
				t.Fatalf("Outcome = %s", res.Outcome)
			}

			rec := httptest.NewRecorder()
			res.Challenge.ServeHTTP(rec, r)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="test"` {
				t.Errorf("WWW-Authenticate = %q", got)
			}
			if a.flows.Len() != 0 {
				t.Error("no login flow should be started")
			}
		})
	}
}

func TestAuthenticate_Bearer(t *testing.T) {
	kc := newFakeKeycloak(t)
	a := kc.authenticator(t, nil)

	r := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	r.Header.Set("Authorization", "Bearer "+kc.accessToken("alice", time.Now()))

	sess := &fakeSession{id: "s1"}
	res := a.Authenticate(httptest.NewRecorder(), r, sess)

	if res.Outcome != filter.OutcomeAuthenticated {
		t.Fatalf("Outcome = %s, err = %v", res.Outcome, res.Err)
	}
	if !res.Stateless {
		t.Error("bearer logons must be stateless")
	}
	if res.Account.PreferredUsername != "alice" || res.Account.Subject != "sub-alice" {
		t.Errorf("account = %+v", res.Account)
	}
	if roles := ClaimRoles(res.Account.Claims, "realm_access.roles"); len(roles) != 1 || roles[0] != "user" {
		t.Errorf("roles = %v", roles)
	}
	if sess.changed {
		t.Error("bearer logons must not touch the session")
	}
}

func TestAuthenticate_BearerRejected(t *testing.T) {
	kc := newFakeKeycloak(t)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	forged := signWith(t, newTestSigner(t, otherKey, "realm-key"), map[string]interface{}{
		"iss":                kc.issuer,
		"sub":                "sub-mallory",
		"exp":                time.Now().Add(time.Minute).Unix(),
		"preferred_username": "mallory",
	})

	tests := []struct {
		name      string
		token     string
		notBefore int64
		wantErr   error
	}{
		{name: "garbage", token: "not-a-jwt"},
		{name: "foreign signature", token: forged},
		{
			name:      "issued before not-before",
			token:     kc.accessToken("alice", time.Now().Add(-time.Hour)),
			notBefore: time.Now().Add(-time.Minute).Unix(),
			wantErr:   ErrNotBefore,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := kc.authenticator(t, nil)
			a.setNotBefore(tt.notBefore)

			r := httptest.NewRequest(http.MethodGet, "/api/data", nil)
			r.Header.Set("Authorization", "Bearer "+tt.token)
			res := a.Authenticate(httptest.NewRecorder(), r, &fakeSession{id: "s1"})

			if res.Outcome != filter.OutcomeFailed {
				t.Fatalf("Outcome = %s, want failed", res.Outcome)
			}
			if tt.wantErr != nil && !errors.Is(res.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", res.Err, tt.wantErr)
			}

			rec := httptest.NewRecorder()
			res.Challenge.ServeHTTP(rec, r)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if !strings.Contains(rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`) {
				t.Errorf("WWW-Authenticate = %q", rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestAuthenticate_CodeFlow(t *testing.T) {
	kc := newFakeKeycloak(t)
	a := kc.authenticator(t, nil)

	login := startLogin(t, a, "http://alfresco.example.com/share/page?doc=1")
	loc, _ := url.Parse(login.Header().Get("Location"))
	state := loc.Query().Get("state")
	challenge := loc.Query().Get("code_challenge")

	r := httptest.NewRequest(http.MethodGet,
		"http://alfresco.example.com/share/page?doc=1&state="+state+"&code=good-code&session_state=kc", nil)
	r.AddCookie(&http.Cookie{Name: testStateCookie, Value: state})

	sess := &fakeSession{id: "s1"}
	rec := httptest.NewRecorder()
	res := a.Authenticate(rec, r, sess)

	if res.Outcome != filter.OutcomeAuthenticated {
		t.Fatalf("Outcome = %s, err = %v", res.Outcome, res.Err)
	}
	if !res.Ended || res.Stateless {
		t.Errorf("Ended = %v, Stateless = %v", res.Ended, res.Stateless)
	}

	account := res.Account
	if account.PreferredUsername != "alice" || account.RefreshToken != "refresh-alice" || account.IDToken == "" {
		t.Errorf("account = %+v", account)
	}
	if account.IssuedAt.IsZero() {
		t.Error("expected issued at from the access token")
	}
	if _, ok := account.Claims["realm_access"]; !ok {
		t.Error("expected realm_access merged from the access token")
	}

	if !sess.changed {
		t.Error("session id should change on login")
	}
	form := kc.tokenForm()
	if form.Get("client_session_state") != "renamed-s1" {
		t.Errorf("client_session_state = %q, want renamed-s1", form.Get("client_session_state"))
	}
	if form.Get("redirect_uri") != "http://alfresco.example.com/share/page?doc=1" {
		t.Errorf("redirect_uri = %q", form.Get("redirect_uri"))
	}
	sum := sha256.Sum256([]byte(form.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
		t.Error("code_verifier does not match the code challenge")
	}

	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/share/page?doc=1" {
		t.Errorf("redirect = %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if c := findCookie(rec, testStateCookie); c == nil || c.MaxAge >= 0 {
		t.Error("state cookie should be cleared after login")
	}
	if a.flows.Len() != 0 {
		t.Error("flow should be consumed")
	}
}

func TestAuthenticate_CodeFlowFailures(t *testing.T) {
	kc := newFakeKeycloak(t)

	tests := []struct {
		name       string
		query      func(state string) string
		cookie     func(state string) string
		wantStatus int
	}{
		{
			name:       "state cookie mismatch",
			query:      func(s string) string { return "state=" + s + "&code=good-code" },
			cookie:     func(string) string { return "other" },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown state",
			query:      func(string) string { return "state=unknown&code=good-code" },
			cookie:     func(string) string { return "unknown" },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "authorization error",
			query:      func(s string) string { return "state=" + s + "&error=access_denied" },
			cookie:     func(s string) string { return s },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "invalid code",
			query:      func(s string) string { return "state=" + s + "&code=bad-code" },
			cookie:     func(s string) string { return s },
			wantStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := kc.authenticator(t, nil)

			login := startLogin(t, a, "http://alfresco.example.com/share/page")
			loc, _ := url.Parse(login.Header().Get("Location"))
			state := loc.Query().Get("state")

			r := httptest.NewRequest(http.MethodGet, "http://alfresco.example.com/share/page?"+tt.query(state), nil)
			r.AddCookie(&http.Cookie{Name: testStateCookie, Value: tt.cookie(state)})

			res := a.Authenticate(httptest.NewRecorder(), r, &fakeSession{id: "s1"})
			if res.Outcome != filter.OutcomeFailed {
				t.Fatalf("Outcome = %s, want failed", res.Outcome)
			}
			if res.Err == nil {
				t.Error("expected an error")
			}

			rec := httptest.NewRecorder()
			res.Challenge.ServeHTTP(rec, r)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestCheckCurrentToken(t *testing.T) {
	kc := newFakeKeycloak(t)
	ctx := context.Background()

	valid := &session.Account{
		Subject:           "sub-alice",
		PreferredUsername: "alice",
		AccessToken:       "access",
		RefreshToken:      "refresh-alice",
		IDToken:           "id-token",
		Expiry:            time.Now().Add(time.Hour),
		IssuedAt:          time.Now(),
		Claims:            map[string]interface{}{"preferred_username": "alice"},
	}

	t.Run("valid token is kept", func(t *testing.T) {
		a := kc.authenticator(t, nil)
		got, err := a.CheckCurrentToken(ctx, valid)
		if err != nil || got != valid {
			t.Errorf("CheckCurrentToken = %v, %v", got, err)
		}
	})

	t.Run("expiring token is refreshed", func(t *testing.T) {
		a := kc.authenticator(t, nil)
		expiring := *valid
		expiring.Expiry = time.Now().Add(5 * time.Second)

		got, err := a.CheckCurrentToken(ctx, &expiring)
		if err != nil {
			t.Fatalf("CheckCurrentToken failed: %v", err)
		}
		if got == &expiring {
			t.Fatal("expected a new account")
		}
		if got.PreferredUsername != "alice" || got.Subject != "sub-alice" || got.IDToken != "id-token" {
			t.Errorf("identity not preserved: %+v", got)
		}
		if got.RefreshToken != "refresh-alice-2" || got.AccessToken == "access" {
			t.Errorf("tokens not replaced: %+v", got)
		}
		if !got.Expiry.After(time.Now().Add(time.Minute)) {
			t.Errorf("Expiry = %v", got.Expiry)
		}
	})

	t.Run("expired without refresh token", func(t *testing.T) {
		a := kc.authenticator(t, nil)
		expired := *valid
		expired.Expiry = time.Now().Add(-time.Minute)
		expired.RefreshToken = ""

		if _, err := a.CheckCurrentToken(ctx, &expired); !errors.Is(err, ErrTokenExpired) {
			t.Errorf("err = %v, want ErrTokenExpired", err)
		}
	})

	t.Run("refresh rejected", func(t *testing.T) {
		a := kc.authenticator(t, nil)
		expired := *valid
		expired.Expiry = time.Now().Add(-time.Minute)
		expired.RefreshToken = "revoked"

		if _, err := a.CheckCurrentToken(ctx, &expired); err == nil {
			t.Error("expected refresh error")
		}
	})

	t.Run("not before policy", func(t *testing.T) {
		a := kc.authenticator(t, nil)
		old := *valid
		old.IssuedAt = time.Now().Add(-time.Hour)
		a.setNotBefore(time.Now().Add(-time.Minute).Unix())

		if _, err := a.CheckCurrentToken(ctx, &old); !errors.Is(err, ErrNotBefore) {
			t.Errorf("err = %v, want ErrNotBefore", err)
		}
	})
}

func TestRedirectURI(t *testing.T) {
	kc := newFakeKeycloak(t)

	tests := []struct {
		name   string
		modify func(*Options)
		target string
		setup  func(*http.Request)
		want   string
	}{
		{
			name:   "plain request",
			target: "http://alfresco.example.com/share/page?doc=1",
			want:   "http://alfresco.example.com/share/page?doc=1",
		},
		{
			name:   "strips callback parameters",
			target: "http://alfresco.example.com/share/page?code=x&state=y&session_state=z&doc=1",
			want:   "http://alfresco.example.com/share/page?doc=1",
		},
		{
			name:   "forwarded https",
			target: "http://alfresco.example.com/share/",
			setup:  func(r *http.Request) { r.Header.Set("X-Forwarded-Proto", "https") },
			want:   "https://alfresco.example.com/share/",
		},
		{
			name:   "tls request",
			target: "https://alfresco.example.com:9443/share/",
			setup:  func(r *http.Request) { r.TLS = &tls.ConnectionState{} },
			want:   "https://alfresco.example.com:9443/share/",
		},
		{
			name:   "ssl required uses redirect port",
			modify: func(o *Options) { o.SSLRequired = true },
			target: "http://alfresco.example.com:8080/share/",
			want:   "https://alfresco.example.com:8443/share/",
		},
		{
			name:   "ssl required on default port",
			modify: func(o *Options) { o.SSLRequired = true; o.SSLRedirectPort = 443 },
			target: "http://alfresco.example.com:8080/share/",
			want:   "https://alfresco.example.com/share/",
		},
		{
			name:   "ssl required ipv6",
			modify: func(o *Options) { o.SSLRequired = true },
			target: "http://[::1]:8080/share/",
			want:   "https://[::1]:8443/share/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := kc.authenticator(t, tt.modify)
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.setup != nil {
				tt.setup(r)
			}
			if got := a.redirectURI(r); got != tt.want {
				t.Errorf("redirectURI = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSetNotBeforeNeverDecreases(t *testing.T) {
	a := NewAuthenticator(nil, Options{})

	a.setNotBefore(100)
	a.setNotBefore(50)
	if got := a.notBefore.Load(); got != 100 {
		t.Errorf("notBefore = %d, want 100", got)
	}
	a.setNotBefore(200)
	if got := a.notBefore.Load(); got != 200 {
		t.Errorf("notBefore = %d, want 200", got)
	}
}
