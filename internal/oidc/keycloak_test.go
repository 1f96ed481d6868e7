package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/al-bashkir/keycloak-authfilter/internal/config"
	"github.com/al-bashkir/keycloak-authfilter/internal/filter"
)

const testClientID = "alfresco"

// fakeKeycloak is a minimal Keycloak realm: discovery, JWKS and token endpoint.
type fakeKeycloak struct {
	t      *testing.T
	issuer string
	signer jose.Signer

	mu            sync.Mutex
	lastTokenForm url.Values
}

func newFakeKeycloak(t *testing.T) *fakeKeycloak {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	kc := &fakeKeycloak{t: t}
	kc.signer = newTestSigner(t, key, "realm-key")

	jwks := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &key.PublicKey,
		KeyID:     "realm-key",
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/test/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"issuer":                                kc.issuer,
			"authorization_endpoint":                kc.issuer + "/protocol/openid-connect/auth",
			"token_endpoint":                        kc.issuer + "/protocol/openid-connect/token",
			"jwks_uri":                              kc.issuer + "/protocol/openid-connect/certs",
			"end_session_endpoint":                  kc.issuer + "/protocol/openid-connect/logout",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/realms/test/protocol/openid-connect/certs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, jwks)
	})
	mux.HandleFunc("/realms/test/protocol/openid-connect/token", kc.handleToken)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	kc.issuer = ts.URL + "/realms/test"

	return kc
}

func newTestSigner(t *testing.T, key *rsa.PrivateKey, kid string) jose.Signer {
	t.Helper()

	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.RS256,
		Key:       jose.JSONWebKey{Key: key, KeyID: kid},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

func (kc *fakeKeycloak) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	kc.mu.Lock()
	kc.lastTokenForm = r.PostForm
	kc.mu.Unlock()

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, map[string]interface{}{
			"access_token":  kc.accessToken("alice", time.Now()),
			"token_type":    "Bearer",
			"expires_in":    300,
			"refresh_token": "refresh-alice",
			"id_token":      kc.idToken("alice"),
		})

	case "refresh_token":
		if r.PostForm.Get("refresh_token") != "refresh-alice" {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]string{"error": "invalid_grant"})
			return
		}
		// Keycloak may omit the ID token on refresh.
		writeJSON(w, map[string]interface{}{
			"access_token":  kc.accessToken("alice", time.Now()),
			"token_type":    "Bearer",
			"expires_in":    300,
			"refresh_token": "refresh-alice-2",
		})

	default:
		http.Error(w, "unsupported grant", http.StatusBadRequest)
	}
}

func (kc *fakeKeycloak) tokenForm() url.Values {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	return kc.lastTokenForm
}

func (kc *fakeKeycloak) sign(claims interface{}) string {
	kc.t.Helper()
	return signWith(kc.t, kc.signer, claims)
}

func signWith(t *testing.T, signer jose.Signer, claims interface{}) string {
	t.Helper()

	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := obj.CompactSerialize()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func (kc *fakeKeycloak) accessToken(user string, iat time.Time) string {
	return kc.sign(map[string]interface{}{
		"iss":                kc.issuer,
		"sub":                "sub-" + user,
		"aud":                "account",
		"azp":                testClientID,
		"typ":                "Bearer",
		"iat":                iat.Unix(),
		"exp":                time.Now().Add(5 * time.Minute).Unix(),
		"preferred_username": user,
		"realm_access": map[string]interface{}{
			"roles": []string{"user"},
		},
	})
}

func (kc *fakeKeycloak) idToken(user string) string {
	return kc.sign(map[string]interface{}{
		"iss":                kc.issuer,
		"sub":                "sub-" + user,
		"aud":                testClientID,
		"iat":                time.Now().Unix(),
		"exp":                time.Now().Add(5 * time.Minute).Unix(),
		"preferred_username": user,
	})
}

func (kc *fakeKeycloak) provider(t *testing.T) *Provider {
	t.Helper()

	p, err := NewProvider(context.Background(), &config.OIDCConfig{
		Issuer:       kc.issuer,
		ClientID:     testClientID,
		ClientSecret: "secret",
		Scopes:       []string{"openid", "profile"},
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	return p
}

func (kc *fakeKeycloak) authenticator(t *testing.T, modify func(*Options)) *Authenticator {
	t.Helper()

	opts := Options{
		UsernameClaim:          "preferred_username",
		StateCookie:            filter.StateCookie{Name: "OAuth_Token_Request_State", HttpOnly: true},
		ContextPath:            "/",
		SSLRedirectPort:        8443,
		TokenMinimumTimeToLive: 10 * time.Second,
		Realm:                  "test",
	}
	if modify != nil {
		modify(&opts)
	}
	return NewAuthenticator(kc.provider(t), opts)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fakeSession is a filter.HTTPSession that records id changes.
type fakeSession struct {
	id      string
	changed bool
}

func (s *fakeSession) ID() (string, error) {
	return s.id, nil
}

func (s *fakeSession) ChangeID() (string, error) {
	s.changed = true
	s.id = "renamed-" + s.id
	return s.id, nil
}

// fakeManagement records session management calls.
type fakeManagement struct {
	all bool
	ids []string
}

func (m *fakeManagement) LogoutAll(context.Context) error {
	m.all = true
	return nil
}

func (m *fakeManagement) LogoutSessions(_ context.Context, ids []string) error {
	m.ids = append(m.ids, ids...)
	return nil
}
