package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/go-jose/go-jose/v4"

	"github.com/al-bashkir/keycloak-authfilter/internal/filter"
	"github.com/al-bashkir/keycloak-authfilter/internal/session"
)

// Keycloak adapter actions, addressed as <context>/keycloak/<action>.
const (
	ActionLogout           = "k_logout"
	ActionPushNotBefore    = "k_push_not_before"
	ActionTestAvailable    = "k_test_available"
	ActionJWKS             = "k_jwks"
	ActionQueryBearerToken = "k_query_bearer_token"
)

// Action names inside signed admin action tokens.
const (
	adminActionLogout        = "LOGOUT"
	adminActionPushNotBefore = "PUSH_NOT_BEFORE"
	adminActionTestAvailable = "TEST_AVAILABILITY"
)

const maxActionBodySize = 1 << 20

// actionAlgorithms are the signature algorithms accepted on admin actions.
var actionAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
}

// adminAction is the common part of every Keycloak admin action token.
type adminAction struct {
	ID         string `json:"id"`
	Expiration int64  `json:"expiration"`
	Resource   string `json:"resource"`
	Action     string `json:"action"`
}

func (a *adminAction) common() *adminAction {
	return a
}

type logoutAction struct {
	adminAction
	AdapterSessionIDs  []string `json:"adapterSessionIds"`
	NotBefore          int64    `json:"notBefore"`
	KeycloakSessionIDs []string `json:"keycloakSessionIds"`
}

type pushNotBeforeAction struct {
	adminAction
	NotBefore int64 `json:"notBefore"`
}

type testAvailableAction struct {
	adminAction
}

type actionToken interface {
	common() *adminAction
}

// HandlePreAuthAction implements filter.Authenticator.
func (a *Authenticator) HandlePreAuthAction(w http.ResponseWriter, r *http.Request, mgmt filter.SessionManagement) bool {
	switch path.Base(r.URL.Path) {
	case ActionLogout:
		a.handleLogout(w, r, mgmt)
	case ActionPushNotBefore:
		a.handlePushNotBefore(w, r)
	case ActionTestAvailable:
		a.handleTestAvailable(w, r)
	case ActionJWKS:
		a.handleJWKS(w, r)
	default:
		return false
	}
	return true
}

// HandleAuthenticatedAction implements filter.Authenticator.
func (a *Authenticator) HandleAuthenticatedAction(w http.ResponseWriter, r *http.Request, account *session.Account) bool {
	if path.Base(r.URL.Path) != ActionQueryBearerToken || account == nil {
		return false
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, account.AccessToken)
	return true
}

func (a *Authenticator) handleLogout(w http.ResponseWriter, r *http.Request, mgmt filter.SessionManagement) {
	var action logoutAction
	if !a.readAction(w, r, adminActionLogout, &action) {
		return
	}

	ctx := r.Context()
	var err error
	if len(action.AdapterSessionIDs) > 0 {
		slog.Info("keycloak back-channel logout", "sessions", len(action.AdapterSessionIDs))
		err = mgmt.LogoutSessions(ctx, action.AdapterSessionIDs)
	} else {
		slog.Info("keycloak back-channel logout of all sessions", "resource", action.Resource)
		a.setNotBefore(action.NotBefore)
		err = mgmt.LogoutAll(ctx)
	}
	if err != nil {
		slog.Error("back-channel logout failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (a *Authenticator) handlePushNotBefore(w http.ResponseWriter, r *http.Request) {
	var action pushNotBeforeAction
	if !a.readAction(w, r, adminActionPushNotBefore, &action) {
		return
	}

	a.setNotBefore(action.NotBefore)
	slog.Info("keycloak not-before policy pushed", "not_before", action.NotBefore)
	w.WriteHeader(http.StatusOK)
}

func (a *Authenticator) handleTestAvailable(w http.ResponseWriter, r *http.Request) {
	var action testAvailableAction
	if !a.readAction(w, r, adminActionTestAvailable, &action) {
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleJWKS publishes the client keys. The client signs nothing, so the set is empty.
func (a *Authenticator) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}})
}

// readAction reads and verifies a signed admin action from the request body.
// On failure it writes the error response and returns false.
func (a *Authenticator) readAction(w http.ResponseWriter, r *http.Request, expected string, dst actionToken) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxActionBodySize))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return false
	}

	if err := a.verifyAction(r.Context(), strings.TrimSpace(string(body)), expected, dst); err != nil {
		slog.Warn("rejected keycloak admin action", "action", expected, "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// verifyAction checks the signature of an admin action token against the
// realm keys and validates its common fields.
func (a *Authenticator) verifyAction(ctx context.Context, raw, expected string, dst actionToken) error {
	jws, err := jose.ParseSigned(raw, actionAlgorithms)
	if err != nil {
		return fmt.Errorf("malformed action token: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return errors.New("action token must carry exactly one signature")
	}

	payload, err := a.provider.keySet.VerifySignature(ctx, raw)
	if err != nil {
		return fmt.Errorf("invalid action signature: %w", err)
	}

	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("failed to parse action: %w", err)
	}

	action := dst.common()
	if action.Action != expected {
		return fmt.Errorf("unexpected action %q", action.Action)
	}
	if action.Expiration != 0 && a.now().Unix() > action.Expiration {
		return errors.New("action expired")
	}
	if action.Resource != "" && action.Resource != a.provider.oauth2Config.ClientID {
		return fmt.Errorf("action addressed to resource %q", action.Resource)
	}
	return nil
}
