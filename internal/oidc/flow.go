package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// AuthFlowData is one pending login: what the callback needs to finish it
// and where to send the browser to start it.
type AuthFlowData struct {
	// State ties the callback to this login and doubles as the state cookie value
	State string

	// CodeVerifier is the PKCE secret presented on code exchange
	CodeVerifier string

	RedirectURI string
	AuthURL     string
}

// StartAuthFlow prepares a Keycloak login with PKCE (S256).
func (p *Provider) StartAuthFlow(redirectURI string) (*AuthFlowData, error) {
	state, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	verifier := oauth2.GenerateVerifier()
	cfg := p.configFor(redirectURI)

	return &AuthFlowData{
		State:        state.String(),
		CodeVerifier: verifier,
		RedirectURI:  cfg.RedirectURL,
		AuthURL:      cfg.AuthCodeURL(state.String(), oauth2.S256ChallengeOption(verifier)),
	}, nil
}

// ExchangeCode redeems an authorization code. The local session id travels
// as client_session_state so Keycloak can name it in back-channel logouts.
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI, sessionID string) (*oauth2.Token, error) {
	opts := []oauth2.AuthCodeOption{
		oauth2.VerifierOption(codeVerifier),
		oauth2.SetAuthURLParam("client_session_state", sessionID),
	}
	if host, err := os.Hostname(); err == nil {
		opts = append(opts, oauth2.SetAuthURLParam("client_session_host", host))
	}

	token, err := p.configFor(redirectURI).Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return token, nil
}

// Refresh runs the refresh_token grant.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	stale := &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	}

	token, err := p.oauth2Config.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return token, nil
}

// configFor copies the client configuration for one login. A redirect URI
// from the configuration file wins over the one derived from the request.
func (p *Provider) configFor(redirectURI string) *oauth2.Config {
	cfg := *p.oauth2Config
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = redirectURI
	}
	return &cfg
}

// mergeAccessTokenClaims fills role claims missing from dst with the ones
// carried by the access token. Opaque access tokens are ignored.
func mergeAccessTokenClaims(accessToken string, dst map[string]interface{}) {
	if accessToken == "" {
		return
	}

	atClaims, err := decodeJWTPayload(accessToken)
	if err != nil {
		slog.Debug("access token is not a JWT", "error", err)
		return
	}

	for _, key := range accessTokenClaims {
		if _, ok := dst[key]; ok {
			continue
		}
		if val, ok := atClaims[key]; ok {
			dst[key] = val
		}
	}
}

// decodeJWTPayload returns the claims of a JWT without checking its
// signature. Callers only pass tokens received from the token endpoint.
func decodeJWTPayload(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}
	return claims, nil
}
