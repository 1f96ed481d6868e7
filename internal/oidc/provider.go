// Package oidc authenticates requests against a Keycloak realm: bearer
// tokens, the authorization code flow with PKCE, token refresh and the
// Keycloak adapter admin actions.
package oidc

import (
	"context"
	"fmt"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/al-bashkir/keycloak-authfilter/internal/config"
)

// Provider wraps the OIDC provider and OAuth2 configuration.
// It handles provider discovery, token exchange, and token verification.
type Provider struct {
	oidcProvider *oidc.Provider
	oauth2Config *oauth2.Config

	// verifier checks ID tokens, accessVerifier checks bearer access tokens
	verifier       *oidc.IDTokenVerifier
	accessVerifier *oidc.IDTokenVerifier

	// keySet verifies admin actions signed with the realm key
	keySet oidc.KeySet

	endSessionURL string
}

// providerMetadata holds the discovery fields go-oidc does not expose.
type providerMetadata struct {
	JWKSURL       string `json:"jwks_uri"`
	EndSessionURL string `json:"end_session_endpoint"`
}

// NewProvider creates a new OIDC provider using the specified configuration.
// It performs OIDC discovery via /.well-known/openid-configuration
// and sets up the OAuth2 configuration and token verifiers.
func NewProvider(ctx context.Context, cfg *config.OIDCConfig) (*Provider, error) {
	// Discover OIDC configuration from issuer
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	var meta providerMetadata
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("failed to read provider metadata: %w", err)
	}
	if meta.JWKSURL == "" {
		return nil, fmt.Errorf("provider metadata has no jwks_uri")
	}

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint:     provider.Endpoint(),
		Scopes:       cfg.Scopes,
	}

	// Keycloak access tokens are usually issued for the "account" audience,
	// so the client ID is only checked on ID tokens.
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	accessVerifier := provider.Verifier(&oidc.Config{SkipClientIDCheck: true})

	return &Provider{
		oidcProvider:   provider,
		oauth2Config:   oauth2Config,
		verifier:       verifier,
		accessVerifier: accessVerifier,
		keySet:         oidc.NewRemoteKeySet(context.WithoutCancel(ctx), meta.JWKSURL),
		endSessionURL:  meta.EndSessionURL,
	}, nil
}

// EndSessionURL returns the Keycloak logout URL for an ID token, or an empty
// string if the provider does not advertise one.
func (p *Provider) EndSessionURL(idTokenHint, postLogoutRedirectURI string) string {
	if p.endSessionURL == "" {
		return ""
	}

	u, err := url.Parse(p.endSessionURL)
	if err != nil {
		return ""
	}

	q := u.Query()
	q.Set("client_id", p.oauth2Config.ClientID)
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if postLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	}
	u.RawQuery = q.Encode()

	return u.String()
}
