package oidc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/al-bashkir/keycloak-authfilter/internal/logsanitize"
	"github.com/al-bashkir/keycloak-authfilter/internal/session"
)

// accessTokenClaims are copied from the access token when the ID token lacks
// them. Keycloak puts client and realm roles only in the access token.
var accessTokenClaims = []string{"resource_access", "realm_access", "groups", "iat"}

// CheckCurrentToken implements filter.Authenticator. Tokens expiring within
// the minimum time to live are refreshed.
func (a *Authenticator) CheckCurrentToken(ctx context.Context, account *session.Account) (*session.Account, error) {
	if a.issuedBeforeNotBefore(account) {
		return nil, ErrNotBefore
	}

	if !account.Expired(a.now(), a.opts.TokenMinimumTimeToLive) {
		return account, nil
	}
	if account.RefreshToken == "" {
		return nil, ErrTokenExpired
	}

	token, err := a.provider.Refresh(ctx, account.RefreshToken)
	if err != nil {
		return nil, err
	}

	refreshed, err := a.accountFromToken(ctx, token, account)
	if err != nil {
		return nil, err
	}
	if a.issuedBeforeNotBefore(refreshed) {
		return nil, ErrNotBefore
	}

	slog.Debug("tokens refreshed",
		"user", logsanitize.MaskUsername(refreshed.PreferredUsername),
		"expiry", refreshed.Expiry,
	)
	return refreshed, nil
}

// accountFromToken builds an account from a token endpoint response. Refresh
// responses without an ID token keep the identity of the previous account.
func (a *Authenticator) accountFromToken(ctx context.Context, token *oauth2.Token, previous *session.Account) (*session.Account, error) {
	claims := make(map[string]interface{})

	var subject string
	rawIDToken, _ := token.Extra("id_token").(string)
	switch {
	case rawIDToken != "":
		// Verify ID token (signature, issuer, audience, expiry)
		idToken, err := a.provider.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("failed to verify ID token: %w", err)
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("failed to parse claims: %w", err)
		}
		subject = idToken.Subject

	case previous != nil:
		rawIDToken = previous.IDToken
		subject = previous.Subject
		for k, v := range previous.Claims {
			claims[k] = v
		}
		for _, k := range accessTokenClaims {
			delete(claims, k)
		}

	default:
		return nil, errors.New("no id_token in token response")
	}

	mergeAccessTokenClaims(token.AccessToken, claims)

	username, err := claimString(claims, a.opts.UsernameClaim)
	if err != nil {
		return nil, fmt.Errorf("username claim '%s' not found: %w", a.opts.UsernameClaim, err)
	}

	refreshToken := token.RefreshToken
	if refreshToken == "" && previous != nil {
		refreshToken = previous.RefreshToken
	}

	return &session.Account{
		Subject:           subject,
		PreferredUsername: username,
		AccessToken:       token.AccessToken,
		RefreshToken:      refreshToken,
		IDToken:           rawIDToken,
		Expiry:            token.Expiry,
		IssuedAt:          issuedAt(token.AccessToken),
		Claims:            claims,
	}, nil
}

// accountFromBearer builds a stateless account from a verified access token.
func (a *Authenticator) accountFromBearer(token *oidc.IDToken, raw string) (*session.Account, error) {
	claims := make(map[string]interface{})
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}

	username, err := claimString(claims, a.opts.UsernameClaim)
	if err != nil {
		return nil, fmt.Errorf("username claim '%s' not found: %w", a.opts.UsernameClaim, err)
	}

	return &session.Account{
		Subject:           token.Subject,
		PreferredUsername: username,
		AccessToken:       raw,
		Expiry:            token.Expiry,
		IssuedAt:          token.IssuedAt,
		Claims:            claims,
	}, nil
}

// issuedAt returns the iat claim of a JWT access token, or the zero time.
func issuedAt(accessToken string) time.Time {
	claims, err := decodeJWTPayload(accessToken)
	if err != nil {
		return time.Time{}
	}
	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return time.Time{}
	}
	return iat.Time
}
