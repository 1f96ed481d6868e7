package filter

import (
	"fmt"

	"github.com/al-bashkir/keycloak-authfilter/internal/credential"
	"github.com/al-bashkir/keycloak-authfilter/internal/logsanitize"
	"github.com/al-bashkir/keycloak-authfilter/internal/session"
)

// bindSuccess binds a Keycloak account to the request's session and
// registers the session for back-channel logout.
func (f *Filter) bindSuccess(ex *exchange, account *session.Account) error {
	ctx := ex.ctx()

	sess, err := ex.ensureSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	principal := &session.Principal{UserName: account.PreferredUsername}
	if err := ex.bind(sess, principal, account); err != nil {
		return fmt.Errorf("failed to bind account: %w", err)
	}

	// A missing registry entry only forces a new login on the next request.
	if err := f.registry.Add(ctx, sess.ID); err != nil {
		f.logger.ErrorContext(ctx, "failed to register keycloak session",
			"session_id", sess.ID,
			"error", err,
		)
	}

	f.logger.DebugContext(ctx, "keycloak account bound to session",
		"session_id", sess.ID,
		"user", logsanitize.MaskUsername(account.PreferredUsername),
	)
	f.listener.UserAuthenticated(ctx, credential.OIDCToken(account.AccessToken, account.PreferredUsername))
	return nil
}

// validateAndRefresh checks the tokens of a Keycloak session, refreshing
// them when needed. It reports whether the session is still valid.
func (f *Filter) validateAndRefresh(ex *exchange, sess *session.Session) bool {
	ctx := ex.ctx()
	id := sess.ID
	principal := sess.Principal
	account := sess.Account

	refreshed, err := f.auth.CheckCurrentToken(ctx, account)
	if err != nil {
		ex.invalidate()
		f.unregister(ctx, id)
		f.logger.DebugContext(ctx, "keycloak session invalidated after token expiration",
			"session_id", id,
			"user", logsanitize.MaskUsername(principal.UserName),
			"error", err,
		)
		return false
	}

	if refreshed != nil && refreshed != account {
		if err := ex.bind(sess, principal, refreshed); err != nil {
			f.logger.WarnContext(ctx, "failed to store refreshed account", "session_id", id, "error", err)
			return false
		}
		f.logger.DebugContext(ctx, "keycloak tokens refreshed", "session_id", id)
	}

	return true
}
