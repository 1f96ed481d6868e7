package filter

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/al-bashkir/keycloak-authfilter/internal/credential"
	"github.com/al-bashkir/keycloak-authfilter/internal/logsanitize"
	"github.com/al-bashkir/keycloak-authfilter/internal/session"
)

// TicketUserID is the Basic user name that marks the password as a ticket.
const TicketUserID = "ROLE_TICKET"

// tryBasic authenticates a Basic authorization header against the local
// user store. It returns the authenticated user name on success.
func (f *Filter) tryBasic(ex *exchange, header string) (bool, string) {
	ctx := ex.ctx()

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len("basic "):]))
	if err != nil {
		f.listener.AuthenticationFailed(ctx, credential.Unknown(), fmt.Errorf("malformed basic authorization header: %w", err))
		return false, ""
	}

	userName, password, _ := strings.Cut(string(decoded), ":")

	var (
		cred      credential.Credential
		principal session.Principal
	)
	switch {
	case strings.EqualFold(userName, TicketUserID):
		if !f.opts.AllowTicketLogon {
			f.logger.DebugContext(ctx, "ticket logon through basic authorization is disabled")
			return false, ""
		}
		cred = credential.Ticket(password)
		principal, err = f.local.Validate(ctx, password)

	case f.opts.AllowLocalBasicLogon:
		cred = credential.Basic(userName, password)
		principal, err = f.local.Authenticate(ctx, userName, password)

	default:
		f.logger.DebugContext(ctx, "local basic logon is disabled")
		return false, ""
	}

	if err != nil {
		f.listener.AuthenticationFailed(ctx, cred, err)
		return false, ""
	}

	if err := f.bindLocal(ex, &principal); err != nil {
		f.logger.ErrorContext(ctx, "failed to bind local logon to session", "error", err)
		return false, ""
	}

	f.logger.DebugContext(ctx, "basic authentication succeeded",
		"user", logsanitize.MaskUsername(principal.UserName),
	)
	f.listener.UserAuthenticated(ctx, cred)
	return true, principal.UserName
}

// tryTicketParameter authenticates the ticket request parameter. A session
// already running on the same ticket is accepted without revalidation.
func (f *Filter) tryTicketParameter(ex *exchange) bool {
	ctx := ex.ctx()

	ticket := ex.param("ticket")
	if ticket == "" {
		return false
	}

	if user := ex.sessionUser(); user != nil {
		if user.Ticket == ticket {
			f.logger.DebugContext(ctx, "ticket parameter matches session ticket")
			return true
		}
		f.logger.DebugContext(ctx, "ticket parameter differs from session ticket, invalidating session")
		f.destroySession(ex)
	}

	cred := credential.Ticket(ticket)
	principal, err := f.local.Validate(ctx, ticket)
	if err != nil {
		f.listener.AuthenticationFailed(ctx, cred, err)
		return false
	}

	if err := f.bindLocal(ex, &principal); err != nil {
		f.logger.ErrorContext(ctx, "failed to bind ticket logon to session", "error", err)
		return false
	}

	f.listener.UserAuthenticated(ctx, cred)
	return true
}

// bindLocal binds a local logon to the request's session. A Keycloak account
// the session carried is dropped, and so is its registry entry.
func (f *Filter) bindLocal(ex *exchange, principal *session.Principal) error {
	sess, err := ex.ensureSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	replaced := sess.Account != nil
	if err := ex.bind(sess, principal, nil); err != nil {
		return err
	}
	if replaced {
		f.unregister(ex.ctx(), sess.ID)
		f.logger.DebugContext(ex.ctx(), "local logon replaced keycloak account", "session_id", sess.ID)
	}
	return nil
}
