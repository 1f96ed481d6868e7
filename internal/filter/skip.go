package filter

// decide reports whether the request can skip Keycloak authentication.
func (f *Filter) decide(ex *exchange) bool {
	ctx := ex.ctx()

	if f.opts.Active {
		f.checkBackChannelLogout(ex)
	}

	switch {
	case !f.opts.Active:
		f.logger.DebugContext(ctx, "filter inactive, skipping")
		return true

	case noAuthRequired(ctx):
		return true

	case isActionPath(ex.path()):
		f.logger.DebugContext(ctx, "keycloak action request", "path", ex.path())
		return false
	}

	if ex.hasParam("state") && ex.hasParam("code") && f.hasStateCookie(ex.r) {
		f.logger.DebugContext(ctx, "keycloak authorization code callback")
		return false
	}

	header := ex.authHeader()
	switch {
	case hasScheme(header, "bearer"):
		f.logger.DebugContext(ctx, "bearer authorization header present")
		return false
	case hasScheme(header, "basic"):
		f.logger.DebugContext(ctx, "basic authorization header present")
		return false
	case header != "":
		f.logger.DebugContext(ctx, "unsupported authorization scheme, passing through")
		return true
	}

	if f.opts.AllowTicketLogon && f.tryTicketParameter(ex) {
		return true
	}

	if user := ex.sessionUser(); user != nil {
		sess := ex.session()
		if sess.Account != nil {
			return f.validateAndRefresh(ex, sess)
		}
		f.logger.DebugContext(ctx, "session already authenticated locally", "session_id", sess.ID)
		return true
	}

	return false
}

// checkBackChannelLogout destroys an OIDC-bound session whose id is no
// longer registered, which happens after a Keycloak back-channel logout
// handled by another request or node.
func (f *Filter) checkBackChannelLogout(ex *exchange) {
	if ex.sessionUser() == nil {
		return
	}
	sess := ex.session()
	if sess.Account == nil {
		return
	}

	ctx := ex.ctx()
	ok, err := f.registry.Has(ctx, sess.ID)
	if err != nil {
		f.logger.WarnContext(ctx, "session registry lookup failed, keeping session",
			"session_id", sess.ID,
			"error", err,
		)
		return
	}
	if !ok {
		f.logger.DebugContext(ctx, "session was logged out through keycloak back-channel, invalidating",
			"session_id", sess.ID,
		)
		ex.invalidate()
	}
}
