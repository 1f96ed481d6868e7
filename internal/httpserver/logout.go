package httpserver

import (
	"log/slog"
	"net/http"
)

// handleLogout ends the local session. Keycloak-bound sessions are sent on
// to the identity provider so the SSO session ends too.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	account := s.deps.Filter.Logout(w, r)

	if account != nil && account.IDToken != "" && s.deps.EndSession != nil {
		if target := s.deps.EndSession.EndSessionURL(account.IDToken, ""); target != "" {
			slog.Debug("redirecting to identity provider logout")
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
	}

	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}
