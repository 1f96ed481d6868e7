package httpserver

import (
	"net/http"
	"time"

	"github.com/al-bashkir/keycloak-authfilter/internal/filter"
	"github.com/al-bashkir/keycloak-authfilter/internal/oidc"
)

// WhoamiResponse describes the caller of a request that passed the filter.
type WhoamiResponse struct {
	UserName  string `json:"user_name"`
	SessionID string `json:"session_id,omitempty"`
	Stateless bool   `json:"stateless"`

	// Ticket is the local ticket of a Basic or ticket logon. It can be
	// passed back as the ticket parameter or a ROLE_TICKET Basic password.
	Ticket string `json:"ticket,omitempty"`

	Subject     string     `json:"subject,omitempty"`
	Roles       []string   `json:"roles,omitempty"`
	ClientRoles []string   `json:"client_roles,omitempty"`
	Expiry      *time.Time `json:"expiry,omitempty"`
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	id, ok := filter.IdentityFromContext(r.Context())
	if !ok {
		// The filter is inactive or let the request through unauthenticated.
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		return
	}

	resp := WhoamiResponse{
		UserName:  id.UserName,
		SessionID: id.SessionID,
		Stateless: id.SessionID == "",
		Ticket:    id.Ticket,
	}
	if a := id.Account; a != nil {
		resp.Subject = a.Subject
		resp.Roles = oidc.ClaimRoles(a.Claims, "realm_access.roles")
		resp.ClientRoles = oidc.ClientRoles(a.Claims, s.cfg.OIDC.ClientID)
		if !a.Expiry.IsZero() {
			expiry := a.Expiry
			resp.Expiry = &expiry
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
