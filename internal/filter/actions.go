package filter

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// actionPattern matches Keycloak adapter action paths such as /keycloak/k_logout,
// optionally below the legacy /wcs or /wcservice prefixes.
var actionPattern = regexp.MustCompile(`^(?:/wcs(?:ervice)?)?/keycloak/k_[^/]+$`)

func isActionPath(path string) bool {
	return actionPattern.MatchString(path)
}

// SessionManagement returns the session management used by Keycloak admin
// actions and the admin socket.
func (f *Filter) SessionManagement() SessionManagement {
	return registryManagement{f: f}
}

type registryManagement struct {
	f *Filter
}

// LogoutAll forgets every Keycloak session. Local sessions are destroyed on
// their next request by the back-channel check.
func (m registryManagement) LogoutAll(ctx context.Context) error {
	if err := m.f.registry.Clear(ctx); err != nil {
		return err
	}
	m.f.logger.InfoContext(ctx, "all keycloak sessions logged out")
	return nil
}

// LogoutSessions ends the given sessions. A registry failure for one id does
// not stop the others; all failures are returned together.
func (m registryManagement) LogoutSessions(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		m.f.sessions.Invalidate(id)
		if err := m.f.registry.Remove(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			continue
		}
		m.f.logger.InfoContext(ctx, "keycloak session logged out", "session_id", id)
	}
	return errors.Join(errs...)
}
