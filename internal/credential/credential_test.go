package credential

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestMasked(t *testing.T) {
	tests := []struct {
		name string
		cred Credential
		want string
	}{
		{"basic", Basic("administrator", "secret"), "ad******"},
		{"oidc", OIDCToken("a.b.c", "alice"), "al******"},
		{"ticket", Ticket("TICKET_123"), "ticket"},
		{"unknown", Unknown(), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cred.Masked(); got != tt.want {
				t.Errorf("Masked() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLogListener_NeverLogsSecrets(t *testing.T) {
	var buf bytes.Buffer
	listener := NewLogListener(slog.New(slog.NewTextHandler(&buf, nil)))
	ctx := context.Background()

	listener.UserAuthenticated(ctx, Basic("administrator", "hunter2"))
	listener.AuthenticationFailed(ctx, Ticket("TICKET_secret"), errors.New("bad ticket"))
	listener.UserAuthenticated(ctx, OIDCToken("eyJhbGciOi.payload.sig", "alice"))

	out := buf.String()
	for _, secret := range []string{"hunter2", "TICKET_secret", "eyJhbGciOi", "administrator"} {
		if strings.Contains(out, secret) {
			t.Errorf("log output leaks %q:\n%s", secret, out)
		}
	}
	if !strings.Contains(out, "credential=basic") || !strings.Contains(out, "credential=ticket") {
		t.Errorf("log output misses credential kinds:\n%s", out)
	}
}
