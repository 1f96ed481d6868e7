package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/al-bashkir/keycloak-authfilter/internal/ipc"
)

func writeTestConfig(t *testing.T, path string, socketPath string) {
	t.Helper()

	data := fmt.Sprintf(`listen:
  http: "127.0.0.1:0"
  socket: %q
oidc:
  issuer: "https://keycloak.example.com/realms/test"
  client_id: "alfresco"
  scopes:
    - openid
session:
  timeout: 300
log:
  level: "info"
  format: "json"
`, socketPath)

	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

// useConfig points the global --config flag at a fresh test config.
func useConfig(t *testing.T, socketPath string) {
	t.Helper()

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeTestConfig(t, cfgPath, socketPath)

	oldCfg := configFile
	t.Cleanup(func() { configFile = oldCfg })
	configFile = cfgPath
}

// testCommand returns a command writing to a buffer and reading from stdin.
func testCommand(stdin string) (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(stdin))
	return cmd, &out
}

// fakeAdmin is a daemon-side admin handler with three bound sessions.
type fakeAdmin struct {
	all bool
	ids []string
}

func (h *fakeAdmin) Logout(_ context.Context, all bool, ids []string) (int, error) {
	h.all = all
	h.ids = ids
	if all {
		return 3, nil
	}
	return len(ids), nil
}

func (h *fakeAdmin) Status(context.Context) (int, int, error) {
	return 5, 3, nil
}

func startAdminSocket(t *testing.T, handler ipc.Handler) string {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "admin.sock")
	server := ipc.NewServer(socketPath, handler)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("failed to start IPC server: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("server.Stop failed: %v", err)
		}
	})
	return socketPath
}

func TestRunCheckConfig_Valid(t *testing.T) {
	useConfig(t, filepath.Join(t.TempDir(), "admin.sock"))

	oldExit := overrideExitCode
	t.Cleanup(func() { overrideExitCode = oldExit })
	overrideExitCode = -1

	cmd, out := testCommand("")
	if err := runCheckConfig(cmd, nil); err != nil {
		t.Fatalf("runCheckConfig failed: %v", err)
	}
	if overrideExitCode != -1 {
		t.Fatalf("overrideExitCode = %d, want -1 (unset)", overrideExitCode)
	}
	for _, want := range []string{"configuration is valid", "https://keycloak.example.com/realms/test", "5m0s", "public client"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("summary lacks %q:\n%s", want, out.String())
		}
	}
}

func TestRunCheckConfig_Invalid(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")

	// Missing required oidc.issuer
	data := `listen:
  http: "127.0.0.1:0"
  socket: "/tmp/test.sock"
oidc:
  client_id: "alfresco"
  scopes:
    - openid
log:
  level: "info"
  format: "json"
`
	if err := os.WriteFile(cfgPath, []byte(data), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	oldCfg := configFile
	oldExit := overrideExitCode
	t.Cleanup(func() {
		configFile = oldCfg
		overrideExitCode = oldExit
	})
	configFile = cfgPath
	overrideExitCode = -1

	cmd, _ := testCommand("")
	var stderr bytes.Buffer
	cmd.SetErr(&stderr)
	if err := runCheckConfig(cmd, nil); err != nil {
		t.Fatalf("runCheckConfig returned unexpected error: %v", err)
	}
	if !strings.Contains(stderr.String(), "oidc.issuer is required") {
		t.Errorf("stderr = %q", stderr.String())
	}
	if overrideExitCode != ExitConfig {
		t.Fatalf("overrideExitCode = %d, want %d (ExitConfig)", overrideExitCode, ExitConfig)
	}
}

func TestRunServe_ConfigLoadFailure(t *testing.T) {
	old := configFile
	t.Cleanup(func() { configFile = old })
	configFile = filepath.Join(t.TempDir(), "does-not-exist.yaml")

	if err := runServe(nil, nil); err == nil {
		t.Fatal("expected runServe to fail, got nil")
	}
}

func TestRunVersion(t *testing.T) {
	oldVersion, oldCommit, oldBuildDate := version, commit, buildDate
	t.Cleanup(func() {
		version, commit, buildDate = oldVersion, oldCommit, oldBuildDate
	})

	version = "1.2.3"
	commit = "deadbeef"
	buildDate = "2026-02-17"

	cmd, out := testCommand("")
	runVersion(cmd, nil)

	if !strings.HasPrefix(out.String(), "keycloak-authfilter 1.2.3 (commit deadbeef, built 2026-02-17, go") {
		t.Errorf("version output = %q", out.String())
	}
}

func TestRunHashPassword(t *testing.T) {
	cmd, out := testCommand("s3cret\n")

	if err := runHashPassword(cmd, nil); err != nil {
		t.Fatalf("runHashPassword failed: %v", err)
	}

	hash := strings.TrimSpace(out.String())
	if !strings.HasPrefix(hash, "$2") {
		t.Errorf("expected a bcrypt hash, got %q", hash)
	}

	cmd, _ = testCommand("\n")
	if err := runHashPassword(cmd, nil); err == nil {
		t.Error("expected error for an empty password")
	}
}

func TestReadPassword(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "newline", input: "secret\n", want: "secret"},
		{name: "crlf", input: "secret\r\n", want: "secret"},
		{name: "no newline", input: "secret", want: "secret"},
		{name: "only first line", input: "one\ntwo\n", want: "one"},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readPassword(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("readPassword() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("readPassword() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunLogout(t *testing.T) {
	handler := &fakeAdmin{}
	useConfig(t, startAdminSocket(t, handler))

	oldAll := logoutAll
	t.Cleanup(func() { logoutAll = oldAll })

	t.Run("sessions", func(t *testing.T) {
		logoutAll = false
		cmd, out := testCommand("")

		if err := runLogout(cmd, []string{"s1", "s2"}); err != nil {
			t.Fatalf("runLogout failed: %v", err)
		}
		if handler.all || len(handler.ids) != 2 {
			t.Errorf("handler saw all=%v ids=%v", handler.all, handler.ids)
		}
		if !strings.Contains(out.String(), "Logged out 2 session(s)") {
			t.Errorf("unexpected output %q", out.String())
		}
	})

	t.Run("all", func(t *testing.T) {
		logoutAll = true
		cmd, out := testCommand("")

		if err := runLogout(cmd, nil); err != nil {
			t.Fatalf("runLogout failed: %v", err)
		}
		if !handler.all {
			t.Error("handler was not asked to log out all sessions")
		}
		if !strings.Contains(out.String(), "Logged out 3 session(s)") {
			t.Errorf("unexpected output %q", out.String())
		}
	})

	t.Run("usage", func(t *testing.T) {
		logoutAll = false
		cmd, _ := testCommand("")
		if err := runLogout(cmd, nil); err == nil {
			t.Error("expected error without --all or session ids")
		}

		logoutAll = true
		if err := runLogout(cmd, []string{"s1"}); err == nil {
			t.Error("expected error for --all with session ids")
		}
	})
}

func TestRunStatus(t *testing.T) {
	useConfig(t, startAdminSocket(t, &fakeAdmin{}))

	cmd, out := testCommand("")
	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("runStatus failed: %v", err)
	}
	if !strings.Contains(out.String(), "Sessions:          5") || !strings.Contains(out.String(), "Keycloak sessions: 3") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestRunStatus_DaemonNotRunning(t *testing.T) {
	useConfig(t, filepath.Join(t.TempDir(), "missing.sock"))

	cmd, _ := testCommand("")
	if err := runStatus(cmd, nil); err == nil {
		t.Error("expected error when the daemon is not running")
	}
}
