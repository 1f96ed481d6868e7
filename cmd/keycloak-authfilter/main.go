package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/al-bashkir/keycloak-authfilter/internal/config"
	"github.com/al-bashkir/keycloak-authfilter/internal/daemon"
	"github.com/al-bashkir/keycloak-authfilter/internal/ipc"
	"github.com/al-bashkir/keycloak-authfilter/internal/localauth"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configFile string
	logLevel   string
	logFormat  string
)

var logoutAll bool

const (
	ExitSuccess = 0
	ExitError   = 1
	ExitConfig  = 3
)

const defaultSocketPath = "/run/keycloak-authfilter/admin.sock"

var rootCmd = &cobra.Command{
	Use:   "keycloak-authfilter",
	Short: "Keycloak session-bound authentication filter",
	Long: `Authentication filter that binds Keycloak OIDC logons to local HTTP sessions.

Requests are authenticated with, in order of preference:
  - an existing session
  - a local ticket (ticket parameter or Basic ROLE_TICKET)
  - local Basic credentials
  - a Keycloak Bearer token or the authorization code flow

Keycloak back-channel logouts end the bound local sessions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authentication filter",
	Long: `Start the HTTP server with the authentication filter in front of the
protected routes, and the admin socket for session management.

This mode is typically run as a systemd service.`,
	RunE: runServe,
}

// overrideExitCode lets check-config pick the process exit code without
// calling os.Exit inside RunE. -1 keeps the default.
var overrideExitCode = -1

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file",
	Long: `Load the configuration file, apply KC_AUTHFILTER_* overrides and
validate it without contacting Keycloak. Exits with 3 if it is invalid.`,
	Args: cobra.NoArgs,
	RunE: runCheckConfig,
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash a password for the local users file",
	Long: `Read a password from standard input and print its bcrypt hash,
ready to be used as password_hash in the local users file.`,
	Args: cobra.NoArgs,
	RunE: runHashPassword,
}

var logoutCmd = &cobra.Command{
	Use:   "logout [session-id...]",
	Short: "Log Keycloak-bound sessions out",
	Long: `Ask the running daemon to log the given sessions out, or every
Keycloak-bound session with --all.`,
	RunE: runLogout,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session counts of the running daemon",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/keycloak-authfilter/config.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	logoutCmd.Flags().BoolVar(&logoutAll, "all", false, "Log every Keycloak-bound session out")

	rootCmd.AddCommand(serveCmd, versionCmd, checkConfigCmd, hashPasswordCmd, logoutCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	config.SetupLogging(&cfg.Log)

	slog.Info("starting keycloak authentication filter",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)
	slog.Debug("effective configuration", "config", cfg.Redact())

	d, err := daemon.New(cfg, version)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run()
}

func runVersion(cmd *cobra.Command, args []string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "keycloak-authfilter %s (commit %s, built %s, %s)\n",
		version, commit, buildDate, runtime.Version())
}

// runCheckConfig loads the configuration and prints what the daemon would
// run with. Invalid configurations exit with ExitConfig.
func runCheckConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", configFile, err)
		overrideExitCode = ExitConfig
		return nil
	}

	secret := "not set (public client)"
	if cfg.OIDC.ClientSecret != "" {
		secret = "set"
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: configuration is valid\n\n", configFile)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, row := range [][2]string{
		{"filter active", strconv.FormatBool(cfg.Filter.Active)},
		{"context path", cfg.Filter.ContextPath},
		{"ticket logon", strconv.FormatBool(cfg.Filter.AllowTicketLogon)},
		{"local basic logon", strconv.FormatBool(cfg.Filter.AllowLocalBasicLogon)},
		{"issuer", cfg.OIDC.Issuer},
		{"client", cfg.OIDC.ClientID},
		{"client secret", secret},
		{"redirect uri", orDefault(cfg.OIDC.RedirectURI, "derived from request")},
		{"scopes", strings.Join(cfg.OIDC.Scopes, " ")},
		{"bearer only", strconv.FormatBool(cfg.OIDC.BearerOnly)},
		{"session timeout", (time.Duration(cfg.Session.Timeout) * time.Second).String()},
		{"registry", cfg.Registry.Backend},
		{"http", cfg.Listen.HTTP},
		{"tls", strconv.FormatBool(cfg.TLS.Enabled)},
		{"admin socket", cfg.Listen.Socket},
		{"log", cfg.Log.Level + "/" + cfg.Log.Format},
	} {
		fmt.Fprintf(tw, "  %s\t%s\n", row[0], row[1])
	}
	return tw.Flush()
}

// runHashPassword prints the bcrypt hash of the password read from stdin
func runHashPassword(cmd *cobra.Command, args []string) error {
	password, err := readPassword(cmd.InOrStdin())
	if err != nil {
		return err
	}

	hash, err := localauth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
	return err
}

// readPassword reads the first line of r.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password")
	}
	return password, nil
}

// runLogout sends a logout request to the daemon
func runLogout(cmd *cobra.Command, args []string) error {
	if logoutAll == (len(args) > 0) {
		return errors.New("specify either --all or at least one session id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := ipc.NewClient(socketPath())

	var (
		resp *ipc.Response
		err  error
	)
	if logoutAll {
		resp, err = client.LogoutAll(ctx)
	} else {
		resp, err = client.LogoutSessions(ctx, args)
	}
	if err != nil {
		return err
	}
	if resp.Status != ipc.StatusOK {
		return fmt.Errorf("logout failed: %s", resp.Error)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Logged out %d session(s)\n", resp.Removed)
	return nil
}

// runStatus prints the daemon's session counts
func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := ipc.NewClient(socketPath()).Status(ctx)
	if err != nil {
		return err
	}
	if resp.Status != ipc.StatusOK {
		return fmt.Errorf("status failed: %s", resp.Error)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Sessions:          %d\n", resp.Sessions)
	fmt.Fprintf(out, "Keycloak sessions: %d\n", resp.BoundSessions)
	return nil
}

// socketPath returns the admin socket from the config file, falling back
// to the default path if the config cannot be loaded.
func socketPath() string {
	cfg, err := config.Load(configFile)
	if err != nil {
		return defaultSocketPath
	}
	return cfg.Listen.Socket
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
