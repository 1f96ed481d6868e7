package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Filter    FilterConfig    `yaml:"filter"`
	OIDC      OIDCConfig      `yaml:"oidc"`
	Session   SessionConfig   `yaml:"session"`
	Registry  RegistryConfig  `yaml:"registry"`
	LocalAuth LocalAuthConfig `yaml:"local_auth"`
	TLS       TLSConfig       `yaml:"tls"`
	Log       LogConfig       `yaml:"log"`
}

// ListenConfig defines where the daemon listens for requests
type ListenConfig struct {
	HTTP   string `yaml:"http"`   // HTTP server address (e.g., ":8080")
	Socket string `yaml:"socket"` // Unix socket path for the admin control socket
}

// FilterConfig holds the switches of the authentication filter itself
type FilterConfig struct {
	Active               bool   `yaml:"active"`                  // Master enable
	AllowTicketLogon     bool   `yaml:"allow_ticket_logon"`      // Honor ticket query parameters and ROLE_TICKET Basic auth
	AllowLocalBasicLogon bool   `yaml:"allow_local_basic_logon"` // Honor Basic auth against the local user store
	LoginPageURL         string `yaml:"login_page_url"`          // Reserved, not evaluated
	BodyBufferLimit      int    `yaml:"body_buffer_limit"`       // Max form body bytes buffered for parameter reads
	SSLRedirectPort      int    `yaml:"ssl_redirect_port"`       // Port used for absolute HTTPS redirect URIs
	ContextPath          string `yaml:"context_path"`            // Application context path
}

// OIDCConfig defines OIDC/OAuth2 settings for Keycloak
type OIDCConfig struct {
	Issuer                 string   `yaml:"issuer"`                     // Keycloak realm URL
	ClientID               string   `yaml:"client_id"`                  // OIDC client ID
	ClientSecret           string   `yaml:"client_secret"`              // OIDC client secret (empty for public clients)
	RedirectURI            string   `yaml:"redirect_uri"`               // Callback URL; derived from the request when empty
	Scopes                 []string `yaml:"scopes"`                     // OIDC scopes
	UsernameClaim          string   `yaml:"username_claim"`             // Claim to use as principal name
	StateCookieName        string   `yaml:"state_cookie_name"`          // Name of the OAuth2 state cookie
	SSLRequired            bool     `yaml:"ssl_required"`               // Force HTTPS redirect URIs and secure cookies
	TokenMinimumTimeToLive int      `yaml:"token_minimum_time_to_live"` // Refresh tokens expiring within this many seconds
	BearerOnly             bool     `yaml:"bearer_only"`                // Never redirect to the login page
}

// SessionConfig defines the local HTTP session layer
type SessionConfig struct {
	CookieName  string `yaml:"cookie_name"`
	Timeout     int    `yaml:"timeout"`      // Idle timeout in seconds
	MaxSessions int    `yaml:"max_sessions"` // Upper bound of tracked sessions
}

// RegistryConfig selects the session registry backend
type RegistryConfig struct {
	Backend string      `yaml:"backend"` // memory or redis
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig defines the connection to a shared Redis registry
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// LocalAuthConfig defines the local user store used for Basic and ticket logons
type LocalAuthConfig struct {
	UsersFile     string `yaml:"users_file"`
	TicketTimeout int    `yaml:"ticket_timeout"` // Ticket lifetime in seconds
}

// TLSConfig defines TLS settings for the HTTP server
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads a YAML configuration file on top of DefaultConfig, applies
// KC_AUTHFILTER_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			HTTP:   ":8080",
			Socket: "/run/keycloak-authfilter/admin.sock",
		},
		Filter: FilterConfig{
			Active:          true,
			BodyBufferLimit: 32 * 1024, // 32 KiB
			SSLRedirectPort: 8443,      // Tomcat default HTTPS connector
			ContextPath:     "/",
		},
		OIDC: OIDCConfig{
			Scopes:                 []string{"openid", "profile", "email"},
			UsernameClaim:          "preferred_username",
			StateCookieName:        "OAuth_Token_Request_State",
			TokenMinimumTimeToLive: 10,
		},
		Session: SessionConfig{
			CookieName:  "KCSESSIONID",
			Timeout:     1800, // 30 minutes
			MaxSessions: 10000,
		},
		Registry: RegistryConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Key: "keycloak-authfilter:sessions",
			},
		},
		LocalAuth: LocalAuthConfig{
			TicketTimeout: 3600,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// envOverrides maps KC_AUTHFILTER_* variables to the string settings they replace.
func (c *Config) envOverrides() map[string]*string {
	return map[string]*string{
		"KC_AUTHFILTER_OIDC_ISSUER":        &c.OIDC.Issuer,
		"KC_AUTHFILTER_OIDC_CLIENT_ID":     &c.OIDC.ClientID,
		"KC_AUTHFILTER_OIDC_CLIENT_SECRET": &c.OIDC.ClientSecret,
		"KC_AUTHFILTER_OIDC_REDIRECT_URI":  &c.OIDC.RedirectURI,
		"KC_AUTHFILTER_REDIS_ADDR":         &c.Registry.Redis.Addr,
		"KC_AUTHFILTER_REDIS_PASSWORD":     &c.Registry.Redis.Password,
		"KC_AUTHFILTER_LOG_LEVEL":          &c.Log.Level,
		"KC_AUTHFILTER_LOG_FORMAT":         &c.Log.Format,
		"KC_AUTHFILTER_LISTEN_HTTP":        &c.Listen.HTTP,
		"KC_AUTHFILTER_LISTEN_SOCKET":      &c.Listen.Socket,
	}
}

// applyEnvOverrides lets the environment win over the file. Empty variables
// and unparsable booleans are ignored.
func (c *Config) applyEnvOverrides() {
	for name, dst := range c.envOverrides() {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("KC_AUTHFILTER_ACTIVE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Filter.Active = b
		}
	}
}

// isHTTPURL reports whether s is an absolute http or https URL.
func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Validate checks that the configuration is usable. It returns the first problem found.
func (c *Config) Validate() error {
	for _, check := range []func() error{
		c.validateOIDC,
		c.validateFilter,
		c.validateSessions,
		c.validateTLS,
		c.validateLog,
	} {
		if err := check(); err != nil {
			return err
		}
	}

	if c.Listen.HTTP == "" {
		return errors.New("listen.http is required")
	}
	if c.Listen.Socket == "" {
		return errors.New("listen.socket is required")
	}
	return nil
}

func (c *Config) validateOIDC() error {
	switch {
	case c.OIDC.Issuer == "":
		return errors.New("oidc.issuer is required")
	case !isHTTPURL(c.OIDC.Issuer):
		return errors.New("oidc.issuer must be a valid HTTP(S) URL")
	case c.OIDC.ClientID == "":
		return errors.New("oidc.client_id is required")
	case c.OIDC.RedirectURI != "" && !isHTTPURL(c.OIDC.RedirectURI):
		return errors.New("oidc.redirect_uri must be a valid HTTP(S) URL")
	case !slices.Contains(c.OIDC.Scopes, "openid"):
		return errors.New("oidc.scopes must include 'openid'")
	case c.OIDC.UsernameClaim == "":
		return errors.New("oidc.username_claim is required")
	case c.OIDC.StateCookieName == "":
		return errors.New("oidc.state_cookie_name is required")
	case c.OIDC.TokenMinimumTimeToLive < 0:
		return errors.New("oidc.token_minimum_time_to_live must not be negative")
	}
	return nil
}

func (c *Config) validateFilter() error {
	switch {
	case c.Filter.BodyBufferLimit < 0:
		return errors.New("filter.body_buffer_limit must not be negative")
	case c.Filter.SSLRedirectPort <= 0 || c.Filter.SSLRedirectPort > 65535:
		return errors.New("filter.ssl_redirect_port must be a valid port")
	case !strings.HasPrefix(c.Filter.ContextPath, "/"):
		return errors.New("filter.context_path must start with '/'")
	case (c.Filter.AllowLocalBasicLogon || c.Filter.AllowTicketLogon) && c.LocalAuth.UsersFile == "":
		return errors.New("local_auth.users_file is required when ticket or local Basic logon is allowed")
	case c.LocalAuth.TicketTimeout <= 0:
		return errors.New("local_auth.ticket_timeout must be positive")
	}
	return nil
}

// validateSessions covers the local session store and the registry.
func (c *Config) validateSessions() error {
	switch {
	case c.Session.CookieName == "":
		return errors.New("session.cookie_name is required")
	case c.Session.CookieName == c.OIDC.StateCookieName:
		return errors.New("session.cookie_name must differ from oidc.state_cookie_name")
	case c.Session.Timeout <= 0:
		return errors.New("session.timeout must be positive")
	case c.Session.MaxSessions <= 0:
		return errors.New("session.max_sessions must be positive")
	}

	switch c.Registry.Backend {
	case "memory":
		return nil
	case "redis":
		if c.Registry.Redis.Addr == "" {
			return errors.New("registry.redis.addr is required for the redis backend")
		}
		if c.Registry.Redis.Key == "" {
			return errors.New("registry.redis.key is required for the redis backend")
		}
		return nil
	default:
		return errors.New("registry.backend must be one of: memory, redis")
	}
}

func (c *Config) validateTLS() error {
	if !c.TLS.Enabled {
		return nil
	}
	if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
		return errors.New("tls.cert_file and tls.key_file are required when TLS is enabled")
	}
	if _, err := os.Stat(c.TLS.CertFile); err != nil {
		return fmt.Errorf("tls.cert_file not found: %w", err)
	}
	if _, err := os.Stat(c.TLS.KeyFile); err != nil {
		return fmt.Errorf("tls.key_file not found: %w", err)
	}
	return nil
}

func (c *Config) validateLog() error {
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		return errors.New("log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return errors.New("log.format must be one of: json, text")
	}
	return nil
}

// SetupLogging installs the process-wide slog logger on stderr.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a copy of the config that is safe to log.
func (c *Config) Redact() *Config {
	redacted := *c
	redacted.OIDC.Scopes = slices.Clone(c.OIDC.Scopes)
	if redacted.OIDC.ClientSecret != "" {
		redacted.OIDC.ClientSecret = "[REDACTED]"
	}
	if redacted.Registry.Redis.Password != "" {
		redacted.Registry.Redis.Password = "[REDACTED]"
	}
	return &redacted
}
