// Package daemon wires the authentication filter and its collaborators into
// a running service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/al-bashkir/keycloak-authfilter/internal/config"
	"github.com/al-bashkir/keycloak-authfilter/internal/credential"
	"github.com/al-bashkir/keycloak-authfilter/internal/filter"
	"github.com/al-bashkir/keycloak-authfilter/internal/httpserver"
	"github.com/al-bashkir/keycloak-authfilter/internal/ipc"
	"github.com/al-bashkir/keycloak-authfilter/internal/localauth"
	"github.com/al-bashkir/keycloak-authfilter/internal/oidc"
	"github.com/al-bashkir/keycloak-authfilter/internal/registry"
	"github.com/al-bashkir/keycloak-authfilter/internal/session"
)

var _ filter.TicketInvalidator = (*localauth.Service)(nil)

// Daemon represents the main daemon process that coordinates all components.
type Daemon struct {
	cfg          *config.Config
	oidcProvider *oidc.Provider
	sessions     *session.Store
	registry     registry.Registry
	filter       *filter.Filter
	httpServer   *httpserver.Server
	ipcServer    *ipc.Server

	// closeRegistry releases the registry backend connection, if any
	closeRegistry func() error
}

// New creates a new daemon with all components initialized.
func New(cfg *config.Config, version string) (*Daemon, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Initialize OIDC provider
	oidcProvider, err := oidc.NewProvider(ctx, &cfg.OIDC)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OIDC provider: %w", err)
	}

	slog.Info("OIDC provider initialized",
		"issuer", cfg.OIDC.Issuer,
		"client_id", cfg.OIDC.ClientID,
	)

	// Initialize session registry
	reg, closeRegistry, err := newRegistry(ctx, &cfg.Registry)
	if err != nil {
		return nil, err
	}

	slog.Info("session registry initialized", "backend", cfg.Registry.Backend)

	d, err := build(cfg, version, oidcProvider, reg)
	if err != nil {
		if cerr := closeRegistry(); cerr != nil {
			slog.Warn("failed to close session registry", "error", cerr)
		}
		return nil, err
	}
	d.closeRegistry = closeRegistry

	return d, nil
}

// build assembles the request path on top of a provider and a registry.
func build(cfg *config.Config, version string, oidcProvider *oidc.Provider, reg registry.Registry) (*Daemon, error) {
	secureCookies := cfg.TLS.Enabled || cfg.OIDC.SSLRequired

	sessions := session.NewStore(session.Options{
		CookieName:  cfg.Session.CookieName,
		Path:        cfg.Filter.ContextPath,
		Timeout:     time.Duration(cfg.Session.Timeout) * time.Second,
		MaxSessions: cfg.Session.MaxSessions,
		Secure:      secureCookies,
		OnEvict:     unregisterEvicted(reg),
	})

	slog.Info("session store initialized",
		"timeout", time.Duration(cfg.Session.Timeout)*time.Second,
		"max_sessions", cfg.Session.MaxSessions,
	)

	stateCookie := filter.StateCookie{
		Name:     cfg.OIDC.StateCookieName,
		Secure:   secureCookies,
		HttpOnly: true,
	}

	authenticator := oidc.NewAuthenticator(oidcProvider, oidc.Options{
		UsernameClaim:          cfg.OIDC.UsernameClaim,
		StateCookie:            stateCookie,
		ContextPath:            cfg.Filter.ContextPath,
		SSLRequired:            cfg.OIDC.SSLRequired,
		SSLRedirectPort:        cfg.Filter.SSLRedirectPort,
		TokenMinimumTimeToLive: time.Duration(cfg.OIDC.TokenMinimumTimeToLive) * time.Second,
		BearerOnly:             cfg.OIDC.BearerOnly,
		Realm:                  realmName(cfg.OIDC.Issuer),
	})

	deps := filter.Dependencies{
		Authenticator: authenticator,
		Listener:      credential.NewLogListener(slog.Default()),
		Sessions:      sessions,
		Registry:      reg,
		Logger:        slog.Default().With("component", "filter"),
	}

	if cfg.LocalAuth.UsersFile != "" {
		local, err := localauth.Load(cfg.LocalAuth.UsersFile, time.Duration(cfg.LocalAuth.TicketTimeout)*time.Second)
		if err != nil {
			return nil, fmt.Errorf("failed to load local users: %w", err)
		}
		deps.LocalAuth = local

		slog.Info("local authentication initialized", "users_file", cfg.LocalAuth.UsersFile)
	}

	f, err := filter.New(deps, filter.Options{
		Active:               cfg.Filter.Active,
		AllowTicketLogon:     cfg.Filter.AllowTicketLogon,
		AllowLocalBasicLogon: cfg.Filter.AllowLocalBasicLogon,
		BodyBufferLimit:      cfg.Filter.BodyBufferLimit,
		ContextPath:          cfg.Filter.ContextPath,
		StateCookie:          stateCookie,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize authentication filter: %w", err)
	}

	slog.Info("authentication filter initialized",
		"active", cfg.Filter.Active,
		"ticket_logon", cfg.Filter.AllowTicketLogon,
		"basic_logon", cfg.Filter.AllowLocalBasicLogon,
	)

	// Initialize HTTP server
	httpServer, err := httpserver.NewServer(cfg, httpserver.Deps{
		Filter:     f,
		EndSession: oidcProvider,
		Sessions:   sessions,
		Registry:   reg,
		Version:    version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	slog.Info("HTTP server initialized",
		"listen", cfg.Listen.HTTP,
		"tls", cfg.TLS.Enabled,
	)

	// Initialize IPC server with the admin handler
	ipcServer := ipc.NewServer(cfg.Listen.Socket, &adminHandler{
		mgmt:     f.SessionManagement(),
		sessions: sessions,
		registry: reg,
	})

	slog.Info("IPC server initialized",
		"socket", cfg.Listen.Socket,
	)

	return &Daemon{
		cfg:           cfg,
		oidcProvider:  oidcProvider,
		sessions:      sessions,
		registry:      reg,
		filter:        f,
		httpServer:    httpServer,
		ipcServer:     ipcServer,
		closeRegistry: func() error { return nil },
	}, nil
}

// registryTimeout bounds a registry update made outside a request.
const registryTimeout = 5 * time.Second

// unregisterEvicted drops Keycloak sessions from the registry once the
// session store lets go of them. The store is locked while the hook runs,
// so the registry is updated in the background.
func unregisterEvicted(reg registry.Registry) func(session.Session) {
	return func(sess session.Session) {
		if sess.Account == nil {
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
			defer cancel()

			if err := reg.Remove(ctx, sess.ID); err != nil {
				slog.Warn("failed to unregister evicted session",
					"session_id", sess.ID,
					"error", err,
				)
			}
		}()
	}
}

// newRegistry opens the configured registry backend.
func newRegistry(ctx context.Context, cfg *config.RegistryConfig) (registry.Registry, func() error, error) {
	switch cfg.Backend {
	case "redis":
		client, err := registry.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect session registry: %w", err)
		}
		return registry.NewRedis(client, cfg.Redis.Key), client.Close, nil
	default:
		return registry.NewMemory(), func() error { return nil }, nil
	}
}

// realmName derives the realm announced in Bearer challenges from a
// Keycloak issuer URL such as https://sso.example.com/realms/acme.
func realmName(issuer string) string {
	u, err := url.Parse(issuer)
	if err != nil || u.Path == "" {
		return ""
	}
	return path.Base(u.Path)
}

// Run starts all daemon components and blocks until shutdown signal is received.
func (d *Daemon) Run() error {
	slog.Info("starting keycloak authentication filter")

	// Start IPC server synchronously to catch startup errors
	ctx := context.Background()
	if err := d.ipcServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	// Start HTTP server in a goroutine (it blocks on ListenAndServe)
	httpErrCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	// Wait for shutdown signal or startup error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-httpErrCh:
		if err != nil {
			slog.Error("HTTP server failed to start", "error", err)
			// Clean up IPC server before returning
			if stopErr := d.ipcServer.Stop(); stopErr != nil {
				slog.Error("error stopping IPC server after HTTP server startup failure", "error", stopErr)
			}
			d.close()
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	// Shutdown gracefully
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop IPC server
	if err := d.ipcServer.Stop(); err != nil {
		slog.Error("error stopping IPC server", "error", err)
	}

	// Stop HTTP server
	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("error stopping HTTP server", "error", err)
	}

	d.close()

	slog.Info("daemon shutdown complete")
	return nil
}

func (d *Daemon) close() {
	if err := d.closeRegistry(); err != nil {
		slog.Error("error closing session registry", "error", err)
	}
}

// adminHandler executes admin socket requests against the filter's session management.
type adminHandler struct {
	mgmt     filter.SessionManagement
	sessions *session.Store
	registry registry.Registry
}

// Logout implements ipc.Handler.
func (h *adminHandler) Logout(ctx context.Context, all bool, sessionIDs []string) (int, error) {
	if all {
		n, err := h.registry.Count(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to count sessions: %w", err)
		}
		if err := h.mgmt.LogoutAll(ctx); err != nil {
			return 0, err
		}
		slog.Info("all keycloak sessions logged out by admin", "sessions", n)
		return n, nil
	}

	removed := 0
	for _, id := range sessionIDs {
		ok, err := h.registry.Has(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("failed to look up session: %w", err)
		}
		if ok {
			removed++
		}
	}
	if err := h.mgmt.LogoutSessions(ctx, sessionIDs); err != nil {
		return 0, err
	}
	slog.Info("keycloak sessions logged out by admin", "requested", len(sessionIDs), "removed", removed)
	return removed, nil
}

// Status implements ipc.Handler.
func (h *adminHandler) Status(ctx context.Context) (int, int, error) {
	bound, err := h.registry.Count(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return h.sessions.Count(), bound, nil
}
