package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/al-bashkir/keycloak-authfilter/internal/logsanitize"
)

// connTimeout bounds one admin exchange, handler included.
const connTimeout = 30 * time.Second

// Handler executes admin requests.
type Handler interface {
	// Logout logs the named sessions out, or all sessions if all is set.
	// It returns the number of Keycloak-bound sessions removed.
	Logout(ctx context.Context, all bool, sessionIDs []string) (int, error)

	// Status returns the number of local and Keycloak-bound sessions.
	Status(ctx context.Context) (sessions, bound int, err error)
}

// Server answers admin requests on a Unix socket, one JSON request and one
// JSON response per connection.
type Server struct {
	socketPath string
	handler    Handler

	mu       sync.Mutex
	listener net.Listener

	conns    sync.WaitGroup
	stopOnce sync.Once
}

func NewServer(socketPath string, handler Handler) *Server {
	return &Server{
		socketPath: socketPath,
		handler:    handler,
	}
}

// Start binds the socket and serves it in the background until Stop.
func (s *Server) Start(ctx context.Context) error {
	listener, err := listenUnix(s.socketPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	slog.Info("IPC server started", "socket", s.socketPath)

	s.conns.Add(1)
	go s.serve(ctx, listener)

	return nil
}

// listenUnix replaces a stale socket and restricts the new one to the
// daemon user and group (0660). The directory stays traversable (0755).
func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove old socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	if err := os.Chmod(path, 0660); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return listener, nil
}

func (s *Server) serve(ctx context.Context, listener net.Listener) {
	defer s.conns.Done()

	for {
		conn, err := listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			slog.Error("failed to accept connection", "error", err)
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(connTimeout)); err != nil {
		slog.Warn("failed to set connection deadline", "error", err)
	}

	ctx, cancel := context.WithTimeout(ctx, connTimeout)
	defer cancel()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		slog.Error("failed to decode request", "error", err)
		reply(conn, errorResponse(MessageTypeErrorResponse, "invalid request format"))
		return
	}

	resp, err := s.dispatch(ctx, &req)
	switch {
	case errors.Is(err, errUnknownType):
		slog.Error("invalid request type", "type", logsanitize.Sanitize(string(req.Type)))
		reply(conn, errorResponse(MessageTypeErrorResponse, err.Error()))
	case err != nil:
		slog.Error("admin request failed", "type", req.Type, "error", err)
		reply(conn, errorResponse(responseType(req.Type), err.Error()))
	default:
		resp.Type = responseType(req.Type)
		resp.Status = StatusOK
		reply(conn, resp)
		slog.Debug("admin response sent", "type", resp.Type)
	}
}

var errUnknownType = errors.New("invalid request type")

func (s *Server) dispatch(ctx context.Context, req *Request) (*Response, error) {
	switch req.Type {
	case MessageTypeLogoutRequest:
		if req.All == (len(req.SessionIDs) > 0) {
			return nil, errors.New("logout request needs either all or session_ids")
		}

		ids := make([]string, len(req.SessionIDs))
		for i, id := range req.SessionIDs {
			ids[i] = logsanitize.Sanitize(id)
		}
		slog.Info("admin logout request received", "all", req.All, "session_ids", ids)

		removed, err := s.handler.Logout(ctx, req.All, req.SessionIDs)
		if err != nil {
			return nil, err
		}
		return &Response{Removed: removed}, nil

	case MessageTypeStatusRequest:
		sessions, bound, err := s.handler.Status(ctx)
		if err != nil {
			return nil, err
		}
		return &Response{Sessions: sessions, BoundSessions: bound}, nil

	default:
		return nil, errUnknownType
	}
}

func errorResponse(typ MessageType, msg string) *Response {
	return &Response{Type: typ, Status: StatusError, Error: msg}
}

func reply(conn net.Conn, resp *Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		slog.Error("failed to send response", "error", err)
	}
}

// Stop closes the socket, waits for requests in flight and removes the
// socket file. Calling it more than once is safe.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		slog.Info("stopping IPC server")

		s.mu.Lock()
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				slog.Warn("failed to close listener", "error", err)
			}
		}
		s.mu.Unlock()

		s.conns.Wait()

		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove socket file", "error", err)
		}

		slog.Info("IPC server stopped")
	})
	return nil
}
