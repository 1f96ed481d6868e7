package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client sends admin requests to a running daemon.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    5 * time.Second,
	}
}

// LogoutAll logs every Keycloak-bound session out.
func (c *Client) LogoutAll(ctx context.Context) (*Response, error) {
	return c.send(ctx, &Request{Type: MessageTypeLogoutRequest, All: true})
}

// LogoutSessions logs the given sessions out.
func (c *Client) LogoutSessions(ctx context.Context, sessionIDs []string) (*Response, error) {
	return c.send(ctx, &Request{Type: MessageTypeLogoutRequest, SessionIDs: sessionIDs})
}

// Status queries the daemon's session counts.
func (c *Client) Status(ctx context.Context) (*Response, error) {
	return c.send(ctx, &Request{Type: MessageTypeStatusRequest})
}

// send performs one request/response exchange with the daemon.
func (c *Client) send(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer func() { _ = conn.Close() }()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if want := responseType(req.Type); resp.Type != want && resp.Type != MessageTypeErrorResponse {
		return nil, fmt.Errorf("invalid response type: %s", resp.Type)
	}

	return &resp, nil
}

// SetTimeout bounds each request, connection included.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}
