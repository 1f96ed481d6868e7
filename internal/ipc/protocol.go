package ipc

// MessageType represents the type of IPC message
type MessageType string

const (
	// MessageTypeLogoutRequest asks the daemon to log sessions out
	MessageTypeLogoutRequest MessageType = "logout_request"
	// MessageTypeLogoutResponse answers a logout request
	MessageTypeLogoutResponse MessageType = "logout_response"
	// MessageTypeStatusRequest asks for session counts
	MessageTypeStatusRequest MessageType = "status_request"
	// MessageTypeStatusResponse answers a status request
	MessageTypeStatusResponse MessageType = "status_response"
	// MessageTypeErrorResponse is sent for requests that could not be decoded
	MessageTypeErrorResponse MessageType = "error_response"
)

// Request is sent from the admin CLI to the daemon.
// A logout request names either All or a list of SessionIDs.
type Request struct {
	Type       MessageType `json:"type"`
	All        bool        `json:"all,omitempty"`
	SessionIDs []string    `json:"session_ids,omitempty"`
}

// Response is sent from the daemon back to the admin CLI
type Response struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"` // "ok" or "error"

	// Removed is the number of Keycloak-bound sessions a logout removed
	Removed int `json:"removed,omitempty"`

	// Sessions and BoundSessions are reported by status requests
	Sessions      int `json:"sessions,omitempty"`
	BoundSessions int `json:"bound_sessions,omitempty"`

	Error string `json:"error,omitempty"`
}

// ResponseStatus constants
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// responseType maps a request type to the type of its response.
func responseType(t MessageType) MessageType {
	switch t {
	case MessageTypeLogoutRequest:
		return MessageTypeLogoutResponse
	case MessageTypeStatusRequest:
		return MessageTypeStatusResponse
	default:
		return MessageTypeErrorResponse
	}
}
