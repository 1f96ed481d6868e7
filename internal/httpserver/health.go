package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// HealthResponse is the JSON response for the health check endpoint
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Sessions *int   `json:"sessions,omitempty"`
	Bound    *int   `json:"bound_sessions,omitempty"`
}

// handleHealth handles health check requests. A failing registry backend
// degrades the status but the endpoint still answers 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.deps.Version,
	}

	if s.deps.Sessions != nil {
		n := s.deps.Sessions.Count()
		resp.Sessions = &n
	}
	if s.deps.Registry != nil {
		n, err := s.deps.Registry.Count(r.Context())
		if err != nil {
			slog.Warn("session registry unavailable", "error", err)
			resp.Status = "degraded"
		} else {
			resp.Bound = &n
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort: headers/status may already be written.
		slog.Error("failed to encode response", "error", err)
	}
}
