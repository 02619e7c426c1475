package api

import (
	"log/slog"
	"net/http"

	"github.com/flowdial/flowdial/internal/dialer"
)

// systemStatusResponse is the engine status plus call-log totals by status.
type systemStatusResponse struct {
	dialer.SystemStatus
	CallsByStatus map[string]int `json:"calls_by_status"`
}

// handleSystemStatus returns a point-in-time view of the whole dialer.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.callLogs.CountByStatus(r.Context())
	if err != nil {
		slog.Error("system status: failed to count calls", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, systemStatusResponse{
		SystemStatus:  s.engine.Status(),
		CallsByStatus: counts,
	})
}
