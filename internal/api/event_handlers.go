package api

import (
	"log/slog"
	"net/http"

	"github.com/flowdial/flowdial/internal/api/middleware"
	"github.com/flowdial/flowdial/internal/originate"
)

// callStartEvent is the webhook body posted when a call is answered.
type callStartEvent struct {
	CallID string `json:"call_id"`
}

// callEndEvent is the webhook body posted when a call finishes.
type callEndEvent struct {
	CallID      string `json:"call_id"`
	Disposition string `json:"disposition"`
	Duration    int    `json:"duration"`
	Keypress    string `json:"keypress"`
}

// handleCallStartEvent records that an in-flight call was answered. The
// event token is scoped to one call; a mismatched body is rejected.
func (s *Server) handleCallStartEvent(w http.ResponseWriter, r *http.Request) {
	var event callStartEvent
	if errMsg := readJSON(r, &event); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if !s.authorizeEvent(w, r, event.CallID) {
		return
	}

	s.engine.HandleCallStart(event.CallID)
	writeJSON(w, http.StatusAccepted, map[string]string{"call_id": event.CallID})
}

// handleCallEndEvent records the end of an in-flight call. Duplicate end
// events for the same call are accepted and ignored by the engine.
func (s *Server) handleCallEndEvent(w http.ResponseWriter, r *http.Request) {
	var event callEndEvent
	if errMsg := readJSON(r, &event); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if !s.authorizeEvent(w, r, event.CallID) {
		return
	}

	disposition := string(originate.ParseDisposition(event.Disposition))
	if event.Duration < 0 {
		writeError(w, http.StatusBadRequest, "duration must be non-negative")
		return
	}

	s.engine.HandleCallEnd(event.CallID, event.Duration, disposition, event.Keypress)
	writeJSON(w, http.StatusAccepted, map[string]string{"call_id": event.CallID})
}

// authorizeEvent checks the webhook body against the token scope and the
// engine's in-flight set. Writes the error response on failure.
func (s *Server) authorizeEvent(w http.ResponseWriter, r *http.Request, callID string) bool {
	if callID == "" {
		writeError(w, http.StatusBadRequest, "call_id is required")
		return false
	}

	tokenCallID := middleware.EventCallIDFromContext(r.Context())
	if tokenCallID != callID {
		slog.Warn("event webhook: token scope mismatch", "token_call_id", tokenCallID, "call_id", callID)
		writeError(w, http.StatusForbidden, "token not valid for this call")
		return false
	}

	if !s.engine.KnownCall(callID) {
		writeError(w, http.StatusNotFound, "unknown call")
		return false
	}

	return true
}
