package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/flowdial/flowdial/internal/database/models"
)

// dncResponse is the JSON view of one do-not-call entry.
type dncResponse struct {
	ID        int64  `json:"id"`
	Phone     string `json:"phone"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

func toDNCResponse(e *models.DNCEntry) dncResponse {
	return dncResponse{
		ID:        e.ID,
		Phone:     e.Phone,
		Reason:    e.Reason,
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
}

// handleListDNC returns do-not-call entries, newest first.
func (s *Server) handleListDNC(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	entries, err := s.dnc.List(r.Context())
	if err != nil {
		slog.Error("list dnc: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	all := make([]dncResponse, len(entries))
	for i := range entries {
		all[i] = toDNCResponse(&entries[i])
	}

	total := len(all)
	start := pg.Offset
	if start > total {
		start = total
	}
	end := start + pg.Limit
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  all[start:end],
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}
