package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/flowdial/flowdial/internal/database"
	"github.com/flowdial/flowdial/internal/database/models"
)

// callLogResponse is the JSON view of one dial attempt.
type callLogResponse struct {
	ID         int64   `json:"id"`
	CallID     string  `json:"call_id"`
	ContactID  int64   `json:"contact_id"`
	CampaignID int64   `json:"campaign_id"`
	ChannelID  *int64  `json:"channel_id"`
	Phone      string  `json:"phone"`
	Status     string  `json:"status"`
	Keypress   string  `json:"keypress,omitempty"`
	StartTime  string  `json:"start_time"`
	EndTime    *string `json:"end_time"`
	Duration   *int    `json:"duration"`
}

func toCallLogResponse(c *models.CallLog) callLogResponse {
	resp := callLogResponse{
		ID:         c.ID,
		CallID:     c.CallID,
		ContactID:  c.ContactID,
		CampaignID: c.CampaignID,
		ChannelID:  c.ChannelID,
		Phone:      c.Phone,
		Status:     c.Status,
		Keypress:   c.Keypress,
		StartTime:  c.StartTime.Format(time.RFC3339),
		Duration:   c.Duration,
	}
	if c.EndTime != nil {
		v := c.EndTime.Format(time.RFC3339)
		resp.EndTime = &v
	}
	return resp
}

// handleListCalls returns call logs, newest first, with optional campaign_id
// and status filters.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	filter := database.CallLogFilter{
		Limit:  pg.Limit,
		Offset: pg.Offset,
		Status: r.URL.Query().Get("status"),
	}
	if v := r.URL.Query().Get("campaign_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "campaign_id must be a positive integer")
			return
		}
		filter.CampaignID = id
	}

	logs, err := s.callLogs.List(r.Context(), filter)
	if err != nil {
		slog.Error("list calls: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]callLogResponse, len(logs))
	for i := range logs {
		items[i] = toCallLogResponse(&logs[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  len(items),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}
