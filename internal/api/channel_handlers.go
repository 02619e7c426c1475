package api

import (
	"net/http"
	"time"

	"github.com/flowdial/flowdial/internal/database/models"
)

// channelResponse is the JSON view of one pool channel. Passwords never
// leave the pool.
type channelResponse struct {
	ID               int64   `json:"id"`
	Username         string  `json:"username"`
	Domain           string  `json:"domain"`
	Status           string  `json:"status"`
	FailCount        int     `json:"fail_count"`
	Virtual          bool    `json:"virtual"`
	CallerIdentityID *int64  `json:"caller_identity_id"`
	LastUsedAt       *string `json:"last_used_at"`
}

// channelListResponse is the pool snapshot plus aggregate counts.
type channelListResponse struct {
	Channels  []channelResponse `json:"channels"`
	Available int               `json:"available"`
	Busy      int               `json:"busy"`
	Error     int               `json:"error"`
	Connected bool              `json:"connected"`
}

func toChannelResponse(c *models.Channel) channelResponse {
	resp := channelResponse{
		ID:               c.ID,
		Username:         c.Username,
		Domain:           c.Domain,
		Status:           c.Status,
		FailCount:        c.FailCount,
		Virtual:          c.Virtual,
		CallerIdentityID: c.CallerIdentityID,
	}
	if c.LastUsedAt != nil {
		v := c.LastUsedAt.Format(time.RFC3339)
		resp.LastUsedAt = &v
	}
	return resp
}

// handleListChannels returns a point-in-time snapshot of the channel pool.
func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	snapshot := s.pool.Snapshot()
	available, busy, errored := s.pool.Counts()

	channels := make([]channelResponse, len(snapshot))
	for i := range snapshot {
		channels[i] = toChannelResponse(&snapshot[i])
	}

	writeJSON(w, http.StatusOK, channelListResponse{
		Channels:  channels,
		Available: available,
		Busy:      busy,
		Error:     errored,
		Connected: s.pool.Connected(),
	})
}
