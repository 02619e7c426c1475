package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/flowdial/flowdial/internal/database/models"
	"github.com/flowdial/flowdial/internal/dialer"
	"github.com/go-chi/chi/v5"
)

// campaignResponse is the JSON view of a campaign with its live call count.
type campaignResponse struct {
	ID                 int64   `json:"id"`
	Name               string  `json:"name"`
	Status             string  `json:"status"`
	CallerIdentityID   *int64  `json:"caller_identity_id"`
	MaxConcurrentCalls int     `json:"max_concurrent_calls"`
	WorkHoursStart     string  `json:"work_hours_start"`
	WorkHoursEnd       string  `json:"work_hours_end"`
	Timezone           string  `json:"timezone"`
	AudioFile          string  `json:"audio_file"`
	ActiveCalls        int     `json:"active_calls"`
	LastDialAt         *string `json:"last_dial_at"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

// campaignDetailResponse extends campaignResponse with contact progress.
type campaignDetailResponse struct {
	campaignResponse
	PendingContacts int `json:"pending_contacts"`
}

func (s *Server) toCampaignResponse(c *models.Campaign) campaignResponse {
	resp := campaignResponse{
		ID:                 c.ID,
		Name:               c.Name,
		Status:             c.Status,
		CallerIdentityID:   c.CallerIdentityID,
		MaxConcurrentCalls: c.MaxConcurrentCalls,
		WorkHoursStart:     c.WorkHoursStart,
		WorkHoursEnd:       c.WorkHoursEnd,
		Timezone:           c.Timezone,
		AudioFile:          c.AudioFile,
		ActiveCalls:        s.engine.ActiveCallCount(c.ID),
		CreatedAt:          c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          c.UpdatedAt.Format(time.RFC3339),
	}
	if c.LastDialAt != nil {
		v := c.LastDialAt.Format(time.RFC3339)
		resp.LastDialAt = &v
	}
	return resp
}

// handleListCampaigns returns campaigns with pagination.
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	campaigns, err := s.campaigns.List(r.Context())
	if err != nil {
		slog.Error("list campaigns: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	all := make([]campaignResponse, len(campaigns))
	for i := range campaigns {
		all[i] = s.toCampaignResponse(&campaigns[i])
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

// handleGetCampaign returns a single campaign with live progress.
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := parseCampaignID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	campaign, err := s.campaigns.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("get campaign: failed to query", "error", err, "campaign_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if campaign == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}

	pending, err := s.contacts.CountPending(r.Context(), id)
	if err != nil {
		slog.Error("get campaign: failed to count contacts", "error", err, "campaign_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, campaignDetailResponse{
		campaignResponse: s.toCampaignResponse(campaign),
		PendingContacts:  pending,
	})
}

// handleStartCampaign activates a draft or paused campaign.
func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	s.campaignAction(w, r, "start", s.engine.StartCampaign)
}

// handlePauseCampaign pauses an active campaign. In-flight calls finish
// naturally.
func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	s.campaignAction(w, r, "pause", s.engine.PauseCampaign)
}

// handleResumeCampaign reactivates a paused campaign.
func (s *Server) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	s.campaignAction(w, r, "resume", s.engine.ResumeCampaign)
}

// campaignAction runs one engine lifecycle operation and maps its sentinel
// errors to HTTP statuses.
func (s *Server) campaignAction(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, id int64) error) {
	id, err := parseCampaignID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	if err := fn(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, dialer.ErrCampaignNotFound):
			writeError(w, http.StatusNotFound, "campaign not found")
		case errors.Is(err, dialer.ErrNotStartable),
			errors.Is(err, dialer.ErrNotActive),
			errors.Is(err, dialer.ErrNotPaused):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, dialer.ErrNoCallerIdentity),
			errors.Is(err, dialer.ErrNoPendingContacts):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			slog.Error("campaign action failed", "action", action, "error", err, "campaign_id", id)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	campaign, err := s.campaigns.GetByID(r.Context(), id)
	if err != nil || campaign == nil {
		slog.Error("campaign action: failed to re-fetch", "action", action, "error", err, "campaign_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("campaign "+action, "campaign_id", id, "name", campaign.Name)
	writeJSON(w, http.StatusOK, s.toCampaignResponse(campaign))
}

// parseCampaignID extracts the campaign ID from the URL.
func parseCampaignID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
