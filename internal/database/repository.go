package database

import (
	"context"
	"time"

	"github.com/flowdial/flowdial/internal/database/models"
)

// CallerIdentityRepository manages caller-ID configurations.
type CallerIdentityRepository interface {
	Create(ctx context.Context, ident *models.CallerIdentity) error
	GetByID(ctx context.Context, id int64) (*models.CallerIdentity, error)
	List(ctx context.Context) ([]models.CallerIdentity, error)
	ListActive(ctx context.Context) ([]models.CallerIdentity, error)
}

// CampaignRepository manages dial campaigns.
type CampaignRepository interface {
	Create(ctx context.Context, c *models.Campaign) error
	GetByID(ctx context.Context, id int64) (*models.Campaign, error)
	List(ctx context.Context) ([]models.Campaign, error)
	// ListDispatchable returns campaigns in active status that still have at
	// least one pending contact.
	ListDispatchable(ctx context.Context) ([]models.Campaign, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	SetLastDialAt(ctx context.Context, id int64, at time.Time) error
}

// ContactRepository manages campaign contacts.
type ContactRepository interface {
	Create(ctx context.Context, contact *models.Contact) error
	GetByID(ctx context.Context, id int64) (*models.Contact, error)
	// ListPending returns up to limit pending contacts for a campaign,
	// oldest first.
	ListPending(ctx context.Context, campaignID int64, limit int) ([]models.Contact, error)
	CountPending(ctx context.Context, campaignID int64) (int, error)
	// MarkCalled flips a pending contact to called, stamping the attempt.
	// Returns false if the contact was not in pending status (lost race).
	MarkCalled(ctx context.Context, id int64, at time.Time) (bool, error)
	SetStatus(ctx context.Context, id int64, status string) error
}

// ChannelRepository manages the durable SIP channel inventory.
type ChannelRepository interface {
	Create(ctx context.Context, ch *models.Channel) error
	List(ctx context.Context) ([]models.Channel, error)
	// UpdateState persists runtime channel state (status, last use, failures).
	UpdateState(ctx context.Context, ch *models.Channel) error
	Count(ctx context.Context) (int, error)
}

// CallLogFilter specifies filtering and pagination for call-log list queries.
type CallLogFilter struct {
	Limit      int
	Offset     int
	CampaignID int64  // 0 for all
	Status     string // "" for all
}

// CallLogRepository manages the append-only call log.
type CallLogRepository interface {
	Create(ctx context.Context, cl *models.CallLog) error
	GetByCallID(ctx context.Context, callID string) (*models.CallLog, error)
	// SetActive marks an in-flight call as in progress.
	SetActive(ctx context.Context, callID string) error
	// Finish stamps the end of a call. Only the first Finish for a callID
	// takes effect; it returns false when the call was already finished.
	Finish(ctx context.Context, callID string, endTime time.Time, duration int, status, keypress string) (bool, error)
	List(ctx context.Context, filter CallLogFilter) ([]models.CallLog, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
	// CountSince returns the number of calls started after the given time.
	CountSince(ctx context.Context, since time.Time) (int, error)
}

// DNCRepository manages the do-not-call list. Insert-only from the dispatcher.
type DNCRepository interface {
	Upsert(ctx context.Context, phone, reason string) error
	Contains(ctx context.Context, phone string) (bool, error)
	List(ctx context.Context) ([]models.DNCEntry, error)
}
