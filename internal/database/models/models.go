package models

import "time"

// Campaign statuses.
const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
)

// Contact statuses. Completed, failed, dnc, and invalid are terminal and are
// never re-selected by the dispatcher.
const (
	ContactPending   = "pending"
	ContactCalled    = "called"
	ContactCompleted = "completed"
	ContactFailed    = "failed"
	ContactDNC       = "dnc"
	ContactInvalid   = "invalid"
)

// Channel statuses.
const (
	ChannelAvailable = "available"
	ChannelBusy      = "busy"
	ChannelError     = "error"
)

// Call log statuses.
const (
	CallOriginating = "originating"
	CallActive      = "active"
	CallAnswered    = "answered"
	CallNoAnswer    = "no_answer"
	CallBusy        = "busy"
	CallFailed      = "failed"
	CallTimeout     = "timeout"
)

// IsTerminalContactStatus reports whether a contact status is terminal.
func IsTerminalContactStatus(status string) bool {
	switch status {
	case ContactCompleted, ContactFailed, ContactDNC, ContactInvalid:
		return true
	}
	return false
}

// CallerIdentity represents a caller-ID configuration that campaigns and
// channels reference.
type CallerIdentity struct {
	ID           int64
	Name         string
	CallerIDName string
	CallerIDNum  string
	Domain       string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Campaign represents a named batch of outbound-call work with its own
// concurrency and schedule limits.
type Campaign struct {
	ID                 int64
	Name               string
	Status             string
	CallerIdentityID   *int64
	MaxConcurrentCalls int
	WorkHoursStart     string // "HH:MM"
	WorkHoursEnd       string // "HH:MM"
	Timezone           string // IANA name, empty for local time
	AudioFile          string
	LastDialAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Contact represents one phone number to be dialed, belonging to exactly
// one campaign.
type Contact struct {
	ID            int64
	CampaignID    int64
	Phone         string
	Name          string
	Company       string
	Status        string
	AttemptCount  int
	LastAttemptAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Channel represents a reusable SIP identity used to place one call at a time.
type Channel struct {
	ID               int64
	Username         string
	Password         string // encrypted at rest
	CallerIdentityID *int64
	Domain           string
	Status           string
	LastUsedAt       *time.Time
	FailCount        int
	Virtual          bool // synthesized fallback, not loaded from configuration
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CallLog is an append-only record of a single dial attempt.
type CallLog struct {
	ID         int64
	CallID     string
	ContactID  int64
	CampaignID int64
	ChannelID  *int64
	Phone      string
	StartTime  time.Time
	EndTime    *time.Time
	Duration   *int
	Status     string
	Keypress   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DNCEntry is a persisted do-not-call opt-out.
type DNCEntry struct {
	ID        int64
	Phone     string
	Reason    string
	CreatedAt time.Time
}
