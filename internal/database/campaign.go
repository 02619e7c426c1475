package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowdial/flowdial/internal/database/models"
)

// campaignRepo implements CampaignRepository.
type campaignRepo struct {
	db *DB
}

// NewCampaignRepository creates a new CampaignRepository.
func NewCampaignRepository(db *DB) CampaignRepository {
	return &campaignRepo{db: db}
}

const campaignColumns = `id, name, status, caller_identity_id, max_concurrent_calls,
	 work_hours_start, work_hours_end, timezone, audio_file, last_dial_at,
	 created_at, updated_at`

// Create inserts a new campaign.
func (r *campaignRepo) Create(ctx context.Context, c *models.Campaign) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO campaigns (name, status, caller_identity_id, max_concurrent_calls,
		 work_hours_start, work_hours_end, timezone, audio_file,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		c.Name, c.Status, c.CallerIdentityID, c.MaxConcurrentCalls,
		c.WorkHoursStart, c.WorkHoursEnd, c.Timezone, c.AudioFile,
	)
	if err != nil {
		return fmt.Errorf("inserting campaign: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// GetByID returns a campaign by ID.
func (r *campaignRepo) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id,
	))
}

// List returns all campaigns ordered by name.
func (r *campaignRepo) List(ctx context.Context) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying campaigns: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// ListDispatchable returns active campaigns that still have pending contacts.
func (r *campaignRepo) ListDispatchable(ctx context.Context) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns c
		 WHERE c.status = ?
		 AND EXISTS (SELECT 1 FROM contacts WHERE campaign_id = c.id AND status = ?)
		 ORDER BY c.id`, models.CampaignActive, models.ContactPending)
	if err != nil {
		return nil, fmt.Errorf("querying dispatchable campaigns: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// UpdateStatus changes a campaign's lifecycle status.
func (r *campaignRepo) UpdateStatus(ctx context.Context, id int64, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, updated_at = datetime('now') WHERE id = ?`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("updating campaign status: %w", err)
	}
	return nil
}

// SetLastDialAt stamps the time of the most recent dial for a campaign.
func (r *campaignRepo) SetLastDialAt(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET last_dial_at = ?, updated_at = datetime('now') WHERE id = ?`,
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating campaign last dial time: %w", err)
	}
	return nil
}

func (r *campaignRepo) scanOne(row *sql.Row) (*models.Campaign, error) {
	var c models.Campaign
	err := row.Scan(&c.ID, &c.Name, &c.Status, &c.CallerIdentityID,
		&c.MaxConcurrentCalls, &c.WorkHoursStart, &c.WorkHoursEnd, &c.Timezone,
		&c.AudioFile, &c.LastDialAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning campaign: %w", err)
	}
	return &c, nil
}

func (r *campaignRepo) scanMany(rows *sql.Rows) ([]models.Campaign, error) {
	var campaigns []models.Campaign
	for rows.Next() {
		var c models.Campaign
		if err := rows.Scan(&c.ID, &c.Name, &c.Status, &c.CallerIdentityID,
			&c.MaxConcurrentCalls, &c.WorkHoursStart, &c.WorkHoursEnd, &c.Timezone,
			&c.AudioFile, &c.LastDialAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning campaign row: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}
