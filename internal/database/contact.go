package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowdial/flowdial/internal/database/models"
)

// contactRepo implements ContactRepository.
type contactRepo struct {
	db *DB
}

// NewContactRepository creates a new ContactRepository.
func NewContactRepository(db *DB) ContactRepository {
	return &contactRepo{db: db}
}

const contactColumns = `id, campaign_id, phone, name, company, status,
	 attempt_count, last_attempt_at, created_at, updated_at`

// Create inserts a new contact.
func (r *contactRepo) Create(ctx context.Context, c *models.Contact) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO contacts (campaign_id, phone, name, company, status, attempt_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		c.CampaignID, c.Phone, c.Name, c.Company, c.Status, c.AttemptCount,
	)
	if err != nil {
		return fmt.Errorf("inserting contact: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// GetByID returns a contact by ID.
func (r *contactRepo) GetByID(ctx context.Context, id int64) (*models.Contact, error) {
	var c models.Contact
	err := r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id,
	).Scan(&c.ID, &c.CampaignID, &c.Phone, &c.Name, &c.Company, &c.Status,
		&c.AttemptCount, &c.LastAttemptAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning contact: %w", err)
	}
	return &c, nil
}

// ListPending returns the oldest pending contacts of a campaign, up to limit.
func (r *contactRepo) ListPending(ctx context.Context, campaignID int64, limit int) ([]models.Contact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts
		 WHERE campaign_id = ? AND status = ?
		 ORDER BY id LIMIT ?`,
		campaignID, models.ContactPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.ID, &c.CampaignID, &c.Phone, &c.Name, &c.Company,
			&c.Status, &c.AttemptCount, &c.LastAttemptAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning contact row: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// CountPending returns the number of pending contacts of a campaign.
func (r *contactRepo) CountPending(ctx context.Context, campaignID int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contacts WHERE campaign_id = ? AND status = ?`,
		campaignID, models.ContactPending,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending contacts: %w", err)
	}
	return count, nil
}

// MarkCalled transitions a contact from pending to called and increments its
// attempt count. Returns false if the contact was no longer pending, which
// means another dispatch already claimed it.
func (r *contactRepo) MarkCalled(ctx context.Context, id int64, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE contacts SET status = ?, attempt_count = attempt_count + 1,
		 last_attempt_at = ?, updated_at = datetime('now')
		 WHERE id = ? AND status = ?`,
		models.ContactCalled, at.UTC(), id, models.ContactPending,
	)
	if err != nil {
		return false, fmt.Errorf("marking contact called: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return affected > 0, nil
}

// SetStatus sets a contact's status.
func (r *contactRepo) SetStatus(ctx context.Context, id int64, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE contacts SET status = ?, updated_at = datetime('now') WHERE id = ?`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("updating contact status: %w", err)
	}
	return nil
}
