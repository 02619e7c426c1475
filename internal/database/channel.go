package database

import (
	"context"
	"fmt"

	"github.com/flowdial/flowdial/internal/database/models"
)

// channelRepo implements ChannelRepository.
type channelRepo struct {
	db *DB
}

// NewChannelRepository creates a new ChannelRepository.
func NewChannelRepository(db *DB) ChannelRepository {
	return &channelRepo{db: db}
}

// Create inserts a channel, replacing any previous row with the same username.
// The pool re-synthesizes channels on every connect, so the table mirrors the
// last known pool state rather than accumulating history.
func (r *channelRepo) Create(ctx context.Context, c *models.Channel) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO channels (username, password, caller_identity_id, domain, status,
		 last_used_at, fail_count, virtual, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))
		 ON CONFLICT(username) DO UPDATE SET
		 password = excluded.password,
		 caller_identity_id = excluded.caller_identity_id,
		 domain = excluded.domain,
		 status = excluded.status,
		 fail_count = excluded.fail_count,
		 virtual = excluded.virtual,
		 updated_at = datetime('now')`,
		c.Username, c.Password, c.CallerIdentityID, c.Domain, c.Status,
		c.LastUsedAt, c.FailCount, c.Virtual,
	)
	if err != nil {
		return fmt.Errorf("inserting channel: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// List returns all channels ordered by ID.
func (r *channelRepo) List(ctx context.Context) ([]models.Channel, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, username, password, caller_identity_id, domain, status,
		 last_used_at, fail_count, virtual, created_at, updated_at
		 FROM channels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying channels: %w", err)
	}
	defer rows.Close()

	var channels []models.Channel
	for rows.Next() {
		var c models.Channel
		if err := rows.Scan(&c.ID, &c.Username, &c.Password, &c.CallerIdentityID,
			&c.Domain, &c.Status, &c.LastUsedAt, &c.FailCount, &c.Virtual,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning channel row: %w", err)
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// UpdateState persists a channel's runtime state.
func (r *channelRepo) UpdateState(ctx context.Context, c *models.Channel) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE channels SET status = ?, last_used_at = ?, fail_count = ?,
		 updated_at = datetime('now') WHERE id = ?`,
		c.Status, c.LastUsedAt, c.FailCount, c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating channel state: %w", err)
	}
	return nil
}

// Count returns the number of channels.
func (r *channelRepo) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting channels: %w", err)
	}
	return count, nil
}
