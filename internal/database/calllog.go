package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/flowdial/flowdial/internal/database/models"
)

// callLogRepo implements CallLogRepository.
type callLogRepo struct {
	db *DB
}

// NewCallLogRepository creates a new CallLogRepository.
func NewCallLogRepository(db *DB) CallLogRepository {
	return &callLogRepo{db: db}
}

const callLogColumns = `id, call_id, contact_id, campaign_id, channel_id, phone,
	 start_time, end_time, duration, status, keypress, created_at, updated_at`

// Create inserts a new call log.
func (r *callLogRepo) Create(ctx context.Context, cl *models.CallLog) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_logs (call_id, contact_id, campaign_id, channel_id, phone,
		 start_time, status, keypress, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		cl.CallID, cl.ContactID, cl.CampaignID, cl.ChannelID, cl.Phone,
		cl.StartTime.UTC(), cl.Status, cl.Keypress,
	)
	if err != nil {
		return fmt.Errorf("inserting call log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	cl.ID = id
	return nil
}

// GetByCallID returns a call log by its originator call ID.
func (r *callLogRepo) GetByCallID(ctx context.Context, callID string) (*models.CallLog, error) {
	var cl models.CallLog
	err := r.db.QueryRowContext(ctx,
		`SELECT `+callLogColumns+` FROM call_logs WHERE call_id = ?`, callID,
	).Scan(&cl.ID, &cl.CallID, &cl.ContactID, &cl.CampaignID, &cl.ChannelID,
		&cl.Phone, &cl.StartTime, &cl.EndTime, &cl.Duration, &cl.Status,
		&cl.Keypress, &cl.CreatedAt, &cl.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call log: %w", err)
	}
	return &cl, nil
}

// SetActive marks an unfinished call as in progress.
func (r *callLogRepo) SetActive(ctx context.Context, callID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_logs SET status = ?, updated_at = datetime('now')
		 WHERE call_id = ? AND end_time IS NULL`,
		models.CallActive, callID,
	)
	if err != nil {
		return fmt.Errorf("marking call log active: %w", err)
	}
	return nil
}

// Finish records a call's final outcome. Only the first finish for a given
// call ID takes effect; later ones report false without touching the row.
func (r *callLogRepo) Finish(ctx context.Context, callID string, endTime time.Time, duration int, status, keypress string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE call_logs SET end_time = ?, duration = ?, status = ?, keypress = ?,
		 updated_at = datetime('now')
		 WHERE call_id = ? AND end_time IS NULL`,
		endTime.UTC(), duration, status, keypress, callID,
	)
	if err != nil {
		return false, fmt.Errorf("finishing call log: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return affected > 0, nil
}

// List returns call logs matching the filter, newest first.
func (r *callLogRepo) List(ctx context.Context, filter CallLogFilter) ([]models.CallLog, error) {
	var conditions []string
	var args []any
	if filter.CampaignID != 0 {
		conditions = append(conditions, "campaign_id = ?")
		args = append(args, filter.CampaignID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + callLogColumns + ` FROM call_logs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying call logs: %w", err)
	}
	defer rows.Close()

	var logs []models.CallLog
	for rows.Next() {
		var cl models.CallLog
		if err := rows.Scan(&cl.ID, &cl.CallID, &cl.ContactID, &cl.CampaignID,
			&cl.ChannelID, &cl.Phone, &cl.StartTime, &cl.EndTime, &cl.Duration,
			&cl.Status, &cl.Keypress, &cl.CreatedAt, &cl.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning call log row: %w", err)
		}
		logs = append(logs, cl)
	}
	return logs, rows.Err()
}

// CountByStatus returns call log counts grouped by status.
func (r *callLogRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM call_logs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting call logs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning call log count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// CountSince returns the number of calls started at or after the given time.
func (r *callLogRepo) CountSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM call_logs WHERE start_time >= ?`, since.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting recent call logs: %w", err)
	}
	return count, nil
}
