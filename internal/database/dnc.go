package database

import (
	"context"
	"fmt"

	"github.com/flowdial/flowdial/internal/database/models"
)

// dncRepo implements DNCRepository.
type dncRepo struct {
	db *DB
}

// NewDNCRepository creates a new DNCRepository.
func NewDNCRepository(db *DB) DNCRepository {
	return &dncRepo{db: db}
}

// Upsert adds a phone number to the do-not-call list. Adding a number that is
// already listed refreshes its reason.
func (r *dncRepo) Upsert(ctx context.Context, phone, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO dnc_list (phone, reason, created_at)
		 VALUES (?, ?, datetime('now'))
		 ON CONFLICT(phone) DO UPDATE SET reason = excluded.reason`,
		phone, reason,
	)
	if err != nil {
		return fmt.Errorf("upserting dnc entry: %w", err)
	}
	return nil
}

// Contains reports whether the phone number is on the do-not-call list.
func (r *dncRepo) Contains(ctx context.Context, phone string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dnc_list WHERE phone = ?`, phone,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking dnc list: %w", err)
	}
	return count > 0, nil
}

// List returns all do-not-call entries, newest first.
func (r *dncRepo) List(ctx context.Context) ([]models.DNCEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, phone, reason, created_at FROM dnc_list ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying dnc list: %w", err)
	}
	defer rows.Close()

	var entries []models.DNCEntry
	for rows.Next() {
		var e models.DNCEntry
		if err := rows.Scan(&e.ID, &e.Phone, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning dnc row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
