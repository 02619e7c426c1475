package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowdial/flowdial/internal/database/models"
)

// callerIdentityRepo implements CallerIdentityRepository.
type callerIdentityRepo struct {
	db *DB
}

// NewCallerIdentityRepository creates a new CallerIdentityRepository.
func NewCallerIdentityRepository(db *DB) CallerIdentityRepository {
	return &callerIdentityRepo{db: db}
}

const callerIdentityColumns = `id, name, caller_id_name, caller_id_num, domain, active, created_at, updated_at`

// Create inserts a new caller identity.
func (r *callerIdentityRepo) Create(ctx context.Context, ci *models.CallerIdentity) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO caller_identities (name, caller_id_name, caller_id_num, domain, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		ci.Name, ci.CallerIDName, ci.CallerIDNum, ci.Domain, ci.Active,
	)
	if err != nil {
		return fmt.Errorf("inserting caller identity: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	ci.ID = id
	return nil
}

// GetByID returns a caller identity by ID.
func (r *callerIdentityRepo) GetByID(ctx context.Context, id int64) (*models.CallerIdentity, error) {
	var ci models.CallerIdentity
	err := r.db.QueryRowContext(ctx,
		`SELECT `+callerIdentityColumns+` FROM caller_identities WHERE id = ?`, id,
	).Scan(&ci.ID, &ci.Name, &ci.CallerIDName, &ci.CallerIDNum, &ci.Domain,
		&ci.Active, &ci.CreatedAt, &ci.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning caller identity: %w", err)
	}
	return &ci, nil
}

// List returns all caller identities ordered by name.
func (r *callerIdentityRepo) List(ctx context.Context) ([]models.CallerIdentity, error) {
	return r.list(ctx, `SELECT `+callerIdentityColumns+` FROM caller_identities ORDER BY name`)
}

// ListActive returns caller identities available for channel synthesis.
func (r *callerIdentityRepo) ListActive(ctx context.Context) ([]models.CallerIdentity, error) {
	return r.list(ctx, `SELECT `+callerIdentityColumns+` FROM caller_identities WHERE active = 1 ORDER BY id`)
}

func (r *callerIdentityRepo) list(ctx context.Context, query string) ([]models.CallerIdentity, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying caller identities: %w", err)
	}
	defer rows.Close()

	var identities []models.CallerIdentity
	for rows.Next() {
		var ci models.CallerIdentity
		if err := rows.Scan(&ci.ID, &ci.Name, &ci.CallerIDName, &ci.CallerIDNum,
			&ci.Domain, &ci.Active, &ci.CreatedAt, &ci.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning caller identity row: %w", err)
		}
		identities = append(identities, ci)
	}
	return identities, rows.Err()
}
