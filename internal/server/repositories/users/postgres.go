// Package users persists user rows: identity plus the incremental storage
// counters the quota accountant maintains.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hermitbox/hermitbox/internal/common"
	"github.com/hermitbox/hermitbox/internal/dbx"
	"github.com/hermitbox/hermitbox/internal/server/models"
)

// PostgresRepository implements user storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	query := `
		INSERT INTO users (id, username, auth_hash, tier, storage_used_bytes, storage_quota_bytes)
		VALUES ($1, $2, $3, $4, 0, $5)
		RETURNING created_at, last_activity_at
	`
	err := r.db.QueryRowContext(ctx, query,
		user.ID, user.UserName, user.AuthHash, user.Tier, user.QuotaBytes).
		Scan(&user.CreatedAt, &user.LastActivityAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return user, nil
}

const userColumns = `id, username, auth_hash, tier, storage_used_bytes, storage_quota_bytes, last_activity_at, created_at, anonymized_at`

func (r *PostgresRepository) scanUser(row *sql.Row) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.UserName, &u.AuthHash, &u.Tier, &u.UsedBytes, &u.QuotaBytes,
		&u.LastActivityAt, &u.CreatedAt, &u.AnonymizedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select user: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id=$1`
	return r.scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepository) GetByLogin(ctx context.Context, userName string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username=$1`
	return r.scanUser(r.db.QueryRowContext(ctx, query, userName))
}

// AdjustUsedBytes applies a signed delta to the used-bytes counter. The
// counter is clamped at zero so reconciliation drift can never drive it
// negative.
func (r *PostgresRepository) AdjustUsedBytes(ctx context.Context, userID string, delta int64) error {
	query := `UPDATE users SET storage_used_bytes = GREATEST(storage_used_bytes + $2, 0) WHERE id=$1`
	result, err := r.db.ExecContext(ctx, query, userID, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust used bytes: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra != 1 {
		return common.ErrorNotFound
	}
	return nil
}

// SetUsedBytes overwrites the counter; used by the reconciliation sweep.
func (r *PostgresRepository) SetUsedBytes(ctx context.Context, userID string, used int64) error {
	query := `UPDATE users SET storage_used_bytes=$2 WHERE id=$1`
	if _, err := r.db.ExecContext(ctx, query, userID, used); err != nil {
		return fmt.Errorf("failed to set used bytes: %w", err)
	}
	return nil
}

func (r *PostgresRepository) TouchActivity(ctx context.Context, userID string) error {
	query := `UPDATE users SET last_activity_at=now() WHERE id=$1`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to touch activity: %w", err)
	}
	return nil
}

// SelectInactiveSince returns non-anonymized accounts whose last activity is
// older than cutoff; candidates for the retention sweep.
func (r *PostgresRepository) SelectInactiveSince(ctx context.Context, cutoff time.Time) ([]*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users
		WHERE last_activity_at < $1 AND anonymized_at IS NULL`
	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to select inactive users: %w", err)
	}
	defer rows.Close()

	var result []*models.User
	for rows.Next() {
		u := &models.User{}
		if err := rows.Scan(&u.ID, &u.UserName, &u.AuthHash, &u.Tier, &u.UsedBytes, &u.QuotaBytes,
			&u.LastActivityAt, &u.CreatedAt, &u.AnonymizedAt); err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Anonymize scrubs identity fields in place. Irreversible; the username is
// replaced with an opaque marker to keep the unique constraint satisfied.
func (r *PostgresRepository) Anonymize(ctx context.Context, userID string) error {
	query := `UPDATE users SET
			username = 'scrubbed-' || id,
			auth_hash = ''::bytea,
			anonymized_at = now()
		WHERE id=$1 AND anonymized_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to anonymize user: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra != 1 {
		return common.ErrorNotFound
	}
	return nil
}
