// Package files persists the central File records of the pipeline: wrapped
// key material, durability handles, retry bookkeeping and trash state.
package files

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

// PostgresRepository implements file storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, file *models.File) error {
	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	query := `
		INSERT INTO files (id, user_id, folder_id, wrapped_file_key, key_nonce, size_bytes,
			chunked, chunk_count, status, local_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		file.ID, file.UserID, file.FolderID, file.WrappedFileKey, file.KeyNonce, file.SizeBytes,
		file.Chunked, file.ChunkCount, file.Status, file.LocalPath)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const fileColumns = `id, user_id, folder_id, wrapped_file_key, key_nonce, size_bytes,
	chunked, chunk_count, status, remote_id, fingerprint, gateway_verified, local_path,
	retry_count, last_retry_at, failure_reason, deleted_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*models.File, error) {
	f := &models.File{}
	var folderID sql.NullString
	err := row.Scan(&f.ID, &f.UserID, &folderID, &f.WrappedFileKey, &f.KeyNonce, &f.SizeBytes,
		&f.Chunked, &f.ChunkCount, &f.Status, &f.RemoteID, &f.Fingerprint, &f.GatewayVerified, &f.LocalPath,
		&f.RetryCount, &f.LastRetryAt, &f.FailureReason, &f.DeletedAt, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.FolderID = folderID.String
	return f, nil
}

func (r *PostgresRepository) selectFiles(ctx context.Context, query string, args ...any) ([]*models.File, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select files: %w", err)
	}
	defer rows.Close()

	var result []*models.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id=$1`
	f, err := scanFile(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select file: %w", err)
	}
	return f, nil
}

// SetUploaded records the transfer result and moves the file to uploaded.
// Exactly one row must be affected.
func (r *PostgresRepository) SetUploaded(ctx context.Context, id, remoteID, fingerprint string) error {
	query := `UPDATE files SET status=$2, remote_id=$3, fingerprint=$4, failure_reason='', updated_at=now()
		WHERE id=$1`
	return r.execOne(ctx, query, id, models.StatusUploaded, remoteID, fingerprint)
}

// MarkVerified flips gateway_verified and clears the local failover path.
// The caller removes the bytes on disk after this succeeds.
func (r *PostgresRepository) MarkVerified(ctx context.Context, id string) error {
	query := `UPDATE files SET status=$2, gateway_verified=TRUE, local_path=NULL, updated_at=now()
		WHERE id=$1`
	return r.execOne(ctx, query, id, models.StatusVerified)
}

func (r *PostgresRepository) SetStatus(ctx context.Context, id, status string) error {
	query := `UPDATE files SET status=$2, updated_at=now() WHERE id=$1`
	return r.execOne(ctx, query, id, status)
}

// RecordFailure increments the retry counter and stores the reason. The
// retry stamp moves too, so the failed attempt itself opens the backoff
// window; without it the scheduler would re-queue the row on its next tick.
func (r *PostgresRepository) RecordFailure(ctx context.Context, id, reason string) error {
	query := `UPDATE files SET retry_count=retry_count+1, failure_reason=$2, last_retry_at=now(), updated_at=now()
		WHERE id=$1`
	return r.execOne(ctx, query, id, reason)
}

// TouchRetry stamps last_retry_at. Always called before the network attempt
// so a crash mid-attempt cannot cause an immediate duplicate retry.
func (r *PostgresRepository) TouchRetry(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE files SET last_retry_at=$2, updated_at=now() WHERE id=$1`
	return r.execOne(ctx, query, id, at)
}

// FlagUnrecoverable marks monolithic files that have lost both their local
// copy and their fingerprint. Such rows never match SelectRetryable; the flag
// surfaces them for operator attention instead.
func (r *PostgresRepository) FlagUnrecoverable(ctx context.Context) (int64, error) {
	query := `UPDATE files SET failure_reason=$1, updated_at=now()
		WHERE chunked=FALSE AND fingerprint='' AND local_path IS NULL
			AND deleted_at IS NULL AND failure_reason<>$1`
	result, err := r.db.ExecContext(ctx, query, models.FailureUnrecoverable)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return ra, nil
}

// SelectRetryable returns monolithic files still eligible for automatic
// retry: below the ceiling, no fingerprint yet, local copy present, not
// trashed. Rows with no attempt on record are included, so uploads whose
// in-memory queue entry was lost to a restart get rescheduled. The backoff
// window is checked by the scheduler, not here.
func (r *PostgresRepository) SelectRetryable(ctx context.Context, ceiling int) ([]*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE chunked=FALSE AND retry_count < $1
			AND fingerprint='' AND local_path IS NOT NULL AND deleted_at IS NULL`
	return r.selectFiles(ctx, query, ceiling)
}

// SelectUnverified returns fingerprinted, unverified, non-trashed files that
// still hold a local failover copy; the verification sweep's work list.
func (r *PostgresRepository) SelectUnverified(ctx context.Context, limit int) ([]*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE chunked=FALSE AND fingerprint<>'' AND gateway_verified=FALSE
			AND deleted_at IS NULL AND local_path IS NOT NULL
		ORDER BY updated_at ASC
		LIMIT $1`
	return r.selectFiles(ctx, query, limit)
}

func (r *PostgresRepository) SelectTrashedBefore(ctx context.Context, cutoff time.Time) ([]*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE deleted_at IS NOT NULL AND deleted_at < $1`
	return r.selectFiles(ctx, query, cutoff)
}

// SelectStalePendingChunks returns chunked uploads stuck in pending-chunks
// with no forward progress since cutoff; abandoned-before-completion, a
// different failure mode from trash.
func (r *PostgresRepository) SelectStalePendingChunks(ctx context.Context, cutoff time.Time) ([]*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE status=$1 AND updated_at < $2 AND deleted_at IS NULL`
	return r.selectFiles(ctx, query, models.StatusPendingChunks, cutoff)
}

func (r *PostgresRepository) SelectByUser(ctx context.Context, userID string) ([]*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE user_id=$1`
	return r.selectFiles(ctx, query, userID)
}

// SoftDelete moves a live file to trash. Affecting zero rows means the file
// is absent, foreign, or already trashed.
func (r *PostgresRepository) SoftDelete(ctx context.Context, userID, id string, at time.Time) error {
	query := `UPDATE files SET deleted_at=$3, updated_at=now()
		WHERE id=$1 AND user_id=$2 AND deleted_at IS NULL`
	return r.execOne(ctx, query, id, userID, at)
}

func (r *PostgresRepository) Restore(ctx context.Context, userID, id string) error {
	query := `UPDATE files SET deleted_at=NULL, updated_at=now()
		WHERE id=$1 AND user_id=$2 AND deleted_at IS NOT NULL`
	return r.execOne(ctx, query, id, userID)
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM files WHERE id=$1`
	return r.execOne(ctx, query, id)
}

// SumLiveBytes recomputes the user's true used-bytes from live rows; the
// reconciliation sweep compares it against the incremental counter.
func (r *PostgresRepository) SumLiveBytes(ctx context.Context, userID string) (int64, error) {
	query := `SELECT COALESCE(SUM(size_bytes), 0) FROM files
		WHERE user_id=$1 AND deleted_at IS NULL`
	var sum int64
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum live bytes: %w", err)
	}
	return sum, nil
}

func (r *PostgresRepository) execOne(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if ra != 1 {
		return common.ErrorNotFound
	}
	return nil
}
