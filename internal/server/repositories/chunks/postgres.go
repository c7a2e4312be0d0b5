package chunks

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

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, chunk *models.Chunk) error {
	if chunk.ID == "" {
		chunk.ID = uuid.NewString()
	}
	query := `
		INSERT INTO chunks (id, file_id, chunk_index, nonce, size_bytes, local_path)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		chunk.ID, chunk.FileID, chunk.ChunkIndex, chunk.Nonce, chunk.SizeBytes, chunk.LocalPath)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const chunkColumns = `id, file_id, chunk_index, nonce, size_bytes, fingerprint,
	gateway_verified, local_path, retry_count, last_retry_at, failure_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*models.Chunk, error) {
	c := &models.Chunk{}
	err := row.Scan(&c.ID, &c.FileID, &c.ChunkIndex, &c.Nonce, &c.SizeBytes, &c.Fingerprint,
		&c.GatewayVerified, &c.LocalPath, &c.RetryCount, &c.LastRetryAt, &c.FailureReason)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE id=$1`
	c, err := scanChunk(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select chunk: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) SelectByFile(ctx context.Context, fileID string) ([]*models.Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE file_id=$1 ORDER BY chunk_index`
	return r.selectChunks(ctx, query, fileID)
}

func (r *PostgresRepository) selectChunks(ctx context.Context, query string, args ...any) ([]*models.Chunk, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select chunks: %w", err)
	}
	defer rows.Close()

	var result []*models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) SetUploaded(ctx context.Context, id, fingerprint string) error {
	query := `UPDATE chunks SET fingerprint=$2, failure_reason='' WHERE id=$1`
	return r.execOne(ctx, query, id, fingerprint)
}

func (r *PostgresRepository) MarkVerified(ctx context.Context, id string) error {
	query := `UPDATE chunks SET gateway_verified=TRUE, local_path=NULL WHERE id=$1`
	return r.execOne(ctx, query, id)
}

// RecordFailure also stamps last_retry_at so the failed attempt opens the
// backoff window instead of leaving the chunk immediately due.
func (r *PostgresRepository) RecordFailure(ctx context.Context, id, reason string) error {
	query := `UPDATE chunks SET retry_count=retry_count+1, failure_reason=$2, last_retry_at=now() WHERE id=$1`
	return r.execOne(ctx, query, id, reason)
}

func (r *PostgresRepository) TouchRetry(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE chunks SET last_retry_at=$2 WHERE id=$1`
	return r.execOne(ctx, query, id, at)
}

// FlagUnrecoverable mirrors the files version for individual chunks.
func (r *PostgresRepository) FlagUnrecoverable(ctx context.Context) (int64, error) {
	query := `UPDATE chunks SET failure_reason=$1
		WHERE fingerprint='' AND local_path IS NULL AND failure_reason<>$1`
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

// SelectRetryable mirrors the files version, never-attempted rows included;
// the scheduler groups the result by owning file so a file's chunks retry
// together.
func (r *PostgresRepository) SelectRetryable(ctx context.Context, ceiling int) ([]*models.Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks
		WHERE retry_count < $1 AND fingerprint='' AND local_path IS NOT NULL
		ORDER BY file_id, chunk_index`
	return r.selectChunks(ctx, query, ceiling)
}

// SelectUnverified returns uploaded chunks the gateways have not confirmed
// yet, oldest retry first.
func (r *PostgresRepository) SelectUnverified(ctx context.Context, limit int) ([]*models.Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks
		WHERE fingerprint<>'' AND gateway_verified=FALSE
		ORDER BY last_retry_at NULLS FIRST
		LIMIT $1`
	return r.selectChunks(ctx, query, limit)
}

func (r *PostgresRepository) DeleteByFile(ctx context.Context, fileID string) error {
	query := `DELETE FROM chunks WHERE file_id=$1`
	if _, err := r.db.ExecContext(ctx, query, fileID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
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
