// Package usercrypto persists the per-user key-hierarchy row: KDF salt and
// parameters, the wrapped master key, and the sealed metadata blob with its
// lost-update counter.
package usercrypto

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

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

func (r *PostgresRepository) Create(ctx context.Context, uc *models.UserCrypto) error {
	query := `
		INSERT INTO user_crypto (user_id, kdf_salt, kdf_mode, kdf_time, kdf_memory_kib, kdf_threads,
			kdf_iterations, wrapped_master_key, master_nonce, metadata_blob, metadata_nonce, metadata_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0)
	`
	_, err := r.db.ExecContext(ctx, query,
		uc.UserID, uc.KDFSalt, uc.KDFMode, uc.KDFTime, uc.KDFMemoryKiB, uc.KDFThreads,
		uc.KDFIterations, uc.WrappedMasterKey, uc.MasterNonce, uc.MetadataBlob, uc.MetadataNonce)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, userID string) (*models.UserCrypto, error) {
	query := `SELECT user_id, kdf_salt, kdf_mode, kdf_time, kdf_memory_kib, kdf_threads,
			kdf_iterations, wrapped_master_key, master_nonce, metadata_blob, metadata_nonce, metadata_version
		FROM user_crypto WHERE user_id=$1`

	uc := &models.UserCrypto{}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&uc.UserID, &uc.KDFSalt, &uc.KDFMode, &uc.KDFTime, &uc.KDFMemoryKiB, &uc.KDFThreads,
		&uc.KDFIterations, &uc.WrappedMasterKey, &uc.MasterNonce, &uc.MetadataBlob, &uc.MetadataNonce, &uc.MetadataVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select user crypto: %w", err)
	}
	return uc, nil
}

// Replace swaps every derived field wholesale; the metadata version counter
// keeps advancing so clients detect the reset.
func (r *PostgresRepository) Replace(ctx context.Context, uc *models.UserCrypto) error {
	query := `UPDATE user_crypto SET
			kdf_salt=$2, kdf_mode=$3, kdf_time=$4, kdf_memory_kib=$5, kdf_threads=$6,
			kdf_iterations=$7, wrapped_master_key=$8, master_nonce=$9,
			metadata_blob=$10, metadata_nonce=$11, metadata_version=metadata_version+1
		WHERE user_id=$1`
	result, err := r.db.ExecContext(ctx, query,
		uc.UserID, uc.KDFSalt, uc.KDFMode, uc.KDFTime, uc.KDFMemoryKiB, uc.KDFThreads,
		uc.KDFIterations, uc.WrappedMasterKey, uc.MasterNonce, uc.MetadataBlob, uc.MetadataNonce)
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

func (r *PostgresRepository) UpdateMetadata(ctx context.Context, userID string, blob, nonce []byte, expectedVersion int64) (int64, error) {
	query := `UPDATE user_crypto SET metadata_blob=$2, metadata_nonce=$3, metadata_version=metadata_version+1
		WHERE user_id=$1 AND metadata_version=$4
		RETURNING metadata_version`

	var version int64
	err := r.db.QueryRowContext(ctx, query, userID, blob, nonce, expectedVersion).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, common.ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return version, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, userID string) error {
	query := `DELETE FROM user_crypto WHERE user_id=$1`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
