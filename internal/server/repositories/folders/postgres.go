package folders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

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

func (r *PostgresRepository) Create(ctx context.Context, folder *models.Folder) error {
	if folder.ID == "" {
		folder.ID = uuid.NewString()
	}
	query := `
		INSERT INTO folders (id, user_id, parent_id, wrapped_key, key_nonce, path_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		folder.ID, folder.UserID, folder.ParentID, folder.WrappedKey, folder.KeyNonce, folder.PathHash)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const folderColumns = `id, user_id, parent_id, wrapped_key, key_nonce, path_hash, created_at`

func scanFolder(row *sql.Row) (*models.Folder, error) {
	f := &models.Folder{}
	err := row.Scan(&f.ID, &f.UserID, &f.ParentID, &f.WrappedKey, &f.KeyNonce, &f.PathHash, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select folder: %w", err)
	}
	return f, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, userID, id string) (*models.Folder, error) {
	query := `SELECT ` + folderColumns + ` FROM folders WHERE user_id=$1 AND id=$2`
	return scanFolder(r.db.QueryRowContext(ctx, query, userID, id))
}

// GetByPathHash looks a folder up by the hash of its logical path, so the
// server never needs the plaintext path.
func (r *PostgresRepository) GetByPathHash(ctx context.Context, userID string, pathHash []byte) (*models.Folder, error) {
	query := `SELECT ` + folderColumns + ` FROM folders WHERE user_id=$1 AND path_hash=$2`
	return scanFolder(r.db.QueryRowContext(ctx, query, userID, pathHash))
}

func (r *PostgresRepository) SetParent(ctx context.Context, userID, id, newParentID string) error {
	query := `UPDATE folders SET parent_id=$3 WHERE user_id=$1 AND id=$2 AND parent_id IS NOT NULL`
	result, err := r.db.ExecContext(ctx, query, userID, id, newParentID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if ra != 1 {
		// absent folder, foreign user, or an attempt to re-parent the root
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) DeleteAllForUser(ctx context.Context, userID string) error {
	query := `DELETE FROM folders WHERE user_id=$1`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
