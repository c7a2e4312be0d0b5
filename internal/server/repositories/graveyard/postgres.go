// Package graveyard persists the append-only archive of purged objects'
// durability handles. Rows are never updated or deleted.
package graveyard

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hermitbox/hermitbox/internal/dbx"
	"github.com/hermitbox/hermitbox/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Archive(ctx context.Context, entry *models.GraveyardEntry, chunks []*models.GraveyardChunk) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	query := `
		INSERT INTO graveyard_entries (id, file_id, user_id, fingerprint, size_bytes)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.FileID, entry.UserID, entry.Fingerprint, entry.SizeBytes); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	for _, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.EntryID = entry.ID
		chunkQuery := `
			INSERT INTO graveyard_chunks (id, entry_id, chunk_index, fingerprint, size_bytes)
			VALUES ($1, $2, $3, $4, $5)
		`
		if _, err := r.db.ExecContext(ctx, chunkQuery,
			c.ID, c.EntryID, c.ChunkIndex, c.Fingerprint, c.SizeBytes); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}
