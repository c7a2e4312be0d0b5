package graveyard

import (
	"context"

	"github.com/hermitbox/hermitbox/internal/server/models"
)

type Repository interface {
	// Archive inserts the write-once records for a purged file and its
	// chunks. Callers run it in the same transaction as the row deletion.
	Archive(ctx context.Context, entry *models.GraveyardEntry, chunks []*models.GraveyardChunk) error
}
