package chunks

import (
	"context"
	"time"

	"github.com/hermitbox/hermitbox/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, chunk *models.Chunk) error
	GetByID(ctx context.Context, id string) (*models.Chunk, error)
	SelectByFile(ctx context.Context, fileID string) ([]*models.Chunk, error)

	SetUploaded(ctx context.Context, id, fingerprint string) error
	MarkVerified(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id, reason string) error
	TouchRetry(ctx context.Context, id string, at time.Time) error

	FlagUnrecoverable(ctx context.Context) (int64, error)
	SelectRetryable(ctx context.Context, ceiling int) ([]*models.Chunk, error)
	SelectUnverified(ctx context.Context, limit int) ([]*models.Chunk, error)
	DeleteByFile(ctx context.Context, fileID string) error
}
