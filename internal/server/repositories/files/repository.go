package files

import (
	"context"
	"time"

	"github.com/hermitbox/hermitbox/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, file *models.File) error
	GetByID(ctx context.Context, id string) (*models.File, error)

	SetUploaded(ctx context.Context, id, remoteID, fingerprint string) error
	MarkVerified(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id, status string) error
	RecordFailure(ctx context.Context, id, reason string) error
	TouchRetry(ctx context.Context, id string, at time.Time) error

	FlagUnrecoverable(ctx context.Context) (int64, error)
	SelectRetryable(ctx context.Context, ceiling int) ([]*models.File, error)
	SelectUnverified(ctx context.Context, limit int) ([]*models.File, error)
	SelectTrashedBefore(ctx context.Context, cutoff time.Time) ([]*models.File, error)
	SelectStalePendingChunks(ctx context.Context, cutoff time.Time) ([]*models.File, error)
	SelectByUser(ctx context.Context, userID string) ([]*models.File, error)

	SoftDelete(ctx context.Context, userID, id string, at time.Time) error
	Restore(ctx context.Context, userID, id string) error
	Delete(ctx context.Context, id string) error

	SumLiveBytes(ctx context.Context, userID string) (int64, error)
}
