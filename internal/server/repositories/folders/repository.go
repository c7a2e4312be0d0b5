package folders

import (
	"context"

	"github.com/hermitbox/hermitbox/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, folder *models.Folder) error
	GetByID(ctx context.Context, userID, id string) (*models.Folder, error)
	GetByPathHash(ctx context.Context, userID string, pathHash []byte) (*models.Folder, error)
	SetParent(ctx context.Context, userID, id, newParentID string) error
	DeleteAllForUser(ctx context.Context, userID string) error
}
