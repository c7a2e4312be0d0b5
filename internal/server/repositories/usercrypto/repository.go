package usercrypto

import (
	"context"

	"github.com/hermitbox/hermitbox/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, uc *models.UserCrypto) error
	Get(ctx context.Context, userID string) (*models.UserCrypto, error)
	// Replace swaps the whole row on password change/reset.
	Replace(ctx context.Context, uc *models.UserCrypto) error
	// UpdateMetadata stores a new sealed blob if expectedVersion still
	// matches, returning the new version or ErrVersionConflict.
	UpdateMetadata(ctx context.Context, userID string, blob, nonce []byte, expectedVersion int64) (int64, error)
	Delete(ctx context.Context, userID string) error
}
