package users

import (
	"context"
	"time"

	"github.com/hermitbox/hermitbox/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByLogin(ctx context.Context, userName string) (*models.User, error)
	AdjustUsedBytes(ctx context.Context, userID string, delta int64) error
	SetUsedBytes(ctx context.Context, userID string, used int64) error
	TouchActivity(ctx context.Context, userID string) error
	SelectInactiveSince(ctx context.Context, cutoff time.Time) ([]*models.User, error)
	Anonymize(ctx context.Context, userID string) error
}
