package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hermitbox/hermitbox/internal/common"
	"github.com/hermitbox/hermitbox/internal/cryptox"
	"github.com/hermitbox/hermitbox/internal/server/keycache"
	"github.com/hermitbox/hermitbox/internal/server/models"
	"github.com/hermitbox/hermitbox/internal/server/repositories/repomanager"
)

// maxFolderDepth bounds the ancestor walk in MoveFolder. A tree deeper than
// this is treated as corrupt and the move is refused.
const maxFolderDepth = 64

type FolderService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	keys        *keycache.Cache
}

func NewFolderService(db *sql.DB, m repomanager.RepositoryManager, keys *keycache.Cache) *FolderService {
	return &FolderService{
		db:          db,
		repomanager: m,
		keys:        keys,
	}
}

// CreateFolder mints a fresh folder key, wraps it under the user's cached
// master key and inserts the node under parentID. An expired session (no
// cached key) fails closed.
func (s *FolderService) CreateFolder(ctx context.Context, userID, parentID string, pathHash []byte) (*models.Folder, error) {
	masterKey, ok := s.keys.Get(userID)
	if !ok {
		return nil, common.ErrorUnauthorized
	}
	defer common.WipeByteArray(masterKey)

	repo := s.repomanager.Folders(s.db)

	if _, err := repo.GetByID(ctx, userID, parentID); err != nil {
		return nil, err
	}

	folderKey := cryptox.NewKey()
	defer common.WipeByteArray(folderKey)

	wrapped, nonce, err := cryptox.WrapKey(folderKey, masterKey)
	if err != nil {
		return nil, err
	}

	folder := &models.Folder{
		UserID:     userID,
		ParentID:   &parentID,
		WrappedKey: wrapped,
		KeyNonce:   nonce,
		PathHash:   pathHash,
	}
	if err := repo.Create(ctx, folder); err != nil {
		return nil, err
	}
	return folder, nil
}

// GetByPathHash resolves a folder by the hash of its logical path.
func (s *FolderService) GetByPathHash(ctx context.Context, userID string, pathHash []byte) (*models.Folder, error) {
	return s.repomanager.Folders(s.db).GetByPathHash(ctx, userID, pathHash)
}

// MoveFolder re-parents folderID under newParentID. Moving a folder under
// itself or under any of its own descendants is rejected with ErrFolderCycle
// before anything is written.
func (s *FolderService) MoveFolder(ctx context.Context, userID, folderID, newParentID string) error {
	if folderID == newParentID {
		return common.ErrFolderCycle
	}

	repo := s.repomanager.Folders(s.db)

	// walk up from the target parent; if we pass through the folder being
	// moved, the move would close a cycle
	cursor := newParentID
	reachedRoot := false
	for i := 0; i < maxFolderDepth; i++ {
		node, err := repo.GetByID(ctx, userID, cursor)
		if err != nil {
			return err
		}
		if node.ParentID == nil {
			reachedRoot = true
			break
		}
		if *node.ParentID == folderID {
			return common.ErrFolderCycle
		}
		cursor = *node.ParentID
	}
	if !reachedRoot {
		return fmt.Errorf("folder tree deeper than %d levels: %w", maxFolderDepth, common.ErrFolderCycle)
	}

	return repo.SetParent(ctx, userID, folderID, newParentID)
}
