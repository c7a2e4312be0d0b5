// Package services contains the pipeline's business logic. This file
// implements UserService: signup (the only normal-flow place the server
// derives a master key), login, password reset, and metadata blob updates.
package services

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hermitbox/hermitbox/internal/common"
	"github.com/hermitbox/hermitbox/internal/cryptox"
	"github.com/hermitbox/hermitbox/internal/dbx"
	"github.com/hermitbox/hermitbox/internal/server/auth"
	sc "github.com/hermitbox/hermitbox/internal/server/config"
	"github.com/hermitbox/hermitbox/internal/server/keycache"
	"github.com/hermitbox/hermitbox/internal/server/models"
	"github.com/hermitbox/hermitbox/internal/server/repositories/repomanager"
)

type UserService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	keys        *keycache.Cache
	config      *sc.Config
}

func NewUserService(db *sql.DB, m repomanager.RepositoryManager, keys *keycache.Cache, cfg *sc.Config) *UserService {
	return &UserService{
		db:          db,
		repomanager: m,
		keys:        keys,
		config:      cfg,
	}
}

// Signup creates the user, their crypto row and their root folder in one
// transaction, and returns the user plus an access token for the HTTP layer.
//
// Key setup: a random master key is wrapped under a key derived from the
// password; the stored auth hash is a one-way verifier of the master key.
// The plaintext password and wrapping key never leave this call.
func (s *UserService) Signup(ctx context.Context, username string, password []byte) (*models.User, string, error) {
	salt := common.GenerateRandByteArray(32)
	params := cryptox.DefaultKDFParams()

	wrappingKey, err := cryptox.DeriveMasterKey(password, salt, params)
	if err != nil {
		return nil, "", err
	}
	defer common.WipeByteArray(wrappingKey)

	masterKey := cryptox.NewKey()
	defer common.WipeByteArray(masterKey)

	wrappedMaster, masterNonce, err := cryptox.WrapKey(masterKey, wrappingKey)
	if err != nil {
		return nil, "", err
	}

	rootKey := cryptox.NewKey()
	wrappedRoot, rootNonce, err := cryptox.WrapKey(rootKey, masterKey)
	if err != nil {
		return nil, "", err
	}

	user := &models.User{
		UserName:   username,
		AuthHash:   cryptox.MakeVerifier(masterKey),
		Tier:       models.TierFree,
		QuotaBytes: s.config.DefaultQuotaBytes,
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		created, err := s.repomanager.Users(tx).Create(ctx, user)
		if err != nil {
			return fmt.Errorf("error creating user: %w", err)
		}
		user = created

		uc := &models.UserCrypto{
			UserID:           user.ID,
			KDFSalt:          salt,
			KDFMode:          params.Mode,
			KDFTime:          params.Time,
			KDFMemoryKiB:     params.MemoryKiB,
			KDFThreads:       params.Threads,
			KDFIterations:    params.Iterations,
			WrappedMasterKey: wrappedMaster,
			MasterNonce:      masterNonce,
		}
		if err := s.repomanager.UserCrypto(tx).Create(ctx, uc); err != nil {
			return fmt.Errorf("error creating user crypto: %w", err)
		}

		root := &models.Folder{
			UserID:     user.ID,
			WrappedKey: wrappedRoot,
			KeyNonce:   rootNonce,
			PathHash:   cryptox.MakeVerifier([]byte("/")),
		}
		if err := s.repomanager.Folders(tx).Create(ctx, root); err != nil {
			return fmt.Errorf("error creating root folder: %w", err)
		}

		return s.repomanager.Analytics(tx).Record(ctx, user.ID, models.EventUserJoin, 0)
	})
	if err != nil {
		return nil, "", err
	}

	token, err := auth.GenerateToken(user.ID, []byte(s.config.SecretKey), s.config.AccessTokenValidityDuration)
	if err != nil {
		return nil, "", common.ErrorInternal
	}

	// the session starts hot: cache the master key for this user
	s.keys.Put(user.ID, masterKey)

	return user, token, nil
}

// Login checks the verifier supplied by the auth collaborator against the
// stored auth hash and, on success, caches the independently unwrapped
// master key and mints an access token.
func (s *UserService) Login(ctx context.Context, userName string, verifier, masterKey []byte) (string, error) {
	repo := s.repomanager.Users(s.db)

	user, err := repo.GetByLogin(ctx, userName)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return "", common.ErrorUnauthorized
		}
		return "", common.ErrorInternal
	}

	if subtle.ConstantTimeCompare(user.AuthHash, verifier) != 1 {
		return "", common.ErrorUnauthorized
	}

	token, err := auth.GenerateToken(user.ID, []byte(s.config.SecretKey), s.config.AccessTokenValidityDuration)
	if err != nil {
		return "", common.ErrorInternal
	}

	s.keys.Put(user.ID, masterKey)
	_ = repo.TouchActivity(ctx, user.ID)

	return token, nil
}

// ResetPassword replaces the user's crypto row wholesale: new salt, current
// KDF parameters, and the master key re-wrapped under the new
// password-derived key. The master key itself does not change, so no file
// or folder key needs rewrapping and the sealed metadata blob carries over
// as is.
func (s *UserService) ResetPassword(ctx context.Context, userID string, newPassword, masterKey []byte) error {
	existing, err := s.repomanager.UserCrypto(s.db).Get(ctx, userID)
	if err != nil {
		return err
	}

	salt := common.GenerateRandByteArray(32)
	params := cryptox.DefaultKDFParams()

	wrappingKey, err := cryptox.DeriveMasterKey(newPassword, salt, params)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(wrappingKey)

	wrappedMaster, masterNonce, err := cryptox.WrapKey(masterKey, wrappingKey)
	if err != nil {
		return err
	}

	uc := &models.UserCrypto{
		UserID:           userID,
		KDFSalt:          salt,
		KDFMode:          params.Mode,
		KDFTime:          params.Time,
		KDFMemoryKiB:     params.MemoryKiB,
		KDFThreads:       params.Threads,
		KDFIterations:    params.Iterations,
		WrappedMasterKey: wrappedMaster,
		MasterNonce:      masterNonce,
		MetadataBlob:     existing.MetadataBlob,
		MetadataNonce:    existing.MetadataNonce,
	}
	if err := s.repomanager.UserCrypto(s.db).Replace(ctx, uc); err != nil {
		return fmt.Errorf("error replacing user crypto: %w", err)
	}

	s.keys.Put(userID, masterKey)
	return nil
}

// UpdateMetadataBlob stores a new sealed naming blob under optimistic
// concurrency; a stale expectedVersion returns ErrVersionConflict and the
// client must re-pull and merge.
func (s *UserService) UpdateMetadataBlob(ctx context.Context, userID string, blob, nonce []byte, expectedVersion int64) (int64, error) {
	version, err := s.repomanager.UserCrypto(s.db).UpdateMetadata(ctx, userID, blob, nonce, expectedVersion)
	if err != nil {
		return 0, err
	}
	_ = s.repomanager.Users(s.db).TouchActivity(ctx, userID)
	return version, nil
}
