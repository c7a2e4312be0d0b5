package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hermitbox/hermitbox/internal/common"
	"github.com/hermitbox/hermitbox/internal/dbx"
	"github.com/hermitbox/hermitbox/internal/logging"
	sc "github.com/hermitbox/hermitbox/internal/server/config"
	"github.com/hermitbox/hermitbox/internal/server/metrics"
	"github.com/hermitbox/hermitbox/internal/server/models"
	"github.com/hermitbox/hermitbox/internal/server/queue"
	"github.com/hermitbox/hermitbox/internal/server/remote"
	"github.com/hermitbox/hermitbox/internal/server/repositories/repomanager"
)

// Remote is the slice of the pinning-network client the pipeline uses.
// *remote.Client satisfies it; tests substitute a fake.
type Remote interface {
	Upload(ctx context.Context, localPath, remoteName string) (*remote.UploadResult, error)
	Verify(ctx context.Context, fingerprint string, attempts int, delay time.Duration) bool
	Download(ctx context.Context, fingerprint, destPath string) bool
}

// FileService drives the upload pipeline: admission, the sequential transfer
// queue, chunked sessions, manual retries, trash and purge.
type FileService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	remote      Remote
	queue       *queue.Queue
	config      *sc.Config
	logger      logging.Logger

	// removeFile is a seam for testing local cleanup.
	removeFile func(path string) error
}

func NewFileService(db *sql.DB, m repomanager.RepositoryManager, r Remote, q *queue.Queue, cfg *sc.Config, logger logging.Logger) *FileService {
	return &FileService{
		db:          db,
		repomanager: m,
		remote:      r,
		queue:       q,
		config:      cfg,
		logger:      logger.With("module", "file_service"),
		removeFile:  os.Remove,
	}
}

// InitUploadRequest describes one incoming ciphertext. The HTTP layer has
// already streamed the bytes to LocalPath; the pipeline never sees plaintext.
type InitUploadRequest struct {
	FolderID   string
	WrappedKey []byte
	KeyNonce   []byte
	SizeBytes  int64
	Chunked    bool
	ChunkCount int
	LocalPath  string
}

// InitUpload admits one file into the pipeline: the size is checked against
// the tier ceiling and the user's quota, the record and ledger entry are
// written in one transaction, and monolithic files are queued for transfer.
// Chunked files wait in pending-chunks for RegisterChunk calls.
func (s *FileService) InitUpload(ctx context.Context, userID string, req InitUploadRequest) (*models.File, error) {
	user, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := s.admit(user, req.SizeBytes); err != nil {
		return nil, err
	}

	file := &models.File{
		UserID:         userID,
		FolderID:       req.FolderID,
		WrappedFileKey: req.WrappedKey,
		KeyNonce:       req.KeyNonce,
		SizeBytes:      req.SizeBytes,
		Chunked:        req.Chunked,
		ChunkCount:     req.ChunkCount,
		Status:         models.StatusPending,
	}
	if req.Chunked {
		file.Status = models.StatusPendingChunks
	} else {
		lp := req.LocalPath
		file.LocalPath = &lp
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repomanager.Files(tx).Create(ctx, file); err != nil {
			return err
		}
		if err := s.repomanager.Users(tx).AdjustUsedBytes(ctx, userID, req.SizeBytes); err != nil {
			return err
		}
		return s.repomanager.Analytics(tx).Record(ctx, userID, models.EventUpload, req.SizeBytes)
	})
	if err != nil {
		return nil, err
	}

	metrics.UploadsStarted.Inc()
	_ = s.repomanager.Users(s.db).TouchActivity(ctx, userID)

	if !req.Chunked {
		s.EnqueueFileUpload(file.ID)
	}
	return file, nil
}

// admit enforces the per-file size ceiling for the user's tier and the
// account quota. Unmetered identities skip the quota sum but keep the hard
// ceiling.
func (s *FileService) admit(user *models.User, size int64) error {
	ceiling := s.config.FileSizeCeilingFree
	if user.Tier == models.TierPlus || user.Tier == models.TierUnmetered {
		ceiling = s.config.FileSizeCeilingPlus
	}
	if size > ceiling {
		metrics.QuotaRejections.Inc()
		return fmt.Errorf("%w: file of %d bytes exceeds the %d byte ceiling", common.ErrQuotaExceeded, size, ceiling)
	}
	if user.Tier != models.TierUnmetered && user.UsedBytes+size > user.QuotaBytes {
		metrics.QuotaRejections.Inc()
		return fmt.Errorf("%w: %d of %d bytes used", common.ErrQuotaExceeded, user.UsedBytes, user.QuotaBytes)
	}
	return nil
}

// RegisterChunkRequest describes one ciphertext chunk of an open session.
type RegisterChunkRequest struct {
	ChunkIndex int
	Nonce      []byte
	SizeBytes  int64
	LocalPath  string
}

// RegisterChunk records one chunk of an open chunked session and queues its
// transfer. Registering against a file that is not in pending-chunks fails.
func (s *FileService) RegisterChunk(ctx context.Context, userID, fileID string, req RegisterChunkRequest) (*models.Chunk, error) {
	file, err := s.ownedFile(ctx, userID, fileID)
	if err != nil {
		return nil, err
	}
	if file.Status != models.StatusPendingChunks {
		return nil, fmt.Errorf("file %s is not accepting chunks (status %s)", fileID, file.Status)
	}

	lp := req.LocalPath
	chunk := &models.Chunk{
		FileID:     fileID,
		ChunkIndex: req.ChunkIndex,
		Nonce:      req.Nonce,
		SizeBytes:  req.SizeBytes,
		LocalPath:  &lp,
	}
	if err := s.repomanager.Chunks(s.db).Create(ctx, chunk); err != nil {
		return nil, err
	}

	// touch updated_at so the stale sweep sees the session progressing
	if err := s.repomanager.Files(s.db).SetStatus(ctx, fileID, models.StatusPendingChunks); err != nil {
		return nil, err
	}

	metrics.UploadsStarted.Inc()
	s.EnqueueChunkUpload(chunk.ID)
	return chunk, nil
}

// FinishChunkedUpload closes a chunked session. Every declared chunk must be
// registered; transfer and verification continue asynchronously and the
// file's effective status is derived from the chunk flags from here on.
func (s *FileService) FinishChunkedUpload(ctx context.Context, userID, fileID string) error {
	file, err := s.ownedFile(ctx, userID, fileID)
	if err != nil {
		return err
	}
	if file.Status != models.StatusPendingChunks {
		return fmt.Errorf("file %s has no open chunked session (status %s)", fileID, file.Status)
	}

	registered, err := s.repomanager.Chunks(s.db).SelectByFile(ctx, fileID)
	if err != nil {
		return err
	}
	if len(registered) != file.ChunkCount {
		return fmt.Errorf("%w: %d of %d chunks registered", common.ErrUploadIncomplete, len(registered), file.ChunkCount)
	}

	return s.repomanager.Files(s.db).SetStatus(ctx, fileID, models.StatusChunkedComplete)
}

// RetryFile is the manual operator retry for a monolithic file that has
// exhausted its automatic attempts. It bypasses the retry ceiling but still
// needs a local failover copy to send.
func (s *FileService) RetryFile(ctx context.Context, userID, fileID string) error {
	file, err := s.ownedFile(ctx, userID, fileID)
	if err != nil {
		return err
	}
	if file.Fingerprint != "" {
		return nil
	}
	if file.Unrecoverable() {
		return common.ErrUnrecoverable
	}

	if err := s.repomanager.Files(s.db).TouchRetry(ctx, fileID, time.Now()); err != nil {
		return err
	}
	s.EnqueueFileUpload(fileID)
	return nil
}

// RetryChunks re-queues every failed chunk of a chunked file. Chunks that
// already carry a fingerprint are skipped; if nothing is retryable and at
// least one chunk lost both its local copy and its fingerprint, the call
// reports ErrUnrecoverable.
func (s *FileService) RetryChunks(ctx context.Context, userID, fileID string) error {
	if _, err := s.ownedFile(ctx, userID, fileID); err != nil {
		return err
	}

	chs, err := s.repomanager.Chunks(s.db).SelectByFile(ctx, fileID)
	if err != nil {
		return err
	}

	enqueued := 0
	lost := 0
	for _, c := range chs {
		if c.Fingerprint != "" {
			continue
		}
		if c.Unrecoverable() {
			lost++
			continue
		}
		if err := s.repomanager.Chunks(s.db).TouchRetry(ctx, c.ID, time.Now()); err != nil {
			return err
		}
		s.EnqueueChunkUpload(c.ID)
		enqueued++
	}

	if enqueued == 0 && lost > 0 {
		return common.ErrUnrecoverable
	}
	return nil
}

// SoftDelete moves the file to trash and releases its bytes from the quota.
// Deleting an already trashed file is a no-op.
func (s *FileService) SoftDelete(ctx context.Context, userID, fileID string) error {
	file, err := s.ownedFile(ctx, userID, fileID)
	if err != nil {
		return err
	}
	if file.Trashed() {
		return nil
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repomanager.Files(tx).SoftDelete(ctx, userID, fileID, time.Now()); err != nil {
			return err
		}
		if err := s.repomanager.Users(tx).AdjustUsedBytes(ctx, userID, -file.SizeBytes); err != nil {
			return err
		}
		return s.repomanager.Analytics(tx).Record(ctx, userID, models.EventPrune, -file.SizeBytes)
	})
}

// Restore brings a trashed file back. The bytes re-enter the quota, so the
// restore is re-admitted against the current balance and can be rejected
// even though the original upload was admitted.
func (s *FileService) Restore(ctx context.Context, userID, fileID string) error {
	file, err := s.ownedFile(ctx, userID, fileID)
	if err != nil {
		return err
	}
	if !file.Trashed() {
		return nil
	}

	user, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.Tier != models.TierUnmetered && user.UsedBytes+file.SizeBytes > user.QuotaBytes {
		metrics.QuotaRejections.Inc()
		return fmt.Errorf("%w: restoring %d bytes over quota", common.ErrQuotaExceeded, file.SizeBytes)
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repomanager.Files(tx).Restore(ctx, userID, fileID); err != nil {
			return err
		}
		if err := s.repomanager.Users(tx).AdjustUsedBytes(ctx, userID, file.SizeBytes); err != nil {
			return err
		}
		return s.repomanager.Analytics(tx).Record(ctx, userID, models.EventRestore, file.SizeBytes)
	})
}

// PurgeNow skips the trash retention period and removes the file
// immediately. Purging a live file also releases its quota; a trashed file
// released it at soft-delete time.
func (s *FileService) PurgeNow(ctx context.Context, userID, fileID string) error {
	file, err := s.ownedFile(ctx, userID, fileID)
	if err != nil {
		return err
	}
	return s.PurgeFile(ctx, file, !file.Trashed())
}

// PurgeFile hard-deletes a file: durability handles are archived to the
// graveyard, the live rows go away and the ledger records the purge, all in
// one transaction. Local failover copies are removed afterwards; a leaked
// temp file is preferable to a dangling row. Shared with the trash reaper.
func (s *FileService) PurgeFile(ctx context.Context, file *models.File, releaseQuota bool) error {
	chs, err := s.repomanager.Chunks(s.db).SelectByFile(ctx, file.ID)
	if err != nil {
		return err
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.archiveHandles(ctx, tx, file, chs); err != nil {
			return err
		}
		if err := s.repomanager.Chunks(tx).DeleteByFile(ctx, file.ID); err != nil {
			return err
		}
		if err := s.repomanager.Files(tx).Delete(ctx, file.ID); err != nil {
			return err
		}

		delta := int64(0)
		if releaseQuota {
			delta = -file.SizeBytes
			if err := s.repomanager.Users(tx).AdjustUsedBytes(ctx, file.UserID, delta); err != nil {
				return err
			}
		}
		return s.repomanager.Analytics(tx).Record(ctx, file.UserID, models.EventPurge, delta)
	})
	if err != nil {
		return err
	}

	s.removeLocalCopies(ctx, file, chs)
	metrics.TrashPurged.Inc()
	return nil
}

// archiveHandles writes the graveyard records when the file or any of its
// chunks ever earned a fingerprint. A never-uploaded file leaves no grave.
func (s *FileService) archiveHandles(ctx context.Context, tx dbx.DBTX, file *models.File, chs []*models.Chunk) error {
	var gchunks []*models.GraveyardChunk
	for _, c := range chs {
		if c.Fingerprint == "" {
			continue
		}
		gchunks = append(gchunks, &models.GraveyardChunk{
			ChunkIndex:  c.ChunkIndex,
			Fingerprint: c.Fingerprint,
			SizeBytes:   c.SizeBytes,
		})
	}

	if file.Fingerprint == "" && len(gchunks) == 0 {
		return nil
	}

	entry := &models.GraveyardEntry{
		FileID:      file.ID,
		UserID:      file.UserID,
		Fingerprint: file.Fingerprint,
		SizeBytes:   file.SizeBytes,
	}
	return s.repomanager.Graveyard(tx).Archive(ctx, entry, gchunks)
}

func (s *FileService) removeLocalCopies(ctx context.Context, file *models.File, chs []*models.Chunk) {
	paths := make([]string, 0, len(chs)+1)
	if file.LocalPath != nil {
		paths = append(paths, *file.LocalPath)
	}
	for _, c := range chs {
		if c.LocalPath != nil {
			paths = append(paths, *c.LocalPath)
		}
	}
	for _, p := range paths {
		if err := s.removeFile(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn(ctx, "failed to remove local copy", "path", p, "error", err.Error())
		}
	}
}

// ownedFile loads a file and enforces ownership. Someone else's file is
// indistinguishable from a missing one.
func (s *FileService) ownedFile(ctx context.Context, userID, fileID string) (*models.File, error) {
	file, err := s.repomanager.Files(s.db).GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.UserID != userID {
		return nil, common.ErrorNotFound
	}
	return file, nil
}

// EnqueueFileUpload adds the file's transfer to the sequential queue.
func (s *FileService) EnqueueFileUpload(fileID string) {
	s.queue.Add("file:"+fileID, func(ctx context.Context) error {
		return s.uploadFile(ctx, fileID)
	})
}

// EnqueueChunkUpload adds the chunk's transfer to the sequential queue.
func (s *FileService) EnqueueChunkUpload(chunkID string) {
	s.queue.Add("chunk:"+chunkID, func(ctx context.Context) error {
		return s.uploadChunk(ctx, chunkID)
	})
}

// uploadFile runs inside the sequential queue. State may have moved between
// enqueue and execution, so the current row decides whether there is still
// work: trashed, already fingerprinted or copy-less files are skipped.
func (s *FileService) uploadFile(ctx context.Context, fileID string) error {
	repo := s.repomanager.Files(s.db)

	file, err := repo.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		return err
	}
	if file.Trashed() || file.Fingerprint != "" || file.LocalPath == nil {
		return nil
	}

	res, err := s.remote.Upload(ctx, *file.LocalPath, file.ID)
	if err != nil {
		metrics.UploadsFailed.Inc()
		if ferr := repo.RecordFailure(ctx, fileID, err.Error()); ferr != nil {
			s.logger.Error(ctx, "failed to record upload failure", "file", fileID, "error", ferr.Error())
		}
		return fmt.Errorf("upload of file %s: %w", fileID, err)
	}

	if err := repo.SetUploaded(ctx, fileID, file.ID, res.Fingerprint); err != nil {
		return err
	}
	metrics.UploadsCompleted.Inc()
	s.logger.Info(ctx, "file uploaded", "file", fileID, "fingerprint", res.Fingerprint)

	// inline verification window; the periodic sweep picks up whatever the
	// gateways have not surfaced yet
	if s.remote.Verify(ctx, res.Fingerprint, s.config.InlineVerifyAttempts, s.config.InlineVerifyDelay) {
		return s.MarkFileVerified(ctx, file.ID, *file.LocalPath)
	}
	return nil
}

func (s *FileService) uploadChunk(ctx context.Context, chunkID string) error {
	repo := s.repomanager.Chunks(s.db)

	chunk, err := repo.GetByID(ctx, chunkID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		return err
	}
	if chunk.Fingerprint != "" || chunk.LocalPath == nil {
		return nil
	}

	res, err := s.remote.Upload(ctx, *chunk.LocalPath, chunk.ID)
	if err != nil {
		metrics.UploadsFailed.Inc()
		if ferr := repo.RecordFailure(ctx, chunkID, err.Error()); ferr != nil {
			s.logger.Error(ctx, "failed to record upload failure", "chunk", chunkID, "error", ferr.Error())
		}
		return fmt.Errorf("upload of chunk %s: %w", chunkID, err)
	}

	if err := repo.SetUploaded(ctx, chunkID, res.Fingerprint); err != nil {
		return err
	}
	metrics.UploadsCompleted.Inc()

	if s.remote.Verify(ctx, res.Fingerprint, s.config.InlineVerifyAttempts, s.config.InlineVerifyDelay) {
		return s.MarkChunkVerified(ctx, chunk.ID, *chunk.LocalPath)
	}
	return nil
}

// MarkFileVerified flips the file to verified and removes the local
// failover copy; the remote network is the durable store from here on.
func (s *FileService) MarkFileVerified(ctx context.Context, fileID, localPath string) error {
	if err := s.repomanager.Files(s.db).MarkVerified(ctx, fileID); err != nil {
		return err
	}
	metrics.Verifications.Inc()
	if localPath != "" {
		if err := s.removeFile(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn(ctx, "failed to remove verified local copy", "path", localPath, "error", err.Error())
		}
	}
	return nil
}

// MarkChunkVerified is the chunk counterpart of MarkFileVerified.
func (s *FileService) MarkChunkVerified(ctx context.Context, chunkID, localPath string) error {
	if err := s.repomanager.Chunks(s.db).MarkVerified(ctx, chunkID); err != nil {
		return err
	}
	metrics.Verifications.Inc()
	if localPath != "" {
		if err := s.removeFile(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn(ctx, "failed to remove verified local copy", "path", localPath, "error", err.Error())
		}
	}
	return nil
}

// GetFile returns a file with its chunks, status derived for chunked files.
func (s *FileService) GetFile(ctx context.Context, userID, fileID string) (*models.File, []*models.Chunk, error) {
	file, err := s.ownedFile(ctx, userID, fileID)
	if err != nil {
		return nil, nil, err
	}

	var chs []*models.Chunk
	if file.Chunked {
		chs, err = s.repomanager.Chunks(s.db).SelectByFile(ctx, fileID)
		if err != nil {
			return nil, nil, err
		}
		file.Status = file.EffectiveStatus(chs)
	}
	return file, chs, nil
}

// ReconcileUsedBytes recomputes a user's quota counter from the live rows.
// Crash-recovery helper; the incremental path keeps the counter correct in
// normal operation.
func (s *FileService) ReconcileUsedBytes(ctx context.Context, userID string) error {
	live, err := s.repomanager.Files(s.db).SumLiveBytes(ctx, userID)
	if err != nil {
		return err
	}
	return s.repomanager.Users(s.db).SetUsedBytes(ctx, userID, live)
}
