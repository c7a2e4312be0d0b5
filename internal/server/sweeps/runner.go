// Package sweeps runs the pipeline's periodic background jobs: the retry
// scheduler, gateway verification, the trash reaper, stale chunked-session
// cleanup, inactive-account retention and session key eviction. All jobs
// share one goroutine, so no two sweeps ever overlap.
package sweeps

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/hermitbox/hermitbox/internal/dbx"
	"github.com/hermitbox/hermitbox/internal/logging"
	sc "github.com/hermitbox/hermitbox/internal/server/config"
	"github.com/hermitbox/hermitbox/internal/server/keycache"
	"github.com/hermitbox/hermitbox/internal/server/metrics"
	"github.com/hermitbox/hermitbox/internal/server/models"
	"github.com/hermitbox/hermitbox/internal/server/repositories/repomanager"
	"github.com/hermitbox/hermitbox/internal/server/services"
)

// Runner owns the sweep loop. Individual sweeps are exported so tests can
// drive them directly without tickers.
type Runner struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	files       *services.FileService
	remote      services.Remote
	keys        *keycache.Cache
	config      *sc.Config
	logger      logging.Logger

	mu        sync.Mutex
	verifying map[string]struct{}

	now        func() time.Time
	removeFile func(path string) error
}

func NewRunner(db *sql.DB, m repomanager.RepositoryManager, files *services.FileService, r services.Remote, keys *keycache.Cache, cfg *sc.Config, logger logging.Logger) *Runner {
	return &Runner{
		db:          db,
		repomanager: m,
		files:       files,
		remote:      r,
		keys:        keys,
		config:      cfg,
		logger:      logger.With("module", "sweeps"),
		verifying:   make(map[string]struct{}),
		now:         time.Now,
		removeFile:  os.Remove,
	}
}

// Run blocks until ctx is cancelled, firing each sweep on its own interval.
// One select loop serializes them all.
func (r *Runner) Run(ctx context.Context) {
	retryT := time.NewTicker(r.config.RetryTickInterval)
	verifyT := time.NewTicker(r.config.VerifySweepInterval)
	trashT := time.NewTicker(r.config.TrashSweepInterval)
	staleT := time.NewTicker(r.config.StaleSweepInterval)
	retentionT := time.NewTicker(r.config.RetentionSweepInterval)
	keysT := time.NewTicker(r.config.KeyCacheSweepInterval)
	defer retryT.Stop()
	defer verifyT.Stop()
	defer trashT.Stop()
	defer staleT.Stop()
	defer retentionT.Stop()
	defer keysT.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-retryT.C:
			r.RetryTick(ctx)
		case <-verifyT.C:
			r.VerifySweep(ctx)
		case <-trashT.C:
			r.TrashSweep(ctx)
		case <-staleT.C:
			r.StaleSweep(ctx)
		case <-retentionT.C:
			r.RetentionSweep(ctx)
		case <-keysT.C:
			if n := r.keys.Sweep(); n > 0 {
				r.logger.Debug(ctx, "evicted expired session keys", "count", n)
			}
		}
	}
}

// backoffFor maps a record's attempt count onto the retry schedule; counts
// past the end of the schedule reuse the last interval.
func (r *Runner) backoffFor(retryCount int) time.Duration {
	schedule := r.config.RetryBackoffSchedule
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

// RetryTick re-queues failed transfers whose backoff window has elapsed.
// The retry timestamp is stamped before enqueueing so the next tick does
// not schedule the same record twice while it still sits in the queue.
func (r *Runner) RetryTick(ctx context.Context) {
	now := r.now()

	if n, err := r.repomanager.Files(r.db).FlagUnrecoverable(ctx); err != nil {
		r.logger.Error(ctx, "retry tick: flagging files", "error", err.Error())
	} else if n > 0 {
		r.logger.Warn(ctx, "files lost both local copy and fingerprint, operator attention needed", "count", n)
	}
	if n, err := r.repomanager.Chunks(r.db).FlagUnrecoverable(ctx); err != nil {
		r.logger.Error(ctx, "retry tick: flagging chunks", "error", err.Error())
	} else if n > 0 {
		r.logger.Warn(ctx, "chunks lost both local copy and fingerprint, operator attention needed", "count", n)
	}

	fls, err := r.repomanager.Files(r.db).SelectRetryable(ctx, models.RetryCeiling)
	if err != nil {
		r.logger.Error(ctx, "retry tick: selecting files", "error", err.Error())
	}
	for _, f := range fls {
		if !r.due(f.LastRetryAt, f.RetryCount, now) {
			continue
		}
		if err := r.repomanager.Files(r.db).TouchRetry(ctx, f.ID, now); err != nil {
			r.logger.Error(ctx, "retry tick: touching file", "file", f.ID, "error", err.Error())
			continue
		}
		metrics.RetriesScheduled.Inc()
		r.files.EnqueueFileUpload(f.ID)
	}

	chs, err := r.repomanager.Chunks(r.db).SelectRetryable(ctx, models.RetryCeiling)
	if err != nil {
		r.logger.Error(ctx, "retry tick: selecting chunks", "error", err.Error())
		return
	}
	for _, c := range chs {
		if !r.due(c.LastRetryAt, c.RetryCount, now) {
			continue
		}
		if err := r.repomanager.Chunks(r.db).TouchRetry(ctx, c.ID, now); err != nil {
			r.logger.Error(ctx, "retry tick: touching chunk", "chunk", c.ID, "error", err.Error())
			continue
		}
		metrics.RetriesScheduled.Inc()
		r.files.EnqueueChunkUpload(c.ID)
	}
}

func (r *Runner) due(lastRetryAt *time.Time, retryCount int, now time.Time) bool {
	if lastRetryAt == nil {
		return true
	}
	return now.Sub(*lastRetryAt) >= r.backoffFor(retryCount)
}

// VerifySweep probes the gateways for uploaded-but-unconfirmed objects, one
// bounded batch of files and chunks per run. A fingerprint already being
// probed is skipped; a failed row never aborts the rest of the batch.
func (r *Runner) VerifySweep(ctx context.Context) {
	fls, err := r.repomanager.Files(r.db).SelectUnverified(ctx, r.config.VerifyBatchSize)
	if err != nil {
		r.logger.Error(ctx, "verify sweep: selecting files", "error", err.Error())
	}
	for _, f := range fls {
		if !r.beginVerify(f.Fingerprint) {
			continue
		}
		ok := r.remote.Verify(ctx, f.Fingerprint, 1, 0)
		r.endVerify(f.Fingerprint)
		if !ok {
			continue
		}
		localPath := ""
		if f.LocalPath != nil {
			localPath = *f.LocalPath
		}
		if err := r.files.MarkFileVerified(ctx, f.ID, localPath); err != nil {
			r.logger.Error(ctx, "verify sweep: marking file", "file", f.ID, "error", err.Error())
		}
	}

	chs, err := r.repomanager.Chunks(r.db).SelectUnverified(ctx, r.config.VerifyBatchSize)
	if err != nil {
		r.logger.Error(ctx, "verify sweep: selecting chunks", "error", err.Error())
		return
	}
	for _, c := range chs {
		if !r.beginVerify(c.Fingerprint) {
			continue
		}
		ok := r.remote.Verify(ctx, c.Fingerprint, 1, 0)
		r.endVerify(c.Fingerprint)
		if !ok {
			continue
		}
		localPath := ""
		if c.LocalPath != nil {
			localPath = *c.LocalPath
		}
		if err := r.files.MarkChunkVerified(ctx, c.ID, localPath); err != nil {
			r.logger.Error(ctx, "verify sweep: marking chunk", "chunk", c.ID, "error", err.Error())
		}
	}
}

func (r *Runner) beginVerify(fingerprint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.verifying[fingerprint]; busy {
		return false
	}
	r.verifying[fingerprint] = struct{}{}
	return true
}

func (r *Runner) endVerify(fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.verifying, fingerprint)
}

// TrashSweep hard-deletes files trashed longer than the retention window.
// Their bytes left the quota at soft-delete time, so no counter moves here.
func (r *Runner) TrashSweep(ctx context.Context) {
	cutoff := r.now().Add(-r.config.TrashRetention)

	fls, err := r.repomanager.Files(r.db).SelectTrashedBefore(ctx, cutoff)
	if err != nil {
		r.logger.Error(ctx, "trash sweep: selecting", "error", err.Error())
		return
	}
	for _, f := range fls {
		if err := r.files.PurgeFile(ctx, f, false); err != nil {
			r.logger.Error(ctx, "trash sweep: purging", "file", f.ID, "error", err.Error())
		}
	}
}

// StaleSweep removes chunked sessions abandoned mid-upload: rows that sat
// in pending-chunks past the age ceiling with no chunk activity. The
// reserved quota is released; nothing was durable yet, so no grave is dug.
func (r *Runner) StaleSweep(ctx context.Context) {
	cutoff := r.now().Add(-r.config.StaleUploadMaxAge)

	fls, err := r.repomanager.Files(r.db).SelectStalePendingChunks(ctx, cutoff)
	if err != nil {
		r.logger.Error(ctx, "stale sweep: selecting", "error", err.Error())
		return
	}
	for _, f := range fls {
		if err := r.reapStale(ctx, f); err != nil {
			r.logger.Error(ctx, "stale sweep: reaping", "file", f.ID, "error", err.Error())
			continue
		}
		metrics.StaleUploadsReaped.Inc()
	}
}

func (r *Runner) reapStale(ctx context.Context, file *models.File) error {
	chs, err := r.repomanager.Chunks(r.db).SelectByFile(ctx, file.ID)
	if err != nil {
		return err
	}

	err = dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := r.repomanager.Chunks(tx).DeleteByFile(ctx, file.ID); err != nil {
			return err
		}
		if err := r.repomanager.Files(tx).Delete(ctx, file.ID); err != nil {
			return err
		}
		if err := r.repomanager.Users(tx).AdjustUsedBytes(ctx, file.UserID, -file.SizeBytes); err != nil {
			return err
		}
		return r.repomanager.Analytics(tx).Record(ctx, file.UserID, models.EventPurge, -file.SizeBytes)
	})
	if err != nil {
		return err
	}

	for _, c := range chs {
		if c.LocalPath == nil {
			continue
		}
		if err := r.removeFile(*c.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn(ctx, "stale sweep: removing local copy", "path", *c.LocalPath, "error", err.Error())
		}
	}
	return nil
}

// RetentionSweep scrubs accounts with no activity past the legal retention
// age: files are removed (see scrubUser), the folder tree and key material
// are deleted and the user row is anonymized in place.
func (r *Runner) RetentionSweep(ctx context.Context) {
	cutoff := r.now().Add(-r.config.InactiveAccountMaxAge)

	inactive, err := r.repomanager.Users(r.db).SelectInactiveSince(ctx, cutoff)
	if err != nil {
		r.logger.Error(ctx, "retention sweep: selecting", "error", err.Error())
		return
	}
	for _, u := range inactive {
		if err := r.scrubUser(ctx, u.ID); err != nil {
			r.logger.Error(ctx, "retention sweep: scrubbing", "user", u.ID, "error", err.Error())
		}
	}
}

// scrubUser removes one inactive account. Files that never became durable
// are purged outright; durable ones are soft-deleted so the trash reaper
// archives their handles before removal, preserving the graveyard trail.
func (r *Runner) scrubUser(ctx context.Context, userID string) error {
	fls, err := r.repomanager.Files(r.db).SelectByUser(ctx, userID)
	if err != nil {
		return err
	}
	now := r.now()
	for _, f := range fls {
		durable := f.Fingerprint != ""
		if !durable && f.Chunked {
			chs, err := r.repomanager.Chunks(r.db).SelectByFile(ctx, f.ID)
			if err != nil {
				return err
			}
			for _, c := range chs {
				if c.Fingerprint != "" {
					durable = true
					break
				}
			}
		}

		if !durable {
			if err := r.files.PurgeFile(ctx, f, false); err != nil {
				return err
			}
			continue
		}
		if f.Trashed() {
			continue
		}
		if err := r.repomanager.Files(r.db).SoftDelete(ctx, userID, f.ID, now); err != nil {
			return err
		}
	}

	err = dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := r.repomanager.Folders(tx).DeleteAllForUser(ctx, userID); err != nil {
			return err
		}
		if err := r.repomanager.UserCrypto(tx).Delete(ctx, userID); err != nil {
			return err
		}
		if err := r.repomanager.Users(tx).SetUsedBytes(ctx, userID, 0); err != nil {
			return err
		}
		if err := r.repomanager.Users(tx).Anonymize(ctx, userID); err != nil {
			return err
		}
		return r.repomanager.Analytics(tx).Record(ctx, userID, models.EventUserScrub, 0)
	})
	if err != nil {
		return err
	}

	r.keys.Delete(userID)
	r.logger.Info(ctx, "inactive account scrubbed", "user", userID)
	return nil
}
