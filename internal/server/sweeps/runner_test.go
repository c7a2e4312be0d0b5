package sweeps

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hermitbox/hermitbox/internal/common"
	"github.com/hermitbox/hermitbox/internal/dbx"
	"github.com/hermitbox/hermitbox/internal/logging"
	"github.com/hermitbox/hermitbox/internal/server/config"
	"github.com/hermitbox/hermitbox/internal/server/keycache"
	"github.com/hermitbox/hermitbox/internal/server/models"
	"github.com/hermitbox/hermitbox/internal/server/queue"
	"github.com/hermitbox/hermitbox/internal/server/remote"
	"github.com/hermitbox/hermitbox/internal/server/repositories/analytics"
	"github.com/hermitbox/hermitbox/internal/server/repositories/chunks"
	"github.com/hermitbox/hermitbox/internal/server/repositories/files"
	"github.com/hermitbox/hermitbox/internal/server/repositories/folders"
	"github.com/hermitbox/hermitbox/internal/server/repositories/graveyard"
	"github.com/hermitbox/hermitbox/internal/server/repositories/repomanager"
	"github.com/hermitbox/hermitbox/internal/server/repositories/usercrypto"
	"github.com/hermitbox/hermitbox/internal/server/repositories/users"
	"github.com/hermitbox/hermitbox/internal/server/services"
)

// -------- fakes --------

type fakeFilesRepo struct {
	files.Repository
	mu         sync.Mutex
	retryable  []*models.File
	unverified []*models.File
	trashed    []*models.File
	stale      []*models.File
	byUser     []*models.File

	touched     []string
	verified    []string
	deleted     []string
	softDeleted []string
	flagged     int64
}

func (f *fakeFilesRepo) FlagUnrecoverable(ctx context.Context) (int64, error) {
	return f.flagged, nil
}

func (f *fakeFilesRepo) SoftDelete(ctx context.Context, userID, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.softDeleted = append(f.softDeleted, id)
	return nil
}

func (f *fakeFilesRepo) SelectRetryable(ctx context.Context, ceiling int) ([]*models.File, error) {
	return f.retryable, nil
}
func (f *fakeFilesRepo) SelectUnverified(ctx context.Context, limit int) ([]*models.File, error) {
	return f.unverified, nil
}
func (f *fakeFilesRepo) SelectTrashedBefore(ctx context.Context, cutoff time.Time) ([]*models.File, error) {
	return f.trashed, nil
}
func (f *fakeFilesRepo) SelectStalePendingChunks(ctx context.Context, cutoff time.Time) ([]*models.File, error) {
	return f.stale, nil
}
func (f *fakeFilesRepo) SelectByUser(ctx context.Context, userID string) ([]*models.File, error) {
	return f.byUser, nil
}
func (f *fakeFilesRepo) TouchRetry(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}
func (f *fakeFilesRepo) MarkVerified(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, id)
	return nil
}
func (f *fakeFilesRepo) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}
func (f *fakeFilesRepo) GetByID(ctx context.Context, id string) (*models.File, error) {
	return nil, common.ErrorNotFound
}

type fakeChunksRepo struct {
	chunks.Repository
	mu         sync.Mutex
	retryable  []*models.Chunk
	unverified []*models.Chunk
	byFile     map[string][]*models.Chunk

	touched   []string
	verified  []string
	deletedBy []string
}

func (f *fakeChunksRepo) FlagUnrecoverable(ctx context.Context) (int64, error) { return 0, nil }

func (f *fakeChunksRepo) SelectRetryable(ctx context.Context, ceiling int) ([]*models.Chunk, error) {
	return f.retryable, nil
}
func (f *fakeChunksRepo) SelectUnverified(ctx context.Context, limit int) ([]*models.Chunk, error) {
	return f.unverified, nil
}
func (f *fakeChunksRepo) SelectByFile(ctx context.Context, fileID string) ([]*models.Chunk, error) {
	return f.byFile[fileID], nil
}
func (f *fakeChunksRepo) TouchRetry(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}
func (f *fakeChunksRepo) MarkVerified(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, id)
	return nil
}
func (f *fakeChunksRepo) DeleteByFile(ctx context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedBy = append(f.deletedBy, fileID)
	return nil
}
func (f *fakeChunksRepo) GetByID(ctx context.Context, id string) (*models.Chunk, error) {
	return nil, common.ErrorNotFound
}

type fakeUsersRepo struct {
	users.Repository
	mu         sync.Mutex
	inactive   []*models.User
	deltas     []int64
	setUsed    []string
	anonymized []string
}

func (f *fakeUsersRepo) SelectInactiveSince(ctx context.Context, cutoff time.Time) ([]*models.User, error) {
	return f.inactive, nil
}
func (f *fakeUsersRepo) AdjustUsedBytes(ctx context.Context, userID string, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, delta)
	return nil
}
func (f *fakeUsersRepo) SetUsedBytes(ctx context.Context, userID string, used int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setUsed = append(f.setUsed, userID)
	return nil
}
func (f *fakeUsersRepo) Anonymize(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anonymized = append(f.anonymized, userID)
	return nil
}

type fakeCryptoRepo struct {
	usercrypto.Repository
	deleted []string
}

func (f *fakeCryptoRepo) Delete(ctx context.Context, userID string) error {
	f.deleted = append(f.deleted, userID)
	return nil
}

type fakeFoldersRepo struct {
	folders.Repository
	deletedFor []string
}

func (f *fakeFoldersRepo) DeleteAllForUser(ctx context.Context, userID string) error {
	f.deletedFor = append(f.deletedFor, userID)
	return nil
}

type fakeGraveyardRepo struct {
	graveyard.Repository
	entries []*models.GraveyardEntry
}

func (f *fakeGraveyardRepo) Archive(ctx context.Context, e *models.GraveyardEntry, chs []*models.GraveyardChunk) error {
	f.entries = append(f.entries, e)
	return nil
}

type fakeAnalyticsRepo struct {
	analytics.Repository
	mu     sync.Mutex
	kinds  []string
	deltas []int64
}

func (f *fakeAnalyticsRepo) Record(ctx context.Context, userID, kind string, deltaBytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	f.deltas = append(f.deltas, deltaBytes)
	return nil
}

type fakeRM struct {
	repomanager.RepositoryManager
	u  *fakeUsersRepo
	uc *fakeCryptoRepo
	fo *fakeFoldersRepo
	f  *fakeFilesRepo
	c  *fakeChunksRepo
	g  *fakeGraveyardRepo
	a  *fakeAnalyticsRepo
}

func (m *fakeRM) Users(db dbx.DBTX) users.Repository           { return m.u }
func (m *fakeRM) UserCrypto(db dbx.DBTX) usercrypto.Repository { return m.uc }
func (m *fakeRM) Folders(db dbx.DBTX) folders.Repository       { return m.fo }
func (m *fakeRM) Files(db dbx.DBTX) files.Repository           { return m.f }
func (m *fakeRM) Chunks(db dbx.DBTX) chunks.Repository         { return m.c }
func (m *fakeRM) Graveyard(db dbx.DBTX) graveyard.Repository   { return m.g }
func (m *fakeRM) Analytics(db dbx.DBTX) analytics.Repository   { return m.a }

type fakeRemote struct {
	mu       sync.Mutex
	uploads  []string
	verifyOK bool
	verified []string
}

func (f *fakeRemote) Upload(ctx context.Context, localPath, remoteName string) (*remote.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, remoteName)
	return &remote.UploadResult{Fingerprint: "cafe"}, nil
}

func (f *fakeRemote) Verify(ctx context.Context, fingerprint string, attempts int, delay time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, fingerprint)
	return f.verifyOK
}

func (f *fakeRemote) Download(ctx context.Context, fingerprint, destPath string) bool { return false }

// -------- helpers --------

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

type env struct {
	runner *Runner
	rm     *fakeRM
	rem    *fakeRemote
	q      *queue.Queue
	keys   *keycache.Cache
	mock   sqlmock.Sqlmock
	now    time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.InlineVerifyAttempts = 1
	cfg.InlineVerifyDelay = 0

	rm := &fakeRM{
		u:  &fakeUsersRepo{},
		uc: &fakeCryptoRepo{},
		fo: &fakeFoldersRepo{},
		f:  &fakeFilesRepo{},
		c:  &fakeChunksRepo{byFile: make(map[string][]*models.Chunk)},
		g:  &fakeGraveyardRepo{},
		a:  &fakeAnalyticsRepo{},
	}
	rem := &fakeRemote{verifyOK: true}
	q := queue.New(context.Background(), testLogger())
	keys := keycache.New(time.Hour)

	fs := services.NewFileService(db, rm, rem, q, cfg, testLogger())

	r := NewRunner(db, rm, fs, rem, keys, cfg, testLogger())
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	r.removeFile = func(string) error { return nil }

	return &env{runner: r, rm: rm, rem: rem, q: q, keys: keys, mock: mock, now: now}
}

func tptr(t time.Time) *time.Time { return &t }

// -------- tests --------

func TestBackoffSchedule(t *testing.T) {
	e := newEnv(t)

	cases := []struct {
		count int
		want  time.Duration
	}{
		{1, 5 * time.Minute},
		{2, 30 * time.Minute},
		{3, 120 * time.Minute},
		{7, 120 * time.Minute},
	}
	for _, c := range cases {
		if got := e.runner.backoffFor(c.count); got != c.want {
			t.Fatalf("backoffFor(%d) = %v, want %v", c.count, got, c.want)
		}
	}
}

func TestRetryTick_OnlyDueRecords(t *testing.T) {
	e := newEnv(t)

	lp := "/tmp/f"
	e.rm.f.retryable = []*models.File{
		{ID: "due", RetryCount: 1, LastRetryAt: tptr(e.now.Add(-10 * time.Minute)), LocalPath: &lp},
		{ID: "fresh", RetryCount: 1, LastRetryAt: tptr(e.now.Add(-time.Minute)), LocalPath: &lp},
		{ID: "never", RetryCount: 2, LocalPath: &lp},
	}

	e.runner.RetryTick(context.Background())
	e.q.Wait()

	if len(e.rm.f.touched) != 2 {
		t.Fatalf("expected due and never-stamped records scheduled, touched=%v", e.rm.f.touched)
	}
	for _, id := range e.rm.f.touched {
		if id == "fresh" {
			t.Fatal("a record inside its backoff window must not be scheduled")
		}
	}
}

func TestRetryTick_FirstFailureWaitsFullWindow(t *testing.T) {
	e := newEnv(t)

	// state left behind by RecordFailure: one attempt on record, the retry
	// stamp set at failure time moments ago
	lp := "/tmp/c"
	e.rm.c.retryable = []*models.Chunk{
		{ID: "c-1", FileID: "f-1", RetryCount: 1, LastRetryAt: tptr(e.now.Add(-time.Minute)), LocalPath: &lp},
	}

	e.runner.RetryTick(context.Background())
	e.q.Wait()

	if len(e.rm.c.touched) != 0 {
		t.Fatalf("a chunk that just failed must sit out its first backoff window, touched=%v", e.rm.c.touched)
	}
}

func TestRetryTick_ReschedulesStrandedUpload(t *testing.T) {
	e := newEnv(t)

	// a restart loses the in-memory queue; the row has never been attempted
	lp := "/tmp/f"
	e.rm.f.retryable = []*models.File{
		{ID: "f-1", UserID: "u-1", Status: models.StatusPending, LocalPath: &lp},
	}

	e.runner.RetryTick(context.Background())
	e.q.Wait()

	if len(e.rm.f.touched) != 1 || e.rm.f.touched[0] != "f-1" {
		t.Fatalf("a never-attempted upload should be rescheduled immediately, touched=%v", e.rm.f.touched)
	}
}

func TestRetryTick_StampsBeforeEnqueue(t *testing.T) {
	e := newEnv(t)

	lp := "/tmp/c"
	e.rm.c.retryable = []*models.Chunk{
		{ID: "c-1", FileID: "f-1", RetryCount: 2, LastRetryAt: tptr(e.now.Add(-time.Hour)), LocalPath: &lp},
	}

	e.runner.RetryTick(context.Background())

	// the stamp lands synchronously during the tick, before the queue runs
	e.rm.c.mu.Lock()
	touched := len(e.rm.c.touched)
	e.rm.c.mu.Unlock()
	if touched != 1 {
		t.Fatalf("retry stamp should precede the transfer, touched=%d", touched)
	}
	e.q.Wait()
}

func TestVerifySweep_MarksConfirmed(t *testing.T) {
	e := newEnv(t)

	lp := "/tmp/f"
	e.rm.f.unverified = []*models.File{{ID: "f-1", Fingerprint: "aa", LocalPath: &lp}}
	e.rm.c.unverified = []*models.Chunk{{ID: "c-1", FileID: "f-2", Fingerprint: "bb"}}

	e.runner.VerifySweep(context.Background())

	if len(e.rm.f.verified) != 1 || e.rm.f.verified[0] != "f-1" {
		t.Fatalf("file should be marked verified, got %v", e.rm.f.verified)
	}
	if len(e.rm.c.verified) != 1 || e.rm.c.verified[0] != "c-1" {
		t.Fatalf("chunk should be marked verified, got %v", e.rm.c.verified)
	}
}

func TestVerifySweep_GatewayNotYet(t *testing.T) {
	e := newEnv(t)
	e.rem.verifyOK = false

	e.rm.f.unverified = []*models.File{{ID: "f-1", Fingerprint: "aa"}}
	e.runner.VerifySweep(context.Background())

	if len(e.rm.f.verified) != 0 {
		t.Fatal("an unconfirmed object must stay unverified")
	}
}

func TestVerifyGuard_OneProbePerFingerprint(t *testing.T) {
	e := newEnv(t)

	if !e.runner.beginVerify("aa") {
		t.Fatal("first probe should proceed")
	}
	if e.runner.beginVerify("aa") {
		t.Fatal("second probe of the same fingerprint must be skipped")
	}
	e.runner.endVerify("aa")
	if !e.runner.beginVerify("aa") {
		t.Fatal("probe should proceed again after release")
	}
}

func TestTrashSweep_PurgesWithoutQuotaChange(t *testing.T) {
	e := newEnv(t)
	e.mock.ExpectBegin()
	e.mock.ExpectCommit()

	e.rm.f.trashed = []*models.File{
		{ID: "f-1", UserID: "u-1", SizeBytes: 50, Fingerprint: "aa", DeletedAt: tptr(e.now.Add(-48 * time.Hour))},
	}

	e.runner.TrashSweep(context.Background())

	if len(e.rm.f.deleted) != 1 {
		t.Fatalf("trashed file should be hard-deleted, deleted=%v", e.rm.f.deleted)
	}
	if len(e.rm.g.entries) != 1 {
		t.Fatal("fingerprinted file should be archived")
	}
	if len(e.rm.u.deltas) != 0 {
		t.Fatalf("quota was already released at soft delete, deltas=%v", e.rm.u.deltas)
	}
	if e.rm.a.kinds[0] != models.EventPurge || e.rm.a.deltas[0] != 0 {
		t.Fatalf("ledger should record a zero-delta purge, kinds=%v deltas=%v", e.rm.a.kinds, e.rm.a.deltas)
	}
}

func TestStaleSweep_ReleasesQuotaNoGrave(t *testing.T) {
	e := newEnv(t)
	e.mock.ExpectBegin()
	e.mock.ExpectCommit()

	e.rm.f.stale = []*models.File{
		{ID: "f-1", UserID: "u-1", SizeBytes: 30, Status: models.StatusPendingChunks},
	}
	lp := "/tmp/c0"
	e.rm.c.byFile["f-1"] = []*models.Chunk{{ID: "c-0", FileID: "f-1", LocalPath: &lp}}

	e.runner.StaleSweep(context.Background())

	if len(e.rm.f.deleted) != 1 || len(e.rm.c.deletedBy) != 1 {
		t.Fatal("stale session rows should be removed")
	}
	if len(e.rm.u.deltas) != 1 || e.rm.u.deltas[0] != -30 {
		t.Fatalf("reserved quota should be released, deltas=%v", e.rm.u.deltas)
	}
	if len(e.rm.g.entries) != 0 {
		t.Fatal("an abandoned session digs no grave")
	}
}

func TestRetentionSweep_ScrubsAccount(t *testing.T) {
	e := newEnv(t)
	e.mock.ExpectBegin()
	e.mock.ExpectCommit()
	e.mock.ExpectBegin()
	e.mock.ExpectCommit()

	e.rm.u.inactive = []*models.User{{ID: "u-1", UserName: "alice"}}
	lp := "/tmp/f2"
	e.rm.f.byUser = []*models.File{
		{ID: "f-1", UserID: "u-1", Fingerprint: "aa", SizeBytes: 10},
		{ID: "f-2", UserID: "u-1", SizeBytes: 5, LocalPath: &lp},
	}
	e.keys.Put("u-1", make([]byte, 32))

	e.runner.RetentionSweep(context.Background())

	if len(e.rm.f.softDeleted) != 1 || e.rm.f.softDeleted[0] != "f-1" {
		t.Fatalf("durable file should go through trash for its graveyard trail, soft=%v", e.rm.f.softDeleted)
	}
	if len(e.rm.f.deleted) != 1 || e.rm.f.deleted[0] != "f-2" {
		t.Fatalf("local-only file should be purged outright, deleted=%v", e.rm.f.deleted)
	}
	if len(e.rm.fo.deletedFor) != 1 || len(e.rm.uc.deleted) != 1 {
		t.Fatal("folders and key material should be removed")
	}
	if len(e.rm.u.anonymized) != 1 {
		t.Fatal("the user row should be anonymized")
	}
	if _, ok := e.keys.Get("u-1"); ok {
		t.Fatal("the cached session key should be evicted")
	}
	last := e.rm.a.kinds[len(e.rm.a.kinds)-1]
	if last != models.EventUserScrub {
		t.Fatalf("ledger should record the scrub, kinds=%v", e.rm.a.kinds)
	}
}
