// Package models defines server-side data models persisted in the database.
package models

import "time"

// Storage tiers. The tier selects the per-file size ceiling at admission.
const (
	TierFree      = "free"
	TierPlus      = "plus"
	TierUnmetered = "unmetered" // internal testing identity; quota sum bypassed, hard ceiling still applies
)

// User carries identity plus the incremental storage counters. UsedBytes is
// maintained on every quota-changing transition and reconciled by sweep; it
// must equal the sum of sizes of the user's non-deleted, non-purged files.
type User struct {
	ID             string
	UserName       string
	AuthHash       []byte
	Tier           string
	UsedBytes      int64
	QuotaBytes     int64
	LastActivityAt time.Time
	CreatedAt      time.Time
	AnonymizedAt   *time.Time
}

// UserCrypto is the per-user key-hierarchy row: KDF salt and parameters, the
// master key wrapped under the password-derived wrapping key, and the sealed
// metadata blob. Replaced wholesale on password reset.
type UserCrypto struct {
	UserID           string
	KDFSalt          []byte
	KDFMode          string
	KDFTime          uint32
	KDFMemoryKiB     uint32
	KDFThreads       uint8
	KDFIterations    int
	WrappedMasterKey []byte
	MasterNonce      []byte
	MetadataBlob     []byte
	MetadataNonce    []byte
	// MetadataVersion is a monotonic counter used to detect lost updates
	// when the client pushes a new sealed blob.
	MetadataVersion int64
}
