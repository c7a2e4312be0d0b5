package models

import "time"

// File lifecycle states. Chunked files use the pending-chunks /
// chunked-complete pair; their effective state is derived from chunk flags.
const (
	StatusPending         = "pending"
	StatusPendingChunks   = "pending-chunks"
	StatusChunkedComplete = "chunked-complete"
	StatusUploaded        = "uploaded"
	StatusVerified        = "verified"
)

// RetryCeiling is the number of automatic retries after which the scheduler
// leaves a record for manual operator retry.
const RetryCeiling = 3

// FailureUnrecoverable marks a record that lost both its local failover copy
// and its fingerprint; there is nothing left to retry from and an operator
// has to intervene.
const FailureUnrecoverable = "unrecoverable"

// File is the central pipeline entity. The ciphertext itself lives on local
// failover disk until the remote network confirms durability; LocalPath is
// cleared (and the bytes deleted) once GatewayVerified flips.
type File struct {
	ID              string
	UserID          string
	FolderID        string
	WrappedFileKey  []byte
	KeyNonce        []byte
	SizeBytes       int64
	Chunked         bool
	ChunkCount      int
	Status          string
	RemoteID        string // name of the object on the remote network
	Fingerprint     string // normalized hex content fingerprint; durability handle
	GatewayVerified bool
	LocalPath       *string
	RetryCount      int
	LastRetryAt     *time.Time
	FailureReason   string
	DeletedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Trashed reports whether the file is soft-deleted.
func (f *File) Trashed() bool { return f.DeletedAt != nil }

// EffectiveStatus derives a chunked file's status from its chunks: verified
// if all chunks are gateway-verified, uploaded if all carry a fingerprint,
// else pending. Monolithic files report their stored status.
func (f *File) EffectiveStatus(chunks []*Chunk) string {
	if !f.Chunked {
		return f.Status
	}
	if len(chunks) < f.ChunkCount || f.ChunkCount == 0 {
		return StatusPending
	}
	allVerified, allUploaded := true, true
	for _, c := range chunks {
		if !c.GatewayVerified {
			allVerified = false
		}
		if c.Fingerprint == "" {
			allUploaded = false
		}
	}
	switch {
	case allVerified:
		return StatusVerified
	case allUploaded:
		return StatusUploaded
	default:
		return StatusPending
	}
}

// Unrecoverable reports whether the record has neither a local failover copy
// nor a fingerprint, i.e. nothing left to retry from.
func (f *File) Unrecoverable() bool {
	return f.LocalPath == nil && f.Fingerprint == ""
}
