package models

import "time"

// GraveyardEntry is a write-once archival copy of a purged file's durability
// handles, retained for audit after the live row is removed. Never mutated.
type GraveyardEntry struct {
	ID          string
	FileID      string
	UserID      string
	Fingerprint string
	SizeBytes   int64
	ArchivedAt  time.Time
}

// GraveyardChunk archives one chunk's handles under a GraveyardEntry.
type GraveyardChunk struct {
	ID          string
	EntryID     string
	ChunkIndex  int
	Fingerprint string
	SizeBytes   int64
}
