package models

import "time"

// Chunk belongs to exactly one File, ordered by ChunkIndex (unique per
// file). Each chunk carries its own nonce and independent retry bookkeeping.
type Chunk struct {
	ID              string
	FileID          string
	ChunkIndex      int
	Nonce           []byte
	SizeBytes       int64
	Fingerprint     string
	GatewayVerified bool
	LocalPath       *string
	RetryCount      int
	LastRetryAt     *time.Time
	FailureReason   string
}

// Unrecoverable mirrors File.Unrecoverable for a single chunk.
func (c *Chunk) Unrecoverable() bool {
	return c.LocalPath == nil && c.Fingerprint == ""
}
