package models

import "time"

// Analytics event kinds. The ledger is append-only; reporting reconstructs
// point-in-time aggregates from signed deltas without scanning live tables.
const (
	EventUpload    = "upload"
	EventPrune     = "prune"
	EventRestore   = "restore"
	EventPurge     = "purge"
	EventUserJoin  = "user_join"
	EventUserScrub = "user_scrub"
)

// AnalyticsEvent is one signed byte delta in the ledger.
type AnalyticsEvent struct {
	ID         int64
	UserID     string
	Kind       string
	DeltaBytes int64
	RecordedAt time.Time
}
