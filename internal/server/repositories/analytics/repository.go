package analytics

import "context"

type Repository interface {
	// Record appends one signed byte delta to the ledger.
	Record(ctx context.Context, userID, kind string, deltaBytes int64) error
}
