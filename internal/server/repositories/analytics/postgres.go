// Package analytics appends quota-changing transitions to the event ledger.
// The ledger is consumed by reporting only; the pipeline just writes it.
package analytics

import (
	"context"
	"fmt"

	"github.com/hermitbox/hermitbox/internal/dbx"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Record(ctx context.Context, userID, kind string, deltaBytes int64) error {
	query := `INSERT INTO analytics_events (user_id, kind, delta_bytes) VALUES ($1, $2, $3)`
	if _, err := r.db.ExecContext(ctx, query, userID, kind, deltaBytes); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
