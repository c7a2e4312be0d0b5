// Package repomanager is the factory layer over the entity repositories,
// wiring together repository constructors and database migrations (via goose).
package repomanager

import (
	"context"
	"database/sql"

	"github.com/hermitbox/hermitbox/internal/dbx"
	"github.com/hermitbox/hermitbox/internal/server/repositories/analytics"
	"github.com/hermitbox/hermitbox/internal/server/repositories/chunks"
	"github.com/hermitbox/hermitbox/internal/server/repositories/files"
	"github.com/hermitbox/hermitbox/internal/server/repositories/folders"
	"github.com/hermitbox/hermitbox/internal/server/repositories/graveyard"
	"github.com/hermitbox/hermitbox/internal/server/repositories/usercrypto"
	"github.com/hermitbox/hermitbox/internal/server/repositories/users"
)

// RepositoryManager hands out repositories bound to any DBTX, so the same
// code path works both directly on the pool and inside a transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	UserCrypto(db dbx.DBTX) usercrypto.Repository
	Folders(db dbx.DBTX) folders.Repository
	Files(db dbx.DBTX) files.Repository
	Chunks(db dbx.DBTX) chunks.Repository
	Graveyard(db dbx.DBTX) graveyard.Repository
	Analytics(db dbx.DBTX) analytics.Repository
}
