package repomanager

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/hermitbox/hermitbox/internal/dbx"
	"github.com/hermitbox/hermitbox/internal/server/migrations"
	"github.com/hermitbox/hermitbox/internal/server/repositories/analytics"
	"github.com/hermitbox/hermitbox/internal/server/repositories/chunks"
	"github.com/hermitbox/hermitbox/internal/server/repositories/files"
	"github.com/hermitbox/hermitbox/internal/server/repositories/folders"
	"github.com/hermitbox/hermitbox/internal/server/repositories/graveyard"
	"github.com/hermitbox/hermitbox/internal/server/repositories/usercrypto"
	"github.com/hermitbox/hermitbox/internal/server/repositories/users"
)

type PostgresRepositoryManager struct{}

func NewPostgresRepositoryManager() *PostgresRepositoryManager {
	return &PostgresRepositoryManager{}
}

func (m *PostgresRepositoryManager) Users(db dbx.DBTX) users.Repository {
	return users.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) UserCrypto(db dbx.DBTX) usercrypto.Repository {
	return usercrypto.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Folders(db dbx.DBTX) folders.Repository {
	return folders.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Files(db dbx.DBTX) files.Repository {
	return files.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Chunks(db dbx.DBTX) chunks.Repository {
	return chunks.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Graveyard(db dbx.DBTX) graveyard.Repository {
	return graveyard.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Analytics(db dbx.DBTX) analytics.Repository {
	return analytics.NewPostgresRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against db.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}

	if err := gooseUpContext(ctx, db, "."); err != nil {
		return err
	}

	return nil
}
