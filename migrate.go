package accounts

import (
	"context"
	"fmt"
	"io/fs"

	goerrors "github.com/goliatone/go-errors"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/migrate"
)

const migrationsRoot = "data/sql/migrations"

// MigrationsFor returns the migration files matching the dialect of db
func MigrationsFor(db *bun.DB) (fs.FS, error) {
	var dir string
	switch db.Dialect().Name() {
	case dialect.SQLite:
		dir = "sqlite"
	case dialect.PG:
		dir = "postgres"
	default:
		return nil, fmt.Errorf("unsupported dialect %s", db.Dialect().Name())
	}
	return fs.Sub(migrationsFS, migrationsRoot+"/"+dir)
}

// RegisterMigrations hands the embedded migrations to a persistence client.
// Every dialect has its own directory under the migrations root, the client
// picks the one matching its database.
func RegisterMigrations(client *persistence.Client) error {
	fsys, err := fs.Sub(migrationsFS, migrationsRoot)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to resolve migrations")
	}

	client.RegisterDialectMigrations(
		fsys,
		persistence.WithDialectSourceLabel(migrationsRoot),
		persistence.WithValidationTargets("postgres", "sqlite"),
	)
	return nil
}

// Migrate applies every pending migration on db without a persistence
// client, embedders and tests use it against a bare bun.DB. It returns the
// number of migrations applied by this call.
func Migrate(ctx context.Context, db *bun.DB) (int, error) {
	fsys, err := MigrationsFor(db)
	if err != nil {
		return 0, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to resolve migrations")
	}

	migrations := migrate.NewMigrations()
	if err := migrations.Discover(fsys); err != nil {
		return 0, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to discover migrations")
	}

	migrator := migrate.NewMigrator(db, migrations)
	if err := migrator.Init(ctx); err != nil {
		return 0, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to init migrations")
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return 0, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to apply migrations")
	}

	if group == nil || group.IsZero() {
		return 0, nil
	}

	return len(group.Migrations), nil
}
