// Package migrate applies the embedded goose migrations of a store adapter.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"cardscan/internal/logging"
)

type Dialect = goose.Dialect

const (
	Postgres = goose.DialectPostgres
	SQLite   = goose.DialectSQLite3
)

// Up applies every pending migration found at the root of fsys.
func Up(ctx context.Context, db *sql.DB, dialect Dialect, fsys fs.FS) error {
	p, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log := logging.FromContext(ctx)
	for _, r := range results {
		log.Info("migration applied", "version", r.Source.Version, "duration_ms", r.Duration.Milliseconds())
	}
	return nil
}

// Version reports the newest applied migration.
func Version(ctx context.Context, db *sql.DB, dialect Dialect, fsys fs.FS) (int64, error) {
	p, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return 0, fmt.Errorf("migration provider: %w", err)
	}
	return p.GetDBVersion(ctx)
}
