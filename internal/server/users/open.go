package users

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/ankisync/internal/dbx"
	"github.com/dmitrijs2005/ankisync/internal/server/users/migrations"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// IsPostgresDSN reports whether dsn selects the PostgreSQL store.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// openPostgres is a seam for tests; it must return a reachable database.
var openPostgres = func(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Open connects to the credential store named by dsn, migrates it and
// returns a Service owning the connection.
func Open(ctx context.Context, dsn, dataRoot string) (*Service, error) {
	var (
		db      *sql.DB
		repo    Repository
		dialect goose.Dialect
		err     error
	)

	if IsPostgresDSN(dsn) {
		db, err = openPostgres(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("credential store: %w", err)
		}
		dialect = goose.DialectPostgres
		repo = NewPostgresRepository(db)
		err = dbx.Migrate(ctx, db, dialect, migrations.Postgres())
	} else {
		db, err = dbx.OpenSQLite(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("credential store: %w", err)
		}
		dialect = goose.DialectSQLite3
		repo = NewSQLiteRepository(db)
		err = dbx.Migrate(ctx, db, dialect, migrations.SQLite())
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("credential store (%s): %w", dialect, err)
	}

	s := NewService(repo, dataRoot)
	s.db = db
	return s, nil
}
