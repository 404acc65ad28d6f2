package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/dbx"
	"github.com/dmitrijs2005/ankisync/internal/server/sessions/migrations"
	"github.com/pressly/goose/v3"
)

// Record is the persisted binding of a host key to its owner.
type Record struct {
	HostKey   string
	Owner     Owner
	CreatedAt time.Time
}

// Store persists host key bindings so sessions survive a restart.
type Store interface {
	// Save fails with common.ErrDuplicateSession if the key is taken.
	Save(ctx context.Context, r Record) error
	// Load fails with common.ErrSessionNotFound if the key is unknown.
	Load(ctx context.Context, hostKey string) (Record, error)
	// Delete is a no-op for unknown keys.
	Delete(ctx context.Context, hostKey string) error
	// DeleteOwner drops every binding of username and returns how many.
	DeleteOwner(ctx context.Context, username string) (int64, error)
}

type SQLiteStore struct {
	db  dbx.DBTX
	raw *sql.DB
}

func NewSQLiteStore(db dbx.DBTX) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenSQLiteStore opens and migrates the session database at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := dbx.OpenSQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	if err := dbx.Migrate(ctx, db, goose.DialectSQLite3, migrations.Migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session store: %w", err)
	}
	return &SQLiteStore{db: db, raw: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, r Record) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (host_key, username, dir, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(host_key) DO NOTHING`,
		r.HostKey, r.Owner.Username, r.Owner.Dir, r.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrDuplicateSession
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, hostKey string) (Record, error) {
	r := Record{HostKey: hostKey}
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT username, dir, created_at FROM sessions WHERE host_key = ?`, hostKey).
		Scan(&r.Owner.Username, &r.Owner.Dir, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, common.ErrSessionNotFound
		}
		return Record{}, fmt.Errorf("db error: %w", err)
	}
	r.CreatedAt = time.Unix(created, 0).UTC()
	return r, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, hostKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE host_key = ?`, hostKey); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteOwner(ctx context.Context, username string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE username = ?`, username)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

// Close closes the database if the store opened it.
func (s *SQLiteStore) Close() error {
	if s.raw == nil {
		return nil
	}
	return s.raw.Close()
}

// nopStore keeps nothing; sessions then live only in memory.
type nopStore struct{}

func (nopStore) Save(context.Context, Record) error { return nil }
func (nopStore) Load(context.Context, string) (Record, error) {
	return Record{}, common.ErrSessionNotFound
}
func (nopStore) Delete(context.Context, string) error { return nil }
func (nopStore) DeleteOwner(context.Context, string) (int64, error) {
	return 0, nil
}
