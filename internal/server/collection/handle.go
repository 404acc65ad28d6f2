// Package collection implements the Collection Handle: a lazily opened,
// exclusively owned SQLite store holding one user's sync-able objects.
//
// A Handle is not safe for concurrent use. The collection worker that owns it
// is the only goroutine allowed to call its methods.
package collection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/dbx"
	"github.com/dmitrijs2005/ankisync/internal/filex"
	"github.com/dmitrijs2005/ankisync/internal/server/collection/migrations"
	"github.com/pressly/goose/v3"
)

const (
	FileName = "collection.anki2"
	lockName = "collection.lock"
)

var errLocked = errors.New("collection is locked by another process")

type Handle struct {
	dir  string
	db   *sql.DB
	lock *fileLock
	now  func() time.Time
}

// New returns a closed handle on the collection stored in dir.
func New(dir string) *Handle {
	return &Handle{dir: dir, now: time.Now}
}

// Path returns the collection database file path.
func (h *Handle) Path() string { return filepath.Join(h.dir, FileName) }

// Dir returns the collection directory.
func (h *Handle) Dir() string { return h.dir }

func (h *Handle) IsOpen() bool { return h.db != nil }

// DB exposes the underlying database for test and debug inspection. It is
// nil while the handle is closed. Callers must respect the handle's
// single-owner rule.
func (h *Handle) DB() *sql.DB { return h.db }

// Open acquires the store. It is a no-op when already open. Every failure
// wraps common.ErrOpen: a missing directory, a lock held by another
// process, or a database that fails its integrity check or migration.
func (h *Handle) Open(ctx context.Context) error {
	if h.db != nil {
		return nil
	}

	if !filex.IsDir(h.dir) {
		return fmt.Errorf("%w: %s: %w", common.ErrOpen, h.dir, os.ErrNotExist)
	}

	lock, err := lockFile(filepath.Join(h.dir, lockName))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", common.ErrOpen, h.dir, err)
	}

	db, err := h.openDB(ctx)
	if err != nil {
		_ = lock.Unlock()
		return fmt.Errorf("%w: %s: %w", common.ErrOpen, h.Path(), err)
	}

	h.db = db
	h.lock = lock
	return nil
}

func (h *Handle) openDB(ctx context.Context) (*sql.DB, error) {
	db, err := dbx.OpenSQLite(ctx, h.Path())
	if err != nil {
		return nil, err
	}

	var status string
	if err := db.QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&status); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("integrity check: %w", err)
	}
	if status != "ok" {
		_ = db.Close()
		return nil, fmt.Errorf("integrity check: %s", status)
	}

	if err := dbx.Migrate(ctx, db, goose.DialectSQLite3, migrations.Migrations); err != nil {
		_ = db.Close()
		return nil, err
	}

	now := h.now().UnixMilli()
	if _, err := db.ExecContext(ctx,
		`UPDATE col SET mod = ?, scm = ? WHERE id = 1 AND scm = 0`, now, now); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init col: %w", err)
	}
	return db, nil
}

// Close releases the database and the lock. Closing a closed handle is a
// no-op.
func (h *Handle) Close() error {
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	if h.lock != nil {
		err = errors.Join(err, h.lock.Unlock())
	}
	h.db = nil
	h.lock = nil
	return err
}

// Queries returns the domain queries bound to the open database.
func (h *Handle) Queries() (*Queries, error) {
	if h.db == nil {
		return nil, fmt.Errorf("%w: collection not open", common.ErrOpen)
	}
	return &Queries{db: h.db}, nil
}

// InTx runs fn with queries bound to one transaction.
func (h *Handle) InTx(ctx context.Context, fn func(ctx context.Context, q *Queries) error) error {
	if h.db == nil {
		return fmt.Errorf("%w: collection not open", common.ErrOpen)
	}
	return dbx.WithTx(ctx, h.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, &Queries{db: tx})
	})
}
