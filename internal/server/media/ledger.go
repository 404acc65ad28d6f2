// Package media implements the Media Ledger: an index of one collection's
// media files in which every committed change carries a unique, strictly
// increasing USN.
//
// Changes are first registered as pending (AddFile, AddRelayed, AddData,
// Remove) and held in memory. FindChanges commits them in one transaction
// and only then touches the blob store. A Savepoint taken before a batch
// lets the caller drop the batch again with Rollback. A pending entry
// keeps the USN it arrived with unless BumpForServerChange stamps it, which
// is only done for changes attributed to the server.
//
// Like the collection handle, a Ledger belongs to the collection worker and is
// not safe for concurrent use.
package media

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/dbx"
	"github.com/dmitrijs2005/ankisync/internal/filex"
	"github.com/dmitrijs2005/ankisync/internal/server/media/migrations"
	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/zeebo/blake3"
	"golang.org/x/text/unicode/norm"
)

// DBFileName is the ledger database inside the collection directory.
const DBFileName = "collection.media.db"

// Entry is one media file as recorded by the ledger. Usn 0 means the entry
// was never assigned a USN.
type Entry struct {
	Name    string `json:"fname"`
	ID      string `json:"id"`
	Csum    string `json:"csum"`
	Usn     int64  `json:"usn"`
	Deleted bool   `json:"deleted"`
	Mtime   int64  `json:"mtime"`
}

type pendingEntry struct {
	Entry
	data []byte
	seq  int
}

type Ledger struct {
	db      *sql.DB
	blobs   BlobStore
	lastUsn int64
	pending []*pendingEntry
	seq     int
	now     func() time.Time
}

// Open opens (creating if needed) the ledger of the collection in dir.
// Failures wrap common.ErrOpen.
func Open(ctx context.Context, dir string, blobs BlobStore) (*Ledger, error) {
	if !filex.IsDir(dir) {
		return nil, fmt.Errorf("%w: %s: %w", common.ErrOpen, dir, os.ErrNotExist)
	}

	path := filepath.Join(dir, DBFileName)
	db, err := dbx.OpenSQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: media db: %w", common.ErrOpen, err)
	}
	if err := dbx.Migrate(ctx, db, goose.DialectSQLite3, migrations.Migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: media db: %w", common.ErrOpen, err)
	}

	l := &Ledger{db: db, blobs: blobs, now: time.Now}
	if err := db.QueryRowContext(ctx, `SELECT last_usn FROM meta WHERE id = 1`).Scan(&l.lastUsn); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: media db: %w", common.ErrOpen, err)
	}
	return l, nil
}

// LastUsn returns the current counter value.
func (l *Ledger) LastUsn() int64 { return l.lastUsn }

// SetUsn moves the counter to n. Lowering it fails with
// common.ErrNonMonotonic and leaves the ledger unchanged.
func (l *Ledger) SetUsn(n int64) error {
	if n < l.lastUsn {
		return fmt.Errorf("%w: %d < %d", common.ErrNonMonotonic, n, l.lastUsn)
	}
	l.lastUsn = n
	return nil
}

// BumpForServerChange increments the counter and stamps the most recently
// added pending entry with the new value. It returns the new value.
func (l *Ledger) BumpForServerChange() int64 {
	l.lastUsn++
	if n := len(l.pending); n > 0 {
		l.pending[n-1].Usn = l.lastUsn
	}
	return l.lastUsn
}

// AddFile reads the file at path and registers it as a pending entry named
// after its NFC-normalised base name. The counter is not touched.
func (l *Ledger) AddFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("add media file: %w", err)
	}
	return l.AddData(ctx, filepath.Base(path), data)
}

// AddData registers content under name as a pending entry without a USN.
func (l *Ledger) AddData(ctx context.Context, name string, data []byte) (string, error) {
	return l.addPending(ctx, name, data, 0, false)
}

// AddRelayed registers a change whose USN was assigned by the peer it came
// from. The USN must be above the current counter, which is raised to it.
func (l *Ledger) AddRelayed(ctx context.Context, name string, data []byte, usn int64) (string, error) {
	if usn <= l.lastUsn {
		return "", fmt.Errorf("%w: relayed usn %d <= %d", common.ErrNonMonotonic, usn, l.lastUsn)
	}
	id, err := l.addPending(ctx, name, data, usn, false)
	if err != nil {
		return "", err
	}
	l.lastUsn = usn
	return id, nil
}

// Remove registers a pending deletion of name. The content is dropped from
// the blob store when the deletion is committed.
func (l *Ledger) Remove(ctx context.Context, name string) error {
	_, err := l.addPending(ctx, name, nil, 0, true)
	return err
}

func (l *Ledger) addPending(_ context.Context, name string, data []byte, usn int64, deleted bool) (string, error) {
	name = norm.NFC.String(name)
	if _, err := filex.SafeJoin("", name); err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrorValidation, err)
	}

	e := &pendingEntry{
		Entry: Entry{
			Name:    name,
			ID:      uuid.NewString(),
			Usn:     usn,
			Deleted: deleted,
			Mtime:   l.now().Unix(),
		},
		data: data,
	}
	if !deleted {
		e.Csum = ContentChecksum(data)
	}

	l.pending = slices.DeleteFunc(l.pending, func(p *pendingEntry) bool { return p.Name == name })
	l.seq++
	e.seq = l.seq
	l.pending = append(l.pending, e)
	return e.ID, nil
}

// Pending returns the number of uncommitted entries.
func (l *Ledger) Pending() int { return len(l.pending) }

// Savepoint is the uncommitted state of a ledger at one moment.
type Savepoint struct {
	lastUsn int64
	seq     int
	pending []pendingEntry
}

// Savepoint records the counter and the pending entries.
func (l *Ledger) Savepoint() Savepoint {
	sp := Savepoint{lastUsn: l.lastUsn, seq: l.seq, pending: make([]pendingEntry, len(l.pending))}
	for i, p := range l.pending {
		sp.pending[i] = *p
	}
	return sp
}

// Rollback restores the state recorded by sp, dropping whatever was
// registered or bumped since. Pending content never reaches the blob store
// before a commit, so nothing else needs undoing.
func (l *Ledger) Rollback(sp Savepoint) {
	l.lastUsn = sp.lastUsn
	l.seq = sp.seq
	l.pending = make([]*pendingEntry, len(sp.pending))
	for i := range sp.pending {
		e := sp.pending[i]
		l.pending[i] = &e
	}
}

// FindChanges commits every pending entry together with the counter and
// returns the committed entries in commit order: unassigned entries first
// in the order they were added, then ascending USN. The result is empty
// when nothing is pending.
//
// New content is written to the blob store inside the transaction, so a
// failed write leaves every entry pending and the ledger rows untouched.
// Content of deleted entries is dropped after the commit; those failures
// are returned together with the committed entries.
func (l *Ledger) FindChanges(ctx context.Context) ([]Entry, error) {
	if len(l.pending) == 0 {
		return []Entry{}, nil
	}

	batch := slices.Clone(l.pending)
	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Usn != batch[j].Usn {
			return batch[i].Usn < batch[j].Usn
		}
		return batch[i].seq < batch[j].seq
	})

	err := dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, e := range batch {
			if !e.Deleted {
				if err := l.blobs.Put(ctx, e.Name, e.data); err != nil {
					return fmt.Errorf("store %s: %w", e.Name, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO media (fname, id, csum, usn, deleted, mtime) VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT(fname) DO UPDATE SET id = excluded.id, csum = excluded.csum,
				 usn = excluded.usn, deleted = excluded.deleted, mtime = excluded.mtime`,
				e.Name, e.ID, e.Csum, e.Usn, e.Deleted, e.Mtime)
			if err != nil {
				return fmt.Errorf("db error: %w", err)
			}
		}
		return l.writeCounter(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("commit media changes: %w", err)
	}

	l.pending = nil

	out := make([]Entry, 0, len(batch))
	var errs []error
	for _, e := range batch {
		if e.Deleted {
			if err := l.blobs.Delete(ctx, e.Name); err != nil {
				errs = append(errs, err)
			}
		}
		out = append(out, e.Entry)
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("commit media changes: %w", errors.Join(errs...))
	}
	return out, nil
}

func (l *Ledger) writeCounter(ctx context.Context, db dbx.DBTX) error {
	if _, err := db.ExecContext(ctx, `UPDATE meta SET last_usn = ? WHERE id = 1`, l.lastUsn); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ChangesSince returns committed entries with usn > usn in ascending order.
func (l *Ledger) ChangesSince(ctx context.Context, usn int64) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT fname, id, csum, usn, deleted, mtime FROM media WHERE usn > ? ORDER BY usn, fname`, usn)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Name, &e.ID, &e.Csum, &e.Usn, &e.Deleted, &e.Mtime); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

// Entry returns the committed entry for name or common.ErrorNotFound.
func (l *Ledger) Entry(ctx context.Context, name string) (Entry, error) {
	var e Entry
	err := l.db.QueryRowContext(ctx,
		`SELECT fname, id, csum, usn, deleted, mtime FROM media WHERE fname = ?`, norm.NFC.String(name)).
		Scan(&e.Name, &e.ID, &e.Csum, &e.Usn, &e.Deleted, &e.Mtime)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, common.ErrorNotFound
		}
		return Entry{}, fmt.Errorf("db error: %w", err)
	}
	return e, nil
}

// Count returns the number of committed, non-deleted entries.
func (l *Ledger) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM media WHERE deleted = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

// Checksum digests the names and checksums of all live committed entries.
// Two ledgers with the same live files produce the same value.
func (l *Ledger) Checksum(ctx context.Context) (string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT fname, csum FROM media WHERE deleted = 0 ORDER BY fname`)
	if err != nil {
		return "", fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	h := blake3.New()
	for rows.Next() {
		var name, csum string
		if err := rows.Scan(&name, &csum); err != nil {
			return "", fmt.Errorf("db error: %w", err)
		}
		_, _ = h.Write([]byte(name))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(csum))
		_, _ = h.Write([]byte{'\n'})
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("db error: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Read returns the content of a live committed entry.
func (l *Ledger) Read(ctx context.Context, name string) ([]byte, error) {
	e, err := l.Entry(ctx, name)
	if err != nil {
		return nil, err
	}
	if e.Deleted {
		return nil, common.ErrorNotFound
	}
	return l.blobs.Get(ctx, e.Name)
}

// Close flushes the counter and closes the database. Pending entries that
// were never committed are dropped. Closing twice is a no-op.
func (l *Ledger) Close(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	werr := l.writeCounter(ctx, l.db)
	cerr := l.db.Close()
	l.db = nil
	l.pending = nil
	return errors.Join(werr, cerr)
}

// ContentChecksum returns the content checksum recorded for data.
func ContentChecksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
