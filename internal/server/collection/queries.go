package collection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/dbx"
)

// Tables synchronised through the collection. Small tables travel whole in
// applyChanges; bulk tables are paged through chunk/applyChunk.
var (
	SmallTables = []string{"decks", "models"}
	BulkTables  = []string{"notes", "cards", "revlog"}
)

// IsKnownTable reports whether tbl is a synchronised table.
func IsKnownTable(tbl string) bool {
	return slices.Contains(SmallTables, tbl) || slices.Contains(BulkTables, tbl)
}

// Meta is the collection-wide sync state.
type Meta struct {
	Usn      int64 // current sync point; changes made now are stamped with it
	Mod      int64 // last modification, unix ms
	Scm      int64 // schema modification time, unix ms
	LastSync int64 // last completed sync, unix ms
}

// Object is one row of a synchronised table.
type Object struct {
	Table string          `json:"tbl"`
	ID    int64           `json:"id"`
	Mod   int64           `json:"mod"`
	Usn   int64           `json:"usn"`
	Data  json.RawMessage `json:"data"`
}

// Grave records a deletion.
type Grave struct {
	Table string `json:"tbl"`
	ID    int64  `json:"id"`
	Usn   int64  `json:"usn"`
}

// Queries are the domain reads and writes handlers issue against an open
// collection, either directly or inside Handle.InTx.
type Queries struct {
	db dbx.DBTX
}

func checkTable(tbl string) error {
	if !IsKnownTable(tbl) {
		return fmt.Errorf("%w: unknown table %q", common.ErrorValidation, tbl)
	}
	return nil
}

func (q *Queries) Meta(ctx context.Context) (Meta, error) {
	var m Meta
	err := q.db.QueryRowContext(ctx, `SELECT usn, mod, scm, ls FROM col WHERE id = 1`).
		Scan(&m.Usn, &m.Mod, &m.Scm, &m.LastSync)
	if err != nil {
		return Meta{}, fmt.Errorf("db error: %w", err)
	}
	return m, nil
}

// SyncPoint returns the collection's current sync point.
func (q *Queries) SyncPoint(ctx context.Context) (int64, error) {
	m, err := q.Meta(ctx)
	return m.Usn, err
}

// AdvanceSyncPoint commits an epoch: the sync point moves up by one and the
// modification and last-sync times are set to now.
func (q *Queries) AdvanceSyncPoint(ctx context.Context, now time.Time) (Meta, error) {
	ms := now.UnixMilli()
	_, err := q.db.ExecContext(ctx, `UPDATE col SET usn = usn + 1, mod = ?, ls = ? WHERE id = 1`, ms, ms)
	if err != nil {
		return Meta{}, fmt.Errorf("db error: %w", err)
	}
	return q.Meta(ctx)
}

// TouchMod records a modification without moving the sync point.
func (q *Queries) TouchMod(ctx context.Context, now time.Time) error {
	_, err := q.db.ExecContext(ctx, `UPDATE col SET mod = ? WHERE id = 1`, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ChangedObjects returns rows of tables with usn >= minUsn, ordered by the
// position of their table in tables and then by id.
func (q *Queries) ChangedObjects(ctx context.Context, tables []string, minUsn int64) ([]Object, error) {
	out := []Object{}
	for _, tbl := range tables {
		if err := checkTable(tbl); err != nil {
			return nil, err
		}
		rows, err := q.db.QueryContext(ctx,
			`SELECT tbl, id, mod, usn, data FROM objects WHERE tbl = ? AND usn >= ? ORDER BY id`, tbl, minUsn)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		objs, err := scanObjects(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, objs...)
	}
	return out, nil
}

func scanObjects(rows *sql.Rows) ([]Object, error) {
	defer rows.Close()
	var out []Object
	for rows.Next() {
		var o Object
		var data string
		if err := rows.Scan(&o.Table, &o.ID, &o.Mod, &o.Usn, &data); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		o.Data = json.RawMessage(data)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

// Object returns one row or common.ErrorNotFound.
func (q *Queries) Object(ctx context.Context, tbl string, id int64) (*Object, error) {
	if err := checkTable(tbl); err != nil {
		return nil, err
	}
	o := &Object{}
	var data string
	err := q.db.QueryRowContext(ctx,
		`SELECT tbl, id, mod, usn, data FROM objects WHERE tbl = ? AND id = ?`, tbl, id).
		Scan(&o.Table, &o.ID, &o.Mod, &o.Usn, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	o.Data = json.RawMessage(data)
	return o, nil
}

// PutObject inserts or replaces a row. A grave for the same key is removed.
func (q *Queries) PutObject(ctx context.Context, o Object) error {
	if err := checkTable(o.Table); err != nil {
		return err
	}
	data := string(o.Data)
	if data == "" {
		data = "null"
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO objects (tbl, id, mod, usn, data) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(tbl, id) DO UPDATE SET mod = excluded.mod, usn = excluded.usn, data = excluded.data`,
		o.Table, o.ID, o.Mod, o.Usn, data)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM graves WHERE tbl = ? AND id = ?`, o.Table, o.ID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// DeleteObject removes a row (if present) and records a grave stamped usn.
func (q *Queries) DeleteObject(ctx context.Context, tbl string, id, usn int64) error {
	if err := checkTable(tbl); err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM objects WHERE tbl = ? AND id = ?`, tbl, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO graves (tbl, id, usn) VALUES (?, ?, ?)
		 ON CONFLICT(tbl, id) DO UPDATE SET usn = excluded.usn`, tbl, id, usn)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// GravesSince returns deletions with usn >= minUsn ordered by table and id.
func (q *Queries) GravesSince(ctx context.Context, minUsn int64) ([]Grave, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT tbl, id, usn FROM graves WHERE usn >= ? ORDER BY tbl, id`, minUsn)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	out := []Grave{}
	for rows.Next() {
		var g Grave
		if err := rows.Scan(&g.Table, &g.ID, &g.Usn); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

// Counts returns the number of rows per synchronised table plus "graves".
func (q *Queries) Counts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, len(SmallTables)+len(BulkTables)+1)
	for _, tbl := range slices.Concat(SmallTables, BulkTables) {
		counts[tbl] = 0
	}

	rows, err := q.db.QueryContext(ctx, `SELECT tbl, COUNT(*) FROM objects GROUP BY tbl`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tbl string
		var n int64
		if err := rows.Scan(&tbl, &n); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		counts[tbl] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	var graves int64
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM graves`).Scan(&graves); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	counts["graves"] = graves
	return counts, nil
}
