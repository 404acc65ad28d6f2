package syncops

import (
	"time"

	"github.com/dmitrijs2005/ankisync/internal/server/collection"
	"github.com/dmitrijs2005/ankisync/internal/server/media"
)

// Env is the state operations on one collection run against. It is owned
// by that collection's worker; nothing else may touch it. Sessions sharing
// the collection share its epoch.
type Env struct {
	Collection *collection.Handle
	Media      *media.Ledger
	Epoch      Epoch
	Now        func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

type objectKey struct {
	table string
	id    int64
}

// Epoch tracks one collection-sync exchange between start and finish.
type Epoch struct {
	open     bool
	finished bool
	usn      int64
	minUsn   int64
	started  *StartResult
	pushed   map[objectKey]struct{}
	chunks   []collection.Object
	chunked  bool
}

// Open reports whether an exchange is in progress.
func (e *Epoch) Open() bool { return e.open }

// Usn is the sync point the exchange started at; changes merged during the
// exchange are stamped with it.
func (e *Epoch) Usn() int64 { return e.usn }

func (e *Epoch) begin(usn, minUsn int64) {
	*e = Epoch{open: true, usn: usn, minUsn: minUsn, pushed: map[objectKey]struct{}{}}
}

func (e *Epoch) finish() {
	e.open = false
	e.finished = true
	e.chunks = nil
	e.pushed = nil
}

func (e *Epoch) reset() { *e = Epoch{} }

func (e *Epoch) markPushed(tbl string, id int64) {
	e.pushed[objectKey{tbl, id}] = struct{}{}
}

func (e *Epoch) wasPushed(tbl string, id int64) bool {
	_, ok := e.pushed[objectKey{tbl, id}]
	return ok
}
