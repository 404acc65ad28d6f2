// Package conflict decides which version of an object survives when a
// client pushes a change for an object the server also holds.
package conflict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/server/collection"
)

// Outcome names the surviving side.
type Outcome int

const (
	KeepLocal Outcome = iota
	TakeIncoming
)

func (o Outcome) String() string {
	if o == TakeIncoming {
		return "incoming"
	}
	return "local"
}

// Policy resolves one pushed object against the server's copy. local is nil
// when the server has no row for the key. minUsn is the client's last sync
// point: a server row with Usn >= minUsn changed after the client last saw it.
type Policy interface {
	Name() string
	Resolve(local *collection.Object, incoming collection.Object, minUsn int64) (Outcome, error)
}

// ConflictError carries both versions of an object that a policy refused to
// merge. It matches common.ErrConflictResolution.
type ConflictError struct {
	Local    collection.Object
	Incoming collection.Object
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s/%d changed on both sides (server mod %d, client mod %d)",
		common.ErrConflictResolution, e.Local.Table, e.Local.ID, e.Local.Mod, e.Incoming.Mod)
}

func (e *ConflictError) Unwrap() error { return common.ErrConflictResolution }

// LastWriterWins keeps the version with the greater modification time. On a
// tie the server copy is kept.
type LastWriterWins struct{}

func (LastWriterWins) Name() string { return "lww" }

func (LastWriterWins) Resolve(local *collection.Object, incoming collection.Object, _ int64) (Outcome, error) {
	if local == nil || incoming.Mod > local.Mod {
		return TakeIncoming, nil
	}
	return KeepLocal, nil
}

// Strict refuses to pick a side when the server copy changed since the
// client's last sync and the two versions differ. Otherwise it behaves
// like LastWriterWins.
type Strict struct{}

func (Strict) Name() string { return "strict" }

func (Strict) Resolve(local *collection.Object, incoming collection.Object, minUsn int64) (Outcome, error) {
	if local == nil {
		return TakeIncoming, nil
	}
	if sameData(local.Data, incoming.Data) {
		return KeepLocal, nil
	}
	if local.Usn >= minUsn {
		return KeepLocal, &ConflictError{Local: *local, Incoming: incoming}
	}
	return LastWriterWins{}.Resolve(local, incoming, minUsn)
}

func sameData(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// Parse returns the policy called name ("lww" or "strict").
func Parse(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "lww", "last-writer-wins":
		return LastWriterWins{}, nil
	case "strict":
		return Strict{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown conflict policy %q", common.ErrorValidation, name)
	}
}
