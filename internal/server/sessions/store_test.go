package sessions

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteStore_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	rec := Record{
		HostKey:   "k1",
		Owner:     Owner{Username: "alice", Dir: "/data/alice"},
		CreatedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
	require.NoError(t, st.Save(ctx, rec))

	got, err := st.Load(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	err = st.Save(ctx, rec)
	assert.ErrorIs(t, err, common.ErrDuplicateSession)

	require.NoError(t, st.Delete(ctx, "k1"))
	require.NoError(t, st.Delete(ctx, "k1"))
	_, err = st.Load(ctx, "k1")
	assert.ErrorIs(t, err, common.ErrSessionNotFound)
}

func TestSQLiteStore_DeleteOwner(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	require.NoError(t, st.Save(ctx, Record{HostKey: "a1", Owner: Owner{Username: "alice", Dir: "a"}}))
	require.NoError(t, st.Save(ctx, Record{HostKey: "a2", Owner: Owner{Username: "alice", Dir: "a"}}))
	require.NoError(t, st.Save(ctx, Record{HostKey: "b1", Owner: Owner{Username: "bob", Dir: "b"}}))

	n, err := st.DeleteOwner(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = st.Load(ctx, "a2")
	assert.ErrorIs(t, err, common.ErrSessionNotFound)
	_, err = st.Load(ctx, "b1")
	assert.NoError(t, err)
}

func TestOpenSQLiteStore_BadPath(t *testing.T) {
	_, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "missing", "dir", "session.db"))
	assert.Error(t, err)
}

func TestNopStore(t *testing.T) {
	ctx := context.Background()
	var st Store = nopStore{}

	require.NoError(t, st.Save(ctx, Record{HostKey: "k"}))
	_, err := st.Load(ctx, "k")
	assert.ErrorIs(t, err, common.ErrSessionNotFound)
}
