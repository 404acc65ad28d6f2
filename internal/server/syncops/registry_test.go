package syncops

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/server/collection"
	"github.com/dmitrijs2005/ankisync/internal/server/conflict"
	"github.com/dmitrijs2005/ankisync/internal/server/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnv(t *testing.T) *Env {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	h := collection.New(dir)
	require.NoError(t, h.Open(ctx))
	t.Cleanup(func() { _ = h.Close() })

	l, err := media.Open(ctx, dir, media.DefaultFSStore(dir))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close(ctx) })

	now := time.UnixMilli(1_700_000_000_000)
	return &Env{Collection: h, Media: l, Now: func() time.Time { now = now.Add(time.Second); return now }}
}

func newRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r, err := NewRegistry(conflict.LastWriterWins{}, opts...)
	require.NoError(t, err)
	return r
}

// call dispatches op with req encoded as JSON and decodes the answer into
// resp when it is non-nil.
func call(t *testing.T, r *Registry, env *Env, d Domain, name string, req any, resp any) error {
	t.Helper()
	var payload []byte
	if req != nil {
		var err error
		payload, err = json.Marshal(req)
		require.NoError(t, err)
	}
	out, err := r.Dispatch(context.Background(), env, d, name, payload)
	if err != nil {
		return err
	}
	if resp != nil {
		require.NoError(t, json.Unmarshal(out, resp))
	}
	return nil
}

func syncPoint(t *testing.T, env *Env) int64 {
	t.Helper()
	q, err := env.Collection.Queries()
	require.NoError(t, err)
	usn, err := q.SyncPoint(context.Background())
	require.NoError(t, err)
	return usn
}

func noop(context.Context, *Env, []byte) (any, bool, error) { return Empty{}, false, nil }

func allBindings() []binding {
	var out []binding
	for _, n := range CollectionOperations {
		out = append(out, binding{domain: DomainCollection, name: n, handler: noop})
	}
	for _, n := range MediaOperations {
		out = append(out, binding{domain: DomainMedia, name: n, handler: noop})
	}
	return out
}

func TestBuild_Validation(t *testing.T) {
	_, err := build(allBindings())
	require.NoError(t, err)

	dup := append(allBindings(), binding{domain: DomainMedia, name: "addFiles", handler: noop})
	_, err = build(dup)
	assert.ErrorContains(t, err, "bound twice")

	missing := allBindings()[1:]
	_, err = build(missing)
	assert.ErrorContains(t, err, "collection/meta is not bound")

	unknown := append(allBindings(), binding{domain: DomainCollection, name: "upload", handler: noop})
	_, err = build(unknown)
	assert.ErrorContains(t, err, "not a known operation")

	wrongDomain := append(allBindings()[:0:0], allBindings()...)
	wrongDomain = append(wrongDomain, binding{domain: DomainMedia, name: "meta", handler: noop})
	_, err = build(wrongDomain)
	assert.ErrorContains(t, err, "media/meta")

	nilHandler := allBindings()
	nilHandler[0].handler = nil
	_, err = build(nilHandler)
	assert.ErrorContains(t, err, "no handler")
}

func TestNames_CanonicalOrder(t *testing.T) {
	r := newRegistry(t)
	assert.Equal(t, CollectionOperations, r.Names(DomainCollection))
	assert.Equal(t, MediaOperations, r.Names(DomainMedia))

	for i, n := range CollectionOperations {
		o, err := r.Lookup(DomainCollection, n)
		require.NoError(t, err)
		assert.Equal(t, i, o.Ordinal)
	}
}

func TestDispatch_UnknownOperation(t *testing.T) {
	r := newRegistry(t)
	env := newEnv(t)

	_, err := r.Dispatch(context.Background(), env, DomainCollection, "mediaChanges", nil)
	assert.ErrorIs(t, err, common.ErrUnknownOperation, "names are scoped per domain")

	_, err = r.Dispatch(context.Background(), env, Domain("paint"), "meta", nil)
	assert.ErrorIs(t, err, common.ErrUnknownOperation)

	_, err = ParseDomain("paint")
	assert.ErrorIs(t, err, common.ErrUnknownOperation)
	d, err := ParseDomain("media")
	require.NoError(t, err)
	assert.Equal(t, DomainMedia, d)
}

func TestDispatch_BadPayload(t *testing.T) {
	r := newRegistry(t)
	env := newEnv(t)

	_, err := r.Dispatch(context.Background(), env, DomainCollection, "start", []byte(`{"minUsn":"x"}`))
	assert.ErrorIs(t, err, common.ErrorValidation)
	assert.False(t, env.Epoch.Open())
}

func TestDispatch_EmptyPayloadIsZeroRequest(t *testing.T) {
	r := newRegistry(t)
	env := newEnv(t)

	out, err := r.Dispatch(context.Background(), env, DomainCollection, "start", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"usn":0,"graves":[]}`, string(out))
}
