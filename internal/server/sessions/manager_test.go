package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/server/collection"
	"github.com/dmitrijs2005/ankisync/internal/server/conflict"
	"github.com/dmitrijs2005/ankisync/internal/server/media"
	"github.com/dmitrijs2005/ankisync/internal/server/syncops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingOpener wraps DirOpener and can be told to fail the media step.
type countingOpener struct {
	DirOpener
	collections atomic.Int32
	failMedia   bool
}

func (o *countingOpener) OpenCollection(ctx context.Context, ow Owner) (*collection.Handle, error) {
	o.collections.Add(1)
	return o.DirOpener.OpenCollection(ctx, ow)
}

func (o *countingOpener) OpenMedia(ctx context.Context, ow Owner) (*media.Ledger, error) {
	if o.failMedia {
		return nil, errors.New("media backend unreachable")
	}
	return o.DirOpener.OpenMedia(ctx, ow)
}

func newManager(t *testing.T, opener Opener, store Store, opts ...Option) *Manager {
	t.Helper()
	reg, err := syncops.NewRegistry(conflict.LastWriterWins{})
	require.NoError(t, err)
	m := NewManager(opener, reg, store, nil, opts...)
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func owner(t *testing.T, name string) Owner {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(dir, 0o770))
	return Owner{Username: name, Dir: dir}
}

// block queues a task that holds the worker until the returned func is
// called.
func block(t *testing.T, s *Session) (release func(), finished <-chan error) {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})
	out := make(chan error, 1)
	go func() {
		out <- s.Inspect(context.Background(), func(*syncops.Env) error {
			close(started)
			<-gate
			return nil
		})
	}()
	<-started
	return func() { close(gate) }, out
}

// busy reports queued plus running tasks on the session's worker.
func busy(s *Session) int {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	return s.w.busy
}

func TestManager_CreateGetDestroy(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, DirOpener{}, openStore(t))
	ow := owner(t, "alice")

	s, err := m.Create(ctx, "key-1", ow)
	require.NoError(t, err)
	assert.Equal(t, "key-1", s.HostKey())
	assert.Equal(t, ow, s.Owner())
	assert.Equal(t, 1, m.Len())

	_, err = m.Create(ctx, "key-1", ow)
	assert.ErrorIs(t, err, common.ErrDuplicateSession)

	got, err := m.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = m.Get(ctx, "nope")
	assert.ErrorIs(t, err, common.ErrSessionNotFound)

	require.NoError(t, m.Destroy(ctx, "key-1"))
	require.NoError(t, m.Destroy(ctx, "key-1"))
	assert.Equal(t, 0, m.Len())

	_, err = m.Get(ctx, "key-1")
	assert.ErrorIs(t, err, common.ErrSessionNotFound)

	_, err = s.Dispatch(ctx, syncops.DomainCollection, "meta", nil)
	assert.ErrorIs(t, err, common.ErrSessionNotFound, "a destroyed session takes no work")
}

func TestManager_RestoresPersistedSession(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	ow := owner(t, "alice")

	first := newManager(t, DirOpener{}, st)
	_, err := first.Create(ctx, "key-1", ow)
	require.NoError(t, err)
	first.Close(ctx)

	second := newManager(t, DirOpener{}, st)
	assert.Equal(t, 0, second.Len())

	s, err := second.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, ow, s.Owner())
	assert.Equal(t, 1, second.Len())

	_, err = second.Create(ctx, "key-1", ow)
	assert.ErrorIs(t, err, common.ErrDuplicateSession)
}

func TestSession_DispatchRunsExchange(t *testing.T) {
	ctx := context.Background()
	op := &countingOpener{}
	m := newManager(t, op, nil)
	s, err := m.Create(ctx, "k", owner(t, "alice"))
	require.NoError(t, err)

	_, err = s.Dispatch(ctx, syncops.DomainCollection, "start", []byte(`{"minUsn":0}`))
	require.NoError(t, err)
	out, err := s.Dispatch(ctx, syncops.DomainCollection, "finish", nil)
	require.NoError(t, err)

	var fin syncops.FinishResult
	require.NoError(t, json.Unmarshal(out, &fin))
	assert.EqualValues(t, 1, fin.Usn)
	assert.EqualValues(t, 1, op.collections.Load(), "the collection is opened once per worker")

	_, err = s.Dispatch(ctx, syncops.DomainCollection, "bogus", nil)
	assert.ErrorIs(t, err, common.ErrUnknownOperation)
	_, err = s.Dispatch(ctx, syncops.DomainCollection, "meta", nil)
	assert.NoError(t, err, "dispatch errors leave the session usable")
}

func TestSession_SerializesInArrivalOrder(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, DirOpener{}, nil)
	s, err := m.Create(ctx, "k", owner(t, "alice"))
	require.NoError(t, err)

	release, blocked := block(t, s)

	var (
		mu     sync.Mutex
		order  []int
		active atomic.Int32
		peak   atomic.Int32
		wg     sync.WaitGroup
	)
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Inspect(ctx, func(*syncops.Env) error {
				n := active.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				active.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
		require.Eventually(t, func() bool { return busy(s) == i+2 }, time.Second, time.Millisecond)
	}

	release()
	require.NoError(t, <-blocked)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.EqualValues(t, 1, peak.Load())
}

func TestSession_Isolation(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, DirOpener{}, nil)
	a, err := m.Create(ctx, "ka", owner(t, "alice"))
	require.NoError(t, err)
	b, err := m.Create(ctx, "kb", owner(t, "bob"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, s := range []*Session{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 3 {
				_, err := s.Dispatch(ctx, syncops.DomainCollection, "start", nil)
				assert.NoError(t, err)
				_, err = s.Dispatch(ctx, syncops.DomainCollection, "finish", nil)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	_, err = a.Dispatch(ctx, syncops.DomainCollection, "start", nil)
	require.NoError(t, err)
	_, err = a.Dispatch(ctx, syncops.DomainCollection, "finish", nil)
	require.NoError(t, err)

	usn := func(s *Session) int64 {
		var n int64
		require.NoError(t, s.Inspect(ctx, func(env *syncops.Env) error {
			q, err := env.Collection.Queries()
			if err != nil {
				return err
			}
			n, err = q.SyncPoint(ctx)
			return err
		}))
		return n
	}
	assert.EqualValues(t, 4, usn(a))
	assert.EqualValues(t, 3, usn(b))
}

func TestSession_OpenErrorDestroysSession(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	m := newManager(t, DirOpener{}, st)

	missing := Owner{Username: "ghost", Dir: filepath.Join(t.TempDir(), "does-not-exist")}
	s, err := m.Create(ctx, "k", missing)
	require.NoError(t, err)

	_, err = s.Dispatch(ctx, syncops.DomainCollection, "meta", nil)
	require.ErrorIs(t, err, common.ErrOpen)

	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, common.ErrSessionNotFound)
	assert.Equal(t, 0, m.Len())

	_, err = st.Load(ctx, "k")
	assert.ErrorIs(t, err, common.ErrSessionNotFound)

	_, err = s.Dispatch(ctx, syncops.DomainCollection, "meta", nil)
	assert.ErrorIs(t, err, common.ErrSessionNotFound)
}

func TestSession_MediaOpenErrorIsOpenError(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, &countingOpener{failMedia: true}, nil)
	s, err := m.Create(ctx, "k", owner(t, "alice"))
	require.NoError(t, err)

	_, err = s.Dispatch(ctx, syncops.DomainMedia, "mediaChanges", nil)
	assert.ErrorIs(t, err, common.ErrOpen)
	assert.Contains(t, err.Error(), "media backend unreachable")
	assert.Equal(t, 0, m.Len())
}

func TestSession_CancelledWhileQueuedIsSkipped(t *testing.T) {
	m := newManager(t, DirOpener{}, nil)
	s, err := m.Create(context.Background(), "k", owner(t, "alice"))
	require.NoError(t, err)

	release, blocked := block(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	out := make(chan error, 1)
	go func() {
		out <- s.Inspect(ctx, func(*syncops.Env) error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return busy(s) == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-out, context.Canceled)

	release()
	require.NoError(t, <-blocked)
	require.NoError(t, s.Inspect(context.Background(), func(*syncops.Env) error { return nil }))
	assert.False(t, ran.Load())
	assert.Equal(t, 0, busy(s))
}

func TestSession_StartedOperationCompletes(t *testing.T) {
	m := newManager(t, DirOpener{}, nil)
	s, err := m.Create(context.Background(), "k", owner(t, "alice"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	gate := make(chan struct{})
	out := make(chan error, 1)
	go func() {
		out <- s.Inspect(ctx, func(env *syncops.Env) error {
			close(started)
			<-gate
			q, err := env.Collection.Queries()
			if err != nil {
				return err
			}
			_, err = q.Meta(context.Background())
			return err
		})
	}()
	<-started
	cancel()
	close(gate)
	assert.NoError(t, <-out)
}

func TestManager_EvictIdleSkipsBusySessions(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newManager(t, DirOpener{}, openStore(t), WithClock(clock.Now))

	idle, err := m.Create(ctx, "idle", owner(t, "alice"))
	require.NoError(t, err)
	active, err := m.Create(ctx, "active", owner(t, "bob"))
	require.NoError(t, err)
	_ = idle

	release, blocked := block(t, active)

	clock.Advance(time.Hour)
	assert.Equal(t, 1, m.EvictIdle(ctx, 30*time.Minute))
	assert.Equal(t, 1, m.Len())
	_, err = m.Get(ctx, "idle")
	assert.ErrorIs(t, err, common.ErrSessionNotFound)

	release()
	require.NoError(t, <-blocked)

	assert.Equal(t, 0, m.EvictIdle(ctx, 30*time.Minute), "activity just completed")
	assert.True(t, active.LastActivity().Equal(clock.Now()))

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, m.EvictIdle(ctx, 30*time.Minute))
	assert.Equal(t, 0, m.Len())
}

func TestManager_SweeperEvicts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := newFakeClock()
	m := newManager(t, DirOpener{}, nil, WithClock(clock.Now))

	_, err := m.Create(ctx, "k", owner(t, "alice"))
	require.NoError(t, err)
	clock.Advance(time.Hour)

	m.StartSweeper(ctx, 5*time.Millisecond, time.Minute)
	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestManager_CloseDrainsQueuedWork(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, DirOpener{}, nil)
	s, err := m.Create(ctx, "k", owner(t, "alice"))
	require.NoError(t, err)

	release, blocked := block(t, s)
	var ran atomic.Bool
	queued := make(chan error, 1)
	go func() {
		queued <- s.Inspect(ctx, func(*syncops.Env) error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return busy(s) == 2 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		m.Close(ctx)
		close(closed)
	}()

	release()
	require.NoError(t, <-blocked)
	require.NoError(t, <-queued)
	<-closed
	assert.True(t, ran.Load())

	_, err = m.Create(ctx, "k2", owner(t, "bob"))
	assert.ErrorIs(t, err, errManagerClosed)
}

func TestManager_DestroyOwner(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	m := newManager(t, DirOpener{}, st)
	alice := owner(t, "alice")

	_, err := m.Create(ctx, "a1", alice)
	require.NoError(t, err)
	_, err = m.Create(ctx, "a2", alice)
	require.NoError(t, err)
	_, err = m.Create(ctx, "b1", owner(t, "bob"))
	require.NoError(t, err)

	n, err := m.DestroyOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, m.Len())

	_, err = st.Load(ctx, "a1")
	assert.ErrorIs(t, err, common.ErrSessionNotFound)
}

func TestBlobFactories(t *testing.T) {
	ow := Owner{Username: "alice", Dir: t.TempDir()}
	_, ok := FSBlobs(ow).(*media.FSStore)
	assert.True(t, ok)
	_, ok = S3Blobs(nil, "media")(ow).(*media.S3Store)
	assert.True(t, ok)
}

func TestManager_SessionsOfOneCollectionShareWorker(t *testing.T) {
	ctx := context.Background()
	op := &countingOpener{}
	m := newManager(t, op, openStore(t))
	alice := owner(t, "alice")

	phone, err := m.Create(ctx, "phone", alice)
	require.NoError(t, err)
	_, err = phone.Dispatch(ctx, syncops.DomainCollection, "meta", nil)
	require.NoError(t, err)

	desktop, err := m.Create(ctx, "desktop", alice)
	require.NoError(t, err)
	_, err = desktop.Dispatch(ctx, syncops.DomainCollection, "meta", nil)
	require.NoError(t, err, "a second key for the same user reuses the open collection")
	assert.Same(t, phone.w, desktop.w)
	assert.EqualValues(t, 1, op.collections.Load())

	_, err = m.Get(ctx, "desktop")
	require.NoError(t, err)

	_, err = phone.Dispatch(ctx, syncops.DomainCollection, "start", []byte(`{"minUsn":0}`))
	require.NoError(t, err)
	out, err := phone.Dispatch(ctx, syncops.DomainCollection, "finish", nil)
	require.NoError(t, err)
	var fin syncops.FinishResult
	require.NoError(t, json.Unmarshal(out, &fin))

	require.NoError(t, m.Destroy(ctx, "phone"))
	var usn int64
	require.NoError(t, desktop.Inspect(ctx, func(env *syncops.Env) error {
		q, err := env.Collection.Queries()
		if err != nil {
			return err
		}
		usn, err = q.SyncPoint(ctx)
		return err
	}), "the worker outlives a destroyed sibling session")
	assert.EqualValues(t, fin.Usn, usn)

	require.NoError(t, m.Destroy(ctx, "desktop"))
	<-desktop.w.done

	tablet, err := m.Create(ctx, "tablet", alice)
	require.NoError(t, err)
	_, err = tablet.Dispatch(ctx, syncops.DomainCollection, "meta", nil)
	require.NoError(t, err, "the lock is released with the last session")
	assert.NotSame(t, phone.w, tablet.w)
	assert.EqualValues(t, 2, op.collections.Load())
}

func TestManager_EvictingOneSessionKeepsSharedWorker(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newManager(t, DirOpener{}, nil, WithClock(clock.Now))
	alice := owner(t, "alice")

	old, err := m.Create(ctx, "old", alice)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	fresh, err := m.Create(ctx, "fresh", alice)
	require.NoError(t, err)

	assert.Equal(t, 1, m.EvictIdle(ctx, 30*time.Minute))
	_, err = old.Dispatch(ctx, syncops.DomainCollection, "meta", nil)
	assert.ErrorIs(t, err, common.ErrSessionNotFound)
	_, err = fresh.Dispatch(ctx, syncops.DomainCollection, "meta", nil)
	assert.NoError(t, err)
}

func TestManager_ConcurrentCreateOfOneKey(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, DirOpener{}, nil)
	ow := owner(t, "alice")

	var (
		wg   sync.WaitGroup
		ok   atomic.Int32
		dups atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Create(ctx, "k", ow)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, common.ErrDuplicateSession):
				dups.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 7, dups.Load())
	assert.Equal(t, 1, m.Len())
}

func TestManager_OpenErrorDropsEverySessionOfCollection(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, &countingOpener{failMedia: true}, nil)
	alice := owner(t, "alice")

	a, err := m.Create(ctx, "a", alice)
	require.NoError(t, err)
	b, err := m.Create(ctx, "b", alice)
	require.NoError(t, err)

	_, err = a.Dispatch(ctx, syncops.DomainMedia, "mediaChanges", nil)
	assert.ErrorIs(t, err, common.ErrOpen)
	assert.Equal(t, 0, m.Len())

	_, err = b.Dispatch(ctx, syncops.DomainCollection, "meta", nil)
	assert.ErrorIs(t, err, common.ErrSessionNotFound)
}

func TestSession_Collection(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, DirOpener{}, nil)
	ow := owner(t, "alice")
	s, err := m.Create(ctx, "k", ow)
	require.NoError(t, err)

	h, err := s.Collection(ctx)
	require.NoError(t, err)
	assert.True(t, h.IsOpen())
	assert.Equal(t, ow.Dir, h.Dir())

	require.NoError(t, m.Destroy(ctx, "k"))
	_, err = s.Collection(ctx)
	assert.ErrorIs(t, err, common.ErrSessionNotFound)
}
