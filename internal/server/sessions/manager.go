package sessions

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/logging"
	"github.com/dmitrijs2005/ankisync/internal/server/syncops"
)

var errManagerClosed = errors.New("session manager closed")

type Option func(*Manager)

// WithClock replaces time.Now for activity tracking and operation stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the host key to session map and the per-directory workers
// the sessions share. The mutex guards the maps only; store I/O and worker
// shutdown happen outside it.
type Manager struct {
	opener Opener
	reg    *syncops.Registry
	store  Store
	log    logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	reserved map[string]struct{}
	workers  map[string]*worker
	closed   bool

	stopSweep chan struct{}
	wg        sync.WaitGroup
}

// NewManager builds a manager. A nil store keeps sessions in memory only.
func NewManager(opener Opener, reg *syncops.Registry, store Store, log logging.Logger, opts ...Option) *Manager {
	if store == nil {
		store = nopStore{}
	}
	if log == nil {
		log = logging.Nop()
	}
	m := &Manager{
		opener:    opener,
		reg:       reg,
		store:     store,
		log:       log.With("module", "sessions"),
		now:       time.Now,
		sessions:  map[string]*Session{},
		reserved:  map[string]struct{}{},
		workers:   map[string]*worker{},
		stopSweep: make(chan struct{}),
	}
	for _, fn := range opts {
		fn(m)
	}
	return m
}

func workerKey(owner Owner) string { return filepath.Clean(owner.Dir) }

// bindLocked attaches a new session to the worker of owner's directory,
// starting one if none is running.
func (m *Manager) bindLocked(hostKey string, owner Owner) *Session {
	key := workerKey(owner)
	w := m.workers[key]
	if w == nil || w.isClosed() {
		w = newWorker(owner, m.reg, m.opener, m.log, syncops.Env{Now: m.now})
		w.onBroken = m.forget
		m.workers[key] = w
	}
	w.refs++
	s := newSession(hostKey, owner, w, m.now)
	m.sessions[hostKey] = s
	return s
}

// unbindLocked drops s and returns its worker if s was the last session
// bound to it. The caller stops the returned worker outside the lock.
func (m *Manager) unbindLocked(s *Session) *worker {
	s.close()
	delete(m.sessions, s.hostKey)
	s.w.refs--
	if s.w.refs > 0 {
		return nil
	}
	if key := workerKey(s.owner); m.workers[key] == s.w {
		delete(m.workers, key)
	}
	return s.w
}

func stopAll(workers []*worker) {
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.stop()
		}()
	}
	wg.Wait()
}

// Create binds hostKey to a new session for owner. Sessions of the same
// collection directory share one worker.
func (m *Manager) Create(ctx context.Context, hostKey string, owner Owner) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errManagerClosed
	}
	_, dup := m.sessions[hostKey]
	_, pending := m.reserved[hostKey]
	if dup || pending {
		m.mu.Unlock()
		return nil, common.ErrDuplicateSession
	}
	m.reserved[hostKey] = struct{}{}
	m.mu.Unlock()

	err := m.store.Save(ctx, Record{HostKey: hostKey, Owner: owner, CreatedAt: m.now()})

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, hostKey)
	if err != nil {
		return nil, err
	}
	if m.closed {
		return nil, errManagerClosed
	}
	s := m.bindLocked(hostKey, owner)
	m.log.Info(ctx, "session created", "user", owner.Username, "sessions", len(m.sessions))
	return s, nil
}

// Get returns the session bound to hostKey, restoring it from the store
// after a restart.
func (m *Manager) Get(ctx context.Context, hostKey string) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errManagerClosed
	}
	s, ok := m.sessions[hostKey]
	m.mu.Unlock()
	if ok {
		return s, nil
	}

	rec, err := m.store.Load(ctx, hostKey)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errManagerClosed
	}
	if s, ok := m.sessions[hostKey]; ok {
		return s, nil
	}
	if _, ok := m.reserved[hostKey]; ok {
		// Still being created.
		return nil, common.ErrSessionNotFound
	}
	s = m.bindLocked(hostKey, rec.Owner)
	m.log.Info(ctx, "session restored", "user", rec.Owner.Username)
	return s, nil
}

// Destroy ends the session bound to hostKey and forgets the binding. The
// collection's worker stops after its queued work once no session is left
// on it. Unknown keys are not an error.
func (m *Manager) Destroy(ctx context.Context, hostKey string) error {
	m.mu.Lock()
	s := m.sessions[hostKey]
	var w *worker
	if s != nil {
		w = m.unbindLocked(s)
	}
	m.mu.Unlock()

	err := m.store.Delete(ctx, hostKey)
	if w != nil {
		w.stop()
	}
	if s != nil {
		m.log.Info(ctx, "session destroyed", "user", s.owner.Username)
	}
	if err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	return nil
}

// DestroyOwner ends every session of username.
func (m *Manager) DestroyOwner(ctx context.Context, username string) (int, error) {
	m.mu.Lock()
	var (
		n       int
		workers []*worker
	)
	for _, s := range m.sessions {
		if s.owner.Username != username {
			continue
		}
		n++
		if w := m.unbindLocked(s); w != nil {
			workers = append(workers, w)
		}
	}
	m.mu.Unlock()

	_, err := m.store.DeleteOwner(ctx, username)
	stopAll(workers)
	return n, err
}

// forget drops a worker whose stores could not be opened together with
// every session bound to it. It runs on that worker and must not wait for
// it.
func (m *Manager) forget(w *worker) {
	m.mu.Lock()
	var keys []string
	for k, s := range m.sessions {
		if s.w == w {
			s.close()
			delete(m.sessions, k)
			keys = append(keys, k)
		}
	}
	w.refs = 0
	if key := workerKey(w.owner); m.workers[key] == w {
		delete(m.workers, key)
	}
	m.mu.Unlock()

	ctx := context.Background()
	for _, k := range keys {
		if err := m.store.Delete(ctx, k); err != nil {
			m.log.Warn(ctx, "drop broken session", "user", w.owner.Username, "error", err)
		}
	}
}

// EvictIdle destroys sessions idle for longer than maxIdle with nothing
// queued or running and returns how many were evicted.
func (m *Manager) EvictIdle(ctx context.Context, maxIdle time.Duration) int {
	now := m.now()

	m.mu.Lock()
	var (
		victims []*Session
		workers []*worker
	)
	for _, s := range m.sessions {
		if !s.retireIfIdle(now, maxIdle) {
			continue
		}
		victims = append(victims, s)
		if w := m.unbindLocked(s); w != nil {
			workers = append(workers, w)
		}
	}
	m.mu.Unlock()

	for _, s := range victims {
		if err := m.store.Delete(ctx, s.hostKey); err != nil {
			m.log.Warn(ctx, "evict session", "user", s.owner.Username, "error", err)
		}
	}
	stopAll(workers)
	if len(victims) > 0 {
		m.log.Info(ctx, "idle sessions evicted", "count", len(victims))
	}
	return len(victims)
}

// StartSweeper evicts idle sessions every interval until ctx is done or
// the manager is closed.
func (m *Manager) StartSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopSweep:
				return
			case <-t.C:
				m.EvictIdle(ctx, maxIdle)
			}
		}
	}()
}

// Close stops the sweeper and every worker, each after its queued work.
// Persisted bindings are kept so sessions can be restored on next start.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	n := len(m.sessions)
	for _, s := range m.sessions {
		s.close()
	}
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.sessions = map[string]*Session{}
	m.workers = map[string]*worker{}
	m.mu.Unlock()

	close(m.stopSweep)
	stopAll(workers)
	m.wg.Wait()
	m.log.Info(ctx, "sessions closed", "count", n)
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
