// Package sessions binds host keys to sessions. The stores of one
// collection directory are confined to a single worker goroutine shared by
// every session of that directory: operations on them run one at a time,
// in arrival order.
package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/server/collection"
	"github.com/dmitrijs2005/ankisync/internal/server/syncops"
)

// Session is a host key bound to one owner's collection worker.
type Session struct {
	hostKey string
	owner   Owner
	w       *worker
	now     func() time.Time

	mu       sync.Mutex
	inflight int
	closed   bool
	last     time.Time
}

func newSession(hostKey string, owner Owner, w *worker, now func() time.Time) *Session {
	return &Session{hostKey: hostKey, owner: owner, w: w, now: now, last: now()}
}

func (s *Session) HostKey() string { return s.hostKey }

func (s *Session) Owner() Owner { return s.owner }

// LastActivity returns when an operation of this session was last queued
// or completed.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Dispatch queues domain/op and waits for its result. If ctx ends while the
// task is still queued the task is abandoned and ctx.Err() returned; once
// started it runs to completion and the caller gets its result.
func (s *Session) Dispatch(ctx context.Context, d syncops.Domain, op string, payload []byte) ([]byte, error) {
	return s.submit(ctx, func(ctx context.Context, env *syncops.Env) ([]byte, error) {
		return s.w.reg.Dispatch(ctx, env, d, op, payload)
	})
}

// Inspect runs fn on the worker with the collection's opened stores.
func (s *Session) Inspect(ctx context.Context, fn func(env *syncops.Env) error) error {
	_, err := s.submit(ctx, func(_ context.Context, env *syncops.Env) ([]byte, error) {
		return nil, fn(env)
	})
	return err
}

// Collection opens the session's collection if needed and returns its
// handle. It is meant for tests and debugging: the handle belongs to the
// worker and must not be used while operations are queued.
func (s *Session) Collection(ctx context.Context) (*collection.Handle, error) {
	var h *collection.Handle
	err := s.Inspect(ctx, func(env *syncops.Env) error {
		h = env.Collection
		return nil
	})
	return h, err
}

func (s *Session) submit(ctx context.Context, run func(context.Context, *syncops.Env) ([]byte, error)) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s session ended", common.ErrSessionNotFound, s.owner.Username)
	}
	s.inflight++
	s.last = s.now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inflight--
		s.last = s.now()
		s.mu.Unlock()
	}()
	return s.w.submit(ctx, run)
}

// retireIfIdle closes the session if none of its operations is queued or
// running and it has been idle longer than maxIdle.
func (s *Session) retireIfIdle(now time.Time, maxIdle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.inflight > 0 || now.Sub(s.last) <= maxIdle {
		return false
	}
	s.closed = true
	return true
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
