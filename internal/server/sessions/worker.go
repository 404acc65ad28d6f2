package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/logging"
	"github.com/dmitrijs2005/ankisync/internal/server/syncops"
)

const (
	taskQueued int32 = iota
	taskStarted
	taskAbandoned
)

type result struct {
	out []byte
	err error
}

type task struct {
	ctx   context.Context
	run   func(ctx context.Context, env *syncops.Env) ([]byte, error)
	state atomic.Int32
	res   chan result
}

// worker owns one collection directory. The collection and media ledger
// are opened on its goroutine and only touched there; every session bound
// to the directory queues onto the same FIFO.
type worker struct {
	owner  Owner
	reg    *syncops.Registry
	opener Opener
	log    logging.Logger

	// onBroken runs on the worker after an open failure, before the caller
	// sees the error.
	onBroken func(*worker)

	// refs counts bound sessions. Guarded by the manager's mutex.
	refs int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*task
	busy   int
	closed bool

	done chan struct{}

	// Worker-owned.
	env    syncops.Env
	broken error
}

func newWorker(owner Owner, reg *syncops.Registry, opener Opener, log logging.Logger, env syncops.Env) *worker {
	w := &worker{
		owner:  owner,
		reg:    reg,
		opener: opener,
		log:    log.With("user", owner.Username),
		env:    env,
		done:   make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.work()
	return w
}

func (w *worker) submit(ctx context.Context, run func(context.Context, *syncops.Env) ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := &task{ctx: ctx, run: run, res: make(chan result, 1)}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s collection closed", common.ErrSessionNotFound, w.owner.Username)
	}
	w.queue = append(w.queue, t)
	w.busy++
	w.cond.Signal()
	w.mu.Unlock()

	select {
	case r := <-t.res:
		return r.out, r.err
	case <-ctx.Done():
		if t.state.CompareAndSwap(taskQueued, taskAbandoned) {
			return nil, ctx.Err()
		}
		r := <-t.res
		return r.out, r.err
	}
}

// next blocks until a task is queued or the worker is closed with an
// empty queue.
func (w *worker) next() (*task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.queue) == 0 && !w.closed {
		w.cond.Wait()
	}
	if len(w.queue) == 0 {
		return nil, false
	}
	t := w.queue[0]
	w.queue[0] = nil
	w.queue = w.queue[1:]
	return t, true
}

func (w *worker) taskDone() {
	w.mu.Lock()
	w.busy--
	w.mu.Unlock()
}

func (w *worker) work() {
	defer close(w.done)
	defer w.release()

	for {
		t, ok := w.next()
		if !ok {
			return
		}
		if !t.state.CompareAndSwap(taskQueued, taskStarted) {
			w.taskDone()
			continue
		}
		out, err := w.runTask(t)
		w.taskDone()
		t.res <- result{out: out, err: err}
	}
}

func (w *worker) runTask(t *task) ([]byte, error) {
	if w.broken != nil {
		return nil, w.broken
	}
	ctx := context.WithoutCancel(t.ctx)

	if err := w.open(ctx); err != nil {
		w.broken = err
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		w.log.Error(ctx, "collection stores failed to open", "dir", w.owner.Dir, "error", err)
		if w.onBroken != nil {
			w.onBroken(w)
		}
		return nil, err
	}
	return t.run(ctx, &w.env)
}

// open acquires the collection and then the media ledger. Both are kept
// until the worker stops.
func (w *worker) open(ctx context.Context) error {
	if w.env.Collection == nil {
		h, err := w.opener.OpenCollection(ctx, w.owner)
		if err != nil {
			return openError(err)
		}
		w.env.Collection = h
	}
	if w.env.Media == nil {
		l, err := w.opener.OpenMedia(ctx, w.owner)
		if err != nil {
			return openError(err)
		}
		w.env.Media = l
	}
	return nil
}

func openError(err error) error {
	if errors.Is(err, common.ErrOpen) {
		return err
	}
	return fmt.Errorf("%w: %w", common.ErrOpen, err)
}

func (w *worker) release() {
	ctx := context.Background()
	if w.env.Media != nil {
		if err := w.env.Media.Close(ctx); err != nil {
			w.log.Warn(ctx, "media ledger close", "error", err)
		}
		w.env.Media = nil
	}
	if w.env.Collection != nil {
		if err := w.env.Collection.Close(); err != nil {
			w.log.Warn(ctx, "collection close", "error", err)
		}
		w.env.Collection = nil
	}
}

func (w *worker) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// stop refuses new work and waits for the worker to finish what is queued
// and release the stores.
func (w *worker) stop() {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
	<-w.done
}
