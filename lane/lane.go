// Package lane implements a key-partitioned executor.
//
// The executor owns a fixed set of lanes, each drained by exactly one
// goroutine. A key always maps to the same lane (hash(key) mod N), so tasks
// for one key run one at a time in submission order while different keys run
// in parallel.
//
// Besides its task queue every lane has a control queue with priority over
// regular tasks. Control tasks let one lane run work on another lane and wait
// for it (Call) without deadlocking: a lane blocked on another lane keeps
// executing control tasks addressed to itself.
package lane

import (
	"context"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/lanecache/internal/util"
)

var (
	// ErrClosed is returned for submissions after Shutdown started.
	ErrClosed = errors.New("lane: executor closed")
	// ErrLaneStopped fails tasks still queued on a force-stopped lane.
	ErrLaneStopped = errors.New("lane: lane stopped")
	// ErrTaskPanicked marks the error of a task that panicked.
	ErrTaskPanicked = errors.New("lane: task panicked")
)

// Options configures New. Zero values are safe.
type Options[K comparable] struct {
	// Lanes is the number of lanes; <= 0 means GOMAXPROCS.
	Lanes int
	// QueueSize bounds each lane's task queue; <= 0 means 256.
	QueueSize int
	// Hash maps keys to lanes; nil uses util.Hash.
	Hash   func(K) uint64
	Logger *zap.Logger
}

type task struct {
	run  func()
	fail func(error)
}

type lane struct {
	idx     int
	tasks   chan task
	control chan task
	stop    chan struct{}
	drained chan struct{} // task queue closed and empty
	held    <-chan struct{}
	done    chan struct{}
}

// Executor routes tasks to lanes by key.
type Executor[K comparable] struct {
	lanes []*lane
	hash  func(K) uint64
	log   *zap.Logger

	mu      sync.RWMutex // held shared by submitters, exclusively to close queues
	closed  bool
	closing chan struct{}
	// release lets drained lanes exit. Until then they keep serving control
	// tasks for lanes that are still draining.
	release chan struct{}

	once   sync.Once
	forced []int
}

// New starts the lane goroutines.
func New[K comparable](opt Options[K]) *Executor[K] {
	n := opt.Lanes
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	if opt.Hash == nil {
		opt.Hash = util.Hash[K]
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}

	e := &Executor[K]{
		lanes:   make([]*lane, n),
		hash:    opt.Hash,
		log:     opt.Logger.Named("lane"),
		closing: make(chan struct{}),
		release: make(chan struct{}),
	}
	for i := range e.lanes {
		l := &lane{
			idx:     i,
			tasks:   make(chan task, opt.QueueSize),
			control: make(chan task, opt.QueueSize),
			stop:    make(chan struct{}),
			drained: make(chan struct{}),
			held:    e.release,
			done:    make(chan struct{}),
		}
		e.lanes[i] = l
		go l.loop()
	}
	return e
}

// Lanes returns the lane count.
func (e *Executor[K]) Lanes() int { return len(e.lanes) }

// LaneOf returns the lane index k is pinned to.
func (e *Executor[K]) LaneOf(k K) int {
	return util.ShardIndex(e.hash(k), len(e.lanes))
}

// Pending returns the number of queued tasks across all lanes.
func (e *Executor[K]) Pending() int {
	n := 0
	for _, l := range e.lanes {
		n += len(l.tasks) + len(l.control)
	}
	return n
}

func (l *lane) loop() {
	defer close(l.done)
	for {
		// Control tasks first.
		select {
		case t := <-l.control:
			t.run()
			continue
		case <-l.stop:
			l.abort()
			return
		default:
		}

		select {
		case t := <-l.control:
			t.run()
		case t, ok := <-l.tasks:
			if !ok {
				l.linger()
				return
			}
			t.run()
		case <-l.stop:
			l.abort()
			return
		}
	}
}

// linger serves control tasks after the task queue ran dry, until every
// lane has drained or this lane is stopped.
func (l *lane) linger() {
	close(l.drained)
	for {
		select {
		case t := <-l.control:
			t.run()
		case <-l.held:
			l.drainControl()
			return
		case <-l.stop:
			l.abort()
			return
		}
	}
}

func (l *lane) drainControl() {
	for {
		select {
		case t := <-l.control:
			t.run()
		default:
			return
		}
	}
}

// abort fails everything still queued. The task queue is already closed.
func (l *lane) abort() {
	for t := range l.tasks {
		t.fail(ErrLaneStopped)
	}
	for {
		select {
		case t := <-l.control:
			t.fail(ErrLaneStopped)
		default:
			return
		}
	}
}

func (e *Executor[K]) enqueue(ctx context.Context, idx int, t task) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return ErrClosed
	}
	l := e.lanes[idx]
	select {
	case l.tasks <- t:
		return nil
	case <-e.closing:
		return ErrClosed
	case <-l.done:
		return ErrLaneStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func wrap[T any](log *zap.Logger, lane int, fut *Future[T], fn func() (T, error)) task {
	return task{
		run: func() {
			v, err := safeCall(log, lane, fn)
			fut.complete(v, err)
		},
		fail: func(err error) {
			var zero T
			fut.complete(zero, err)
		},
	}
}

func safeCall[T any](log *zap.Logger, lane int, fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", zap.Int("lane", lane), zap.Any("panic", r), zap.Stack("stack"))
			var zero T
			v = zero
			err = errors.Wrapf(ErrTaskPanicked, "lane %d: %v", lane, r)
		}
	}()
	return fn()
}

// Submit queues fn on k's lane. It blocks while the lane queue is full, until
// ctx ends or the executor closes; those failures come back in the Future.
func Submit[K comparable, T any](ctx context.Context, e *Executor[K], k K, fn func() (T, error)) *Future[T] {
	idx := e.LaneOf(k)
	fut := newFuture[T]()
	if err := e.enqueue(ctx, idx, wrap(e.log, idx, fut, fn)); err != nil {
		return Failed[T](err)
	}
	return fut
}

// Do submits fn and waits for its result.
func Do[K comparable, T any](ctx context.Context, e *Executor[K], k K, fn func() (T, error)) (T, error) {
	return Submit(ctx, e, k, fn).Wait(ctx)
}

// Call runs fn on lane target and waits for it. self is the lane the caller
// is running on, or -1 outside any lane; when self == target fn runs inline.
// While waiting, the caller's lane keeps executing its own control tasks.
func Call[K comparable, T any](e *Executor[K], self, target int, fn func() (T, error)) (T, error) {
	if self == target {
		return safeCall(e.log, target, fn)
	}
	fut := newFuture[T]()
	if err := e.sendControl(self, target, wrap(e.log, target, fut, fn)); err != nil {
		var zero T
		return zero, err
	}
	return Await(e, self, target, fut)
}

// Await waits for fut, produced by a task on lane target, while servicing the
// control queue of lane self (-1 for none).
func Await[K comparable, T any](e *Executor[K], self, target int, fut *Future[T]) (T, error) {
	own := e.controlOf(self)
	tl := e.lanes[target]
	for {
		select {
		case <-fut.done:
			return fut.val, fut.err
		case t := <-own:
			t.run()
		case <-tl.done:
			select {
			case <-fut.done:
				return fut.val, fut.err
			default:
				var zero T
				return zero, ErrLaneStopped
			}
		}
	}
}

func (e *Executor[K]) controlOf(self int) chan task {
	if self < 0 || self >= len(e.lanes) {
		return nil // never ready
	}
	return e.lanes[self].control
}

func (e *Executor[K]) sendControl(self, target int, t task) error {
	own := e.controlOf(self)
	tl := e.lanes[target]
	for {
		select {
		case tl.control <- t:
			return nil
		case c := <-own:
			c.run()
		case <-tl.done:
			return ErrLaneStopped
		}
	}
}

// Shutdown stops accepting tasks and lets every lane drain. A drained lane
// keeps running control tasks until all lanes have drained, so cross-lane
// calls made while draining still complete. Lanes still busy after grace are
// force-stopped: their queued tasks fail with ErrLaneStopped and a running
// task is left to finish on its own. Shutdown returns the indices of
// force-stopped lanes. Later calls return the same result.
func (e *Executor[K]) Shutdown(grace time.Duration) []int {
	e.once.Do(func() {
		close(e.closing)
		e.mu.Lock()
		e.closed = true
		for _, l := range e.lanes {
			close(l.tasks)
		}
		e.mu.Unlock()

		timer := time.NewTimer(grace)
		defer timer.Stop()
		expired := false
		for _, l := range e.lanes {
			if !expired {
				select {
				case <-l.drained:
					continue
				case <-timer.C:
					expired = true
				}
			}
			select {
			case <-l.drained:
			default:
				close(l.stop)
				e.forced = append(e.forced, l.idx)
			}
		}
		close(e.release)
		for _, l := range e.lanes {
			if !slices.Contains(e.forced, l.idx) {
				<-l.done
			}
		}

		if len(e.forced) > 0 {
			e.log.Warn("lanes force-stopped", zap.Ints("lanes", e.forced), zap.Duration("grace", grace))
		} else {
			e.log.Debug("lanes drained", zap.Int("lanes", len(e.lanes)))
		}
	})
	return e.forced
}
