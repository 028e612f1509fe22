package emitter

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandwichfarm/feedgraph/internal/ops"
)

const inboxSize = 1024

// Emitter coalesces pushed items into batches. A batch opens with the
// first item pushed after the previous flush and is flushed when the
// window elapses or capacity is reached, whichever comes first. Items
// repeated within one batch are delivered once. Flushes run one at a
// time on the emitter's goroutine.
type Emitter[T comparable] struct {
	window   time.Duration
	capacity int
	flush    func([]T)
	logger   *ops.Logger

	in       chan T
	flushReq chan chan struct{}
	done     chan struct{}

	mu     sync.RWMutex
	closed bool

	batches atomic.Int64
	items   atomic.Int64
}

// New starts an emitter. flush receives each batch and must not retain
// the slice after returning.
func New[T comparable](window time.Duration, capacity int, flush func([]T), logger *ops.Logger) *Emitter[T] {
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	if capacity <= 0 {
		capacity = 1
	}
	e := &Emitter[T]{
		window:   window,
		capacity: capacity,
		flush:    flush,
		logger:   ops.OrDefault(logger).WithComponent("emitter"),
		in:       make(chan T, inboxSize),
		flushReq: make(chan chan struct{}),
		done:     make(chan struct{}),
	}
	go e.run()
	return e
}

// Push enqueues v. After Close, v is delivered immediately in a batch of
// its own.
func (e *Emitter[T]) Push(v T) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		e.deliver([]T{v}, "closed")
		return
	}
	e.in <- v
	e.mu.RUnlock()
}

// Flush delivers everything pushed before the call and waits until the
// flush callback has returned. A delivery already in progress finishes
// first. Flush is served by the goroutine that runs the flush callback, so
// calling it from inside that callback deadlocks.
func (e *Emitter[T]) Flush() {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return
	}
	done := make(chan struct{})
	e.flushReq <- done
	e.mu.RUnlock()
	<-done
}

// Close flushes whatever is buffered and stops the emitter
func (e *Emitter[T]) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	close(e.in)
	e.mu.Unlock()
	<-e.done
}

// Stats returns the number of batches flushed and items delivered
func (e *Emitter[T]) Stats() (batches, items int64) {
	return e.batches.Load(), e.items.Load()
}

func (e *Emitter[T]) run() {
	defer close(e.done)

	var (
		batch  []T
		seen   = make(map[T]struct{})
		timer  *time.Timer
		expiry <-chan time.Time
	)

	flush := func(reason string) {
		if timer != nil {
			timer.Stop()
			timer, expiry = nil, nil
		}
		if len(batch) == 0 {
			return
		}
		e.deliver(batch, reason)
		batch = nil
		clear(seen)
	}

	add := func(v T) {
		if _, dup := seen[v]; dup {
			return
		}
		if len(batch) == 0 {
			timer = time.NewTimer(e.window)
			expiry = timer.C
		}
		seen[v] = struct{}{}
		batch = append(batch, v)
		if len(batch) >= e.capacity {
			flush("capacity")
		}
	}

	for {
		select {
		case v, ok := <-e.in:
			if !ok {
				flush("close")
				return
			}
			add(v)

		case done := <-e.flushReq:
			// pushes that returned before Flush was called are already queued
		drain:
			for {
				select {
				case v, ok := <-e.in:
					if !ok {
						break drain
					}
					add(v)
				default:
					break drain
				}
			}
			flush("flush")
			close(done)

		case <-expiry:
			timer, expiry = nil, nil
			flush("window")
		}
	}
}

func (e *Emitter[T]) deliver(batch []T, reason string) {
	e.batches.Add(1)
	e.items.Add(int64(len(batch)))
	e.logger.LogBatchFlush(len(batch), reason)
	e.flush(batch)
}
