// Package queue implements the bounded, priority-ordered queues that
// decouple message production from consumption in a wirepeer processor
// (spec §4.2). A processor creates three: IncomingMessages,
// OutgoingMessages (exactly one worker) and Calls. Outbound requests
// have no queue of their own; they are bounded by the request table.
//
// The admission-control half is grounded on the teacher's
// AsyncHandler channel-release idiom (golang-tools internal/jsonrpc2,
// handler.go) generalized from a single release gate to N priority
// buckets; the worker-pool half uses golang.org/x/sync/semaphore, a
// teacher dependency, instead of a hand-rolled counting semaphore.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Push/TryPush once Close has been called.
var ErrClosed = errors.New("queue: closed")

// ErrFull is returned by TryPush when the queue is at capacity.
var ErrFull = errors.New("queue: full")

// item is one FIFO-within-priority queue entry.
type item struct {
	priority int
	seq      uint64 // breaks priority ties, FIFO
	value    any
}

// itemHeap is a max-heap on priority, then min-heap on seq (older first).
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)         { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// PriorityQueue is a bounded, priority-ordered FIFO-within-priority
// queue with a fixed pool of consumer workers (spec §4.2, §5).
type PriorityQueue struct {
	capacity int

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	heap     itemHeap
	nextSeq  uint64
	closed   bool

	workers int
	sem     *semaphore.Weighted
}

// New returns a PriorityQueue bounded to capacity items with workers
// concurrent consumers. workers must be >= 1; OutgoingMessages callers
// must pass exactly 1 to uphold the single-writer invariant of spec
// §4.2/§5.
func New(capacity, workers int) *PriorityQueue {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}
	if workers <= 0 {
		panic("queue: workers must be positive")
	}
	q := &PriorityQueue{
		capacity: capacity,
		workers:  workers,
		sem:      semaphore.NewWeighted(int64(workers)),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Workers returns the configured worker count.
func (q *PriorityQueue) Workers() int { return q.workers }

// Len returns the number of items currently queued.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Push blocks until capacity is available (or the queue closes), then
// enqueues value at priority. Equal-priority items are released FIFO
// (spec §4.2 "ordering between equal-priority items is FIFO").
func (q *PriorityQueue) Push(ctx context.Context, priority int, value any) error {
	return q.push(ctx, priority, value, true)
}

// TryPush enqueues value without blocking, returning ErrFull if the
// queue is at capacity. Used by bounded-fail backpressure configurations
// (spec §7 "TooManyMessages").
func (q *PriorityQueue) TryPush(priority int, value any) error {
	return q.push(context.Background(), priority, value, false)
}

func (q *PriorityQueue) push(ctx context.Context, priority int, value any, block bool) error {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.heap.Len() < q.capacity {
			break
		}
		if !block {
			q.mu.Unlock()
			return ErrFull
		}
		if err := ctx.Err(); err != nil {
			q.mu.Unlock()
			return err
		}
		// sync.Cond has no context-aware wait; a watcher goroutine
		// broadcasts notFull if ctx is cancelled so Wait() unblocks.
		done := make(chan struct{})
		stop := q.watchCancel(ctx, done)
		q.notFull.Wait()
		close(done)
		stop()
	}
	it := &item{priority: priority, seq: q.nextSeq, value: value}
	q.nextSeq++
	heap.Push(&q.heap, it)
	q.mu.Unlock()
	q.notEmpty.Signal()
	return ctx.Err()
}

// watchCancel spins a goroutine that broadcasts on the queue's condition
// variables if ctx is done before the caller signals completion via
// done, unblocking any Wait() in progress.
func (q *PriorityQueue) watchCancel(ctx context.Context, done chan struct{}) (stop func()) {
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.notFull.Broadcast()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
		close(stopped)
	}()
	return func() { <-stopped }
}

// Pop blocks until an item is available (highest priority, oldest
// first) or the context is cancelled or the queue is closed and
// drained.
func (q *PriorityQueue) Pop(ctx context.Context) (any, error) {
	q.mu.Lock()
	for q.heap.Len() == 0 {
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			q.mu.Unlock()
			return nil, err
		}
		done := make(chan struct{})
		stop := q.watchCancel(ctx, done)
		q.notEmpty.Wait()
		close(done)
		stop()
	}
	it := heap.Pop(&q.heap).(*item)
	q.mu.Unlock()
	q.notFull.Signal()
	return it.value, nil
}

// Close marks the queue closed: pending and future Push calls fail with
// ErrClosed, and Pop returns ErrClosed once drained of remaining items.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// RunWorkers starts a single popping loop that fans each item out to
// handle, bounding the number of concurrently-running handle
// invocations to Workers() via a weighted semaphore. It returns
// immediately; callers join via the returned WaitGroup's Wait, or by
// waiting on ctx.
func (q *PriorityQueue) RunWorkers(ctx context.Context, handle func(context.Context, any)) *sync.WaitGroup {
	var loopDone sync.WaitGroup
	loopDone.Add(1)
	go func() {
		defer loopDone.Done()
		var inFlight sync.WaitGroup
		defer inFlight.Wait()
		for {
			v, err := q.Pop(ctx)
			if err != nil {
				return
			}
			if err := q.sem.Acquire(ctx, 1); err != nil {
				return
			}
			inFlight.Add(1)
			go func(v any) {
				defer inFlight.Done()
				defer q.sem.Release(1)
				handle(ctx, v)
			}(v)
		}
	}()
	return &loopDone
}
