// Package reqtable implements the Request Table of spec §4.3: the map
// from outbound request id to the awaiter tracking it, with an atomic
// capacity check and idempotent removal.
//
// Grounded on the teacher's Conn.pending map[ID]chan *wireResponse in
// golang-tools internal/jsonrpc2/jsonrpc2.go, generalized from a bare
// channel to a *Pending struct carrying both halves of the spec's
// Request (context) model: a processor-completion (releases the
// queue slot) and a request-completion (wakes the caller).
package reqtable

import (
	"context"
	"fmt"
	"sync"
)

// ErrTooManyRequests is returned by Register when the table is at
// capacity (spec §4.3, §7 "TooManyRequests").
var ErrTooManyRequests = fmt.Errorf("reqtable: too many outstanding requests")

// ErrDuplicateID is returned by Register when id is already tracked.
// The spec treats this as a programming error (invariant violation),
// since request ids are supposed to be generated monotonically by a
// single processor.
type ErrDuplicateID struct{ ID int64 }

func (e *ErrDuplicateID) Error() string {
	return fmt.Sprintf("reqtable: request id %d already registered", e.ID)
}

// Result is what a Pending resolves to: either a value or an error.
// Exactly one of Value/Err is meaningful, distinguished by the caller's
// knowledge of whether a response carried a result or an error.
type Result struct {
	Value any
	Err   error
}

// Pending tracks one outbound request awaiting a Response or
// ErrorResponse (spec §3 "Request (context)").
type Pending struct {
	ID int64

	// done fires exactly once, when a terminal Result is available
	// (response, error, cancellation, or shutdown).
	done chan Result

	mu        sync.Mutex
	completed bool
}

// Wait blocks until the request completes or ctx is cancelled. Callers
// own exactly one Wait per Pending; the Table guarantees complete runs
// at most once per id (spec §5 "at most one observation of Response or
// ErrorResponse").
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-p.done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// complete resolves the pending request. Duplicate arrivals for the
// same id (spec §5 "further arrivals... are discarded") are silently
// ignored by the Table before they ever reach here, but complete is
// idempotent regardless.
func (p *Pending) complete(r Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed {
		return
	}
	p.completed = true
	p.done <- r
	close(p.done)
}

// Table is the per-direction map of in-flight outbound requests.
type Table struct {
	capacity int

	mu      sync.Mutex
	pending map[int64]*Pending
}

// New returns a Table bounded to capacity outstanding requests. A
// capacity of 0 means unbounded.
func New(capacity int) *Table {
	return &Table{capacity: capacity, pending: make(map[int64]*Pending)}
}

// Register creates and tracks a Pending for id. Returns
// ErrTooManyRequests if the table is at capacity, or *ErrDuplicateID if
// id collides with an existing entry.
func (t *Table) Register(id int64) (*Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.capacity > 0 && len(t.pending) >= t.capacity {
		return nil, ErrTooManyRequests
	}
	if _, exists := t.pending[id]; exists {
		return nil, &ErrDuplicateID{ID: id}
	}
	p := &Pending{ID: id, done: make(chan Result, 1)}
	t.pending[id] = p
	return p, nil
}

// Complete resolves the pending request for id with r and removes it
// from the table. It is a no-op (not an error) if id is not tracked —
// matching spec §5 "duplicates are ignored" for responses that arrive
// after cancellation or a prior response already completed the id.
func (t *Table) Complete(id int64, r Result) {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if ok {
		p.complete(r)
	}
}

// Remove deletes id from the table without completing it, for callers
// that have already obtained the Pending and want to resolve it
// themselves (e.g. cancellation). Idempotent.
func (t *Table) Remove(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Len returns the number of currently tracked requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// CloseAll completes every pending request with err and clears the
// table (spec §4.3 "On processor shutdown every entry is completed with
// an error; the table is then cleared").
func (t *Table) CloseAll(err error) {
	t.mu.Lock()
	all := t.pending
	t.pending = make(map[int64]*Pending)
	t.mu.Unlock()
	for _, p := range all {
		p.complete(Result{Err: err})
	}
}
