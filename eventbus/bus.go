// Package eventbus implements the Event Bus of spec §4.7: a name-keyed
// handler registry shared by a processor's own events and by every
// active scope's events, with lazy argument decoding so a handler only
// pays the decode cost for events it actually receives.
//
// Grounded on the teacher's deferred-decode idiom (golang-tools
// internal/jsonrpc2/jsonrpc2.go's Request.Params *json.RawMessage, which
// keeps the request body as raw bytes until a handler asks for a typed
// value) and on other_examples/800cca53_nugget-thane-ai-agent__internal-
// events-bus.go for the name-keyed handler registry shape, adapted here
// from a nil-safe observability bus into the wait/no-wait RPC event bus
// this module needs.
package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/wirepeer/wirepeer/reqtable"
	"github.com/wirepeer/wirepeer/wire"
)

// Handler reacts to one raised event. Returning an error only matters
// when the event was raised with waiting: it becomes the Result.Err the
// raiser observes.
type Handler func(ctx context.Context, args RawArgs) (any, error)

// RawArgs is an event's argument payload, kept encoded until Decode is
// called so a bus with no handler for a name never pays a deserialize
// cost.
type RawArgs struct {
	Serializer wire.Serializer
	Policy     *wire.AllowList
	Data       []byte
}

// Decode deserializes the payload into target (a pointer).
func (a RawArgs) Decode(target any) error {
	return a.Serializer.Deserialize(a.Policy, a.Data, target)
}

// ErrDuplicateHandler is returned by On when name is already registered.
type ErrDuplicateHandler struct{ Name string }

func (e *ErrDuplicateHandler) Error() string {
	return fmt.Sprintf("eventbus: handler for %q already registered", e.Name)
}

// Bus is a name-keyed handler registry. One Bus is processor-scoped
// (spec §4.7 processor events); a processor also owns one Bus per
// active scope for that scope's own events. Both are the same type,
// since registration and dispatch rules are identical; only the
// identity of the "owner" differs, which is the caller's concern, not
// the bus's.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string]Handler)}
}

// On registers h under name. Only one handler per name is allowed (spec
// §4.7 "duplicate registration fails").
func (b *Bus) On(name string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[name]; exists {
		return &ErrDuplicateHandler{Name: name}
	}
	b.handlers[name] = h
	return nil
}

// Off removes the handler for name, if any.
func (b *Bus) Off(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, name)
}

// Dispatch runs the handler registered for name, if any. handled is
// false when no handler is registered, which a processor-scoped caller
// treats as a silent drop for fire-and-forget events and a waiting
// caller turns into an error result.
func (b *Bus) Dispatch(ctx context.Context, name string, args RawArgs) (result any, handled bool, err error) {
	b.mu.RLock()
	h, ok := b.handlers[name]
	b.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	result, err = h(ctx, args)
	return result, true, err
}

// RaiseWait correlates a waiting event to its eventual result the same
// way a call correlates to its response: register id in table, invoke
// send to put the Event message on the wire, then block on the table's
// completion (spec §4.7 "the sender assigns an id, enters the Request
// Table, and awaits completion exactly like a call").
func RaiseWait(ctx context.Context, table *reqtable.Table, id int64, send func() error) (reqtable.Result, error) {
	pending, err := table.Register(id)
	if err != nil {
		return reqtable.Result{}, err
	}
	if err := send(); err != nil {
		table.Remove(id)
		return reqtable.Result{}, err
	}
	return pending.Wait(ctx)
}
