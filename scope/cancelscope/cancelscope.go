// Package cancelscope implements the Cancellation scope type of spec
// §4.6: a context.Context mirrored across the wire so that cancelling it
// on the master side propagates a trigger to the consumer side, without
// either side waiting on the other.
//
// Grounded on the teacher's CancelHandler (golang-tools
// internal/jsonrpc2/handler.go), which keeps a map[ID]context.CancelFunc
// and cancels the matching entry when a $/cancelRequest notification
// arrives; here the same cancel-by-id idea is generalized into a scope
// value that can be registered with a scoperegistry.Registry and created
// either explicitly or automatically whenever a context.Context is
// passed as a call parameter.
package cancelscope

import (
	"context"
	"sync"

	"github.com/wirepeer/wirepeer/scoperegistry"
)

// Source is the master-side half: a context.Context plus the means to
// trigger it locally and report whether it already fired, so the
// processor can decide once whether to send a ScopeTrigger message.
type Source struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	triggered bool
	stored    bool
}

// NewSource derives a cancellable context from parent (context.Background
// if parent is nil).
func NewSource(parent context.Context) *Source {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Source{ctx: ctx, cancel: cancel}
}

// Context returns the context methods dispatched through this scope
// should observe.
func (s *Source) Context() context.Context { return s.ctx }

// Trigger cancels the context. It returns true the first time it runs
// and false on every subsequent call, so callers know whether to notify
// the peer (spec §4.6 "a token can only transition untriggered ->
// triggered once").
func (s *Source) Trigger() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.triggered {
		return false
	}
	s.triggered = true
	s.cancel()
	return true
}

// Triggered reports whether Trigger has already run.
func (s *Source) Triggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggered
}

// ConfirmStored records that the consumer has materialized its Mirror
// and acknowledged it (spec §4.6 step 2: "Consumer acknowledges by
// sending RemoteScopeTrigger ... Master records was_triggered=true").
// Named Stored/ConfirmStored here rather than was_triggered to keep it
// distinct from Trigger/Triggered, which track this Source's own
// cancellation instead.
func (s *Source) ConfirmStored() {
	s.mu.Lock()
	s.stored = true
	s.mu.Unlock()
}

// Stored reports whether the consumer has acknowledged materializing
// its mirror.
func (s *Source) Stored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored
}

// Dispose implements scope.Disposer: discarding a Source's owning scope
// always triggers it, since an untriggered, abandoned token would leak
// the derived context's goroutine otherwise.
func (s *Source) Dispose() error {
	s.Trigger()
	return nil
}

// Mirror is the consumer-side half: a context.Context that cancels when
// a RemoteScopeTrigger arrives from the peer that owns the master
// Source.
type Mirror struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewMirror derives a cancellable context this side controls on receipt
// of a remote trigger.
func NewMirror(parent context.Context) *Mirror {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Mirror{ctx: ctx, cancel: cancel}
}

// Context returns the mirrored context.
func (m *Mirror) Context() context.Context { return m.ctx }

// Trigger cancels the mirrored context in response to a remote trigger
// notification. Idempotent: context.CancelFunc is safe to call more
// than once.
func (m *Mirror) Trigger() { m.cancel() }

// Dispose implements scope.Disposer.
func (m *Mirror) Dispose() error {
	m.cancel()
	return nil
}

// Register installs the Cancellation type descriptor into reg. ctx
// supplies the root every Source/Mirror derives from (typically the
// owning processor's lifetime context).
func Register(reg *scoperegistry.Registry, ctx context.Context) error {
	return reg.Register(scoperegistry.TypeDescriptor{
		TypeID: scoperegistry.TypeCancellation,
		CreateLocalFromParameter: func(param any) (any, error) {
			if c, ok := param.(context.Context); ok {
				return NewSource(c), nil
			}
			return NewSource(ctx), nil
		},
		CreateRemoteFromValue: func(_ []byte) (any, error) {
			return NewMirror(ctx), nil
		},
		CreateParameterFromScope: func(remoteValue any) (any, error) {
			m := remoteValue.(*Mirror)
			return m.Context(), nil
		},
		CreateLocalForOutboundParameterValue: func(v any) bool {
			_, ok := v.(context.Context)
			return ok
		},
	})
}
