// Package scope implements the per-processor Scope Subsystem of spec
// §4.5: the four lookup tables (local scopes by id and by key, remote
// scopes by id and by key) and the Creating -> Active -> Discarded ->
// Disposed lifecycle shared by every scope type.
//
// Concrete scope types (cancellation tokens, byte streams) live in
// sibling packages and register their factories with a
// scoperegistry.Registry; this package only owns bookkeeping and the
// dispose policy, never the wire format or transport — consistent with
// the teacher's CancelHandler (golang-tools internal/jsonrpc2/handler.go),
// which tracks map[ID]context.CancelFunc without knowing anything about
// what travels the wire.
package scope

import (
	"sync"
	"sync/atomic"
)

// Tables is the per-processor scope bookkeeping. A single instance is
// shared by whatever local processor owns it; all compound
// lookup-then-insert operations are serialized by mu, matching the
// "per-processor lock" guidance for request/scope tables.
type Tables struct {
	nextID int64 // atomic, monotonically increasing local scope id

	mu          sync.Mutex
	local       map[int64]*Local
	keyedLocal  map[string]*Local
	remote      map[int64]*Remote
	keyedRemote map[string]*Remote
}

// NewTables returns an empty Tables.
func NewTables() *Tables {
	return &Tables{
		local:       make(map[int64]*Local),
		keyedLocal:  make(map[string]*Local),
		remote:      make(map[int64]*Remote),
		keyedRemote: make(map[string]*Remote),
	}
}

func (t *Tables) lock()   { t.mu.Lock() }
func (t *Tables) unlock() { t.mu.Unlock() }

// NextScopeID returns the next monotonically increasing local scope id
// (spec §4.5 "scope ids are assigned by the creating side and never
// reused").
func (t *Tables) NextScopeID() int64 {
	return atomic.AddInt64(&t.nextID, 1)
}

// CreateLocal materializes a new Local scope and, when store is true or
// key is non-empty, publishes it in the id table and (if key is
// non-empty) the key table; a keyed scope is always stored, whatever
// store says. If key names an existing stored scope, replaceExisting decides
// between ErrKeyInUse and evicting the old scope first (spec §4.5
// "replace_existing_scope").
func (t *Tables) CreateLocal(key string, typ int32, value any, disposeValue, disposeValueOnError, informConsumer, replaceExisting, store bool) (*Local, error) {
	s := &Local{
		ID:                          t.NextScopeID(),
		Key:                         key,
		Type:                        typ,
		Value:                       value,
		DisposeValue:                disposeValue,
		DisposeValueOnError:         disposeValueOnError,
		InformConsumerWhenDisposing: informConsumer,
	}

	t.lock()
	defer t.unlock()

	if key != "" {
		if old, exists := t.keyedLocal[key]; exists {
			if !replaceExisting {
				return nil, &ErrKeyInUse{Key: key}
			}
			t.evictLocalLocked(old)
		}
	}
	if store || key != "" {
		t.local[s.ID] = s
		if key != "" {
			t.keyedLocal[key] = s
		}
	}
	return s, nil
}

// GetLocal looks up a Local scope by id.
func (t *Tables) GetLocal(id int64) (*Local, bool) {
	t.lock()
	defer t.unlock()
	s, ok := t.local[id]
	return s, ok
}

// GetLocalByKey looks up a Local scope by key.
func (t *Tables) GetLocalByKey(key string) (*Local, bool) {
	t.lock()
	defer t.unlock()
	s, ok := t.keyedLocal[key]
	return s, ok
}

// evictLocalLocked removes old from both tables and runs its discard +
// disposal; callers must hold t.mu. Disposal is assumed to be a fast,
// local, non-blocking operation (releasing a token or closing a pipe),
// never a network round-trip, so it is safe to run inside the table
// lock here the same way CreateLocal's lookup-then-insert is serialized.
func (t *Tables) evictLocalLocked(old *Local) {
	delete(t.local, old.ID)
	if old.Key != "" {
		delete(t.keyedLocal, old.Key)
	}
	if did, _, shouldDispose := old.discard(false, nil); did && shouldDispose {
		disposeValue(old.Value)
		old.markDisposed()
	}
}

// DiscardLocal removes the scope named by id from both tables (if
// present) and runs its dispose policy. found is false if id was not
// tracked (already discarded by a crossing race, or never existed);
// informConsumer is only ever true on the call that actually performed
// the transition, giving callers idempotent discard-is-a-no-op-twice
// semantics for free.
func (t *Tables) DiscardLocal(id int64, isErrorCause bool, cause error) (s *Local, informConsumer bool, found bool) {
	t.lock()
	s, ok := t.local[id]
	if ok {
		delete(t.local, id)
		if s.Key != "" {
			delete(t.keyedLocal, s.Key)
		}
	}
	t.unlock()
	if !ok {
		return nil, false, false
	}
	_, inform, shouldDispose := s.discard(isErrorCause, cause)
	if shouldDispose {
		disposeValue(s.Value)
		s.markDisposed()
	}
	return s, inform, true
}

// CreateRemote registers a Remote scope mirroring one the peer created.
// id and key come from the peer's ScopeRegistration; value is the local
// resource this side materialized from it.
func (t *Tables) CreateRemote(id int64, key string, typ int32, value any, disposeValue, disposeValueOnError, informMaster bool) *Remote {
	s := &Remote{
		ID:                        id,
		Key:                       key,
		Type:                      typ,
		Value:                     value,
		DisposeValue:              disposeValue,
		DisposeValueOnError:       disposeValueOnError,
		InformMasterWhenDisposing: informMaster,
	}
	t.lock()
	t.remote[id] = s
	if key != "" {
		t.keyedRemote[key] = s
	}
	t.unlock()
	return s
}

// GetRemote looks up a Remote scope by id.
func (t *Tables) GetRemote(id int64) (*Remote, bool) {
	t.lock()
	defer t.unlock()
	s, ok := t.remote[id]
	return s, ok
}

// GetRemoteByKey looks up a Remote scope by key.
func (t *Tables) GetRemoteByKey(key string) (*Remote, bool) {
	t.lock()
	defer t.unlock()
	s, ok := t.keyedRemote[key]
	return s, ok
}

// DiscardRemote removes the scope named by id and runs its dispose
// policy, symmetric to DiscardLocal.
func (t *Tables) DiscardRemote(id int64, isErrorCause bool, cause error) (s *Remote, informMaster bool, found bool) {
	t.lock()
	s, ok := t.remote[id]
	if ok {
		delete(t.remote, id)
		if s.Key != "" {
			delete(t.keyedRemote, s.Key)
		}
	}
	t.unlock()
	if !ok {
		return nil, false, false
	}
	_, inform, shouldDispose := s.discard(isErrorCause, cause)
	if shouldDispose {
		disposeValue(s.Value)
		s.markDisposed()
	}
	return s, inform, true
}

// CloseAll discards every tracked local and remote scope, for processor
// shutdown (spec §4.9 "Stopping drains and disposes every live scope").
// It does not send any wire messages; callers inform peers beforehand if
// the transport is still usable.
func (t *Tables) CloseAll() {
	t.lock()
	locals := make([]*Local, 0, len(t.local))
	for _, s := range t.local {
		locals = append(locals, s)
	}
	remotes := make([]*Remote, 0, len(t.remote))
	for _, s := range t.remote {
		remotes = append(remotes, s)
	}
	t.local = make(map[int64]*Local)
	t.keyedLocal = make(map[string]*Local)
	t.remote = make(map[int64]*Remote)
	t.keyedRemote = make(map[string]*Remote)
	t.unlock()

	for _, s := range locals {
		if _, _, shouldDispose := s.discard(false, nil); shouldDispose {
			disposeValue(s.Value)
			s.markDisposed()
		}
	}
	for _, s := range remotes {
		if _, _, shouldDispose := s.discard(false, nil); shouldDispose {
			disposeValue(s.Value)
			s.markDisposed()
		}
	}
}

// LocalLen returns the number of currently tracked local scopes.
func (t *Tables) LocalLen() int {
	t.lock()
	defer t.unlock()
	return len(t.local)
}

// RemoteLen returns the number of currently tracked remote scopes.
func (t *Tables) RemoteLen() int {
	t.lock()
	defer t.unlock()
	return len(t.remote)
}
