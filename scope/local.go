package scope

import "sync"

// Disposer is implemented by scope values that own a releasable
// resource (a file, a cancellation source, a stream pipe). Values that
// don't implement it are left alone on discard.
type Disposer interface {
	Dispose() error
}

func disposeValue(v any) error {
	if d, ok := v.(Disposer); ok {
		return d.Dispose()
	}
	return nil
}

// Local is a scope created on this side of a processor and exposed to
// the remote peer as a RemoteScope (spec §4.5, the "master" side of the
// relationship). Its lifecycle is Creating (construction, not yet
// stored) -> Active (stored, reachable by id and optionally by key) ->
// Discarded -> Disposed.
type Local struct {
	ID   int64
	Key  string
	Type int32

	// Value is the local resource this scope wraps (a cancellation
	// source, a stream writer, an application object).
	Value any

	DisposeValue                bool
	DisposeValueOnError         bool
	InformConsumerWhenDisposing bool

	mu        sync.Mutex
	discarded bool
	disposed  bool
	isError   bool
	lastErr   error
}

// IsDiscarded reports whether the scope has left the Active state.
func (s *Local) IsDiscarded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discarded
}

// LastError returns the cause recorded by the discard that ended this
// scope's lifetime, if any.
func (s *Local) LastError() (isError bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isError, s.lastErr
}

// discard transitions the scope to Discarded exactly once. It reports
// whether this call performed the transition (false on every call after
// the first, satisfying discard-is-idempotent) and whether the consumer
// should be informed. The disposal decision follows spec §4.5:
// should_dispose = DisposeValue OR (isErrorCause AND DisposeValueOnError).
func (s *Local) discard(isErrorCause bool, cause error) (didDiscard, informConsumer, shouldDispose bool) {
	s.mu.Lock()
	if s.discarded {
		s.mu.Unlock()
		return false, false, false
	}
	s.discarded = true
	s.isError = isErrorCause
	s.lastErr = cause
	shouldDispose = s.DisposeValue || (isErrorCause && s.DisposeValueOnError)
	informConsumer = s.InformConsumerWhenDisposing
	s.mu.Unlock()
	return true, informConsumer, shouldDispose
}

func (s *Local) markDisposed() {
	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()
}
