package scope

import "sync"

// Remote mirrors a scope the peer created (spec §4.5, the "consumer"
// side): the id/key are assigned by the peer, and this side materializes
// its own local resource from the ScopeValue DTO via the Scope
// Registry's CreateRemoteFromValue factory.
type Remote struct {
	ID   int64
	Key  string
	Type int32

	// Value is the resource this side materialized to stand in for the
	// peer's scope (e.g. a context.CancelFunc chained to the peer's
	// cancellation token).
	Value any

	DisposeValue              bool
	DisposeValueOnError       bool
	InformMasterWhenDisposing bool

	mu        sync.Mutex
	discarded bool
	disposed  bool
	isError   bool
	lastErr   error
}

// IsDiscarded reports whether the scope has left the Active state.
func (s *Remote) IsDiscarded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discarded
}

func (s *Remote) discard(isErrorCause bool, cause error) (didDiscard, informMaster, shouldDispose bool) {
	s.mu.Lock()
	if s.discarded {
		s.mu.Unlock()
		return false, false, false
	}
	s.discarded = true
	s.isError = isErrorCause
	s.lastErr = cause
	shouldDispose = s.DisposeValue || (isErrorCause && s.DisposeValueOnError)
	informMaster = s.InformMasterWhenDisposing
	s.mu.Unlock()
	return true, informMaster, shouldDispose
}

func (s *Remote) markDisposed() {
	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()
}
