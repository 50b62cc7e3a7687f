package wirepeer

import (
	"context"
	"fmt"

	"github.com/wirepeer/wirepeer/eventbus"
	"github.com/wirepeer/wirepeer/scope"
	"github.com/wirepeer/wirepeer/scope/streamscope"
	"github.com/wirepeer/wirepeer/scoperegistry"
	"github.com/wirepeer/wirepeer/wire"
)

// GetScope returns the locally-owned scope identified by id, if it is
// still Active.
func (p *Processor) GetScope(id int64) (*scope.Local, bool) {
	return p.scopes.GetLocal(id)
}

// GetRemoteScope returns the mirror this side holds for a scope the
// peer owns, if it is still Active.
func (p *Processor) GetRemoteScope(id int64) (*scope.Remote, bool) {
	return p.scopes.GetRemote(id)
}

// CreateScope registers value as a new Local scope of typ, makes it
// reachable by id (and by key, if non-empty), then announces it to the
// peer via ScopeRegistration so it can materialize its own mirror (spec
// §4.5).
func (p *Processor) CreateScope(key string, typ int32, value any, disposeValue, disposeValueOnError, informConsumer, replaceExisting bool, extensions []byte) (*scope.Local, error) {
	s, err := p.scopes.CreateLocal(key, typ, value, disposeValue, disposeValueOnError, informConsumer, replaceExisting, true)
	if err != nil {
		return nil, err
	}
	if err := p.announceLocalScope(s, replaceExisting, true, extensions, PriorityNormal); err != nil {
		p.scopes.DiscardLocal(s.ID, true, err)
		return nil, err
	}
	return s, nil
}

// announceLocalScope sends the ScopeRegistration that lets the peer
// materialize its mirror of s, shared by CreateScope's explicit path and
// the Call Dispatcher's implicit parameter/return auto-scope-wrap.
// priority must match whatever priority the message this registration
// must precede is sent at (PriorityNormal for a Request, PriorityHigh
// for a Response) — the outgoing queue is priority-ordered, not FIFO
// across priorities, so a registration queued at a lower priority than
// its dependent message can arrive after it.
func (p *Processor) announceLocalScope(s *scope.Local, replaceExisting, isStored bool, extensions []byte, priority int) error {
	reg := &wire.ScopeRegistration{
		Hdr: wire.Header{HLVersion: p.opts.RPCVersion},
		Value: wire.ScopeValue{
			ID:                        s.ID,
			Key:                       s.Key,
			ReplaceExistingScope:      replaceExisting,
			Type:                      s.Type,
			IsStored:                  isStored,
			DisposeScopeValue:         s.DisposeValue,
			DisposeScopeValueOnError:  s.DisposeValueOnError,
			InformMasterWhenDisposing: s.InformConsumerWhenDisposing,
			Extensions:                extensions,
		},
		Serializer: p.serializer.ID(),
	}
	return p.outgoing.Push(p.ctx, priority, reg)
}

// autoScopeWrapParam checks whether params matches a registered scope
// type's outbound-parameter rule (spec §4.8 step "scope-wrap
// parameters") and, if so, creates and announces a Local scope for it,
// returning the scope id a Request should carry in place of the
// serialized value. ok is false when no registered type claims params,
// meaning the caller should serialize params normally. stopWatch, when
// non-nil, must be called once the call this scope belongs to completes,
// releasing the goroutine started to auto-propagate cancellation.
func (p *Processor) autoScopeWrapParam(params any) (scopeID int64, ok bool, err error, stopWatch func()) {
	if params == nil {
		return 0, false, nil, nil
	}
	desc, matched := p.scopeRegs.MatchOutboundParameter(params)
	if !matched || desc.CreateLocalFromParameter == nil {
		return 0, false, nil, nil
	}
	scopeID, stopWatch, err = p.wrapValueAsScope(desc, params, PriorityNormal)
	if err != nil {
		return 0, true, err, nil
	}
	return scopeID, true, nil, stopWatch
}

// wrapValueAsScope creates and announces a Local scope for raw under
// desc, the machinery shared by the outbound-parameter and return-value
// halves of the Call Dispatcher's auto-scope-wrap step (spec §4.8 step
// 6, §4.6 point 4's "symmetric rules apply ... in the reverse
// direction"). priority is forwarded to announceLocalScope so the
// registration is ordered correctly against whichever message
// (Request or Response) carries the returned scope id. stopWatch, when
// non-nil, must be called once whatever owns this scope's lifetime
// completes, to release the cancellation-watch goroutine.
func (p *Processor) wrapValueAsScope(desc scoperegistry.TypeDescriptor, raw any, priority int) (scopeID int64, stopWatch func(), err error) {
	value, err := desc.CreateLocalFromParameter(raw)
	if err != nil {
		return 0, nil, err
	}
	s, err := p.scopes.CreateLocal("", desc.TypeID, value, true, true, false, false, true)
	if err != nil {
		return 0, nil, err
	}
	if err := p.announceLocalScope(s, false, true, nil, priority); err != nil {
		p.scopes.DiscardLocal(s.ID, true, err)
		return 0, nil, err
	}
	// A value whose own context can be cancelled out from under it (a
	// context.Context handed in as the call argument, wrapped by
	// cancelscope.Source) has no other way to tell the processor it fired
	// short of a scope.Disposer call; watch it here so the peer's mirror
	// observes the same cancellation without the caller ever touching
	// TriggerScope directly. The watch stops at whichever comes first:
	// the context firing, the owning call completing, or the processor
	// closing.
	if c, ok := value.(contexted); ok {
		stop := make(chan struct{})
		go p.watchAutoTriggeredScope(s.ID, c.Context(), stop)
		stopWatch = func() { close(stop) }
	}
	return s.ID, stopWatch, nil
}

// autoScopeWrapReturn wraps a handler's return value as a Local scope
// once dispatch.Handle has confirmed it matches a registered auto-scope
// rule, the receiving half of handleInboundRequest's reply-encoding
// step. The registration is announced at PriorityHigh, matching
// sendResponse, so it is guaranteed to reach the peer no later than the
// Response that carries its scope id.
func (p *Processor) autoScopeWrapReturn(typeID int32, value any) (int64, error) {
	desc, err := p.scopeRegs.Lookup(typeID)
	if err != nil {
		return 0, err
	}
	if desc.CreateLocalFromParameter == nil {
		return 0, fmt.Errorf("wirepeer: scope type %d has no local factory for return values", typeID)
	}
	scopeID, _, err := p.wrapValueAsScope(desc, value, PriorityHigh)
	return scopeID, err
}

// contexted is implemented by cancelscope.Source: a scope value whose
// own context.Context can become Done independently of an explicit
// Trigger call, because it was derived from a context the caller
// controls directly.
type contexted interface{ Context() context.Context }

func (p *Processor) watchAutoTriggeredScope(scopeID int64, ctx context.Context, stop <-chan struct{}) {
	select {
	case <-ctx.Done():
		_ = p.TriggerScope(scopeID)
	case <-stop:
	case <-p.ctx.Done():
	}
}

// materializeScopeParam turns the scope id carried by an inbound
// Request's single parameter slot into the value a HasScopeType
// ParamDescriptor expects, the receiving half of autoScopeWrapParam.
func (p *Processor) materializeScopeParam(scopeID int64) (any, error) {
	r, ok := p.scopes.GetRemote(scopeID)
	if !ok {
		return nil, &ErrScopeNotFound{ScopeID: scopeID}
	}
	desc, err := p.scopeRegs.Lookup(r.Type)
	if err != nil {
		return nil, err
	}
	if desc.CreateParameterFromScope == nil {
		return nil, fmt.Errorf("wirepeer: scope type %d has no parameter factory", r.Type)
	}
	return desc.CreateParameterFromScope(r.Value)
}

// DiscardScope ends a Local scope this side owns, running its dispose
// policy and, if the scope asked to be told, notifying the peer.
func (p *Processor) DiscardScope(id int64, isErrorCause bool, cause error) {
	s, informConsumer, found := p.scopes.DiscardLocal(id, isErrorCause, cause)
	if !found {
		return
	}
	if informConsumer {
		p.sendResponse(&wire.ScopeDiscarded{Hdr: wire.Header{HLVersion: p.opts.RPCVersion}, ScopeID: id, Key: s.Key})
	}
}

// DiscardRemoteScope ends a Remote mirror this side holds, symmetric to
// DiscardScope.
func (p *Processor) DiscardRemoteScope(id int64, isErrorCause bool, cause error) {
	s, informMaster, found := p.scopes.DiscardRemote(id, isErrorCause, cause)
	if !found {
		return
	}
	if informMaster {
		p.sendResponse(&wire.RemoteScopeDiscarded{Hdr: wire.Header{HLVersion: p.opts.RPCVersion}, ScopeID: id, Key: s.Key})
	}
}

func (p *Processor) routeScopeMessage(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.ScopeRegistration:
		p.handleScopeRegistration(m)
	case *wire.ScopeDiscarded:
		// The master discarded a scope we mirror; drop our Remote.
		p.scopes.DiscardRemote(m.ScopeID, false, nil)
	case *wire.RemoteScopeDiscarded:
		// The consumer discarded their mirror; cascade to our Local.
		p.scopes.DiscardLocal(m.ScopeID, false, nil)
	case *wire.ScopeTrigger:
		p.triggerRemote(m.ScopeID)
		if m.Hdr.ID != nil {
			p.sendResponse(&wire.Response{Hdr: wire.Header{ID: m.Hdr.ID, HLVersion: p.opts.RPCVersion}, Serializer: p.serializer.ID()})
		}
	case *wire.RemoteScopeTrigger:
		if m.Ack {
			p.ackLocalScope(m.ScopeID)
		} else {
			p.triggerLocal(m.ScopeID)
		}
		if m.Hdr.ID != nil {
			p.sendResponse(&wire.Response{Hdr: wire.Header{ID: m.Hdr.ID, HLVersion: p.opts.RPCVersion}, Serializer: p.serializer.ID()})
		}
	case *wire.ScopeError:
		p.scopes.DiscardRemote(m.ScopeID, true, &RemoteError{Type: m.ErrorType, Message: m.ErrorMessage})
	case *wire.ScopeEvent:
		p.handleScopedEvent(m.Name, m.Waiting, m.Serializer, m.Args, m.Hdr.ID)
	case *wire.RemoteScopeEvent:
		p.handleScopedEvent(m.Name, m.Waiting, m.Serializer, m.Args, m.Hdr.ID)
	case *wire.StreamStart:
		p.handleStreamStart(m)
	case *wire.StreamChunk:
		p.handleStreamChunk(m)
	}
}

func (p *Processor) handleScopeRegistration(m *wire.ScopeRegistration) {
	desc, err := p.scopeRegs.Lookup(m.Value.Type)
	if err != nil {
		p.log.WithError(err).Warn("scope registration for unknown type")
		return
	}
	if desc.CreateRemoteFromValue == nil {
		p.log.Warnf("scope type %d has no remote factory", m.Value.Type)
		return
	}
	value, err := desc.CreateRemoteFromValue(m.Value.Extensions)
	if err != nil {
		p.log.WithError(err).Warn("failed to materialize remote scope")
		return
	}
	p.scopes.CreateRemote(m.Value.ID, m.Value.Key, m.Value.Type, value,
		m.Value.DisposeScopeValue, m.Value.DisposeScopeValueOnError, m.Value.InformMasterWhenDisposing)
	// Confirm "scope stored at consumer" (spec §4.6 step 2) regardless of
	// scope type; ackLocalScope on the owning side no-ops for a value
	// that has no use for the acknowledgement.
	if err := p.outgoing.Push(p.ctx, PriorityNormal, &wire.RemoteScopeTrigger{
		Hdr:     wire.Header{HLVersion: p.opts.RPCVersion},
		ScopeID: m.Value.ID,
		Ack:     true,
	}); err != nil {
		p.log.WithError(err).Warn("failed to send scope-stored acknowledgement")
	}
}

// triggerable is implemented by cancelscope.Mirror; kept local to avoid
// an import cycle with a package that has no reason to know about the
// processor.
type triggerable interface{ Trigger() }

// triggerSource is implemented by cancelscope.Source.
type triggerSource interface{ Trigger() bool }

func (p *Processor) triggerRemote(scopeID int64) {
	r, ok := p.scopes.GetRemote(scopeID)
	if !ok {
		return
	}
	if mirror, ok := r.Value.(triggerable); ok {
		mirror.Trigger()
	}
}

// TriggerScope fires the cancellation (or other triggerable) value of a
// Local scope this side owns and, the first time it actually fires,
// tells the peer's mirror via ScopeTrigger so both sides observe the
// same untriggered -> triggered transition.
func (p *Processor) TriggerScope(id int64) error {
	l, ok := p.scopes.GetLocal(id)
	if !ok {
		return &ErrScopeNotFound{ScopeID: id}
	}
	src, ok := l.Value.(triggerSource)
	if !ok {
		return fmt.Errorf("wirepeer: scope %d has no triggerable value", id)
	}
	if !src.Trigger() {
		return nil
	}
	return p.outgoing.Push(p.ctx, PriorityHigh, &wire.ScopeTrigger{Hdr: wire.Header{HLVersion: p.opts.RPCVersion}, ScopeID: id})
}

// SendStreamChunk pushes one chunk of a locally-owned stream scope onto
// the outgoing queue and blocks until the peer acknowledges it, so that
// streamscope.Writer's sequential calls never dispatch the next chunk
// before the previous one's response arrives (spec §4.11). It is the
// send callback streamscope.Register expects, wiring that package's
// Writer to this processor's transport. Acknowledgement reuses the same
// Request Table call() uses to correlate a Response to the message that
// produced it: the chunk carries a fresh id, and the peer's
// handleStreamChunk replies with a bare *wire.Response bearing that id
// once the chunk has been pushed into its streamscope.Reader.
func (p *Processor) SendStreamChunk(scopeID int64, data []byte, isLast bool) error {
	id := p.nextRequestID()
	pending, err := p.requests.Register(id)
	if err != nil {
		return err
	}
	if err := p.outgoing.Push(p.ctx, PriorityNormal, &wire.StreamChunk{
		Hdr:     wire.Header{ID: &id, HLVersion: p.opts.RPCVersion},
		ScopeID: scopeID,
		Data:    data,
		IsLast:  isLast,
	}); err != nil {
		p.requests.Remove(id)
		return err
	}
	r, waitErr := pending.Wait(p.ctx)
	if waitErr != nil {
		return waitErr
	}
	return r.Err
}

// ErrScopeNotFound is returned by operations that require an Active
// Local scope by id.
type ErrScopeNotFound struct{ ScopeID int64 }

func (e *ErrScopeNotFound) Error() string {
	return fmt.Sprintf("wirepeer: no local scope %d", e.ScopeID)
}

func (p *Processor) triggerLocal(scopeID int64) {
	l, ok := p.scopes.GetLocal(scopeID)
	if !ok {
		return
	}
	if src, ok := l.Value.(triggerSource); ok {
		src.Trigger()
	}
}

// ackReceiver is implemented by cancelscope.Source: a scope value that
// records the consumer's step-2 "scope stored" handshake (spec §4.6),
// distinct from the value's own Trigger being fired.
type ackReceiver interface{ ConfirmStored() }

func (p *Processor) ackLocalScope(scopeID int64) {
	l, ok := p.scopes.GetLocal(scopeID)
	if !ok {
		return
	}
	if ar, ok := l.Value.(ackReceiver); ok {
		ar.ConfirmStored()
	}
}

func (p *Processor) handleScopedEvent(name string, waiting bool, serializerID int32, data []byte, id *int64) {
	args := eventbus.RawArgs{Serializer: p.serializer, Policy: p.policy, Data: data}
	result, handled, err := p.events.Dispatch(p.ctx, name, args)
	if !waiting || id == nil {
		return
	}
	if !handled || err != nil {
		p.sendResponse(&wire.ErrorResponse{Hdr: wire.Header{ID: id, HLVersion: p.opts.RPCVersion}, ErrorType: "ScopeEventError", ErrorMessage: errString(err)})
		return
	}
	payload, encErr := p.serializer.Serialize(p.policy, result)
	if encErr != nil {
		p.sendResponse(&wire.ErrorResponse{Hdr: wire.Header{ID: id, HLVersion: p.opts.RPCVersion}, ErrorType: "SerializationError", ErrorMessage: encErr.Error()})
		return
	}
	p.sendResponse(&wire.Response{Hdr: wire.Header{ID: id, HLVersion: p.opts.RPCVersion}, Serializer: p.serializer.ID(), Result: payload})
}

func errString(err error) string {
	if err == nil {
		return "no handler registered"
	}
	return err.Error()
}

func (p *Processor) handleStreamStart(m *wire.StreamStart) {
	desc, err := p.scopeRegs.Lookup(scoperegistry.TypeStream)
	if err != nil || desc.CreateRemoteFromValue == nil {
		p.log.Warn("stream scope requested but no Stream type registered")
		return
	}
	value, err := desc.CreateRemoteFromValue([]byte(m.Compression))
	if err != nil {
		p.log.WithError(err).Warn("failed to materialize stream reader")
		return
	}
	p.scopes.CreateRemote(m.ScopeID, "", scoperegistry.TypeStream, value, true, true, false)
}

// handleStreamChunk delivers an inbound chunk to its Reader and, if the
// chunk carries a correlation id, acknowledges it so the sender's
// SendStreamChunk can release the next chunk (spec §4.11).
func (p *Processor) handleStreamChunk(m *wire.StreamChunk) {
	r, ok := p.scopes.GetRemote(m.ScopeID)
	if !ok {
		if m.Hdr.ID != nil {
			p.sendResponse(&wire.ErrorResponse{Hdr: wire.Header{ID: m.Hdr.ID, HLVersion: p.opts.RPCVersion}, ErrorType: "ScopeNotFound", ErrorMessage: "unknown stream scope"})
		}
		return
	}
	reader, ok := r.Value.(*streamscope.Reader)
	if !ok {
		if m.Hdr.ID != nil {
			p.sendResponse(&wire.ErrorResponse{Hdr: wire.Header{ID: m.Hdr.ID, HLVersion: p.opts.RPCVersion}, ErrorType: "ScopeNotFound", ErrorMessage: "scope is not a stream"})
		}
		return
	}
	if err := reader.PushChunk(p.ctx, m.Data, m.IsLast); err != nil {
		p.log.WithError(err).Warn("failed to push stream chunk")
		if m.Hdr.ID != nil {
			p.sendResponse(&wire.ErrorResponse{Hdr: wire.Header{ID: m.Hdr.ID, HLVersion: p.opts.RPCVersion}, ErrorType: "StreamChunkRejected", ErrorMessage: err.Error()})
		}
		return
	}
	if m.Hdr.ID != nil {
		p.sendResponse(&wire.Response{Hdr: wire.Header{ID: m.Hdr.ID, HLVersion: p.opts.RPCVersion}})
	}
}
