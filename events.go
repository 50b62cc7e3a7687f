package wirepeer

import (
	"context"

	"github.com/wirepeer/wirepeer/eventbus"
	"github.com/wirepeer/wirepeer/wire"
)

// RegisterEvent installs a handler for processor-scoped events named
// name, rejecting a second registration under the same name (spec §4.7
// "Event Bus").
func (p *Processor) RegisterEvent(name string, h eventbus.Handler) error {
	return p.events.On(name, h)
}

// UnregisterEvent removes a previously registered handler, if any.
func (p *Processor) UnregisterEvent(name string) {
	p.events.Off(name)
}

// RaiseEvent sends a processor-scoped event to the peer. When wait is
// true the call blocks until the peer's handler (if it has one)
// completes, mirroring an ordinary request's completion path through
// reqtable.Table, and returns the handler's return value as the raw
// serialized bytes of the peer's Response, without decoding them. When
// wait is false the returned value is always nil.
func (p *Processor) RaiseEvent(ctx context.Context, name string, args any, wait bool) (any, error) {
	if p.state() != StateRunning {
		return nil, &ErrWrongState{Want: StateRunning, Got: p.state()}
	}
	var payload []byte
	if args != nil {
		enc, err := p.serializer.Serialize(p.policy, args)
		if err != nil {
			return nil, err
		}
		payload = enc
	}

	if !wait {
		evt := &wire.Event{Hdr: wire.Header{HLVersion: p.opts.RPCVersion}, Name: name, Waiting: false, Serializer: p.serializer.ID(), Args: payload}
		return nil, p.outgoing.Push(ctx, PriorityNormal, evt)
	}

	id := p.nextRequestID()
	r, err := eventbus.RaiseWait(ctx, p.requests, id, func() error {
		evt := &wire.Event{
			Hdr:        wire.Header{ID: &id, HLVersion: p.opts.RPCVersion},
			Name:       name,
			Waiting:    true,
			Serializer: p.serializer.ID(),
			Args:       payload,
		}
		return p.outgoing.Push(ctx, PriorityNormal, evt)
	})
	if err != nil {
		return nil, err
	}
	cr, _ := r.Value.(callResult)
	return cr.Data, r.Err
}

// handleInboundEvent dispatches a peer-raised event to a registered
// handler, replying with a Response/ErrorResponse when the sender asked
// to wait (spec §4.7: a waited event completes exactly like a Request).
func (p *Processor) handleInboundEvent(m *wire.Event) {
	args := eventbus.RawArgs{Serializer: p.serializer, Policy: p.policy, Data: m.Args}
	result, handled, err := p.events.Dispatch(p.ctx, m.Name, args)
	if !m.Waiting || m.Hdr.ID == nil {
		if err != nil {
			p.log.WithError(err).WithField("event", m.Name).Warn("event handler failed")
		}
		return
	}
	id := *m.Hdr.ID
	if !handled {
		p.sendResponse(&wire.ErrorResponse{
			Hdr:          wire.Header{ID: &id, HLVersion: p.opts.RPCVersion},
			ErrorType:    "EventNotHandled",
			ErrorMessage: "no handler registered for event " + m.Name,
		})
		return
	}
	if err != nil {
		p.sendResponse(&wire.ErrorResponse{
			Hdr:          wire.Header{ID: &id, HLVersion: p.opts.RPCVersion},
			ErrorType:    "EventHandlerError",
			ErrorMessage: err.Error(),
		})
		return
	}
	payload, encErr := p.serializer.Serialize(p.policy, result)
	if encErr != nil {
		p.sendResponse(&wire.ErrorResponse{
			Hdr:          wire.Header{ID: &id, HLVersion: p.opts.RPCVersion},
			ErrorType:    "SerializationError",
			ErrorMessage: encErr.Error(),
		})
		return
	}
	p.sendResponse(&wire.Response{
		Hdr:        wire.Header{ID: &id, HLVersion: p.opts.RPCVersion},
		Serializer: p.serializer.ID(),
		Result:     payload,
	})
}
