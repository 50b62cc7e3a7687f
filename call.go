package wirepeer

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/wirepeer/wirepeer/dispatch"
	"github.com/wirepeer/wirepeer/reqtable"
	"github.com/wirepeer/wirepeer/wire"
)

// systemAPI is the well-known internal surface every processor serves,
// reused by Ping so the keep-alive check is an ordinary awaited request
// rather than a dedicated wire message (spec §4.10).
const systemAPI = "$system"

func registerSystemAPI(d *dispatch.Dispatcher) {
	_ = d.Register(dispatch.APIDescriptor{
		Name: systemAPI,
		Methods: map[string]dispatch.MethodDescriptor{
			"ping": {
				Name:   "ping",
				Params: nil,
				Handler: func(cc *dispatch.CallContext, params []any) (any, error) {
					return true, nil
				},
			},
		},
	})
}

// readLoop pulls wire.Messages off the transport and hands each to the
// IncomingMessages queue, keeping the transport read side decoupled from
// whatever work routing a message entails. The teacher's Conn.Run
// (golang-tools internal/jsonrpc2/jsonrpc2.go) only moves requests off
// the reading goroutine and delivers responses inline; here every
// message, responses included, goes through the queue.
func (p *Processor) readLoop() {
	defer p.wg.Done()
	for {
		msg, err := p.stream.ReadMessage(p.ctx)
		if err != nil {
			if p.state() == StateRunning || p.state() == StateStarting {
				p.log.WithError(err).Warn("read loop exiting")
				go func() { _ = p.Close(CloseCodeLocalError, "read error") }()
			}
			return
		}
		if p.hb != nil {
			p.hb.NotifyActivity()
		}
		priority := PriorityNormal
		switch msg.(type) {
		case *wire.Response, *wire.ErrorResponse, *wire.Cancel:
			priority = PriorityHigh
		}
		if err := p.incoming.Push(p.ctx, priority, msg); err != nil {
			p.log.WithError(err).Warn("dropping inbound message, incoming queue closed")
		}
	}
}

// runIncoming drains the IncomingMessages queue and routes each message
// to the component that owns it.
func (p *Processor) runIncoming() {
	defer p.wg.Done()
	wg := p.incoming.RunWorkers(p.ctx, func(ctx context.Context, v any) {
		p.routeInbound(v.(wire.Message))
	})
	wg.Wait()
}

func (p *Processor) routeInbound(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.Request:
		if err := p.calls.Push(p.ctx, PriorityNormal, m); err != nil {
			p.log.WithError(err).Warn("dropping inbound request, call queue closed")
		}
	case *wire.Response:
		id := int64(0)
		if m.Hdr.ID != nil {
			id = *m.Hdr.ID
		}
		// The raw payload is stashed as-is; only the waiting caller in
		// CallValue knows the concrete type to decode it into.
		p.requests.Complete(id, reqtable.Result{Value: callResult{Data: m.Result, IsScope: m.IsScopeResult}})
	case *wire.ErrorResponse:
		id := int64(0)
		if m.Hdr.ID != nil {
			id = *m.Hdr.ID
		}
		p.requests.Complete(id, reqtable.Result{Err: &RemoteError{Type: m.ErrorType, Message: m.ErrorMessage}})
	case *wire.Cancel:
		if v, ok := p.inflightCall.Load(m.RequestID); ok {
			v.(context.CancelFunc)()
		}
	case *wire.Event:
		p.handleInboundEvent(m)
	case *wire.Close:
		go func() { _ = p.Close(CloseCodeRemoteClosed, "peer closed: "+m.Info) }()
	case *wire.ScopeRegistration, *wire.ScopeDiscarded, *wire.RemoteScopeDiscarded,
		*wire.ScopeTrigger, *wire.RemoteScopeTrigger, *wire.ScopeError,
		*wire.ScopeEvent, *wire.RemoteScopeEvent, *wire.StreamStart, *wire.StreamChunk:
		p.routeScopeMessage(msg)
	default:
		p.log.Warnf("unhandled inbound message type %d", msg.TypeID())
	}
}

// RemoteError wraps an ErrorResponse's type/message pair as a Go error
// (spec §7 "errors cross the wire as a type name plus message, not a
// stack").
type RemoteError struct {
	Type    string
	Message string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("%s: %s", e.Type, e.Message) }

// runCalls drains the Calls queue, invoking the dispatcher for each
// inbound Request and sending back a Response or ErrorResponse.
func (p *Processor) runCalls() {
	defer p.wg.Done()
	wg := p.calls.RunWorkers(p.ctx, func(ctx context.Context, v any) {
		req := v.(*wire.Request)
		p.handleInboundRequest(ctx, req)
	})
	wg.Wait()
}

func (p *Processor) handleInboundRequest(ctx context.Context, req *wire.Request) {
	// The codec rejects a Request without an id before it ever reaches
	// here (wire.requiresID), so req.Hdr.ID is always set.
	id := req.Hdr.ID
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.inflightCall.Store(*id, cancel)
	defer p.inflightCall.Delete(*id)

	// A Request carries its whole argument list as a single serialized
	// blob; APIs in this module take at most one parameter slot, so that
	// blob maps onto exactly one RawParam, unless the method's descriptor
	// says that slot is scope-wrapped, in which case the blob is a scope
	// id rather than the value itself.
	var raw []any
	var paramScopeID int64
	var hasParamScope bool
	if len(req.Params) > 0 {
		if method, lookupErr := p.dispatcher.Lookup(req.API, req.Method); lookupErr == nil &&
			len(method.Params) > 0 && method.Params[0].HasScopeType {
			var scopeID int64
			if err := p.serializer.Deserialize(p.policy, req.Params, &scopeID); err != nil {
				p.sendResponse(&wire.ErrorResponse{
					Hdr:          wire.Header{ID: id, HLVersion: p.opts.RPCVersion},
					ErrorType:    "SerializationError",
					ErrorMessage: err.Error(),
				})
				return
			}
			param, err := p.materializeScopeParam(scopeID)
			if err != nil {
				p.sendResponse(&wire.ErrorResponse{
					Hdr:          wire.Header{ID: id, HLVersion: p.opts.RPCVersion},
					ErrorType:    "ScopeResolutionError",
					ErrorMessage: err.Error(),
				})
				return
			}
			raw = append(raw, dispatch.ScopeParam{Value: param})
			paramScopeID, hasParamScope = scopeID, true
		} else {
			raw = append(raw, dispatch.RawParam{Serializer: p.serializer, Data: req.Params})
		}
	}

	cc := &dispatch.CallContext{
		Context:   callCtx,
		API:       req.API,
		Method:    req.Method,
		Meta:      req.Hdr.Meta,
		HLVersion: req.Hdr.HLVersion,
		Scopes:    p.scopeRegs,
		Policy:    p.policy,
	}
	result, err := p.dispatcher.Handle(cc, raw)
	if hasParamScope {
		// The Remote mirror materialized for this request's scope-wrapped
		// parameter is call-scoped, the receiving half of the cleanup
		// call() performs for the scope it auto-created.
		p.DiscardRemoteScope(paramScopeID, err != nil, err)
	}
	if err != nil {
		p.metrics.DispatchErrors.WithLabelValues(errorKind(err)).Inc()
		p.sendResponse(&wire.ErrorResponse{
			Hdr:          wire.Header{ID: id, HLVersion: p.opts.RPCVersion},
			ErrorType:    errorKind(err),
			ErrorMessage: err.Error(),
		})
		return
	}
	// A method whose ReturnDescriptor.AutoScope matched gets its result
	// back from Handle as a dispatch.ScopeResult instead of the raw
	// value: Handle only confirms eligibility (it has no access to
	// scope.Tables), so the processor performs the actual wrap here,
	// symmetric to the outbound side's autoScopeWrapParam. The wrapped
	// scope's registration is announced at PriorityHigh by
	// autoScopeWrapReturn, ahead of the Response queued below at the
	// same priority, so the peer can always resolve the id it carries.
	toEncode := result
	isScopeResult := false
	if sr, ok := result.(dispatch.ScopeResult); ok {
		scopeID, wrapErr := p.autoScopeWrapReturn(sr.TypeID, sr.Value)
		if wrapErr != nil {
			p.sendResponse(&wire.ErrorResponse{
				Hdr:          wire.Header{ID: id, HLVersion: p.opts.RPCVersion},
				ErrorType:    "ScopeWrapError",
				ErrorMessage: wrapErr.Error(),
			})
			return
		}
		toEncode = scopeID
		isScopeResult = true
	}
	payload, encErr := p.serializer.Serialize(p.policy, toEncode)
	if encErr != nil {
		p.sendResponse(&wire.ErrorResponse{
			Hdr:          wire.Header{ID: id, HLVersion: p.opts.RPCVersion},
			ErrorType:    "SerializationError",
			ErrorMessage: encErr.Error(),
		})
		return
	}
	p.sendResponse(&wire.Response{
		Hdr:           wire.Header{ID: id, HLVersion: p.opts.RPCVersion},
		Serializer:    p.serializer.ID(),
		Result:        payload,
		IsScopeResult: isScopeResult,
	})
}

func errorKind(err error) string {
	switch err.(type) {
	case *dispatch.ErrAPINotFound:
		return "APINotFound"
	case *dispatch.ErrMethodNotFound:
		return "MethodNotFound"
	case *dispatch.ErrHLVersionOutOfRange:
		return "HLVersionOutOfRange"
	case *dispatch.ErrUnauthorized:
		return "Unauthorized"
	case *dispatch.ErrParamValidation:
		return "ParamValidation"
	default:
		return "InternalError"
	}
}

func (p *Processor) sendResponse(m wire.Message) {
	if err := p.outgoing.Push(p.ctx, PriorityHigh, m); err != nil {
		p.log.WithError(err).Warn("failed to enqueue response, outgoing queue closed")
	}
}

// runOutgoing is the sole writer to the transport, upholding the
// single-writer invariant the outgoing queue's one-worker configuration
// exists to guarantee.
func (p *Processor) runOutgoing() {
	defer p.wg.Done()
	for {
		v, err := p.outgoing.Pop(p.ctx)
		if err != nil {
			return
		}
		msg := v.(wire.Message)
		if err := p.stream.WriteMessage(p.ctx, msg); err != nil {
			p.log.WithError(err).Warn("write failed")
			continue
		}
		if p.opts.FlushStream {
			_ = p.stream.Flush()
		}
		if p.hb != nil {
			p.hb.NotifyOutboundActivity()
		}
	}
}

// callResult is what a *wire.Response's completion stashes in the
// Request Table: the raw payload bytes, plus whether it is itself a
// serialized scope id (IsScopeResult) rather than the value directly.
type callResult struct {
	Data    []byte
	IsScope bool
}

// CallValue invokes api.method on the peer and decodes its result into
// result (a pointer to the type the caller expects), blocking until the
// response arrives or ctx is done. If the peer auto-scope-wrapped its
// return value (spec §4.8 step 6), the materialized scope value is
// assigned into result instead of a decoded payload.
func (p *Processor) CallValue(ctx context.Context, api, method string, params any, result any) error {
	r, err := p.call(ctx, api, method, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	cr, _ := r.Value.(callResult)
	if len(cr.Data) == 0 {
		return nil
	}
	if !cr.IsScope {
		return p.serializer.Deserialize(p.policy, cr.Data, result)
	}
	var scopeID int64
	if err := p.serializer.Deserialize(p.policy, cr.Data, &scopeID); err != nil {
		return err
	}
	value, err := p.materializeScopeParam(scopeID)
	if err != nil {
		return err
	}
	rv := reflect.ValueOf(result)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("wirepeer: CallValue result must be a non-nil pointer to receive a scope-wrapped return value")
	}
	rv.Elem().Set(reflect.ValueOf(value))
	return nil
}

// CallVoid invokes api.method, ignoring any result but still waiting
// for the peer to acknowledge success (spec §4.3 "every Request (id
// present) is awaited, whether or not its return value matters").
func (p *Processor) CallVoid(ctx context.Context, api, method string, params any) error {
	_, err := p.call(ctx, api, method, params)
	return err
}

func (p *Processor) call(ctx context.Context, api, method string, params any) (reqtable.Result, error) {
	if p.state() != StateRunning {
		return reqtable.Result{}, &ErrWrongState{Want: StateRunning, Got: p.state()}
	}
	if err := p.outbound.Wait(ctx); err != nil {
		return reqtable.Result{}, err
	}
	var payload []byte
	scopeID, wrapped, err, stopWatch := p.autoScopeWrapParam(params)
	if err != nil {
		return reqtable.Result{}, err
	}
	if wrapped {
		// The scope this call auto-created exists only for its duration;
		// once the call completes (however it completes) it has no more
		// use and would otherwise leak in both tables (spec §8 scenario 7
		// "both scopes are disposed, processor call count returns to
		// zero"). stopWatch releases the goroutine watching a contexted
		// value's own cancellation, if one was started.
		defer func() {
			if stopWatch != nil {
				stopWatch()
			}
			p.DiscardScope(scopeID, err != nil, err)
		}()
	}
	switch {
	case wrapped:
		enc, encErr := p.serializer.Serialize(p.policy, scopeID)
		if encErr != nil {
			err = encErr
			return reqtable.Result{}, err
		}
		payload = enc
	case params != nil:
		enc, encErr := p.serializer.Serialize(p.policy, params)
		if encErr != nil {
			err = encErr
			return reqtable.Result{}, err
		}
		payload = enc
	}

	id := p.nextRequestID()
	pending, err := p.requests.Register(id)
	if err != nil {
		return reqtable.Result{}, err
	}

	hdr := wire.Header{ID: &id, HLVersion: p.opts.RPCVersion}
	req := &wire.Request{Hdr: hdr, API: api, Method: method, Serializer: p.serializer.ID(), Params: payload}

	if pushErr := p.outgoing.Push(ctx, PriorityNormal, req); pushErr != nil {
		p.requests.Remove(id)
		err = pushErr
		return reqtable.Result{}, err
	}
	r, waitErr := pending.Wait(ctx)
	if waitErr != nil {
		p.requests.Remove(id)
		_ = p.sendCancel(id)
		err = waitErr
		return reqtable.Result{}, err
	}
	err = r.Err
	return r, r.Err
}

func (p *Processor) sendCancel(id int64) error {
	return p.outgoing.Push(context.Background(), PriorityHigh, &wire.Cancel{Hdr: wire.Header{HLVersion: p.opts.RPCVersion}, RequestID: id})
}

// Ping issues a liveness check to the peer, implemented as an ordinary
// $system.ping request rather than a dedicated wire message, so it
// reuses the same queueing, request table, and cancellation machinery
// any other call does.
func (p *Processor) Ping(ctx context.Context) error {
	start := time.Now()
	err := p.CallVoid(ctx, systemAPI, "ping", nil)
	if err == nil {
		p.metrics.ObserveHeartbeatRTT(time.Since(start))
	}
	return err
}
