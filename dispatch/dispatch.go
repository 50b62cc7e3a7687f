// Package dispatch implements the Call Dispatcher of spec §4.8: the API
// surface treated as data (APIDescriptor/MethodDescriptor), with a
// seven-step Handle pipeline covering resolution, version gating,
// authorization, parameter materialization (including scope auto-wrap),
// invocation, return materialization, and disposal.
//
// Grounded on the teacher's Handler/Replier middleware chain
// (golang-tools internal/jsonrpc2/handler.go: MethodNotFound,
// MustReplyHandler, CancelHandler composed in sequence), generalized
// from a chain of independent middlewares into one fixed pipeline whose
// steps are spec-mandated rather than caller-composed.
package dispatch

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/wirepeer/wirepeer/scoperegistry"
	"github.com/wirepeer/wirepeer/wire"
)

// CallContext carries everything a Predicate or Handler needs about the
// in-flight call beyond its parameters.
type CallContext struct {
	Context   context.Context
	API       string
	Method    string
	Meta      map[string]string
	HLVersion int32
	Scopes    *scoperegistry.Registry
	Policy    *wire.AllowList
}

// Predicate authorizes a call; returning an error rejects it (spec §4.8
// step "Authorization").
type Predicate func(*CallContext) error

// ParamDescriptor describes one method parameter.
type ParamDescriptor struct {
	Name   string
	Type   reflect.Type
	Schema *jsonschema.Schema // optional; validated before invocation if set

	// ScopeType, when HasScopeType is true, means this parameter is
	// delivered as a RemoteScope of that type rather than decoded
	// directly from the wire payload (spec §4.8 step "scope-wrap
	// parameters").
	ScopeType    int32
	HasScopeType bool
}

// ReturnDescriptor describes a method's return value.
type ReturnDescriptor struct {
	Type   reflect.Type
	Schema *jsonschema.Schema

	// AutoScope, when true, asks the Scope Registry whether the
	// returned value matches a registered auto-scope rule and, if so,
	// wraps it as a LocalScope instead of serializing it directly.
	AutoScope bool
}

// MethodFlags are the opaque per-method configuration bag of spec §9's
// attribute system.
type MethodFlags struct {
	DisposeOnReturn   bool
	DisposeOnError    bool
	DisconnectOnError bool
	MinHLVersion      int32
	MaxHLVersion      int32 // 0 means unbounded
	Authorization     []Predicate
}

// MethodHandler executes a resolved call. params is positional,
// decoded/scope-materialized per the method's ParamDescriptors.
type MethodHandler func(cc *CallContext, params []any) (any, error)

// MethodDescriptor is one callable method.
type MethodDescriptor struct {
	Name    string
	Params  []ParamDescriptor
	Return  ReturnDescriptor
	Flags   MethodFlags
	Handler MethodHandler
}

// APIDescriptor groups methods under a name (spec §4.8 "API").
type APIDescriptor struct {
	Name    string
	Methods map[string]MethodDescriptor
}

// Typed dispatch errors (spec §7).
type (
	// ErrAPINotFound means no API is registered under that name.
	ErrAPINotFound struct{ API string }
	// ErrMethodNotFound means the API exists but not the method.
	ErrMethodNotFound struct{ API, Method string }
	// ErrHLVersionOutOfRange means the call's hl_version falls outside
	// the method's declared range.
	ErrHLVersionOutOfRange struct {
		API, Method string
		HLVersion   int32
	}
	// ErrUnauthorized wraps the first failing Predicate's error.
	ErrUnauthorized struct{ Cause error }
	// ErrParamValidation wraps a parameter schema validation failure.
	ErrParamValidation struct {
		Param string
		Cause error
	}
)

func (e *ErrAPINotFound) Error() string { return fmt.Sprintf("dispatch: unknown API %q", e.API) }
func (e *ErrMethodNotFound) Error() string {
	return fmt.Sprintf("dispatch: unknown method %s.%s", e.API, e.Method)
}
func (e *ErrHLVersionOutOfRange) Error() string {
	return fmt.Sprintf("dispatch: %s.%s does not support hl_version %d", e.API, e.Method, e.HLVersion)
}
func (e *ErrUnauthorized) Error() string  { return fmt.Sprintf("dispatch: unauthorized: %v", e.Cause) }
func (e *ErrUnauthorized) Unwrap() error  { return e.Cause }
func (e *ErrParamValidation) Error() string {
	return fmt.Sprintf("dispatch: parameter %q failed validation: %v", e.Param, e.Cause)
}
func (e *ErrParamValidation) Unwrap() error { return e.Cause }

// Dispatcher holds the registered API surface (spec §4.8, additive
// registration consistent with wire.Registry and scoperegistry.Registry).
type Dispatcher struct {
	apis map[string]APIDescriptor
}

// New returns an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{apis: make(map[string]APIDescriptor)}
}

// ErrDuplicateAPI is returned by Register when name collides.
type ErrDuplicateAPI struct{ API string }

func (e *ErrDuplicateAPI) Error() string {
	return fmt.Sprintf("dispatch: API %q already registered", e.API)
}

// Lookup returns the registered MethodDescriptor for api.method, so a
// caller can inspect its ParamDescriptors/ReturnDescriptor (e.g. to
// scope-wrap a parameter) before Handle runs.
func (d *Dispatcher) Lookup(api, method string) (MethodDescriptor, error) {
	a, ok := d.apis[api]
	if !ok {
		return MethodDescriptor{}, &ErrAPINotFound{API: api}
	}
	m, ok := a.Methods[method]
	if !ok {
		return MethodDescriptor{}, &ErrMethodNotFound{API: api, Method: method}
	}
	return m, nil
}

// Register adds api. Returns *ErrDuplicateAPI on a name collision.
func (d *Dispatcher) Register(api APIDescriptor) error {
	if _, exists := d.apis[api.Name]; exists {
		return &ErrDuplicateAPI{API: api.Name}
	}
	d.apis[api.Name] = api
	return nil
}

// ScopeParam is what a caller passes for a parameter whose descriptor
// declares HasScopeType: the already-materialized RemoteScope value
// (processor's job to have created it from the incoming ScopeRegistration
// before Handle runs), skipping ordinary deserialization for that slot.
type ScopeParam struct{ Value any }

// ScopeResult is what Handle returns in place of a method's raw return
// value when ReturnDescriptor.AutoScope matched a registered scope type
// (spec §4.8 step 6, §4.6 point 4's "symmetric rules apply ... in the
// reverse direction"). Handle cannot perform the wrap itself — only the
// processor owns scope.Tables — so it hands back the matched TypeID
// alongside the unwrapped Value for the processor to wrap and announce.
type ScopeResult struct {
	TypeID int32
	Value  any
}

// RawParam is an undecoded parameter slot: Handle deserializes it into
// the descriptor's declared Type before invocation.
type RawParam struct {
	Serializer wire.Serializer
	Data       []byte
}

// Handle runs the seven-step Call Dispatcher pipeline of spec §4.8:
//  1. resolve the API
//  2. resolve the method
//  3. check hl_version range
//  4. run authorization predicates
//  5. materialize parameters (decode, or accept a pre-built scope value)
//  6. invoke the handler
//  7. materialize the return value (optionally auto-scope-wrapping it)
//
// rawParams[i] is either a RawParam (deserialize per ParamDescriptor) or
// a ScopeParam (already materialized by the caller).
func (d *Dispatcher) Handle(cc *CallContext, rawParams []any) (any, error) {
	api, ok := d.apis[cc.API]
	if !ok {
		return nil, &ErrAPINotFound{API: cc.API}
	}
	method, ok := api.Methods[cc.Method]
	if !ok {
		return nil, &ErrMethodNotFound{API: cc.API, Method: cc.Method}
	}
	if method.Flags.MinHLVersion != 0 && cc.HLVersion < method.Flags.MinHLVersion {
		return nil, &ErrHLVersionOutOfRange{API: cc.API, Method: cc.Method, HLVersion: cc.HLVersion}
	}
	if method.Flags.MaxHLVersion != 0 && cc.HLVersion > method.Flags.MaxHLVersion {
		return nil, &ErrHLVersionOutOfRange{API: cc.API, Method: cc.Method, HLVersion: cc.HLVersion}
	}
	for _, pred := range method.Flags.Authorization {
		if err := pred(cc); err != nil {
			return nil, &ErrUnauthorized{Cause: err}
		}
	}

	params, err := materializeParams(method.Params, rawParams, cc.Policy)
	if err != nil {
		return nil, err
	}

	result, callErr := method.Handler(cc, params)

	shouldDispose := method.Flags.DisposeOnReturn || (callErr != nil && method.Flags.DisposeOnError)
	if shouldDispose {
		for _, p := range params {
			disposeIfPossible(p)
		}
	}
	if callErr != nil {
		return nil, callErr
	}

	if method.Return.AutoScope && cc.Scopes != nil {
		if desc, ok := cc.Scopes.MatchReturnValue(result); ok {
			// The processor performs the actual scope wrap (it alone
			// owns scope.Tables); Handle hands back the match so the
			// processor doesn't have to re-derive it.
			return ScopeResult{TypeID: desc.TypeID, Value: result}, nil
		}
	}
	return result, nil
}

func materializeParams(descs []ParamDescriptor, raw []any, policy *wire.AllowList) ([]any, error) {
	out := make([]any, len(descs))
	for i, desc := range descs {
		if i >= len(raw) {
			return nil, fmt.Errorf("dispatch: missing parameter %q", desc.Name)
		}
		switch v := raw[i].(type) {
		case ScopeParam:
			out[i] = v.Value
		case RawParam:
			target := reflect.New(desc.Type)
			if err := v.Serializer.Deserialize(policy, v.Data, target.Interface()); err != nil {
				return nil, fmt.Errorf("dispatch: decoding parameter %q: %w", desc.Name, err)
			}
			if desc.Schema != nil {
				resolved, err := desc.Schema.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
				if err != nil {
					return nil, &ErrParamValidation{Param: desc.Name, Cause: err}
				}
				if err := resolved.Validate(target.Interface()); err != nil {
					return nil, &ErrParamValidation{Param: desc.Name, Cause: err}
				}
			}
			out[i] = target.Elem().Interface()
		default:
			out[i] = v
		}
	}
	return out, nil
}

func disposeIfPossible(v any) {
	type disposer interface{ Dispose() error }
	if d, ok := v.(disposer); ok {
		_ = d.Dispose()
	}
}
