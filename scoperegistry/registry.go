// Package scoperegistry implements the process-wide Scope Registry of
// spec §4.4: a table, keyed by scope type-id, of factories a processor
// consults whenever it needs to materialize a local or remote scope of
// that type. Registration is additive and collisions are rejected,
// matching the single-initialization discipline of spec §6.
package scoperegistry

import "fmt"

// Reserved scope type ids (spec §3 "Scope types (reserved)").
const (
	TypeStream       int32 = 0
	TypeEnumerable   int32 = 1 // reserved, unimplemented per spec §9 open question
	TypeCancellation int32 = 2
)

// FirstUserType is the first type-id available to application-defined
// scope types (spec §3 "Type ids >= 256 are user-defined").
const FirstUserType int32 = 256

// CreateLocalFromParameter materializes a LocalScope's Value from a
// parameter the caller supplied directly (explicit scope construction
// path of spec §4.5).
type CreateLocalFromParameter func(param any) (value any, err error)

// CreateRemoteFromValue materializes a RemoteScope's local resource from
// the received ScopeValue DTO extension bytes.
type CreateRemoteFromValue func(extensions []byte) (value any, err error)

// CreateParameterFromScope produces the parameter value a method
// receives when a RemoteScope stands in for one of its arguments.
type CreateParameterFromScope func(remoteValue any) (param any, err error)

// AutoScopeMatch reports whether v's type matches this scope type's
// auto-scoping rule for parameters or return values (spec §4.5
// "indirect via a parameter factory when an API method returns or
// receives a value whose type matches a registered auto-scope rule").
type AutoScopeMatch func(v any) bool

// TypeDescriptor is one Scope Registry entry (spec §4.4).
type TypeDescriptor struct {
	TypeID int32

	CreateLocalFromParameter             CreateLocalFromParameter
	CreateRemoteFromValue                CreateRemoteFromValue
	CreateParameterFromScope             CreateParameterFromScope
	CreateLocalForOutboundParameterValue AutoScopeMatch
	CreateLocalForReturnValue            AutoScopeMatch
}

// ErrDuplicateType is returned by Register when TypeID already exists.
type ErrDuplicateType struct{ TypeID int32 }

func (e *ErrDuplicateType) Error() string {
	return fmt.Sprintf("scoperegistry: type id %d already registered", e.TypeID)
}

// ErrUnknownType is returned by Lookup when TypeID has no descriptor.
type ErrUnknownType struct{ TypeID int32 }

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("scoperegistry: unknown scope type id %d", e.TypeID)
}

// Registry is the process-wide scope type table.
type Registry struct {
	types map[int32]TypeDescriptor
}

// New returns a Registry whose only entry is a bare placeholder for the
// reserved Enumerable id (spec §9); Stream and Cancellation are absent
// until their packages Register them.
func New() *Registry {
	r := &Registry{types: make(map[int32]TypeDescriptor)}
	r.types[TypeEnumerable] = TypeDescriptor{TypeID: TypeEnumerable}
	return r
}

// Register adds d under d.TypeID. Returns *ErrDuplicateType on
// collision, including against the reserved Enumerable placeholder.
func (r *Registry) Register(d TypeDescriptor) error {
	if _, exists := r.types[d.TypeID]; exists {
		return &ErrDuplicateType{TypeID: d.TypeID}
	}
	r.types[d.TypeID] = d
	return nil
}

// Lookup returns the descriptor for typeID.
func (r *Registry) Lookup(typeID int32) (TypeDescriptor, error) {
	d, ok := r.types[typeID]
	if !ok || (typeID == TypeEnumerable && d.CreateLocalFromParameter == nil && d.CreateRemoteFromValue == nil) {
		return TypeDescriptor{}, &ErrUnknownType{TypeID: typeID}
	}
	return d, nil
}

// MatchOutboundParameter scans all registered types for one whose
// CreateLocalForOutboundParameterValue accepts v, returning its
// TypeDescriptor. Used by the Call Dispatcher's auto-scope-wrap step
// (spec §4.8 step 6).
func (r *Registry) MatchOutboundParameter(v any) (TypeDescriptor, bool) {
	for _, d := range r.types {
		if d.CreateLocalForOutboundParameterValue != nil && d.CreateLocalForOutboundParameterValue(v) {
			return d, true
		}
	}
	return TypeDescriptor{}, false
}

// MatchReturnValue scans all registered types for one whose
// CreateLocalForReturnValue accepts v.
func (r *Registry) MatchReturnValue(v any) (TypeDescriptor, bool) {
	for _, d := range r.types {
		if d.CreateLocalForReturnValue != nil && d.CreateLocalForReturnValue(v) {
			return d, true
		}
	}
	return TypeDescriptor{}, false
}
