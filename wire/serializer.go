package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// Serializer ids, carried as Message.Serializer / ScopeValue fields so
// the receiver knows which codec to use without an out-of-band
// agreement (spec §4.1).
const (
	SerializerBinary = 0
	SerializerJSON   = 1
	SerializerMixed  = 2
)

// Serializer round-trips arbitrary values (spec §4.1 "three value
// serializers coexist, selected per call site by serializer_id").
type Serializer interface {
	// ID is the serializer_id stamped on the wire.
	ID() int32
	// Serialize encodes v, first checking it against policy (the
	// allow/deny list). The wire form is a length-prefixed type name
	// followed by the type's own encoding.
	Serialize(policy *AllowList, v any) ([]byte, error)
	// Deserialize decodes data into a new value assignable to the type
	// of target (target is a pointer, e.g. &MyStruct{}), checking the
	// resolved wire type name against policy.
	Deserialize(policy *AllowList, data []byte, target any) error
}

// AllowList implements the opt-in/opt-out type policy of spec §4.1: a
// type is permitted unless explicitly denied, except when RequireAllow
// is set, in which case a type must be explicitly allowed. Both lists
// are keyed by the Go type name producers/consumers agree on out of
// band (normally the unqualified struct name).
type AllowList struct {
	RequireAllow bool
	allowed      map[string]bool
	denied       map[string]bool
}

// NewAllowList returns an empty, allow-by-default policy.
func NewAllowList() *AllowList {
	return &AllowList{allowed: map[string]bool{}, denied: map[string]bool{}}
}

// Allow opts a type name into RequireAllow policies.
func (p *AllowList) Allow(typeName string) *AllowList {
	p.allowed[typeName] = true
	return p
}

// Deny opts a type name out, overriding Allow ("no-rpc" marker in spec prose).
func (p *AllowList) Deny(typeName string) *AllowList {
	p.denied[typeName] = true
	return p
}

// Check returns ErrDeserializationForbidden if typeName is rejected.
func (p *AllowList) Check(typeName string) error {
	if p == nil {
		return nil
	}
	if p.denied[typeName] {
		return &ErrDeserializationForbidden{TypeName: typeName}
	}
	if p.RequireAllow && !p.allowed[typeName] {
		return &ErrDeserializationForbidden{TypeName: typeName}
	}
	return nil
}

// typeNameOf returns the policy-facing name for v's type.
func typeNameOf(v any) string {
	return fmt.Sprintf("%T", v)
}

// targetTypeName returns the policy-facing name for a Deserialize target,
// which is always passed as a pointer (e.g. &MyStruct{}); the leading
// "*" is stripped so it compares equal to the name produced by
// typeNameOf for the corresponding value passed to Serialize.
func targetTypeName(target any) string {
	name := fmt.Sprintf("%T", target)
	if len(name) > 0 && name[0] == '*' {
		return name[1:]
	}
	return name
}

// --- Binary serializer: length-prefixed type name + gob body. ---

type binarySerializer struct{}

// BinarySerializer returns the binary value Serializer: a length-prefixed
// type name followed by a gob-encoded body (spec §4.1 "length-prefixed
// type name + type-self-serialized body").
func BinarySerializer() Serializer { return binarySerializer{} }

func (binarySerializer) ID() int32 { return SerializerBinary }

func (binarySerializer) Serialize(policy *AllowList, v any) ([]byte, error) {
	name := typeNameOf(v)
	if err := policy.Check(name); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	putUvarint(&buf, uint64(len(name)))
	buf.WriteString(name)
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("wire: binary-serializing %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

func (binarySerializer) Deserialize(policy *AllowList, data []byte, target any) error {
	r := bytes.NewReader(data)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return fmt.Errorf("wire: reading binary type name length: %w", err)
	}
	nameBuf := make([]byte, n)
	if _, err := fullRead(r, nameBuf); err != nil {
		return fmt.Errorf("wire: reading binary type name: %w", err)
	}
	wireName := string(nameBuf)
	if err := policy.Check(wireName); err != nil {
		return err
	}
	expectedName := targetTypeName(target)
	if !assignableTypeName(wireName, expectedName) {
		return fmt.Errorf("wire: wire type %q is not assignable to expected %q", wireName, expectedName)
	}
	if err := gob.NewDecoder(r).Decode(target); err != nil {
		return fmt.Errorf("wire: binary-deserializing %s: %w", wireName, err)
	}
	return nil
}

// --- JSON serializer: length-prefixed type name + length-prefixed UTF-8 JSON. ---

type jsonSerializer struct{}

// JSONSerializer returns the JSON value Serializer (spec §4.1).
func JSONSerializer() Serializer { return jsonSerializer{} }

func (jsonSerializer) ID() int32 { return SerializerJSON }

func (jsonSerializer) Serialize(policy *AllowList, v any) ([]byte, error) {
	name := typeNameOf(v)
	if err := policy.Check(name); err != nil {
		return nil, err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: json-serializing %s: %w", name, err)
	}
	var buf bytes.Buffer
	putUvarint(&buf, uint64(len(name)))
	buf.WriteString(name)
	putUvarint(&buf, uint64(len(body)))
	buf.Write(body)
	return buf.Bytes(), nil
}

func (jsonSerializer) Deserialize(policy *AllowList, data []byte, target any) error {
	r := bytes.NewReader(data)
	nameLen, err := binary.ReadUvarint(r)
	if err != nil {
		return fmt.Errorf("wire: reading json type name length: %w", err)
	}
	nameBuf := make([]byte, nameLen)
	if _, err := fullRead(r, nameBuf); err != nil {
		return fmt.Errorf("wire: reading json type name: %w", err)
	}
	wireName := string(nameBuf)
	if err := policy.Check(wireName); err != nil {
		return err
	}
	expectedName := targetTypeName(target)
	if !assignableTypeName(wireName, expectedName) {
		return fmt.Errorf("wire: wire type %q is not assignable to expected %q", wireName, expectedName)
	}
	bodyLen, err := binary.ReadUvarint(r)
	if err != nil {
		return fmt.Errorf("wire: reading json body length: %w", err)
	}
	body := make([]byte, bodyLen)
	if _, err := fullRead(r, body); err != nil {
		return fmt.Errorf("wire: reading json body: %w", err)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("wire: json-deserializing %s: %w", wireName, err)
	}
	return nil
}

// --- Mixed serializer: leading serializer_id byte, then delegates. ---

type mixedSerializer struct {
	binary Serializer
	json   Serializer
}

// MixedSerializer returns a Serializer that writes a leading
// serializer_id and dispatches reads by that same id (spec §4.1).
func MixedSerializer() Serializer {
	return mixedSerializer{binary: BinarySerializer(), json: JSONSerializer()}
}

func (mixedSerializer) ID() int32 { return SerializerMixed }

func (m mixedSerializer) Serialize(policy *AllowList, v any) ([]byte, error) {
	// Mixed always picks JSON for new values; peers may still read
	// binary-tagged payloads produced by older senders.
	body, err := m.json.Serialize(policy, v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(SerializerJSON))
	out = append(out, body...)
	return out, nil
}

func (m mixedSerializer) Deserialize(policy *AllowList, data []byte, target any) error {
	if len(data) == 0 {
		return fmt.Errorf("wire: empty mixed payload")
	}
	switch int32(data[0]) {
	case SerializerBinary:
		return m.binary.Deserialize(policy, data[1:], target)
	case SerializerJSON:
		return m.json.Deserialize(policy, data[1:], target)
	default:
		return fmt.Errorf("wire: unknown mixed serializer tag %d", data[0])
	}
}

// assignableTypeName is the extensibility hook of spec §4.1: "an
// extensibility hook permits substitution rules (e.g. a stream value
// DTO satisfies an expected byte-stream parameter)". The default rule
// only accepts an exact name match; Substitutions can be registered to
// extend it.
var substitutions = map[string]map[string]bool{}

// RegisterSubstitution declares that a value whose wire type name is
// wireName may satisfy an expected parameter of type expectedName.
func RegisterSubstitution(wireName, expectedName string) {
	m, ok := substitutions[expectedName]
	if !ok {
		m = map[string]bool{}
		substitutions[expectedName] = m
	}
	m[wireName] = true
}

func assignableTypeName(wireName, expectedName string) bool {
	if wireName == expectedName {
		return true
	}
	return substitutions[expectedName][wireName]
}

func fullRead(r *bytes.Reader, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := r.Read(buf)
	if err != nil {
		return n, err
	}
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
