package wire

import "fmt"

// ErrUnknownMessageType is returned when a frame's type-id has no
// registered Go type (spec §4.1).
type ErrUnknownMessageType struct {
	TypeID int32
}

func (e *ErrUnknownMessageType) Error() string {
	return fmt.Sprintf("wire: unknown message type id %d", e.TypeID)
}

// ErrMessageTooLong is returned when a frame's declared or actual length
// exceeds MaxMessageLength. Per spec §4.1 this is fatal: the outer reader
// must terminate the session, and so must the outbound side of such a
// write.
type ErrMessageTooLong struct {
	Length, Max int
}

func (e *ErrMessageTooLong) Error() string {
	return fmt.Sprintf("wire: message length %d exceeds max %d", e.Length, e.Max)
}

// ErrDeserializationForbidden is returned when a wire type name is
// rejected by the allow/deny policy of the selected Serializer.
type ErrDeserializationForbidden struct {
	TypeName string
}

func (e *ErrDeserializationForbidden) Error() string {
	return fmt.Sprintf("wire: deserialization forbidden for type %q", e.TypeName)
}

// ErrHLVersionOutOfRange is returned when a message's hl_version falls
// outside the implementation's supported range for that type (spec §3).
type ErrHLVersionOutOfRange struct {
	TypeID  int32
	Version int32
	Min     int32
	Max     int32
}

func (e *ErrHLVersionOutOfRange) Error() string {
	return fmt.Sprintf("wire: hl_version %d for type %d out of supported range [%d,%d]", e.Version, e.TypeID, e.Min, e.Max)
}

// ErrMissingID is returned when a subtype that requires an id (spec §3
// "require_id") is sent without one.
type ErrMissingID struct {
	TypeID int32
}

func (e *ErrMissingID) Error() string {
	return fmt.Sprintf("wire: message type %d requires an id before sending", e.TypeID)
}
