package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"time"
)

// Codec encodes and decodes one framed message's body (spec §4.1):
//
//	uleb_or_fixed(type_id)  -- written by the Framer, not the Codec
//	object_version (uvarint)
//	hl_version     (uvarint)
//	id_present     (byte) [+ id (varint, zigzag) if present]
//	created_at     (unix nanoseconds, varint)
//	meta           (uvarint count, then key/value length-prefixed pairs)
//	payload        (type-specific, gob-encoded)
//
// The outer type_id is handled separately by Encode/Decode so that
// Framer implementations can dispatch on it without touching the body.
type Codec struct {
	Registry *Registry
}

// NewCodec returns a Codec bound to registry.
func NewCodec(registry *Registry) *Codec {
	return &Codec{Registry: registry}
}

// Encode serializes m's header and type-specific payload into a single
// byte slice suitable for framing. The type id itself is NOT included;
// callers (Framer implementations) are expected to prefix it themselves
// so that unknown-type detection can happen before paying for a full
// body decode.
func (c *Codec) Encode(m Message) ([]byte, error) {
	h := m.Header()
	if h.HLVersion == 0 {
		h.HLVersion = 1
	}
	if err := c.Registry.CheckVersion(m.TypeID(), h.HLVersion); err != nil {
		return nil, err
	}
	if err := h.ValidateMeta(); err != nil {
		return nil, err
	}
	if requiresID(m.TypeID()) && h.ID == nil {
		return nil, &ErrMissingID{TypeID: m.TypeID()}
	}

	var buf bytes.Buffer
	putUvarint(&buf, uint64(CurrentObjectVersion))
	putUvarint(&buf, uint64(h.HLVersion))
	if h.ID != nil {
		buf.WriteByte(1)
		putVarint(&buf, *h.ID)
	} else {
		buf.WriteByte(0)
	}
	createdAt := h.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Unix(0, 0).UTC()
	}
	putVarint(&buf, createdAt.UnixNano())
	putUvarint(&buf, uint64(len(h.Meta)))
	for k, v := range h.Meta {
		putUvarint(&buf, uint64(len(k)))
		buf.WriteString(k)
		putUvarint(&buf, uint64(len(v)))
		buf.WriteString(v)
	}

	// The type-specific payload is gob-encoded from the concrete message
	// value itself (header included): gob is self-describing per field,
	// which gives every registered type "self-serialized body" framing
	// without hand-written per-type marshal code. The header fields
	// already written above are redundant with what gob stores, but
	// decoding restores the same values either way, so the round trip
	// stays exact.
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("wire: encoding payload for type %d: %w", m.TypeID(), err)
	}
	return buf.Bytes(), nil
}

// Decode parses a body produced by Encode for the message type typeID.
func (c *Codec) Decode(typeID int32, body []byte) (Message, error) {
	m, err := c.Registry.New(typeID)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(body)

	objVersion, err := readUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("wire: reading object_version: %w", err)
	}
	_ = objVersion // only version 1 currently exists; future versions would branch here

	hlVersion, err := readUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("wire: reading hl_version: %w", err)
	}
	if err := c.Registry.CheckVersion(typeID, int32(hlVersion)); err != nil {
		return nil, err
	}

	idPresent, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("wire: reading id_present: %w", err)
	}
	h := m.Header()
	h.HLVersion = int32(hlVersion)
	if idPresent == 1 {
		id, err := readVarint(r)
		if err != nil {
			return nil, fmt.Errorf("wire: reading id: %w", err)
		}
		h.ID = &id
	} else if requiresID(typeID) {
		return nil, &ErrMissingID{TypeID: typeID}
	}

	createdAtNanos, err := readVarint(r)
	if err != nil {
		return nil, fmt.Errorf("wire: reading created_at: %w", err)
	}
	h.CreatedAt = time.Unix(0, createdAtNanos).UTC()

	metaCount, err := readUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("wire: reading meta count: %w", err)
	}
	if metaCount > MaxMetaEntries {
		return nil, fmt.Errorf("wire: meta count %d exceeds max %d", metaCount, MaxMetaEntries)
	}
	if metaCount > 0 {
		h.Meta = make(map[string]string, metaCount)
	}
	for i := uint64(0); i < metaCount; i++ {
		k, err := readLengthPrefixedString(r, MaxMetaKeyLen)
		if err != nil {
			return nil, fmt.Errorf("wire: reading meta key: %w", err)
		}
		v, err := readLengthPrefixedString(r, MaxMetaValueLen)
		if err != nil {
			return nil, fmt.Errorf("wire: reading meta value: %w", err)
		}
		h.Meta[k] = v
	}

	dec := gob.NewDecoder(r)
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("wire: decoding payload for type %d: %w", typeID, err)
	}
	return m, nil
}

// requiresID reports whether typeID's Header.ID must be set. Request,
// Response and ErrorResponse correlate a reply to the call that produced
// it through Header.ID. Cancel carries the id of the request it cancels
// in its own RequestID field instead — it has no reply to correlate, so
// its header needs no id of its own.
func requiresID(typeID int32) bool {
	switch typeID {
	case TypeRequest, TypeResponse, TypeErrorResponse:
		return true
	default:
		return false
	}
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func putVarint(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readUvarint(r *bytes.Reader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func readVarint(r *bytes.Reader) (int64, error) {
	return binary.ReadVarint(r)
}

func readLengthPrefixedString(r *bytes.Reader, max int) (string, error) {
	n, err := readUvarint(r)
	if err != nil {
		return "", err
	}
	if int(n) > max {
		return "", fmt.Errorf("wire: length-prefixed string of %d bytes exceeds max %d", n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
