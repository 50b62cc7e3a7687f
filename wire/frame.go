package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Reader reads framed Messages from an underlying byte stream. A Reader
// is not safe for concurrent use; exactly one goroutine per direction is
// assumed (the Processor's read loop), matching spec §4.9.
type Reader interface {
	Read(ctx context.Context) (Message, error)
}

// Writer writes framed Messages to an underlying byte stream. Like
// Reader, a Writer is not safe for concurrent use; the single Outgoing
// queue worker is the only caller (spec §4.2, §5).
type Writer interface {
	Write(ctx context.Context, m Message) error
}

// Framer wraps raw byte readers/writers into Message readers/writers,
// ported from the teacher's jsonrpc2_v2.Framer split of framing from
// encoding concerns (spec §6 "Wire framing, per message").
type Framer interface {
	Reader(io.Reader) Reader
	Writer(io.Writer) Writer
}

// lengthFramer frames type_id(uvarint) + body_len(uvarint) + body.
type lengthFramer struct {
	codec  *Codec
	maxLen int
}

// LengthFramer returns the default Framer: a uvarint type-id, a uvarint
// body length, then the body produced by Codec. maxLen bounds the body
// length (spec §4.1 "max_message_length"); exceeding it is fatal.
func LengthFramer(codec *Codec, maxLen int) Framer {
	return &lengthFramer{codec: codec, maxLen: maxLen}
}

type lengthReader struct {
	*lengthFramer
	in *bufio.Reader
}

type lengthWriter struct {
	*lengthFramer
	out io.Writer
}

func (f *lengthFramer) Reader(r io.Reader) Reader {
	return &lengthReader{lengthFramer: f, in: bufio.NewReader(r)}
}

func (f *lengthFramer) Writer(w io.Writer) Writer {
	return &lengthWriter{lengthFramer: f, out: w}
}

func (r *lengthReader) Read(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	typeID, err := binary.ReadUvarint(r.in)
	if err != nil {
		return nil, err
	}
	bodyLen, err := binary.ReadUvarint(r.in)
	if err != nil {
		return nil, err
	}
	if int(bodyLen) > r.maxLen {
		return nil, &ErrMessageTooLong{Length: int(bodyLen), Max: r.maxLen}
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r.in, body); err != nil {
		return nil, err
	}
	return r.codec.Decode(int32(typeID), body)
}

func (w *lengthWriter) Write(ctx context.Context, m Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	body, err := w.codec.Encode(m)
	if err != nil {
		return err
	}
	if len(body) > w.maxLen {
		return &ErrMessageTooLong{Length: len(body), Max: w.maxLen}
	}
	var header [2 * binary.MaxVarintLen64]byte
	n := binary.PutUvarint(header[:], uint64(m.TypeID()))
	n += binary.PutUvarint(header[n:], uint64(len(body)))
	if _, err := w.out.Write(header[:n]); err != nil {
		return err
	}
	_, err = w.out.Write(body)
	return err
}

// headerFramer frames messages the way LSP does: an HTTP-style
// Content-Length header followed by a blank line and the body, where the
// body is itself [type_id varint][Codec body]. Ported from the teacher's
// jsonrpc2_v2.HeaderFramer for transports that prefer textual framing
// (e.g. line-oriented proxies).
type headerFramer struct {
	codec  *Codec
	maxLen int
}

// HeaderFramer returns a Framer using "Content-Length: N\r\n\r\n" framing.
func HeaderFramer(codec *Codec, maxLen int) Framer {
	return &headerFramer{codec: codec, maxLen: maxLen}
}

type headerReader struct {
	*headerFramer
	in *bufio.Reader
}

type headerWriter struct {
	*headerFramer
	out io.Writer
}

func (f *headerFramer) Reader(r io.Reader) Reader {
	return &headerReader{headerFramer: f, in: bufio.NewReader(r)}
}

func (f *headerFramer) Writer(w io.Writer) Writer {
	return &headerWriter{headerFramer: f, out: w}
}

func (r *headerReader) Read(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	firstRead := true
	var contentLength int64
	for {
		line, err := r.in.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if firstRead && line == "" {
					return nil, io.EOF
				}
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("wire: reading header line: %w", err)
		}
		firstRead = false
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		colon := strings.IndexRune(line, ':')
		if colon < 0 {
			return nil, fmt.Errorf("wire: invalid header line %q", line)
		}
		name, value := line[:colon], strings.TrimSpace(line[colon+1:])
		if name == "Content-Length" {
			if contentLength, err = strconv.ParseInt(value, 10, 32); err != nil {
				return nil, fmt.Errorf("wire: invalid Content-Length %q: %w", value, err)
			}
			if contentLength <= 0 {
				return nil, fmt.Errorf("wire: invalid Content-Length %d", contentLength)
			}
		}
	}
	if contentLength == 0 {
		return nil, fmt.Errorf("wire: missing Content-Length header")
	}
	if int(contentLength) > r.maxLen {
		return nil, &ErrMessageTooLong{Length: int(contentLength), Max: r.maxLen}
	}
	data := make([]byte, contentLength)
	if _, err := io.ReadFull(r.in, data); err != nil {
		return nil, err
	}
	buf := newByteReader(data)
	typeID, err := binary.ReadUvarint(buf)
	if err != nil {
		return nil, fmt.Errorf("wire: reading type id: %w", err)
	}
	return r.codec.Decode(int32(typeID), buf.rest())
}

func (w *headerWriter) Write(ctx context.Context, m Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	body, err := w.codec.Encode(m)
	if err != nil {
		return err
	}
	var prefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(prefix[:], uint64(m.TypeID()))
	total := n + len(body)
	if total > w.maxLen {
		return &ErrMessageTooLong{Length: total, Max: w.maxLen}
	}
	if _, err := fmt.Fprintf(w.out, "Content-Length: %d\r\n\r\n", total); err != nil {
		return err
	}
	if _, err := w.out.Write(prefix[:n]); err != nil {
		return err
	}
	_, err = w.out.Write(body)
	return err
}
