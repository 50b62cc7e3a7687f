// Package transport defines the abstract duplex connection a processor
// runs a wire codec over, plus concrete adapters for testing and demo
// use. TCP/TLS/QUIC adapters are explicitly out of scope; callers bring
// their own net.Conn-based Stream for production transports.
//
// Ported from the teacher's jsonrpc2_v2 Reader/Writer/Framer trio
// (golang-tools internal/jsonrpc2_v2/messages.go), collapsed into one
// Stream interface since this module's wire.Framer already owns the
// byte-level framing; Stream only needs to move whole Messages.
package transport

import (
	"context"
	"io"

	"github.com/wirepeer/wirepeer/wire"
)

// Stream is a cancellable duplex connection of wire.Messages.
// Implementations must support one concurrent ReadMessage and one
// concurrent WriteMessage call; callers serialize writes themselves
// (the processor's single OutgoingMessages worker does this).
type Stream interface {
	ReadMessage(ctx context.Context) (wire.Message, error)
	WriteMessage(ctx context.Context, m wire.Message) error
	// Flush forces any buffered output to the wire, for implementations
	// that buffer (most don't need to do anything here).
	Flush() error
	Close() error
}

// Framed adapts an io.ReadWriteCloser plus a wire.Framer into a Stream,
// for transports that only give you raw bytes (a net.Conn, an os.Pipe).
type Framed struct {
	rw     io.ReadWriteCloser
	reader wire.Reader
	writer wire.Writer
}

// NewFramed builds a Framed Stream over rw using framer for both
// directions.
func NewFramed(rw io.ReadWriteCloser, framer wire.Framer) *Framed {
	return &Framed{
		rw:     rw,
		reader: framer.Reader(rw),
		writer: framer.Writer(rw),
	}
}

func (f *Framed) ReadMessage(ctx context.Context) (wire.Message, error) {
	return f.reader.Read(ctx)
}

func (f *Framed) WriteMessage(ctx context.Context, m wire.Message) error {
	return f.writer.Write(ctx, m)
}

func (f *Framed) Flush() error { return nil }

func (f *Framed) Close() error { return f.rw.Close() }
