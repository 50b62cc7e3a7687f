// Package memorypipe provides an in-process, io.Pipe-backed duplex
// Stream pair for tests and the demo command — the transport every
// end-to-end scenario in this module runs over, since this module does
// not ship a network transport.
package memorypipe

import (
	"io"

	"github.com/wirepeer/wirepeer/transport"
	"github.com/wirepeer/wirepeer/wire"
)

type rwc struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (c *rwc) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *rwc) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *rwc) Close() error {
	werr := c.w.Close()
	rerr := c.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// New returns a connected pair of Streams: messages written to a are
// readable from b and vice versa.
func New(framer func() wire.Framer) (a, b transport.Stream) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a = transport.NewFramed(&rwc{r: ar, w: aw}, framer())
	b = transport.NewFramed(&rwc{r: br, w: bw}, framer())
	return a, b
}
