package hostio

import "io"

// pipeLink adapts an io.Reader/io.Writer/io.Closer triple to the Link
// interface, for in-process testing without a real file descriptor.
type pipeLink struct {
	io.Reader
	io.Writer
	io.Closer
}

// NewPipePair returns two connected in-process Links, standing in for
// a crossed pair of SpaceWire cables: bytes written to one are read
// from the other.
func NewPipePair() (a, b Link) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a = &pipeLink{Reader: ar, Writer: aw, Closer: multiCloser{ar, aw}}
	b = &pipeLink{Reader: br, Writer: bw, Closer: multiCloser{br, bw}}
	return a, b
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var firstErr error
	for _, c := range m {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
