package transport

import (
	"compress/flate"
	"io"
)

// deflateConn wraps a net.Conn's Read/Write in raw DEFLATE framing after
// COMPRESS DEFLATE is negotiated (RFC 4978). No pack dependency provides
// a drop-in streaming-DEFLATE socket wrapper for an arbitrary io.ReadWriter,
// so this is built directly on the standard library's compress/flate.
type deflateConn struct {
	under io.ReadWriteCloser

	fr io.ReadCloser
	fw *flate.Writer
}

func newDeflateConn(under io.ReadWriteCloser) *deflateConn {
	return &deflateConn{
		under: under,
		fr:    flate.NewReader(under),
		fw:    flate.NewWriter(under, flate.DefaultCompression),
	}
}

func (d *deflateConn) Read(p []byte) (int, error) {
	return d.fr.Read(p)
}

func (d *deflateConn) Write(p []byte) (int, error) {
	n, err := d.fw.Write(p)
	if err != nil {
		return n, err
	}
	// IMAP's DEFLATE framing has no message boundaries of its own; each
	// write must be flushed so the peer can make progress instead of
	// waiting on flate's internal buffering.
	return n, d.fw.Flush()
}

func (d *deflateConn) Close() error {
	d.fw.Close()
	d.fr.Close()
	return d.under.Close()
}
