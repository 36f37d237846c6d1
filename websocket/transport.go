package websocket

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/vitalvas/wsgate/frame"
)

// Transport is the bidirectional frame channel a connection drives. The
// read side is used by one goroutine; the write side is serialized by
// the outbound writer.
type Transport interface {
	ReadFrame() (frame.Frame, error)
	WriteFrame(f frame.Frame) error
	Close() error
}

// readCloser is implemented by transports that can shut down the read
// side independently, used on cancellation.
type readCloser interface {
	CloseRead() error
}

// readDeadliner is implemented by transports that support bounding a
// blocked read, used while draining the close handshake.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// netTransport frames a net.Conn (or any ReadWriteCloser) with the wire
// codec. The bufio reader carries bytes the HTTP layer read ahead during
// the handshake.
type netTransport struct {
	rwc   io.ReadWriteCloser
	conn  net.Conn // nil for hijack-less transports (HTTP/2 bodies)
	br    io.Reader
	codec frame.Codec
}

// NewTransport returns a Transport over rwc with the given frame size
// bound (zero means the default). br, when non-nil, is consumed before
// rwc's read side.
func NewTransport(rwc io.ReadWriteCloser, br *bufio.Reader, maxFrameSize int64) Transport {
	t := &netTransport{
		rwc:   rwc,
		codec: frame.Codec{MaxPayloadSize: maxFrameSize},
	}
	if conn, ok := rwc.(net.Conn); ok {
		t.conn = conn
	}
	if br != nil && br.Buffered() > 0 {
		t.br = br
	} else {
		t.br = rwc
	}
	return t
}

func (t *netTransport) ReadFrame() (frame.Frame, error) {
	return t.codec.ReadFrame(t.br)
}

func (t *netTransport) WriteFrame(f frame.Frame) error {
	return t.codec.WriteFrame(t.rwc, f)
}

func (t *netTransport) Close() error {
	return t.rwc.Close()
}

func (t *netTransport) CloseRead() error {
	type closeReader interface {
		CloseRead() error
	}
	if cr, ok := t.rwc.(closeReader); ok {
		return cr.CloseRead()
	}
	// Fall back to expiring any blocked read.
	return t.SetReadDeadline(time.Now())
}

func (t *netTransport) SetReadDeadline(deadline time.Time) error {
	if t.conn != nil {
		return t.conn.SetReadDeadline(deadline)
	}
	return nil
}
