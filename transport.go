package secchan

import (
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"
)

// Transport is the raw byte stream a channel runs on. In non-blocking mode
// Read and Write return (0, nil) instead of waiting; Read reports end of
// stream with io.EOF. Setting a deadline in the past must make blocked calls
// return promptly, which is how close interrupts in-flight I/O.
type Transport interface {
	io.ReadWriteCloser
	SetBlocking(blocking bool) error
	SetDeadline(t time.Time) error
}

const pollInterval = time.Millisecond

type netTransport struct {
	conn     net.Conn
	raw      syscall.RawConn
	blocking atomic.Bool
}

// NewTransport adapts a net.Conn. Connections exposing syscall.RawConn do
// non-blocking I/O directly on the descriptor; others emulate it with a
// short read deadline.
func NewTransport(conn net.Conn) Transport {
	t := &netTransport{conn: conn}
	t.blocking.Store(true)
	if sc, ok := conn.(syscall.Conn); ok {
		if raw, err := sc.SyscallConn(); err == nil {
			t.raw = raw
		}
	}
	return t
}

func (t *netTransport) Read(p []byte) (int, error) {
	if t.blocking.Load() {
		return t.conn.Read(p)
	}
	if t.raw == nil {
		return t.pollRead(p)
	}
	return t.readNow(p)
}

func (t *netTransport) Write(p []byte) (int, error) {
	if t.blocking.Load() || t.raw == nil {
		return t.conn.Write(p)
	}
	return t.writeNow(p)
}

func (t *netTransport) SetBlocking(blocking bool) error {
	t.blocking.Store(blocking)
	return nil
}

func (t *netTransport) SetDeadline(d time.Time) error {
	return t.conn.SetDeadline(d)
}

func (t *netTransport) Close() error {
	return t.conn.Close()
}

func (t *netTransport) pollRead(p []byte) (int, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
		return 0, err
	}
	n, err := t.conn.Read(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		err = nil
	}
	if derr := t.conn.SetReadDeadline(time.Time{}); err == nil && derr != nil {
		err = derr
	}
	return n, err
}
