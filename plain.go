package secchan

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

// PlainChannel is a ByteChannel without encryption. It lets code written
// against ByteChannel run over a bare transport.
type PlainChannel struct {
	id        xid.ID
	transport Transport
	blocking  atomic.Bool

	readMu  sync.Mutex
	writeMu sync.Mutex
	closeMu sync.Mutex
	overall atomic.Int32

	waitReadable atomic.Bool
	waitWritable atomic.Bool
	eof          atomic.Bool
}

// NewPlainChannel wraps t, which is switched to the requested mode.
func NewPlainChannel(t Transport, blocking bool) (*PlainChannel, error) {
	if err := t.SetBlocking(blocking); err != nil {
		return nil, err
	}
	p := &PlainChannel{id: xid.New(), transport: t}
	p.blocking.Store(blocking)
	return p, nil
}

func (p *PlainChannel) barrier() error {
	switch overallState(p.overall.Load()) {
	case overallRunning:
		return ErrAsyncClose
	case overallDone:
		return ErrClosed
	}
	return nil
}

func (p *PlainChannel) Read(b []byte) (int, error) {
	return p.ReadBuffers([][]byte{b})
}

func (p *PlainChannel) ReadBuffers(bufs [][]byte) (int, error) {
	if buffersLen(bufs) == 0 {
		return 0, nil
	}
	if err := p.barrier(); err != nil {
		return 0, err
	}
	if p.eof.Load() {
		return 0, io.EOF
	}
	p.readMu.Lock()
	defer p.readMu.Unlock()

	total := 0
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		n, err := p.transport.Read(b)
		total += n
		switch {
		case err == io.EOF:
			p.eof.Store(true)
			if total > 0 {
				return total, nil
			}
			return 0, io.EOF
		case err != nil:
			return total, err
		}
		// A blocking transport would wait on the next buffer even though
		// bytes were already transferred.
		if n < len(b) || p.blocking.Load() {
			break
		}
	}
	if total == 0 {
		p.waitReadable.Store(true)
		return 0, ErrWouldBlock
	}
	p.waitReadable.Store(false)
	return total, nil
}

func (p *PlainChannel) Write(b []byte) (int, error) {
	n, err := p.WriteBuffers([][]byte{b})
	if err == nil && n < len(b) {
		err = ErrWouldBlock
	}
	return n, err
}

func (p *PlainChannel) WriteBuffers(bufs [][]byte) (int, error) {
	if err := p.barrier(); err != nil {
		return 0, err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	total := 0
	for _, b := range bufs {
		for len(b) > 0 {
			n, err := p.transport.Write(b)
			total += n
			b = b[n:]
			if err != nil {
				return total, err
			}
			if n == 0 {
				p.waitWritable.Store(true)
				if total == 0 {
					return 0, ErrWouldBlock
				}
				return total, nil
			}
		}
	}
	p.waitWritable.Store(false)
	return total, nil
}

// Flush always reports an empty buffer: writes go straight to the
// transport.
func (p *PlainChannel) Flush() (bool, error) {
	return true, p.barrier()
}

// Handshake is a no-op.
func (p *PlainChannel) Handshake() error {
	return p.barrier()
}

func (p *PlainChannel) ConfigureBlocking(blocking bool) error {
	if err := p.barrier(); err != nil {
		return err
	}
	p.readMu.Lock()
	defer p.readMu.Unlock()
	if err := p.transport.SetBlocking(blocking); err != nil {
		return err
	}
	p.blocking.Store(blocking)
	return nil
}

func (p *PlainChannel) IsBlocking() bool { return p.blocking.Load() }

func (p *PlainChannel) ContinueAction(op Op) ContinueAction {
	switch {
	case op == OpWrite && p.waitWritable.Load():
		return ActionWaitWritableThenFlush
	case op == OpRead && p.waitReadable.Load():
		return ActionWaitReadable
	}
	return ActionRetry
}

func (p *PlainChannel) Close() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if overallState(p.overall.Load()) == overallDone {
		return nil
	}
	advance(&p.overall, int32(overallRunning))
	err := p.transport.Close()
	advance(&p.overall, int32(overallDone))
	return err
}

func (p *PlainChannel) CloseForcefully() error {
	return p.Close()
}

func (p *PlainChannel) CloseAsync() <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- p.Close()
	}()
	return done
}

func (p *PlainChannel) Snapshot() Snapshot {
	s := Snapshot{
		ID:        p.id.String(),
		Blocking:  p.blocking.Load(),
		LastCause: CauseDone.String(),
		Outbound:  outboundStandby.String(),
		Inbound:   inboundStandby.String(),
		Overall:   overallState(p.overall.Load()).String(),
		Handshake: NotHandshaking.String(),
	}
	if p.eof.Load() {
		s.Inbound = inboundReadDone.String()
	}
	if overallState(p.overall.Load()) == overallDone {
		s.Outbound = outboundWriteDone.String()
	}
	return s
}
