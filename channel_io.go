package secchan

import (
	"errors"
	"fmt"
	"io"
)

// barrier fails ordinary operations once a close started. Calls made by the
// close sequence itself pass through.
func (c *Channel) barrier(cs *callState) error {
	if cs.inClose {
		return nil
	}
	switch overallState(c.overall.Load()) {
	case overallRunning:
		return ErrAsyncClose
	case overallDone:
		return ErrClosed
	}
	if b := c.fatal.Load(); b != nil {
		return b.err
	}
	return nil
}

// ioError translates transport failures caused by a concurrent close.
func (c *Channel) ioError(cs *callState, op string, err error) error {
	if cs.inClose {
		return err
	}
	switch overallState(c.overall.Load()) {
	case overallRunning:
		return fmt.Errorf("%w: %s: %w", ErrAsyncClose, op, err)
	case overallDone:
		return ErrClosed
	}
	return err
}

type readOutcome int

const (
	readNone readOutcome = iota
	readData
	readEOF
	readBusy
)

// readFromChannel reads once from the transport into the inbound-wire
// buffer. cause is the stop cause that asked for the read.
func (c *Channel) readFromChannel(cs *callState, cause Cause) (readOutcome, error) {
	ok, err := c.readTask.tryStart(c.runner("read"), func() error { return c.barrier(cs) })
	if err != nil {
		return readNone, err
	}
	if !ok {
		return readBusy, nil
	}
	defer c.readTask.finish()

	c.inWire.lock(cs)
	defer c.inWire.unlock(cs)

	if inboundState(c.inbound.Load()) >= inboundReadDone {
		return readEOF, nil
	}
	// Another runner may have read the missing bytes between our unwrap step
	// and now. The peer might not send anything more, so step again instead.
	if c.readSatisfied(cause) {
		return readData, nil
	}
	c.inWire.compact()
	if len(c.inWire.space()) == 0 {
		c.inWire.expand(2 * c.inWire.capacity())
	}

	c.hooks.beforeRead()
	n, err := c.reader.Load().r.Read(c.inWire.space())
	if n > 0 {
		c.inWire.commit(n)
		c.needWireReadData.Store(false)
		c.needWireReadHS.Store(false)
		logf(logTypeIO, "%s read %d bytes", c.name, n)
	}

	switch {
	case err == io.EOF:
		advance(&c.inbound, int32(inboundReadDone))
		logf(logTypeClose, "%s transport reached end of stream", c.name)
		if n > 0 {
			return readData, nil
		}
		return readEOF, nil
	case errors.Is(err, ErrInvariant):
		return readNone, err
	case err != nil:
		return readNone, c.ioError(cs, "read", err)
	case n > 0:
		return readData, nil
	}
	return readNone, nil
}

// readSatisfied reports whether the read asked for by cause is no longer
// needed. The caller holds the inbound-wire lock.
func (c *Channel) readSatisfied(cause Cause) bool {
	switch cause {
	case CauseNeedWireReadHandshake:
		return !c.needWireReadHS.Load() || c.engine.HandshakeStatus() != NeedUnwrap
	case CauseNeedWireReadData:
		return !c.needWireReadData.Load()
	}
	return false
}

// writeToChannel drains the outbound-wire buffer to the transport. A caller
// that already holds the outbound-wire lock keeps it.
func (c *Channel) writeToChannel(cs *callState) (Cause, error) {
	ok, err := c.writeTask.tryStart(c.runner("write"), func() error { return c.barrier(cs) })
	if err != nil {
		return CauseDone, err
	}
	if !ok {
		return CauseWriteBusy, nil
	}
	defer c.writeTask.finish()

	if !cs.holds(RegionOutboundWire) {
		c.outWire.lock(cs)
		defer c.outWire.unlock(cs)
	}

	for c.outWire.buffered() > 0 {
		c.hooks.beforeWrite()
		n, err := c.transport.Write(c.outWire.readable())
		if n > 0 {
			c.outWire.consume(n)
			logf(logTypeIO, "%s wrote %d bytes", c.name, n)
		}
		if err != nil {
			return CauseDone, c.ioError(cs, "write", err)
		}
		if n == 0 {
			c.writeBusy.Store(true)
			return CauseWriteWouldBlock, nil
		}
	}
	c.writeBusy.Store(false)
	return CauseDone, nil
}

// flush writes until the outbound-wire buffer is empty (blocking mode) or
// the transport stops accepting bytes.
func (c *Channel) flush(cs *callState) (Cause, error) {
	for {
		cause, err := c.writeToChannel(cs)
		if err != nil || cause != CauseWriteBusy || !c.blocking.Load() || cs.holds(RegionOutboundWire) {
			return cause, err
		}
		c.writeTask.await()
		if err := c.barrier(cs); err != nil {
			return cause, fmt.Errorf("%w: %w", ErrInterrupted, err)
		}
	}
}
