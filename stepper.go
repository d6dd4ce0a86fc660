package secchan

import (
	"errors"
	"fmt"
)

func isHandshaking(h HandshakeStatus) bool {
	return h == NeedWrap || h == NeedUnwrap || h == NeedTask
}

// doWrap runs one engine wrap step into the outbound-wire buffer. On
// overflow it grows the buffer or drains it to the transport and tries
// again.
func (c *Channel) doWrap(cs *callState, src [][]byte) (int, Cause, error) {
	c.outWire.lock(cs)
	defer c.outWire.unlock(cs)

	for {
		res, err := c.engine.Wrap(src, c.outWire.space())
		if err != nil {
			return 0, CauseDone, newSecureError("wrap", err)
		}
		c.outWire.commit(res.BytesProduced)
		logf(logTypeVerbose, "%s wrap: %v", c.name, res)

		if res.HandshakeStatus == Finished {
			if err := c.validatePeer(); err != nil {
				return res.BytesConsumed, CauseDone, err
			}
		}

		switch res.Status {
		case StatusBufferOverflow:
			if c.outWire.expand(c.engine.Session().PacketBufferSize()) {
				continue
			}
			if c.outWire.buffered() == 0 {
				c.outWire.expand(2 * c.outWire.capacity())
				continue
			}
			cause, err := c.writeToChannel(cs)
			if err != nil || cause != CauseDone {
				return 0, cause, err
			}
			continue
		case StatusClosed:
			advance(&c.outbound, int32(outboundWrapDone))
			return res.BytesConsumed, CauseDone, nil
		case StatusBufferUnderflow:
			return res.BytesConsumed, CauseDone, &InvariantError{Detail: "wrap reported buffer underflow"}
		}

		if isHandshaking(res.HandshakeStatus) && res.BytesConsumed == 0 && res.BytesProduced == 0 {
			return 0, CausePaused, nil
		}
		return res.BytesConsumed, CauseDone, nil
	}
}

// doUnwrap runs engine unwrap steps from the inbound-wire buffer into the
// inbound-application buffer. It must not be entered with the application
// lock held: the fixed order is inbound-wire, then inbound-application.
func (c *Channel) doUnwrap(cs *callState) (int, Cause, error) {
	if cs.holds(RegionInboundApp) {
		return 0, CauseDone, &InvariantError{Detail: "unwrap entered with the inbound application lock held"}
	}
	c.inWire.lock(cs)
	defer c.inWire.unlock(cs)
	c.inApp.lock(cs)
	defer c.inApp.unlock(cs)

	produced := 0
	for {
		res, err := c.engine.Unwrap(c.inWire.readable(), c.inApp.space())
		c.inWire.consume(res.BytesConsumed)
		c.inApp.commit(res.BytesProduced)
		produced += res.BytesProduced
		if err != nil {
			return produced, CauseDone, newSecureError("unwrap", err)
		}
		logf(logTypeVerbose, "%s unwrap: %v", c.name, res)

		if res.HandshakeStatus == Finished {
			if err := c.validatePeer(); err != nil {
				return produced, CauseDone, err
			}
		}

		switch res.Status {
		case StatusBufferUnderflow:
			c.inWire.expand(c.engine.Session().PacketBufferSize())
			if isHandshaking(res.HandshakeStatus) {
				c.needWireReadHS.Store(true)
				return produced, CauseNeedWireReadHandshake, nil
			}
			c.needWireReadData.Store(true)
			return produced, CauseNeedWireReadData, nil
		case StatusBufferOverflow:
			if c.inApp.expand(c.engine.Session().ApplicationBufferSize()) {
				continue
			}
			if c.inApp.buffered() == 0 {
				c.inApp.expand(2 * c.inApp.capacity())
				continue
			}
			c.needAppRead.Store(true)
			return produced, CauseAppBufferFull, nil
		case StatusClosed:
			advance(&c.inbound, int32(inboundUnwrapDone))
			c.closeEngineInbound()
			logf(logTypeClose, "%s inbound closed by peer", c.name)
			return produced, CauseDone, nil
		}

		if isHandshaking(res.HandshakeStatus) && produced == 0 {
			return 0, CausePaused, nil
		}
		return produced, CauseDone, nil
	}
}

// closeEngineInbound shuts the engine's inbound side. A missing
// close_notify is not an error here: everything above this layer is
// length-prefixed.
func (c *Channel) closeEngineInbound() {
	err := c.engine.CloseInbound()
	switch {
	case err == nil:
	case errors.Is(err, ErrTruncated):
		logf(logTypeClose, "%s %v", c.name, err)
	default:
		logf(logTypeClose, "%s closing engine inbound: %v", c.name, err)
	}
}

// wrap encrypts bufs until everything is consumed or a step stops on a
// cause that needs an external event.
func (c *Channel) wrap(cs *callState, bufs [][]byte) (int, Cause, error) {
	written := 0
	for {
		cause, err := c.settleHandshake(cs)
		if err != nil || cause != CauseDone {
			return written, c.stopped(OpWrite, cause), err
		}
		if buffersLen(bufs) == 0 {
			return written, CauseDone, nil
		}
		if outboundState(c.outbound.Load()) >= outboundWrapDone {
			return written, CauseDone, newSecureError("write", ErrOutboundClosed)
		}

		n, cause, err := c.doWrap(cs, bufs)
		written += n
		bufs = consumeBuffers(bufs, n)
		if err != nil {
			return written, cause, err
		}
		if cause, err = c.flushIfPeerMustRead(cs, cause); err != nil {
			return written, cause, err
		}
		if cause == CauseDone {
			continue
		}
		retry, cause, err := c.resolve(cs, cause)
		if err != nil || !retry {
			return written, c.stopped(OpWrite, cause), err
		}
	}
}

// unwrap produces application data. It returns as soon as a step produced
// something or stopped.
func (c *Channel) unwrap(cs *callState) (int, Cause, error) {
	for {
		cause, err := c.settleHandshake(cs)
		if err != nil || cause != CauseDone {
			return 0, c.stopped(OpRead, cause), err
		}
		if inboundState(c.inbound.Load()) >= inboundUnwrapDone {
			return 0, CauseDone, nil
		}

		n, cause, err := c.doUnwrap(cs)
		if err != nil || n > 0 {
			return n, cause, err
		}
		retry, cause, err := c.resolve(cs, cause)
		if err != nil || !retry {
			return 0, c.stopped(OpRead, cause), err
		}
	}
}

func (c *Channel) stopped(op Op, cause Cause) Cause {
	c.lastCause.Store(int32(cause))
	if cause != CauseDone {
		logf(logTypeVerbose, "%s %v stopped: %v", c.name, op, cause)
		c.hooks.stopped(op, cause)
	}
	return cause
}

// resolve acts on a stop cause where the channel can do so itself: reading
// the transport, waiting for another runner, or running engine tasks in
// blocking mode. retry reports whether the step should be attempted again.
func (c *Channel) resolve(cs *callState, cause Cause) (bool, Cause, error) {
	switch cause {
	case CausePaused:
		return true, cause, nil
	case CauseNeedWireReadHandshake, CauseNeedWireReadData:
		outcome, err := c.readFromChannel(cs, cause)
		if err != nil {
			return false, cause, err
		}
		switch outcome {
		case readData:
			return true, cause, nil
		case readEOF:
			c.closeEngineInbound()
			return true, cause, nil
		case readBusy:
			cause = CauseReadBusy
		default:
			return false, cause, nil
		}
	}

	switch cause {
	case CauseReadBusy:
		if !c.blocking.Load() {
			return false, cause, nil
		}
		c.readTask.await()
		return c.afterAwait(cs, cause)
	case CauseWriteBusy:
		if !c.blocking.Load() || cs.holds(RegionOutboundWire) {
			return false, cause, nil
		}
		c.writeTask.await()
		return c.afterAwait(cs, cause)
	case CauseNeedTask:
		if !c.blocking.Load() {
			return false, cause, nil
		}
		c.RunDelegatedTasks()
		return true, cause, nil
	}
	return false, cause, nil
}

func (c *Channel) afterAwait(cs *callState, cause Cause) (bool, Cause, error) {
	if err := c.barrier(cs); err != nil {
		return false, cause, fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return true, cause, nil
}

// flushIfPeerMustRead pushes buffered handshake output to the transport
// when the engine next waits for the peer, which cannot answer records it
// never received.
func (c *Channel) flushIfPeerMustRead(cs *callState, cause Cause) (Cause, error) {
	if cause != CauseDone && cause != CausePaused {
		return cause, nil
	}
	if c.engine.HandshakeStatus() != NeedUnwrap {
		return cause, nil
	}
	fc, err := c.flush(cs)
	if err != nil || fc != CauseDone {
		return fc, err
	}
	return cause, nil
}

// consumeBuffers drops the first n bytes from bufs.
func consumeBuffers(bufs [][]byte, n int) [][]byte {
	for n > 0 && len(bufs) > 0 {
		if n < len(bufs[0]) {
			first := bufs[0][n:]
			rest := make([][]byte, len(bufs))
			copy(rest, bufs)
			rest[0] = first
			return rest
		}
		n -= len(bufs[0])
		bufs = bufs[1:]
	}
	for len(bufs) > 0 && len(bufs[0]) == 0 {
		bufs = bufs[1:]
	}
	return bufs
}
