package secchan

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// maxFinalWraps bounds the wrap steps spent producing close_notify.
const maxFinalWraps = 16

// Close shuts the channel down gracefully: in-flight reads and writes are
// interrupted, close_notify is sent and the transport is closed. If any of
// that fails the channel is closed forcefully and the first error is
// returned. Closing a closed channel is a no-op.
func (c *Channel) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if overallState(c.overall.Load()) == overallDone {
		return nil
	}
	// closeMu serializes closers, so the task is always free here.
	c.closeTask.tryStart(c.runner("close"), nil)
	defer c.closeTask.finish()

	advance(&c.overall, int32(overallRunning))
	logf(logTypeClose, "%s closing", c.name)

	cs := &callState{inClose: true}
	err := c.closeGracefully(cs)
	if err != nil {
		logf(logTypeClose, "%s graceful close failed: %v", c.name, err)
		if ferr := c.forceClose(); ferr != nil {
			err = &CloseError{Err: err, Secondary: ferr}
		}
	}
	advance(&c.overall, int32(overallDone))
	return err
}

func (c *Channel) closeGracefully(cs *callState) error {
	c.quiesce()
	if err := c.transport.SetBlocking(true); err != nil {
		return err
	}

	c.engine.CloseOutbound()
	advance(&c.outbound, int32(outboundNeedFinalWrap))
	for i := 0; !c.engine.IsOutboundDone(); i++ {
		if i >= maxFinalWraps {
			return fmt.Errorf("secchan: engine outbound not done after %d wrap steps", i)
		}
		if _, _, err := c.doWrap(cs, nil); err != nil {
			return err
		}
	}
	advance(&c.outbound, int32(outboundWrapDone))

	if _, err := c.flush(cs); err != nil {
		if !peerGone(err) {
			return err
		}
		logf(logTypeClose, "%s peer gone before close_notify: %v", c.name, err)
	}
	advance(&c.outbound, int32(outboundWriteDone))

	c.closeEngineInbound()
	advance(&c.inbound, int32(inboundUnwrapDone))
	return c.closeTransport()
}

// quiesce interrupts blocked transport calls and waits until no read or
// write task is running. New tasks cannot start: the barrier rejects them.
func (c *Channel) quiesce() {
	if err := c.transport.SetDeadline(time.Now()); err != nil {
		logf(logTypeClose, "%s interrupting transport: %v", c.name, err)
	}
	c.readTask.awaitIdle()
	c.writeTask.awaitIdle()
	if err := c.transport.SetDeadline(time.Time{}); err != nil {
		logf(logTypeClose, "%s clearing deadline: %v", c.name, err)
	}
}

func (c *Channel) forceClose() error {
	c.engine.CloseOutbound()
	if err := c.engine.CloseInbound(); err != nil {
		logf(logTypeClose, "%s forceful close, engine: %v", c.name, err)
	}
	advance(&c.outbound, int32(outboundWriteDone))
	advance(&c.inbound, int32(inboundUnwrapDone))
	return c.closeTransport()
}

func (c *Channel) closeTransport() error {
	if !c.transportClosed.CompareAndSwap(false, true) {
		return nil
	}
	return c.transport.Close()
}

// CloseForcefully closes the channel without sending close_notify.
func (c *Channel) CloseForcefully() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if overallState(c.overall.Load()) == overallDone {
		return nil
	}
	c.closeTask.tryStart(c.runner("close-forcefully"), nil)
	defer c.closeTask.finish()

	advance(&c.overall, int32(overallRunning))
	logf(logTypeClose, "%s closing forcefully", c.name)
	c.quiesce()
	err := c.forceClose()
	advance(&c.overall, int32(overallDone))
	return err
}

// CloseAsync runs Close on a new goroutine. The returned channel receives
// its result.
func (c *Channel) CloseAsync() <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- c.Close()
	}()
	return done
}

func peerGone(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
