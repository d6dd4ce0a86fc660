package secchan

import (
	"fmt"
	"io"
)

// handshake steps the engine until it stops handshaking or a step needs an
// external event.
func (c *Channel) handshake(cs *callState) (Cause, error) {
	stepped := false
	for {
		switch c.engine.HandshakeStatus() {
		case NotHandshaking:
			if stepped {
				return c.flush(cs)
			}
			return CauseDone, nil

		case NeedWrap:
			// Some engines keep asking for a wrap once the inbound side is
			// gone; nothing useful can be produced at that point. crypto/tls
			// never does this, but Config.NewEngine can plug in one that does.
			if inboundState(c.inbound.Load()) >= inboundUnwrapDone {
				return CauseDone, nil
			}
			_, cause, err := c.doWrap(cs, nil)
			if err != nil {
				return cause, err
			}
			if outboundState(c.outbound.Load()) >= outboundWrapDone {
				return CauseDone, nil
			}
			cause, err = c.flushIfPeerMustRead(cs, cause)
			if err != nil || (cause != CauseDone && cause != CausePaused) {
				return cause, err
			}

		case NeedUnwrap:
			_, cause, err := c.doUnwrap(cs)
			if err != nil {
				return cause, err
			}
			if inboundState(c.inbound.Load()) >= inboundUnwrapDone {
				return CauseDone, nil
			}
			if cause != CauseDone && cause != CausePaused {
				return cause, nil
			}

		case NeedTask:
			if !c.blocking.Load() {
				return CauseNeedTask, nil
			}
			c.RunDelegatedTasks()
		}
		stepped = true
	}
}

// settleHandshake makes sure the handshake is complete before a data step.
func (c *Channel) settleHandshake(cs *callState) (Cause, error) {
	for isHandshaking(c.engine.HandshakeStatus()) {
		cause, err := c.handshake(cs)
		if err != nil {
			return cause, err
		}
		if cause == CauseDone {
			if isHandshaking(c.engine.HandshakeStatus()) {
				// One side closed before the handshake finished.
				return cause, newSecureError("handshake", io.ErrUnexpectedEOF)
			}
			return cause, nil
		}
		retry, cause, err := c.resolve(cs, cause)
		if err != nil || !retry {
			return cause, err
		}
	}
	return CauseDone, nil
}

// validatePeer runs the hostname check on clients and the trust predicate on
// servers, once, when the engine reports the handshake finished.
func (c *Channel) validatePeer() error {
	if !c.validated.CompareAndSwap(false, true) {
		return nil
	}
	s := c.engine.Session()

	if c.isClient {
		host := c.config.TLS.ServerName
		if !c.config.VerifyHostname(host, s) {
			return newSecureError("handshake", fmt.Errorf("%w: %q", ErrHostnameMismatch, host))
		}
	} else if c.config.PeerTrust != TrustNone {
		chain := s.PeerCertificates()
		switch {
		case len(chain) > 0 && c.config.TrustPeer(chain):
			c.trusted.Store(true)
		case c.config.PeerTrust == TrustRequired:
			return newSecureError("handshake", ErrPeerNotTrusted)
		default:
			logf(logTypeHandshake, "%s client not trusted, continuing", c.name)
		}
	}

	cs := s.ConnectionState()
	logf(logTypeHandshake, "%s handshake finished: version=%04x suite=%04x trusted=%v",
		c.name, cs.Version, cs.CipherSuite, c.trusted.Load())
	c.hooks.finished(s)
	return nil
}
