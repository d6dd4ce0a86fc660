package secchan

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// Status is the outcome of a single Wrap or Unwrap call.
type Status int

const (
	StatusOK Status = iota
	StatusClosed
	StatusBufferOverflow
	StatusBufferUnderflow
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusClosed:
		return "CLOSED"
	case StatusBufferOverflow:
		return "BUFFER_OVERFLOW"
	case StatusBufferUnderflow:
		return "BUFFER_UNDERFLOW"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// HandshakeStatus is the engine's handshake phase. Finished is only ever
// carried in a Result, never returned by Engine.HandshakeStatus.
type HandshakeStatus int

const (
	NotHandshaking HandshakeStatus = iota
	NeedWrap
	NeedUnwrap
	NeedTask
	Finished
)

func (h HandshakeStatus) String() string {
	switch h {
	case NotHandshaking:
		return "NOT_HANDSHAKING"
	case NeedWrap:
		return "NEED_WRAP"
	case NeedUnwrap:
		return "NEED_UNWRAP"
	case NeedTask:
		return "NEED_TASK"
	case Finished:
		return "FINISHED"
	}
	return fmt.Sprintf("HandshakeStatus(%d)", int(h))
}

// Result describes what one engine step did.
type Result struct {
	Status          Status
	HandshakeStatus HandshakeStatus
	BytesConsumed   int
	BytesProduced   int
}

func (r Result) String() string {
	return fmt.Sprintf("%v/%v consumed=%d produced=%d", r.Status, r.HandshakeStatus, r.BytesConsumed, r.BytesProduced)
}

// Session exposes buffer size hints and peer identity.
type Session interface {
	PacketBufferSize() int
	ApplicationBufferSize() int
	PeerCertificates() []*x509.Certificate
	ConnectionState() tls.ConnectionState
}

// Engine is a secure-session engine that turns plaintext into records and
// back one step at a time without doing any I/O of its own.
//
// Wrap encrypts from src into dst. Unwrap decrypts from src into dst.
// Consumed and produced counts in the Result say how much of src was used
// and how much of dst was filled. At most one Wrap and one Unwrap are in
// flight at any time; the channel enforces this with its buffer locks.
type Engine interface {
	Wrap(src [][]byte, dst []byte) (Result, error)
	Unwrap(src []byte, dst []byte) (Result, error)
	HandshakeStatus() HandshakeStatus
	// DelegatedTask returns the next piece of handshake work that has to
	// finish before the handshake can continue, or nil.
	DelegatedTask() func()
	CloseOutbound()
	CloseInbound() error
	IsOutboundDone() bool
	IsInboundDone() bool
	Session() Session
}

// EngineFactory creates the engine for one channel.
type EngineFactory func(cfg *tls.Config, isClient bool) (Engine, error)
