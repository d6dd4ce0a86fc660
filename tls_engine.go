package secchan

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/cryptobyte"
)

const (
	recordHeaderLen    = 5
	maxPlaintext       = 16384
	maxRecordExpansion = 2048
	maxWrapOverhead    = recordHeaderLen + 256
	packetBufferSize   = maxPlaintext + maxRecordExpansion + recordHeaderLen
)

// tlsEngine drives a crypto/tls connection whose underlying transport is an
// in-memory pipe, so that TLS records are moved by the caller instead of by
// the library. The handshake and record decryption run on a single engine
// goroutine; the engine is "busy" whenever that goroutine has work it has
// not finished, and reports NeedTask during the handshake until it idles.
type tlsEngine struct {
	conn     *tls.Conn
	isClient bool

	mu   sync.Mutex
	cond *sync.Cond

	// Pipe contents. in holds ciphertext fed by Unwrap, out holds ciphertext
	// produced by the library and not yet handed out by Wrap.
	in        []byte
	out       []byte
	inClosed  bool
	outClosed bool

	started bool
	busy    bool
	exited  bool
	done    chan struct{}

	hsDone           bool
	hsErr            error
	finishedReported bool
	state            tls.ConnectionState

	plain      []byte
	readErr    error
	peerClosed bool

	outboundClosed bool
	inboundClosed  bool
}

// NewTLSEngine returns an Engine backed by crypto/tls. The configuration is
// cloned; dynamic record sizing is turned off so that one wrap step yields
// exactly one record.
func NewTLSEngine(cfg *tls.Config, isClient bool) (Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: no TLS configuration", ErrInvalidConfig)
	}
	tc := cfg.Clone()
	tc.DynamicRecordSizingDisabled = true

	e := &tlsEngine{
		isClient: isClient,
		done:     make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	p := &memPipe{e: e}
	if isClient {
		e.conn = tls.Client(p, tc)
	} else {
		e.conn = tls.Server(p, tc)
	}
	return e, nil
}

func (e *tlsEngine) startLocked() {
	if e.started {
		return
	}
	e.started = true
	e.busy = true
	go e.run()
}

func (e *tlsEngine) run() {
	defer func() {
		e.mu.Lock()
		e.exited = true
		e.busy = false
		e.cond.Broadcast()
		e.mu.Unlock()
		close(e.done)
	}()

	if err := e.conn.Handshake(); err != nil {
		e.mu.Lock()
		e.hsErr = err
		e.mu.Unlock()
		return
	}
	state := e.conn.ConnectionState()
	e.mu.Lock()
	e.state = state
	e.hsDone = true
	e.mu.Unlock()

	buf := make([]byte, maxPlaintext)
	for {
		n, err := e.conn.Read(buf)
		e.mu.Lock()
		e.plain = append(e.plain, buf[:n]...)
		if err != nil {
			e.readErr = err
			// The pipe only reports EOF once we closed it ourselves, so an
			// earlier EOF is the peer's close_notify.
			if err == io.EOF && !e.inClosed {
				e.peerClosed = true
			}
			e.mu.Unlock()
			return
		}
		e.cond.Broadcast()
		e.mu.Unlock()
	}
}

func (e *tlsEngine) statusLocked() HandshakeStatus {
	switch {
	case !e.started:
		if e.isClient {
			return NeedWrap
		}
		return NeedUnwrap
	case e.finishedReported:
		return NotHandshaking
	case len(e.out) > 0:
		return NeedWrap
	case e.busy:
		return NeedTask
	case e.hsDone:
		// Completion is announced by the next wrap result.
		return NeedWrap
	}
	return NeedUnwrap
}

// resultStatusLocked is statusLocked, except that the first result after the
// handshake completed and its last flight left the engine carries Finished.
func (e *tlsEngine) resultStatusLocked() HandshakeStatus {
	if e.hsDone && !e.finishedReported && len(e.out) == 0 {
		e.finishedReported = true
		return Finished
	}
	return e.statusLocked()
}

func (e *tlsEngine) HandshakeStatus() HandshakeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *tlsEngine) DelegatedTask() func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.busy {
		return nil
	}
	return e.awaitIdle
}

func (e *tlsEngine) awaitIdle() {
	e.mu.Lock()
	for e.busy {
		e.cond.Wait()
	}
	e.mu.Unlock()
}

func (e *tlsEngine) Wrap(src [][]byte, dst []byte) (Result, error) {
	e.mu.Lock()
	if !e.outboundClosed {
		e.startLocked()
	}

	if len(e.out) > 0 {
		defer e.mu.Unlock()
		if len(dst) < min(len(e.out), packetBufferSize) {
			return Result{Status: StatusBufferOverflow, HandshakeStatus: e.statusLocked()}, nil
		}
		n := copy(dst, e.out)
		e.out = e.out[n:]
		status := StatusOK
		if e.outboundClosed && len(e.out) == 0 {
			status = StatusClosed
		}
		return Result{Status: status, HandshakeStatus: e.resultStatusLocked(), BytesProduced: n}, nil
	}

	switch {
	case e.outboundClosed:
		defer e.mu.Unlock()
		return Result{Status: StatusClosed, HandshakeStatus: e.statusLocked()}, nil
	case e.hsErr != nil:
		defer e.mu.Unlock()
		return Result{HandshakeStatus: e.statusLocked()}, e.hsErr
	case !e.hsDone:
		defer e.mu.Unlock()
		return Result{Status: StatusOK, HandshakeStatus: e.statusLocked()}, nil
	case !e.finishedReported:
		defer e.mu.Unlock()
		e.finishedReported = true
		return Result{Status: StatusOK, HandshakeStatus: Finished}, nil
	}
	e.mu.Unlock()

	return e.wrapData(src, dst)
}

// wrapData encrypts one record of application data. The library writes the
// record into the pipe synchronously, so it is in e.out when Write returns.
func (e *tlsEngine) wrapData(src [][]byte, dst []byte) (Result, error) {
	total := buffersLen(src)
	if total == 0 {
		return Result{Status: StatusOK, HandshakeStatus: NotHandshaking}, nil
	}
	chunk := min(total, maxPlaintext)
	if len(dst) < chunk+maxWrapOverhead {
		return Result{Status: StatusBufferOverflow, HandshakeStatus: NotHandshaking}, nil
	}

	plain := make([]byte, 0, chunk)
	for _, b := range src {
		if len(plain) == chunk {
			break
		}
		plain = append(plain, b[:min(len(b), chunk-len(plain))]...)
	}
	if _, err := e.conn.Write(plain); err != nil {
		return Result{HandshakeStatus: NotHandshaking}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	n := copy(dst, e.out)
	e.out = e.out[n:]
	return Result{
		Status:          StatusOK,
		HandshakeStatus: e.statusLocked(),
		BytesConsumed:   chunk,
		BytesProduced:   n,
	}, nil
}

func (e *tlsEngine) Unwrap(src []byte, dst []byte) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.inboundClosed {
		e.startLocked()
	}

	consumed := 0
	if n := completeRecords(src); n > 0 && !e.inClosed && !e.exited {
		e.in = append(e.in, src[:n]...)
		consumed = n
		e.busy = true
		e.cond.Broadcast()
	} else if n == 0 && len(src) > 0 {
		logf(logTypeVerbose, "engine: partial record, have %d of %d bytes", len(src), nextRecordLen(src))
	}

	// Record decryption after the handshake is quick; wait for it rather
	// than reporting a task.
	if e.hsDone {
		for e.busy {
			e.cond.Wait()
		}
	}

	if len(e.plain) > 0 {
		if len(dst) < min(len(e.plain), maxPlaintext) {
			return Result{Status: StatusBufferOverflow, HandshakeStatus: e.statusLocked(), BytesConsumed: consumed}, nil
		}
		n := copy(dst, e.plain)
		e.plain = e.plain[n:]
		return Result{Status: StatusOK, HandshakeStatus: e.resultStatusLocked(), BytesConsumed: consumed, BytesProduced: n}, nil
	}

	switch {
	case e.peerClosed || e.inboundClosed:
		return Result{Status: StatusClosed, HandshakeStatus: e.statusLocked(), BytesConsumed: consumed}, nil
	case e.hsErr != nil:
		return Result{HandshakeStatus: e.statusLocked(), BytesConsumed: consumed}, e.hsErr
	case e.readErr != nil:
		return Result{HandshakeStatus: e.statusLocked(), BytesConsumed: consumed}, e.readErr
	}

	hs := e.resultStatusLocked()
	if consumed == 0 && (hs == NeedUnwrap || hs == NotHandshaking) {
		return Result{Status: StatusBufferUnderflow, HandshakeStatus: hs}, nil
	}
	return Result{Status: StatusOK, HandshakeStatus: hs, BytesConsumed: consumed}, nil
}

func (e *tlsEngine) CloseOutbound() {
	e.mu.Lock()
	if e.outboundClosed {
		e.mu.Unlock()
		return
	}
	e.outboundClosed = true
	sendCloseNotify := e.hsDone && !e.outClosed
	e.mu.Unlock()

	if sendCloseNotify {
		if err := e.conn.CloseWrite(); err != nil {
			logf(logTypeClose, "engine: close_notify not sent: %v", err)
		}
	}

	e.mu.Lock()
	e.outClosed = true
	e.mu.Unlock()
}

func (e *tlsEngine) CloseInbound() error {
	e.mu.Lock()
	if e.inboundClosed {
		e.mu.Unlock()
		return nil
	}
	e.inboundClosed = true
	clean := e.peerClosed || !e.started || e.hsErr != nil ||
		(e.readErr != nil && e.readErr != io.EOF)
	e.inClosed = true
	e.cond.Broadcast()
	started := e.started
	e.mu.Unlock()

	if started {
		<-e.done
	}
	if !clean {
		return ErrTruncated
	}
	return nil
}

func (e *tlsEngine) IsOutboundDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outboundClosed && len(e.out) == 0
}

func (e *tlsEngine) IsInboundDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inboundClosed || (e.peerClosed && len(e.plain) == 0)
}

func (e *tlsEngine) Session() Session {
	return tlsSession{e: e}
}

type tlsSession struct {
	e *tlsEngine
}

func (s tlsSession) PacketBufferSize() int      { return packetBufferSize }
func (s tlsSession) ApplicationBufferSize() int { return maxPlaintext }

func (s tlsSession) ConnectionState() tls.ConnectionState {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	return s.e.state
}

func (s tlsSession) PeerCertificates() []*x509.Certificate {
	return s.ConnectionState().PeerCertificates
}

// memPipe is the net.Conn that the TLS library sees. Reads park the engine
// goroutine until Unwrap feeds records; writes never block.
type memPipe struct {
	e *tlsEngine
}

var errPipeClosed = errors.New("secchan: engine pipe closed")

func (p *memPipe) Read(b []byte) (int, error) {
	e := p.e
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.in) == 0 {
		if e.inClosed {
			return 0, io.EOF
		}
		e.busy = false
		e.cond.Broadcast()
		e.cond.Wait()
	}
	e.busy = true
	n := copy(b, e.in)
	e.in = e.in[n:]
	return n, nil
}

func (p *memPipe) Write(b []byte) (int, error) {
	e := p.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outClosed {
		return 0, errPipeClosed
	}
	e.out = append(e.out, b...)
	e.cond.Broadcast()
	return len(b), nil
}

func (p *memPipe) Close() error {
	e := p.e
	e.mu.Lock()
	e.inClosed = true
	e.outClosed = true
	e.cond.Broadcast()
	e.mu.Unlock()
	return nil
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "secchan" }
func (pipeAddr) String() string  { return "engine" }

func (p *memPipe) LocalAddr() net.Addr                { return pipeAddr{} }
func (p *memPipe) RemoteAddr() net.Addr               { return pipeAddr{} }
func (p *memPipe) SetDeadline(t time.Time) error      { return nil }
func (p *memPipe) SetReadDeadline(t time.Time) error  { return nil }
func (p *memPipe) SetWriteDeadline(t time.Time) error { return nil }

// completeRecords returns the length of the longest prefix of data made of
// whole TLS records.
func completeRecords(data []byte) int {
	s := cryptobyte.String(data)
	n := 0
	for {
		var typ uint8
		var vers uint16
		var body cryptobyte.String
		if !s.ReadUint8(&typ) || !s.ReadUint16(&vers) || !s.ReadUint16LengthPrefixed(&body) {
			return n
		}
		n += recordHeaderLen + len(body)
	}
}

// nextRecordLen returns the full length of the first record in data, or 0
// if its header is not complete yet.
func nextRecordLen(data []byte) int {
	s := cryptobyte.String(data)
	var typ uint8
	var vers, length uint16
	if !s.ReadUint8(&typ) || !s.ReadUint16(&vers) || !s.ReadUint16(&length) {
		return 0
	}
	return recordHeaderLen + int(length)
}

func buffersLen(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}
