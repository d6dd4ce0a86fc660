package secchan

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

// ByteChannel is a byte stream with blocking and non-blocking modes. In
// non-blocking mode operations that cannot make progress return
// ErrWouldBlock, and ContinueAction says what to wait for.
type ByteChannel interface {
	io.ReadWriteCloser
	ReadBuffers(bufs [][]byte) (int, error)
	WriteBuffers(bufs [][]byte) (int, error)
	Flush() (bool, error)
	CloseAsync() <-chan error
	CloseForcefully() error
	ConfigureBlocking(blocking bool) error
	IsBlocking() bool
	Handshake() error
	ContinueAction(op Op) ContinueAction
	Snapshot() Snapshot
}

var (
	_ ByteChannel = (*Channel)(nil)
	_ ByteChannel = (*PlainChannel)(nil)
)

// Channel is a secure ByteChannel. All engine work happens inside the
// caller's Read, Write, Flush, Handshake and Close calls.
type Channel struct {
	id       xid.ID
	name     string
	isClient bool
	config   *Config
	hooks    *Hooks

	engine    Engine
	transport Transport
	reader    atomic.Pointer[readerBox]
	modeMu    sync.Mutex
	blocking  atomic.Bool

	transportClosed atomic.Bool

	outWire *region
	inWire  *region
	inApp   *region

	readTask  *ioTask
	writeTask *ioTask
	closeTask *ioTask
	closeMu   sync.Mutex
	seq       atomic.Uint64

	outbound atomic.Int32
	inbound  atomic.Int32
	overall  atomic.Int32

	// Hints for ContinueAction. Each is written only under the lock of the
	// region it describes.
	writeBusy        atomic.Bool
	needWireReadData atomic.Bool
	needWireReadHS   atomic.Bool
	needAppRead      atomic.Bool

	validated atomic.Bool
	trusted   atomic.Bool
	lastCause atomic.Int32
	fatal     atomic.Pointer[errBox]
}

type readerBox struct {
	r io.Reader
}

type errBox struct {
	err error
}

// mustNotRead stands in for the transport while the blocking mode changes.
type mustNotRead struct{}

func (mustNotRead) Read([]byte) (int, error) {
	return 0, &InvariantError{Detail: "transport read while the blocking mode was being switched"}
}

// NewChannel creates a channel over t. The config is cloned; a nil config
// means defaults.
func NewChannel(t Transport, config *Config, isClient bool) (*Channel, error) {
	if config == nil {
		config = &Config{}
	}
	cfg := config.Clone()
	if err := cfg.Init(isClient); err != nil {
		return nil, err
	}
	if isClient && !cfg.ValidForClient() {
		return nil, fmt.Errorf("%w: client requires a server name", ErrInvalidConfig)
	}
	if !isClient && !cfg.ValidForServer() {
		return nil, fmt.Errorf("%w: server requires a certificate", ErrInvalidConfig)
	}
	engine, err := cfg.NewEngine(cfg.TLS, isClient)
	if err != nil {
		return nil, err
	}
	if err := t.SetBlocking(!cfg.NonBlocking); err != nil {
		return nil, err
	}

	c := &Channel{
		id:        xid.New(),
		isClient:  isClient,
		config:    cfg,
		hooks:     cfg.Hooks,
		engine:    engine,
		transport: t,
		readTask:  newIOTask("read", cfg.SpinIterations),
		writeTask: newIOTask("write", cfg.SpinIterations),
		closeTask: newIOTask("close", cfg.SpinIterations),
	}
	c.name = c.label()
	c.reader.Store(&readerBox{r: t})
	c.blocking.Store(!cfg.NonBlocking)
	c.outWire = newRegion(RegionOutboundWire, cfg.InitialBufferSize, cfg.Hooks, c.name)
	c.inWire = newRegion(RegionInboundWire, cfg.InitialBufferSize, cfg.Hooks, c.name)
	c.inApp = newRegion(RegionInboundApp, cfg.InitialBufferSize, cfg.Hooks, c.name)

	logf(logTypeHandshake, "%s created, blocking=%v", c.name, !cfg.NonBlocking)
	return c, nil
}

// Client returns a client channel over conn.
func Client(conn net.Conn, config *Config) (*Channel, error) {
	return NewChannel(NewTransport(conn), config, true)
}

// Server returns a server channel over conn.
func Server(conn net.Conn, config *Config) (*Channel, error) {
	return NewChannel(NewTransport(conn), config, false)
}

func (c *Channel) label() string {
	if c.isClient {
		return "[client " + c.id.String() + "]"
	}
	return "[server " + c.id.String() + "]"
}

func (c *Channel) runner(op string) string {
	return fmt.Sprintf("%s#%d", op, c.seq.Add(1))
}

// ID returns the channel identifier used in logs and snapshots.
func (c *Channel) ID() string { return c.id.String() }

// Session returns the engine session. Peer data is only meaningful once
// the handshake completed.
func (c *Channel) Session() Session { return c.engine.Session() }

// Trusted reports whether a server accepted the client through TrustPeer.
func (c *Channel) Trusted() bool { return c.trusted.Load() }

func (c *Channel) IsBlocking() bool { return c.blocking.Load() }

// fail records secure-session failures so that later calls report them
// again instead of touching a broken engine.
func (c *Channel) fail(err error) error {
	if IsSecureError(err) {
		c.fatal.CompareAndSwap(nil, &errBox{err: err})
		logf(logTypeHandshake, "%s failed: %v", c.name, err)
	}
	return err
}

func (c *Channel) Read(p []byte) (int, error) {
	return c.ReadBuffers([][]byte{p})
}

// ReadBuffers reads decrypted data into bufs, filling them in order. It
// returns io.EOF once the peer closed and everything was delivered.
func (c *Channel) ReadBuffers(bufs [][]byte) (int, error) {
	if buffersLen(bufs) == 0 {
		return 0, nil
	}
	cs := &callState{}
	if err := c.barrier(cs); err != nil {
		return 0, err
	}
	for {
		if n := c.drainApp(cs, bufs); n > 0 {
			return n, nil
		}
		if inboundState(c.inbound.Load()) >= inboundUnwrapDone {
			return 0, io.EOF
		}
		n, cause, err := c.unwrap(cs)
		if err != nil {
			return 0, c.fail(err)
		}
		switch {
		case n > 0, cause == CauseDone, cause == CausePaused, cause == CauseAppBufferFull:
			continue
		}
		return 0, ErrWouldBlock
	}
}

func (c *Channel) drainApp(cs *callState, bufs [][]byte) int {
	c.inApp.lock(cs)
	defer c.inApp.unlock(cs)
	n := 0
	for _, b := range bufs {
		if c.inApp.buffered() == 0 {
			break
		}
		m := copy(b, c.inApp.readable())
		c.inApp.consume(m)
		n += m
	}
	if n > 0 {
		c.needAppRead.Store(false)
	}
	return n
}

// Write writes p. In non-blocking mode a short count comes with
// ErrWouldBlock.
func (c *Channel) Write(p []byte) (int, error) {
	n, err := c.WriteBuffers([][]byte{p})
	if err == nil && n < len(p) {
		err = ErrWouldBlock
	}
	return n, err
}

// WriteBuffers encrypts as much of bufs as possible and returns how many
// plaintext bytes were consumed. In blocking mode everything is consumed
// and flushed before it returns.
func (c *Channel) WriteBuffers(bufs [][]byte) (int, error) {
	cs := &callState{}
	if err := c.barrier(cs); err != nil {
		return 0, err
	}
	total := buffersLen(bufs)
	n, cause, err := c.wrap(cs, bufs)
	if err != nil {
		return n, c.fail(err)
	}
	if c.blocking.Load() {
		if _, err := c.flush(cs); err != nil {
			return n, err
		}
	}
	if n == 0 && total > 0 && cause != CauseDone && cause != CausePaused {
		return 0, ErrWouldBlock
	}
	return n, nil
}

// Flush writes buffered records to the transport. It reports whether the
// outbound buffer is now empty.
func (c *Channel) Flush() (bool, error) {
	cs := &callState{}
	if err := c.barrier(cs); err != nil {
		return false, err
	}
	cause, err := c.flush(cs)
	return cause == CauseDone && err == nil, err
}

// Handshake runs the handshake until it completes. In non-blocking mode it
// returns ErrWouldBlock when it has to wait.
func (c *Channel) Handshake() error {
	cs := &callState{}
	if err := c.barrier(cs); err != nil {
		return err
	}
	cause, err := c.settleHandshake(cs)
	if err != nil {
		return c.fail(err)
	}
	if cause != CauseDone {
		return ErrWouldBlock
	}
	return nil
}

// ConfigureBlocking switches the transport mode. It waits for an in-flight
// transport read to return. Pending output is flushed when switching to
// blocking mode.
func (c *Channel) ConfigureBlocking(blocking bool) error {
	cs := &callState{}
	if err := c.barrier(cs); err != nil {
		return err
	}
	c.modeMu.Lock()
	// The inbound-wire lock keeps the channel's own read task out while the
	// mode changes. The placeholder catches reads that bypass that lock.
	c.inWire.lock(cs)
	prev := c.reader.Swap(&readerBox{r: mustNotRead{}})
	err := c.transport.SetBlocking(blocking)
	c.reader.Store(prev)
	if err == nil {
		c.blocking.Store(blocking)
	}
	c.inWire.unlock(cs)
	c.modeMu.Unlock()
	if err != nil {
		return err
	}
	logf(logTypeIO, "%s blocking=%v", c.name, blocking)
	if blocking {
		_, err = c.flush(cs)
	}
	return err
}

// ContinueAction says what a non-blocking caller should wait for before
// retrying op.
func (c *Channel) ContinueAction(op Op) ContinueAction {
	switch {
	case c.writeBusy.Load():
		return ActionWaitWritableThenFlush
	case c.engine.HandshakeStatus() == NeedTask:
		return ActionWaitTask
	case c.needWireReadHS.Load():
		return ActionWaitReadable
	case op == OpRead && c.needWireReadData.Load():
		return ActionWaitReadable
	}
	return ActionRetry
}

// DelegatedTask returns pending engine work for an ActionWaitTask caller
// to run, or nil.
func (c *Channel) DelegatedTask() func() {
	return c.engine.DelegatedTask()
}

// RunDelegatedTasks runs all pending engine work on the calling goroutine.
func (c *Channel) RunDelegatedTasks() {
	for task := c.engine.DelegatedTask(); task != nil; task = c.engine.DelegatedTask() {
		task()
	}
}

func (c *Channel) Snapshot() Snapshot {
	return Snapshot{
		ID:          c.id.String(),
		Client:      c.isClient,
		Blocking:    c.blocking.Load(),
		Trusted:     c.trusted.Load(),
		ReadRunner:  c.readTask.currentRunner(),
		WriteRunner: c.writeTask.currentRunner(),
		CloseRunner: c.closeTask.currentRunner(),
		LastCause:   Cause(c.lastCause.Load()).String(),
		Outbound:    outboundState(c.outbound.Load()).String(),
		Inbound:     inboundState(c.inbound.Load()).String(),
		Overall:     overallState(c.overall.Load()).String(),
		Handshake:   c.engine.HandshakeStatus().String(),
		OutboundCap: c.regionCap(c.outWire),
		InboundCap:  c.regionCap(c.inWire),
		AppCap:      c.regionCap(c.inApp),
	}
}

func (c *Channel) regionCap(r *region) int {
	return int(r.size.Load())
}
