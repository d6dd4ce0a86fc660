package secchan

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func assertTrue(t *testing.T, test bool, msg string) {
	t.Helper()
	if !test {
		t.Fatal(msg)
	}
}

func assertError(t *testing.T, err error, msg string) {
	t.Helper()
	assertTrue(t, err != nil, msg)
}

func assertNotError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		msg += ": " + err.Error()
	}
	assertTrue(t, err == nil, msg)
}

func assertErrorIs(t *testing.T, err, target error) {
	t.Helper()
	assertTrue(t, errors.Is(err, target), fmt.Sprintf("%v is not %v", err, target))
}

func assertEquals(t *testing.T, a, b interface{}) {
	t.Helper()
	assertTrue(t, a == b, fmt.Sprintf("%+v != %+v", a, b))
}

func assertByteEquals(t *testing.T, a, b []byte) {
	t.Helper()
	if len(a) > 64 || len(b) > 64 {
		assertTrue(t, bytes.Equal(a, b), fmt.Sprintf("%d bytes != %d bytes", len(a), len(b)))
		return
	}
	assertTrue(t, bytes.Equal(a, b), fmt.Sprintf("%x != %x", a, b))
}

func assertDeepEquals(t *testing.T, a, b interface{}) {
	t.Helper()
	assertTrue(t, reflect.DeepEqual(a, b), fmt.Sprintf("%+v != %+v", a, b))
}

// TestMain verifies that no goroutines leak after all tests complete
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.uber.org/goleak.(*goroutine).isLeaked"),
	)
}

const (
	serverName = "example.com"
	clientName = "example.org"
)

var (
	serverCert tls.Certificate
	clientCert tls.Certificate
	rootPool   *x509.CertPool
)

func newSelfSigned(name string, isCA bool) tls.Certificate {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		panic(err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name},
		DNSNames:              []string{name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		panic(err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		panic(err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: leaf}
}

func init() {
	serverCert = newSelfSigned(serverName, true)
	clientCert = newSelfSigned(clientName, true)
	rootPool = x509.NewCertPool()
	rootPool.AddCert(serverCert.Leaf)
}

func serverConfig() *Config {
	return &Config{
		TLS: &tls.Config{Certificates: []tls.Certificate{serverCert}},
	}
}

func clientConfig() *Config {
	return &Config{
		ServerName: serverName,
		TLS:        &tls.Config{RootCAs: rootPool},
	}
}

// pipeBuf is one direction of a pipe.
type pipeBuf struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool // writer side closed
	// limit caps the buffered bytes when positive
	limit int
}

func newPipeBuf() *pipeBuf {
	b := &pipeBuf{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// pipeConn is an in-memory Transport. Non-blocking reads and writes return
// (0, nil) instead of waiting. Only deadlines in the past are honored; they
// wake blocked calls at once.
type pipeConn struct {
	name     string
	r, w     *pipeBuf
	blocking atomic.Bool
	closed   atomic.Bool
	deadline atomic.Pointer[time.Time]

	reads  atomic.Int64
	writes atomic.Int64
}

func pipe() (client *pipeConn, server *pipeConn) {
	c2s := newPipeBuf()
	s2c := newPipeBuf()
	client = &pipeConn{name: "client", r: s2c, w: c2s}
	server = &pipeConn{name: "server", r: c2s, w: s2c}
	client.blocking.Store(true)
	server.blocking.Store(true)
	return
}

func (p *pipeConn) expired() bool {
	d := p.deadline.Load()
	return d != nil && !d.IsZero() && !time.Now().Before(*d)
}

func (p *pipeConn) Read(data []byte) (int, error) {
	b := p.r
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.buf.Len() == 0 {
		switch {
		case p.closed.Load():
			return 0, net.ErrClosed
		case b.closed:
			return 0, io.EOF
		case p.expired():
			return 0, os.ErrDeadlineExceeded
		case !p.blocking.Load():
			return 0, nil
		}
		b.cond.Wait()
	}
	n, _ := b.buf.Read(data)
	p.reads.Add(1)
	b.cond.Broadcast()
	logf(logTypeIO, "%s pipeConn.Read: %d bytes", p.name, n)
	return n, nil
}

func (p *pipeConn) Write(data []byte) (int, error) {
	b := p.w
	b.mu.Lock()
	defer b.mu.Unlock()
	written := 0
	for written < len(data) {
		switch {
		case p.closed.Load() || b.closed:
			return written, net.ErrClosed
		case p.expired():
			return written, os.ErrDeadlineExceeded
		}
		room := len(data) - written
		if b.limit > 0 {
			room = min(room, b.limit-b.buf.Len())
		}
		if room > 0 {
			b.buf.Write(data[written : written+room])
			written += room
			b.cond.Broadcast()
			continue
		}
		if !p.blocking.Load() {
			break
		}
		b.cond.Wait()
	}
	p.writes.Add(1)
	return written, nil
}

func (p *pipeConn) SetBlocking(blocking bool) error {
	p.blocking.Store(blocking)
	return nil
}

func (p *pipeConn) SetDeadline(t time.Time) error {
	p.deadline.Store(&t)
	for _, b := range []*pipeBuf{p.r, p.w} {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	}
	return nil
}

func (p *pipeConn) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, b := range []*pipeBuf{p.r, p.w} {
		b.mu.Lock()
		if b == p.w {
			b.closed = true
		}
		b.cond.Broadcast()
		b.mu.Unlock()
	}
	return nil
}

// setLimit bounds how many bytes p may have in flight towards its peer.
func (p *pipeConn) setLimit(n int) {
	p.w.mu.Lock()
	p.w.limit = n
	p.w.mu.Unlock()
}

// newPair returns a connected client and server channel over an in-memory
// pipe.
func newPair(t *testing.T, cconf, sconf *Config) (*Channel, *Channel, *pipeConn, *pipeConn) {
	t.Helper()
	cp, sp := pipe()
	client, err := NewChannel(cp, cconf, true)
	assertNotError(t, err, "client channel")
	server, err := NewChannel(sp, sconf, false)
	assertNotError(t, err, "server channel")
	return client, server, cp, sp
}

// handshakeBlocking runs both handshakes concurrently.
func handshakeBlocking(t *testing.T, client, server *Channel) (cerr, serr error) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		err := server.Handshake()
		if err != nil {
			// Let a blocked client see end of stream.
			server.CloseForcefully()
		}
		done <- err
	}()
	cerr = client.Handshake()
	if cerr != nil {
		client.CloseForcefully()
	}
	serr = <-done
	return
}

// honor does what ContinueAction asks for, as far as an event loop built on
// an in-memory pipe can.
func honor(c ByteChannel, op Op) {
	switch c.ContinueAction(op) {
	case ActionWaitTask:
		if ch, ok := c.(*Channel); ok {
			ch.RunDelegatedTasks()
		}
	case ActionWaitWritableThenFlush:
		c.Flush()
	}
}

// handshakeNonBlocking alternates both sides on one goroutine until both
// handshakes completed.
func handshakeNonBlocking(t *testing.T, client, server *Channel) {
	t.Helper()
	cdone, sdone := false, false
	for i := 0; i < 1000 && !(cdone && sdone); i++ {
		for _, side := range []struct {
			c    *Channel
			done *bool
		}{{client, &cdone}, {server, &sdone}} {
			if *side.done {
				continue
			}
			err := side.c.Handshake()
			switch {
			case err == nil:
				*side.done = true
			case errors.Is(err, ErrWouldBlock):
				honor(side.c, OpRead)
			default:
				t.Fatalf("handshake: %v", err)
			}
		}
	}
	assertTrue(t, cdone && sdone, "non-blocking handshake did not complete")
}

// transferNonBlocking moves payload from w to r with both channels in
// non-blocking mode.
func transferNonBlocking(t *testing.T, w, r ByteChannel, payload []byte) []byte {
	t.Helper()
	got := make([]byte, 0, len(payload))
	buf := make([]byte, 5000)
	sent := 0
	for i := 0; i < 100000; i++ {
		if sent < len(payload) {
			n, err := w.Write(payload[sent:])
			sent += n
			if err != nil && !errors.Is(err, ErrWouldBlock) {
				t.Fatalf("write: %v", err)
			}
			if err != nil {
				honor(w, OpWrite)
			}
		} else if _, err := w.Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		if len(got) == len(payload) {
			return got
		}

		n, err := r.Read(buf)
		got = append(got, buf[:n]...)
		switch {
		case err == nil:
		case errors.Is(err, ErrWouldBlock):
			honor(r, OpRead)
		default:
			t.Fatalf("read: %v", err)
		}
		if len(got) == len(payload) && sent == len(payload) {
			return got
		}
	}
	t.Fatalf("transfer stalled: sent %d, received %d of %d", sent, len(got), len(payload))
	return nil
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

// closeAndVerifyNoLeaks closes channels and verifies no goroutine leaks
func closeAndVerifyNoLeaks(t *testing.T, chans ...ByteChannel) {
	t.Helper()
	for _, c := range chans {
		if c != nil {
			c.CloseForcefully()
		}
	}
	goleak.VerifyNone(t)
}
