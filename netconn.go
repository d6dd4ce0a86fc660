package secchan

import (
	"fmt"
	"net"
	"time"
)

// Conn adapts a ByteChannel to net.Conn. Addresses and deadlines come from
// the underlying connection.
type Conn struct {
	ch  ByteChannel
	raw net.Conn
}

var _ net.Conn = (*Conn)(nil)

// NewConn returns a net.Conn that reads and writes through ch, which must
// run over raw.
func NewConn(ch ByteChannel, raw net.Conn) *Conn {
	return &Conn{ch: ch, raw: raw}
}

// Channel returns the wrapped channel.
func (c *Conn) Channel() ByteChannel { return c.ch }

func (c *Conn) Read(b []byte) (int, error) {
	return c.ch.Read(b)
}

func (c *Conn) Write(b []byte) (int, error) {
	return c.ch.Write(b)
}

func (c *Conn) Close() error                       { return c.ch.Close() }
func (c *Conn) LocalAddr() net.Addr                { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.raw.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.raw.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.raw.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }

// Dial connects to addr and completes the handshake. An empty
// config.ServerName is taken from addr.
func Dial(network, addr string, config *Config) (*Conn, error) {
	if config == nil {
		config = &Config{}
	}
	config = config.Clone()
	if config.ServerName == "" && (config.TLS == nil || config.TLS.ServerName == "") {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		config.ServerName = host
	}

	raw, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	ch, err := Client(raw, config)
	if err != nil {
		raw.Close()
		return nil, err
	}
	if err := ch.Handshake(); err != nil {
		ch.CloseForcefully()
		return nil, err
	}
	return NewConn(ch, raw), nil
}

// Listener accepts connections and wraps them in server channels. The
// handshake runs on first use of the returned Conn.
type Listener struct {
	net.Listener
	config *Config
}

// Listen announces on laddr. The config must be valid for a server.
func Listen(network, laddr string, config *Config) (*Listener, error) {
	if config == nil || !config.ValidForServer() {
		return nil, fmt.Errorf("%w: Listen requires a certificate in config.TLS", ErrInvalidConfig)
	}
	l, err := net.Listen(network, laddr)
	if err != nil {
		return nil, err
	}
	return NewListener(l, config), nil
}

// NewListener wraps an existing listener.
func NewListener(inner net.Listener, config *Config) *Listener {
	return &Listener{Listener: inner, config: config}
}

func (l *Listener) Accept() (net.Conn, error) {
	raw, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	ch, err := Server(raw, l.config)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return NewConn(ch, raw), nil
}
