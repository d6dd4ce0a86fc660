package secchan

import (
	"crypto/tls"
	"io"
	"net"
	"testing"

	"golang.org/x/net/nettest"
)

func TestDialListen(t *testing.T) {
	inner, err := nettest.NewLocalListener("tcp")
	assertNotError(t, err, "listen")
	l := NewListener(inner, serverConfig())

	served := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			served <- err
			return
		}
		buf := make([]byte, 5)
		if _, err = io.ReadFull(conn, buf); err == nil {
			_, err = conn.Write(buf)
		}
		conn.Close()
		served <- err
	}()

	conn, err := Dial("tcp", l.Addr().String(), clientConfig())
	assertNotError(t, err, "dial")
	_, err = conn.Write([]byte("hello"))
	assertNotError(t, err, "write")
	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	assertNotError(t, err, "read")
	assertByteEquals(t, buf, []byte("hello"))
	assertNotError(t, <-served, "server")

	assertEquals(t, conn.RemoteAddr().String(), l.Addr().String())
	ch, ok := conn.Channel().(*Channel)
	assertTrue(t, ok, "not a secure channel")
	assertTrue(t, ch.Session().PeerCertificates() != nil, "no peer certificates")

	assertNotError(t, conn.Close(), "close")
	assertNotError(t, l.Close(), "close listener")
	closeAndVerifyNoLeaks(t)
}

func TestDialServerNameFromAddress(t *testing.T) {
	inner, err := nettest.NewLocalListener("tcp")
	assertNotError(t, err, "listen")
	l := NewListener(inner, serverConfig())
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		conn.Read(make([]byte, 1))
		conn.(*Conn).Channel().CloseForcefully()
	}()

	// The listener's address is an IP that the certificate does not cover.
	cconf := &Config{TLS: &tls.Config{InsecureSkipVerify: true}}
	_, err = Dial("tcp", l.Addr().String(), cconf)
	assertErrorIs(t, err, ErrHostnameMismatch)
	assertTrue(t, IsSecureError(err), "not a secure error")
}

func TestListenRequiresCertificate(t *testing.T) {
	_, err := Listen("tcp", "127.0.0.1:0", &Config{})
	assertErrorIs(t, err, ErrInvalidConfig)

	l, err := Listen("tcp", "127.0.0.1:0", serverConfig())
	assertNotError(t, err, "listen")
	_, ok := l.Addr().(*net.TCPAddr)
	assertTrue(t, ok, "not a TCP listener")
	assertNotError(t, l.Close(), "close")
}

func TestPlainConn(t *testing.T) {
	a, b := net.Pipe()
	pa, err := NewPlainChannel(NewTransport(a), true)
	assertNotError(t, err, "plain channel")
	pb, err := NewPlainChannel(NewTransport(b), true)
	assertNotError(t, err, "plain channel")
	ca, cb := NewConn(pa, a), NewConn(pb, b)

	go ca.Write([]byte("plain"))
	buf := make([]byte, 5)
	_, err = io.ReadFull(cb, buf)
	assertNotError(t, err, "read")
	assertByteEquals(t, buf, []byte("plain"))
	assertNotError(t, ca.Close(), "close")
	assertNotError(t, cb.Close(), "close")
	closeAndVerifyNoLeaks(t)
}
