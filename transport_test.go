package secchan

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/prep/socketpair"
)

func TestTransportNonBlockingSocket(t *testing.T) {
	a, b, err := socketpair.New("unix")
	assertNotError(t, err, "socketpair")
	ta, tb := NewTransport(a), NewTransport(b)
	defer ta.Close()

	assertNotError(t, tb.SetBlocking(false), "non-blocking")
	buf := make([]byte, 16)
	n, err := tb.Read(buf)
	assertNotError(t, err, "empty read")
	assertEquals(t, n, 0)

	n, err = ta.Write([]byte("ping"))
	assertNotError(t, err, "write")
	assertEquals(t, n, 4)

	// The bytes may take a moment to show up on the other end.
	got := 0
	for i := 0; i < 100 && got < 4; i++ {
		n, err = tb.Read(buf[got:])
		assertNotError(t, err, "read")
		got += n
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	assertByteEquals(t, buf[:got], []byte("ping"))

	n, err = tb.Write([]byte("pong"))
	assertNotError(t, err, "non-blocking write")
	assertEquals(t, n, 4)
	// Unread bytes would turn the close into a reset.
	_, err = io.ReadFull(ta, buf[:4])
	assertNotError(t, err, "blocking read")
	assertByteEquals(t, buf[:4], []byte("pong"))

	assertNotError(t, ta.Close(), "close")
	for i := 0; i < 100; i++ {
		n, err = tb.Read(buf)
		if err != nil || n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assertEquals(t, err, io.EOF)
	tb.Close()
}

func TestTransportPolledRead(t *testing.T) {
	a, b := net.Pipe()
	ta, tb := NewTransport(a), NewTransport(b)
	defer ta.Close()
	defer tb.Close()

	assertNotError(t, tb.SetBlocking(false), "non-blocking")
	buf := make([]byte, 8)
	n, err := tb.Read(buf)
	assertNotError(t, err, "polled read")
	assertEquals(t, n, 0)

	go ta.Write([]byte("abc"))
	got := 0
	for i := 0; i < 1000 && got < 3; i++ {
		n, err = tb.Read(buf[got:])
		assertNotError(t, err, "polled read")
		got += n
	}
	assertByteEquals(t, buf[:got], []byte("abc"))

	// A deadline in the past interrupts a blocking read.
	assertNotError(t, tb.SetBlocking(true), "blocking")
	assertNotError(t, tb.SetDeadline(time.Now()), "deadline")
	_, err = tb.Read(buf)
	assertError(t, err, "read past deadline")
}
