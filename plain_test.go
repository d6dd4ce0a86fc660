package secchan

import (
	"errors"
	"io"
	"testing"
	"time"
)

func TestPlainChannelBlocking(t *testing.T) {
	cp, sp := pipe()
	a, err := NewPlainChannel(cp, true)
	assertNotError(t, err, "plain channel")
	b, err := NewPlainChannel(sp, true)
	assertNotError(t, err, "plain channel")

	assertNotError(t, a.Handshake(), "handshake")
	n, err := a.WriteBuffers([][]byte{[]byte("hello, "), []byte("world")})
	assertNotError(t, err, "write")
	assertEquals(t, n, 12)
	drained, err := a.Flush()
	assertNotError(t, err, "flush")
	assertTrue(t, drained, "plain flush not drained")

	buf := make([]byte, 12)
	_, err = io.ReadFull(b, buf)
	assertNotError(t, err, "read")
	assertByteEquals(t, buf, []byte("hello, world"))

	assertNotError(t, a.Close(), "close")
	assertNotError(t, a.Close(), "close twice")
	_, err = b.Read(buf)
	assertEquals(t, err, io.EOF)
	_, err = a.Write([]byte("x"))
	assertErrorIs(t, err, ErrClosed)

	s := a.Snapshot()
	assertEquals(t, s.Overall, overallDone.String())
	assertEquals(t, b.Snapshot().Inbound, inboundReadDone.String())
	assertNotError(t, <-b.CloseAsync(), "async close")
	closeAndVerifyNoLeaks(t)
}

func TestPlainReadBuffersReturnsAvailable(t *testing.T) {
	cp, sp := pipe()
	a, err := NewPlainChannel(cp, true)
	assertNotError(t, err, "plain channel")
	b, err := NewPlainChannel(sp, true)
	assertNotError(t, err, "plain channel")

	_, err = a.Write([]byte("abc"))
	assertNotError(t, err, "write")

	first, second := make([]byte, 3), make([]byte, 10)
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := b.ReadBuffers([][]byte{first, second})
		done <- result{n, err}
	}()
	select {
	case r := <-done:
		assertNotError(t, r.err, "read")
		assertEquals(t, r.n, 3)
		assertByteEquals(t, first, []byte("abc"))
	case <-time.After(5 * time.Second):
		t.Fatal("blocking ReadBuffers waited for a second buffer")
	}
	closeAndVerifyNoLeaks(t, a, b)
}

func TestPlainChannelNonBlocking(t *testing.T) {
	cp, sp := pipe()
	a, err := NewPlainChannel(cp, false)
	assertNotError(t, err, "plain channel")
	b, err := NewPlainChannel(sp, false)
	assertNotError(t, err, "plain channel")
	assertTrue(t, !a.IsBlocking(), "blocking")

	buf := make([]byte, 64)
	_, err = b.Read(buf)
	assertTrue(t, errors.Is(err, ErrWouldBlock), "read on empty pipe")
	assertEquals(t, b.ContinueAction(OpRead), ActionWaitReadable)

	cp.setLimit(4)
	n, err := a.Write(pattern(10))
	assertEquals(t, n, 4)
	assertErrorIs(t, err, ErrWouldBlock)
	assertEquals(t, a.ContinueAction(OpWrite), ActionWaitWritableThenFlush)
	n, err = b.Read(buf)
	assertNotError(t, err, "read")
	assertByteEquals(t, buf[:n], pattern(4))
	cp.setLimit(0)

	got := transferNonBlocking(t, a, b, pattern(1000))
	assertByteEquals(t, got, pattern(1000))
	assertEquals(t, a.ContinueAction(OpWrite), ActionRetry)
	n, err = b.Read(buf)
	assertTrue(t, errors.Is(err, ErrWouldBlock), "read on drained pipe")
	assertEquals(t, n, 0)

	assertNotError(t, a.ConfigureBlocking(true), "configure blocking")
	assertTrue(t, a.IsBlocking(), "still non-blocking")
	closeAndVerifyNoLeaks(t, a, b)
}
