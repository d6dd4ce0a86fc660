package secchan

import (
	"testing"
)

func TestRegionConsumeCommit(t *testing.T) {
	cs := &callState{}
	r := newRegion(RegionInboundWire, 8, nil, "test")
	r.lock(cs)
	assertTrue(t, cs.holds(RegionInboundWire), "lock not recorded")
	n := copy(r.space(), "abcdef")
	r.commit(n)
	assertEquals(t, r.buffered(), 6)
	r.consume(2)
	assertByteEquals(t, r.readable(), []byte("cdef"))
	assertEquals(t, len(r.space()), 2)
	r.unlock(cs)
	assertTrue(t, !cs.holds(RegionInboundWire), "lock still recorded")

	// Unlocking compacted the region.
	r.lock(cs)
	assertEquals(t, len(r.space()), 4)
	r.consume(4)
	assertEquals(t, r.buffered(), 0)
	assertEquals(t, len(r.space()), 8)
	r.unlock(cs)
}

func TestRegionExpand(t *testing.T) {
	var events [][3]int
	hooks := &Hooks{BufferExpanded: func(r Region, oldCap, newCap int) {
		events = append(events, [3]int{int(r), oldCap, newCap})
	}}
	cs := &callState{}
	r := newRegion(RegionInboundApp, 4, hooks, "test")
	r.lock(cs)
	defer r.unlock(cs)
	r.commit(copy(r.space(), "wxyz"))
	r.consume(1)

	assertTrue(t, !r.expand(4), "expanded to the same size")
	assertTrue(t, r.expand(16), "did not expand")
	assertEquals(t, r.capacity(), 16)
	assertEquals(t, int(r.size.Load()), 16)
	assertByteEquals(t, r.readable(), []byte("xyz"))
	assertDeepEquals(t, events, [][3]int{{int(RegionInboundApp), 4, 16}})
}

func TestRegionNames(t *testing.T) {
	assertEquals(t, RegionOutboundWire.String(), "outbound-wire")
	assertEquals(t, RegionInboundWire.String(), "inbound-wire")
	assertEquals(t, RegionInboundApp.String(), "inbound-app")
	cs := &callState{held: RegionInboundWire | RegionInboundApp}
	assertTrue(t, cs.holds(RegionInboundApp), "mask")
	assertTrue(t, !cs.holds(RegionOutboundWire), "mask")
}

func TestConsumeBuffers(t *testing.T) {
	bufs := [][]byte{[]byte("ab"), []byte("cde"), {}, []byte("f")}
	rest := consumeBuffers(bufs, 3)
	assertEquals(t, buffersLen(rest), 3)
	assertByteEquals(t, rest[0], []byte("de"))
	assertByteEquals(t, bufs[1], []byte("cde"))
	assertEquals(t, len(consumeBuffers(bufs, 6)), 0)
	assertEquals(t, len(consumeBuffers(bufs, 5)), 1)
}
