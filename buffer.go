package secchan

import (
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// Region names one of the three channel buffers.
type Region uint8

const (
	RegionOutboundWire Region = 1 << iota
	RegionInboundWire
	RegionInboundApp
)

func (r Region) String() string {
	switch r {
	case RegionOutboundWire:
		return "outbound-wire"
	case RegionInboundWire:
		return "inbound-wire"
	case RegionInboundApp:
		return "inbound-app"
	}
	return "unknown"
}

// callState travels down one call path through the channel. It records
// which region locks the path holds and whether the path belongs to the
// close sequence, which is exempt from the quiescence barrier.
type callState struct {
	inClose bool
	held    Region
}

func (cs *callState) holds(r Region) bool {
	return cs.held&r != 0
}

// region is a growable byte buffer with its own lock. Unread bytes are
// buf[r:w]; free space is buf[w:]. Unlocking always compacts, so a region
// is in append orientation whenever its lock is free.
type region struct {
	name  Region
	mu    sync.Mutex
	buf   []byte
	r, w  int
	hooks *Hooks
	label string
	// size mirrors len(buf) for readers that do not hold the lock.
	size atomic.Int64
}

func newRegion(name Region, size int, hooks *Hooks, label string) *region {
	b := &region{
		name:  name,
		buf:   make([]byte, size),
		hooks: hooks,
		label: label,
	}
	b.size.Store(int64(size))
	return b
}

func (b *region) lock(cs *callState) {
	b.mu.Lock()
	cs.held |= b.name
}

func (b *region) unlock(cs *callState) {
	b.compact()
	cs.held &^= b.name
	b.mu.Unlock()
}

func (b *region) readable() []byte { return b.buf[b.r:b.w] }
func (b *region) space() []byte    { return b.buf[b.w:] }
func (b *region) buffered() int    { return b.w - b.r }
func (b *region) capacity() int    { return len(b.buf) }

func (b *region) consume(n int) {
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
}

func (b *region) commit(n int) {
	b.w += n
}

func (b *region) compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.r:b.w])
	b.r, b.w = 0, n
}

// expand grows the region to at least required bytes, keeping unread data.
// It returns false when the capacity already suffices. The caller must hold
// the region lock.
func (b *region) expand(required int) bool {
	if len(b.buf) >= required {
		return false
	}
	old := len(b.buf)
	next := make([]byte, required)
	n := copy(next, b.buf[b.r:b.w])
	b.buf, b.r, b.w = next, 0, n
	b.size.Store(int64(required))
	logf(logTypeBuffer, "%s %v grown %s -> %s", b.label, b.name, sizestr.ToString(int64(old)), sizestr.ToString(int64(required)))
	b.hooks.expanded(b.name, old, required)
	return true
}
