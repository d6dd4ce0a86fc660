package secchan

// Hooks are optional instrumentation callbacks invoked at fixed points of
// the channel. Any field may be nil; a nil *Hooks disables all of them.
// Callbacks run on the goroutine doing the work and must not call back into
// the channel.
type Hooks struct {
	// BufferExpanded runs after a region grew.
	BufferExpanded func(r Region, oldCap, newCap int)
	// BeforeChannelRead runs right before a transport read, with the
	// inbound-wire lock held.
	BeforeChannelRead func()
	// BeforeChannelWrite runs right before a transport write, with the
	// outbound-wire lock held.
	BeforeChannelWrite func()
	// HandshakeFinished runs once credential validation succeeded.
	HandshakeFinished func(s Session)
	// Stopped runs whenever a composite wrap or unwrap stops on a cause.
	Stopped func(op Op, c Cause)
}

func (h *Hooks) expanded(r Region, oldCap, newCap int) {
	if h != nil && h.BufferExpanded != nil {
		h.BufferExpanded(r, oldCap, newCap)
	}
}

func (h *Hooks) beforeRead() {
	if h != nil && h.BeforeChannelRead != nil {
		h.BeforeChannelRead()
	}
}

func (h *Hooks) beforeWrite() {
	if h != nil && h.BeforeChannelWrite != nil {
		h.BeforeChannelWrite()
	}
}

func (h *Hooks) finished(s Session) {
	if h != nil && h.HandshakeFinished != nil {
		h.HandshakeFinished(s)
	}
}

func (h *Hooks) stopped(op Op, c Cause) {
	if h != nil && h.Stopped != nil {
		h.Stopped(op, c)
	}
}
