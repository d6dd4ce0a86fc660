package secchan

import (
	"fmt"
	"sync/atomic"
)

// Cause says why one attempted step of wrap, unwrap or handshake stopped.
// CauseDone and CausePaused may be retried at once; every other cause needs
// an external event first.
type Cause int32

const (
	CauseDone Cause = iota
	CausePaused
	CauseNeedWireReadHandshake
	CauseNeedWireReadData
	CauseWriteWouldBlock
	CauseAppBufferFull
	CauseNeedTask
	CauseReadBusy
	CauseWriteBusy
)

var causeNames = [...]string{
	CauseDone:                  "done",
	CausePaused:                "paused",
	CauseNeedWireReadHandshake: "need-wire-read-handshake",
	CauseNeedWireReadData:      "need-wire-read-data",
	CauseWriteWouldBlock:       "write-would-block",
	CauseAppBufferFull:         "app-buffer-full",
	CauseNeedTask:              "need-task",
	CauseReadBusy:              "read-busy",
	CauseWriteBusy:             "write-busy",
}

func (c Cause) String() string {
	if c >= 0 && int(c) < len(causeNames) {
		return causeNames[c]
	}
	return fmt.Sprintf("Cause(%d)", int32(c))
}

// Op selects the direction for ContinueAction.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// ContinueAction tells an event loop what to wait for before retrying an
// operation that returned ErrWouldBlock.
type ContinueAction int

const (
	ActionRetry ContinueAction = iota
	ActionWaitReadable
	ActionWaitWritableThenFlush
	ActionWaitTask
)

func (a ContinueAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionWaitReadable:
		return "wait-readable"
	case ActionWaitWritableThenFlush:
		return "wait-writable-then-flush"
	case ActionWaitTask:
		return "wait-task"
	}
	return fmt.Sprintf("ContinueAction(%d)", int(a))
}

// Close sub-states. Each machine only moves forward.
type outboundState int32

const (
	outboundStandby outboundState = iota
	outboundNeedFinalWrap
	outboundWrapDone
	outboundWriteDone
)

func (s outboundState) String() string {
	return [...]string{"standby", "need-final-wrap", "wrap-done", "channel-write-done"}[s]
}

type inboundState int32

const (
	inboundStandby inboundState = iota
	inboundReadDone
	inboundUnwrapDone
)

func (s inboundState) String() string {
	return [...]string{"standby", "channel-read-done", "unwrap-done"}[s]
}

type overallState int32

const (
	overallStandby overallState = iota
	overallRunning
	overallDone
)

func (s overallState) String() string {
	return [...]string{"standby", "running", "done"}[s]
}

// advance moves v forward to next and reports whether it moved.
func advance(v *atomic.Int32, next int32) bool {
	for {
		cur := v.Load()
		if cur >= next {
			return false
		}
		if v.CompareAndSwap(cur, next) {
			return true
		}
	}
}
