package secchan

import (
	"runtime"
	"sync"
	"sync/atomic"
)

const defaultSpinIterations = 64

// ioTask enforces that one runner at a time executes a task body. Losers of
// tryStart either give up with a busy cause or wait for the current run.
type ioTask struct {
	name string
	spin int

	mu      sync.Mutex
	cond    *sync.Cond
	running atomic.Bool
	runs    atomic.Uint64
	runner  string
}

func newIOTask(name string, spin int) *ioTask {
	t := &ioTask{name: name, spin: spin}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// tryStart claims the task for runner. gate runs under the task lock, so a
// closer that changed state before taking the lock cannot miss a run that
// started before it.
func (t *ioTask) tryStart(runner string, gate func() error) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gate != nil {
		if err := gate(); err != nil {
			return false, err
		}
	}
	if t.running.Load() {
		return false, nil
	}
	t.running.Store(true)
	t.runner = runner
	logf(logTypeTask, "%s task started by %s", t.name, runner)
	return true, nil
}

func (t *ioTask) finish() {
	t.mu.Lock()
	t.running.Store(false)
	t.runner = ""
	t.runs.Add(1)
	t.cond.Broadcast()
	t.mu.Unlock()
}

// await returns once the run in progress at the time of the call has
// completed. It spins briefly before sleeping on the condition variable.
func (t *ioTask) await() {
	gen := t.runs.Load()
	for i := 0; i < t.spin; i++ {
		if !t.running.Load() || t.runs.Load() != gen {
			return
		}
		runtime.Gosched()
	}
	t.mu.Lock()
	for t.running.Load() && t.runs.Load() == gen {
		t.cond.Wait()
	}
	t.mu.Unlock()
}

// awaitIdle waits until no run is in progress.
func (t *ioTask) awaitIdle() {
	t.mu.Lock()
	for t.running.Load() {
		t.cond.Wait()
	}
	t.mu.Unlock()
}

func (t *ioTask) currentRunner() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runner
}
