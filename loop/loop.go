// Package loop implements the single-threaded cooperative event loop and
// timer scheduler described in spec.md §5: every element, timer, and
// event callback in a stack executes on the one goroutine that calls
// Loop.Poll, and work originating elsewhere must cross over via
// Loop.InvokeAsync.
package loop

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// goroutineID returns a best-effort identifier for the calling goroutine,
// parsed out of its stack trace header ("goroutine NNN [running]:"). It
// is used only to assert loop/thread affinity in development builds, the
// same role GG_Loop's creation-time thread binding plays in the source;
// it is never used for control flow.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	fields := bytes.Fields(buf)
	if len(fields) == 0 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[0]), 10, 64)
	return id
}

// Loop is a thread-affine task queue: tasks posted via InvokeAsync are
// executed, in order, by whichever goroutine calls Poll.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	bound   bool
	ownerID uint64
	closed  bool
}

// New creates an unbound Loop. It becomes bound to a goroutine the first
// time Poll is called from it.
func New() *Loop {
	return &Loop{}
}

func (l *Loop) bindToCurrentGoroutine() {
	id := goroutineID()
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.bound {
		l.bound = true
		l.ownerID = id
	}
}

// OnLoopThread reports whether the calling goroutine is the one this loop
// is bound to (or whether the loop isn't bound to any goroutine yet).
func (l *Loop) OnLoopThread() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.bound {
		return true
	}
	return l.ownerID == goroutineID()
}

// InvokeAsync schedules f to run on the loop thread. Safe to call from
// any goroutine, including the loop thread itself (in which case f is
// queued and run on the next Poll, not inline).
func (l *Loop) InvokeAsync(f func()) {
	l.mu.Lock()
	l.pending = append(l.pending, f)
	l.mu.Unlock()
}

// Poll binds the loop to the calling goroutine (if not already bound) and
// runs every task currently queued. It returns the number of tasks run.
// Intended to be called repeatedly by the owning goroutine's own run
// loop, interleaved with other work (e.g. a select over transport
// sockets).
func (l *Loop) Poll() int {
	l.bindToCurrentGoroutine()

	l.mu.Lock()
	tasks := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, f := range tasks {
		f()
	}
	return len(tasks)
}

// Close marks the loop as shut down; further InvokeAsync calls are
// accepted but Poll will stop being meaningful once the owner stops
// calling it. Close itself does not block or drain pending tasks.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// Closed reports whether Close has been called.
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
