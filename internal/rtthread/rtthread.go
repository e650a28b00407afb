// Package rtthread is the runtime's thread abstraction: spawn an entry
// function under a name, and join it. It plays the same narrow role as
// sylar::Thread (spec.md §1's "thread and synchronization primitives"
// collaborator) — the scheduler never spawns its workers as bare
// goroutines, it asks rtthread for named, joinable ones, the way go-utilpkg's eventloop
// worker goroutines are spawned and named for pprof/debugging purposes.
package rtthread

import (
	"context"
	"runtime"
	"runtime/pprof"
)

// Thread is a named, joinable goroutine.
type Thread struct {
	name string
	done chan struct{}
}

// Spawn starts fn on a new goroutine named name and returns a handle that
// Join can wait on. The goroutine is labelled via runtime/pprof so `go
// tool pprof` and goroutine dumps show the thread's name, mirroring
// sylar::Thread::SetName surfacing names in diagnostics.
func Spawn(name string, fn func()) *Thread {
	t := &Thread{name: name, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		pprof.Do(context.Background(), pprof.Labels("thread", name), func(context.Context) {
			fn()
		})
	}()
	return t
}

// Join blocks until the thread's entry function returns.
func (t *Thread) Join() {
	<-t.done
}

// Name returns the name the thread was spawned with.
func (t *Thread) Name() string {
	return t.name
}

// LockCurrentGoroutine pins the calling goroutine to its current OS thread
// for the remainder of its life. Worker dispatch loops call this on entry
// so that goroutine-affine state (the per-worker fiberLocal, see
// fiber.GetThis) is never silently migrated to a different OS thread mid
// fiber-swap, matching the single-owner-at-a-time discipline spec.md §5
// requires of fiber state.
func LockCurrentGoroutine() {
	runtime.LockOSThread()
}
