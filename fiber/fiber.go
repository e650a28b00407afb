// Package fiber implements a stackful cooperative coroutine on top of a
// goroutine: the runtime unit the Scheduler dispatches and the IOManager
// suspends on pending file descriptors.
//
// Go has no supported ucontext-equivalent for saving and restoring an
// arbitrary goroutine's register file, so "swap in"/"swap out" here is a
// synchronous rendezvous between two goroutines rather than a context
// switch: the fiber's backing goroutine blocks on a channel receive until
// handed control, and blocks again the instant it yields. See
// SPEC_FULL.md §5.1 for the full rationale.
package fiber

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/expoli/sylar-go/internal/obslog"
	"github.com/expoli/sylar-go/internal/rtconfig"
)

var log = obslog.Named("fiber")

var configPtr atomic.Pointer[rtconfig.Registry]

// SetConfig installs the registry New consults for its default stack
// size whenever callers pass stackSize 0 (spec.md §6). A nil registry
// (the zero value, and the default before any SetConfig call) yields
// rtconfig.DefaultFiberStackSize.
func SetConfig(r *rtconfig.Registry) { configPtr.Store(r) }

func defaultStackSize() uint32 { return configPtr.Load().FiberStackSize() }

// State is the fiber lifecycle state, unchanged from spec.md §3.
type State int32

const (
	// Init is the state of a freshly constructed or just-Reset fiber.
	Init State = iota
	// Hold is a suspended fiber not eligible for automatic re-scheduling.
	Hold
	// Exec is the currently-running fiber on some worker.
	Exec
	// Ready is a suspended fiber the scheduler will re-enqueue.
	Ready
	// Term is a fiber that returned from its entry closure cleanly.
	Term
	// Except is a fiber whose entry closure panicked.
	Except
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Hold:
		return "HOLD"
	case Exec:
		return "EXEC"
	case Ready:
		return "READY"
	case Term:
		return "TERM"
	case Except:
		return "EXCEPT"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// IsTerminal reports whether s is Term or Except.
func (s State) IsTerminal() bool { return s == Term || s == Except }

var nextID uint64 // process-global monotonic counter, spec.md §3

var liveCount atomic.Int64

// TotalFibers returns the diagnostic live-fiber count (SPEC_FULL.md §9): it
// is incremented by New and by a Reset of a fiber that has already run,
// and decremented when a fiber reaches Term or Except. A terminal fiber's
// backing goroutine stays parked (see run) but is no longer counted.
func TotalFibers() int64 {
	return liveCount.Load()
}

// Fiber is a stackful coroutine: a private backing goroutine plus a saved
// resumption point, switched in and out of whichever goroutine is
// currently hosting it (a worker's dispatch loop, or another fiber's
// trampoline, in the use_caller case).
//
// Fiber state is deliberately unsynchronized beyond the atomic State word:
// spec.md §5 guarantees exactly one goroutine touches a given fiber's
// non-state fields at a time (whoever currently holds the reference),
// ownership changing hands only at SwapIn/SwapOut boundaries.
type Fiber struct {
	id        uint64
	state     atomic.Int32
	stackSize uint32
	isRoot    bool // the stack-less "thread-root" placeholder

	entry func() // cleared once consumed, spec.md §3

	resume  chan struct{} // wakes a goroutine parked mid-entry after Hold/Ready
	newGen  chan func()   // delivers a fresh entry to a goroutine parked post-terminal
	yielded chan struct{} // hands control back to whichever goroutine called SwapIn

	goroutineAlive bool // a backing goroutine has been spawned at least once
	awaitingStart  bool // the backing goroutine is parked at <-newGen, ready for a new generation
}

// New constructs a fiber in State Init around entry, with the given
// stackSize (purely advisory bookkeeping — see SPEC_FULL.md §5.1 on why Go
// stacks make the fixed-size allocation moot). A stackSize of 0 is
// replaced by the caller's configured default (spec.md §6).
func New(entry func(), stackSize uint32) *Fiber {
	if entry == nil {
		obslog.Invariant(log, "fiber.New requires a non-nil entry")
	}
	if stackSize == 0 {
		stackSize = defaultStackSize()
	}
	f := &Fiber{
		stackSize: stackSize,
		entry:     entry,
		resume:    make(chan struct{}),
		newGen:    make(chan func()),
		yielded:   make(chan struct{}),
	}
	f.id = atomic.AddUint64(&nextID, 1)
	f.state.Store(int32(Init))
	liveCount.Add(1)
	log.Debug().Str("fiber_id", fmt.Sprint(f.id)).Log("fiber constructed")
	return f
}

// newThreadRoot constructs the stack-less placeholder fiber representing a
// worker goroutine's native flow of control. It is always Exec while its
// goroutine is active, and owns no backing goroutine of its own.
func newThreadRoot() *Fiber {
	f := &Fiber{isRoot: true}
	f.state.Store(int32(Exec))
	return f
}

// ID returns the fiber's monotonically-increasing identity.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// IsRoot reports whether f is a thread-root placeholder.
func (f *Fiber) IsRoot() bool { return f.isRoot }

// StackSize returns the advisory stack size f was constructed with. A 0
// passed to New has already been replaced by the configured default, and
// Reset leaves the value unchanged.
func (f *Fiber) StackSize() uint32 { return f.stackSize }

func (f *Fiber) setState(s State) { f.state.Store(int32(s)) }

// SwapIn resumes f on the calling goroutine: the caller blocks until f
// yields (via YieldToHold/YieldToReady) or reaches a terminal state.
// Precondition: f.State() != Exec (spec.md §4.1).
func (f *Fiber) SwapIn() {
	if f.isRoot {
		obslog.Invariant(log, "cannot SwapIn a thread-root fiber", "fiber_id", f.id)
	}
	if f.State() == Exec {
		obslog.Invariant(log, "SwapIn precondition violated: fiber already EXEC", "fiber_id", f.id)
	}

	prev := GetThis()
	SetThis(f)
	f.setState(Exec)

	switch {
	case !f.goroutineAlive:
		f.goroutineAlive = true
		entry := f.entry
		go f.run(entry)
	case f.awaitingStart:
		f.awaitingStart = false
		f.newGen <- f.entry
	default:
		f.resume <- struct{}{}
	}

	<-f.yielded

	SetThis(prev)
}

// run is the fiber's backing goroutine body: it repeatedly executes the
// entry trampoline to completion, then parks waiting for Reset (via
// SwapIn) to deliver a new generation, for as long as the fiber lives.
//
// A Fiber that reaches Term or Except and is never Reset leaves this
// goroutine permanently parked at <-f.newGen: nothing closes that
// channel. This is the known cost of backing a fiber with a real
// goroutine instead of a reusable stack (SPEC_FULL.md §5.1) — callers
// that discard short-lived fibers rather than pooling them via Reset
// are trading a goroutine per fiber for the lifetime of the process.
func (f *Fiber) run(initial func()) {
	local := newLocal(f)
	setLocal(local)

	entry := initial
	for {
		f.trampoline(entry)

		next, ok := <-f.newGen
		if !ok {
			return
		}
		entry = next
	}
}

// trampoline runs one activation of entry to completion (which may involve
// any number of YieldToHold/YieldToReady pauses inside entry), converting
// an uncaught panic into Except with a logged backtrace, per spec.md
// §4.1 and §7.3.
func (f *Fiber) trampoline(entry func()) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				f.setState(Except)
				log.Err().
					Str("fiber_id", fmt.Sprint(f.id)).
					Str("panic", fmt.Sprint(r)).
					Str("backtrace", string(debug.Stack())).
					Log("fiber entry panicked")
			}
		}()
		entry()
		if f.State() != Except {
			f.setState(Term)
		}
	}()

	// Drop the entry reference before swapping out: the trampoline must
	// release captured resources prior to handing control back, per
	// spec.md §9's self-reference hazard note.
	f.entry = nil

	f.SwapOut()
}

// SwapOut hands control back to whichever goroutine is currently hosting f
// (via SwapIn), then — unless f just reached a terminal state — blocks
// until SwapIn is called again. The caller must have already set f's
// state (Hold, Ready, Term or Except) before calling SwapOut.
func (f *Fiber) SwapOut() {
	terminal := f.State().IsTerminal()
	if terminal {
		liveCount.Add(-1)
		f.awaitingStart = true
	}

	f.yielded <- struct{}{}

	if terminal {
		return
	}
	<-f.resume
}

// YieldToHold transitions the current fiber to Hold and swaps out. The
// scheduler will not re-enqueue it until something external (typically an
// IOManager event) re-schedules it.
func YieldToHold() {
	f := GetThis()
	if f.isRoot {
		obslog.Invariant(log, "YieldToHold called with no current fiber")
	}
	f.setState(Hold)
	f.SwapOut()
}

// YieldToReady transitions the current fiber to Ready and swaps out. The
// scheduler will re-enqueue it.
func YieldToReady() {
	f := GetThis()
	if f.isRoot {
		obslog.Invariant(log, "YieldToReady called with no current fiber")
	}
	f.setState(Ready)
	f.SwapOut()
}

// ForceHold unconditionally sets f's state to Hold. The scheduler calls
// this immediately after a SwapIn returns on a fiber that is neither
// terminal nor already Ready, normalizing its scheduler-visible suspended
// state — the Go equivalent of sylar's direct `ft.fiber->m_state =
// Fiber::HOLD` assignment in the dispatch loop (scheduler.cpp's run()).
func (f *Fiber) ForceHold() { f.setState(Hold) }

// Reset rebuilds f to run entry from State Init, reusing the same backing
// goroutine once one exists (the Go-native reading of "reuse the existing
// stack" — see SPEC_FULL.md §5.1). Legal only from {Term, Init, Except},
// and only for a non-root fiber. Reset does not itself run anything; the
// next SwapIn starts the new generation.
func (f *Fiber) Reset(entry func()) error {
	if f.isRoot {
		obslog.Invariant(log, "cannot Reset a thread-root fiber", "fiber_id", f.id)
	}
	if entry == nil {
		obslog.Invariant(log, "Reset requires a non-nil entry", "fiber_id", f.id)
	}
	switch f.State() {
	case Term, Init, Except:
	default:
		obslog.Invariant(log, "Reset precondition violated: state must be TERM, INIT or EXCEPT",
			"fiber_id", f.id, "state", f.State().String())
	}

	f.entry = entry
	f.setState(Init)
	if f.goroutineAlive {
		f.awaitingStart = true
		liveCount.Add(1)
	}
	return nil
}
