// Package scheduler implements a multi-goroutine cooperative dispatcher:
// a pool of workers pulling fiber or plain-callback work items off a
// shared FIFO and swapping into each item's fiber.Fiber. Spawned workers
// run their dispatch loop directly on their own goroutine; only the
// use_caller worker hosts its dispatch loop inside a dedicated fiber.
//
// This is the Go-native reading of sylar::Scheduler: a virtual base class
// in the original, replaced here by composition — ioman.IOManager embeds
// a *Scheduler and supplies its own Hooks implementation rather than
// overriding virtual methods.
package scheduler

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/expoli/sylar-go/fiber"
	"github.com/expoli/sylar-go/internal/obslog"
	"github.com/expoli/sylar-go/internal/rtthread"
)

var log = obslog.Named("scheduler")

// AnyThread is the ThreadHint value meaning "any worker may run this".
const AnyThread = -1

// ErrAlreadyStarted is returned by Start when called on a scheduler that
// is already running.
var ErrAlreadyStarted = errors.New("scheduler: already started")

// ErrInvalidThreadCount is returned by New when n < 1.
var ErrInvalidThreadCount = errors.New("scheduler: thread count must be >= 1")

// WorkItem is exactly one of a fiber to swap into or a plain callback to
// run on a reusable callback fiber, optionally pinned to one worker.
type WorkItem struct {
	Fiber      *fiber.Fiber
	Callback   func()
	ThreadHint int // worker index, or AnyThread
}

// FiberItem builds a WorkItem wrapping an existing fiber, pinned to
// AnyThread; pass the desired affinity to Schedule instead.
func FiberItem(f *fiber.Fiber) WorkItem {
	return WorkItem{Fiber: f, ThreadHint: AnyThread}
}

// CallbackItem builds a WorkItem wrapping a plain callback, pinned to
// AnyThread; pass the desired affinity to Schedule instead.
func CallbackItem(cb func()) WorkItem {
	return WorkItem{Callback: cb, ThreadHint: AnyThread}
}

func (w WorkItem) empty() bool { return w.Fiber == nil && w.Callback == nil }

// Scheduler is a pool of worker goroutines pulling WorkItems off a shared
// FIFO. Each worker runs idle waiting on its own idle fiber, so idle
// waiting and fiber-swapping share the same suspension mechanism.
type Scheduler struct {
	name      string
	hooks     Hooks
	n         int
	useCaller bool

	mu    sync.Mutex
	items *list.List // of WorkItem

	lifecycle    atomicLifecycle
	stoppingFlag atomic.Bool
	autoStop     atomic.Bool
	activeCount  atomic.Int64
	idleCount    atomic.Int64

	callerFiber *fiber.Fiber // nil unless useCaller
	workers     []*rtthread.Thread
}

// New constructs a Scheduler with n total workers. If useCaller, the
// constructing goroutine itself becomes the last worker (worker index
// n-1), hosting its dispatch loop inside a dedicated fiber rather than
// running it as a bare thread-root; Start blocks on that goroutine until
// the scheduler stops. Only n-1 additional goroutines are then spawned.
// Otherwise all n workers are spawned goroutines and Start returns once
// they're launched.
func New(n int, useCaller bool, name string, opts ...Option) (*Scheduler, error) {
	if n < 1 {
		return nil, ErrInvalidThreadCount
	}
	cfg := resolveOptions(opts)
	s := &Scheduler{
		name:      name,
		hooks:     cfg.hooks,
		n:         n,
		useCaller: useCaller,
		items:     list.New(),
	}
	if useCaller {
		callerID := n - 1
		s.callerFiber = fiber.New(func() { s.run(callerID) }, 0)
	}
	return s, nil
}

// Name returns the scheduler's diagnostic name.
func (s *Scheduler) Name() string { return s.name }

// Schedule enqueues a single work item pinned to threadHint (AnyThread for
// "any worker"), waking an idle worker if the queue was empty (spec.md
// §4.2's "need_tickle" transition). threadHint overrides whatever
// item.ThreadHint was already set to, mirroring sylar's single-item
// schedule(fc, thread) template overload.
func (s *Scheduler) Schedule(item WorkItem, threadHint int) error {
	if item.empty() {
		return nil
	}
	item.ThreadHint = threadHint
	needTickle := s.pushLocked(item)
	if needTickle {
		s.hooks.Tickle()
	}
	return nil
}

// ScheduleBatch enqueues every item under a single lock acquisition,
// tickling at most once for the whole batch. Every item is pinned to
// AnyThread regardless of its ThreadHint field, mirroring sylar's
// iterator-pair schedule(begin, end) overload, which hardcodes thread=-1
// for every element.
func (s *Scheduler) ScheduleBatch(items []WorkItem) error {
	needTickle := false
	s.mu.Lock()
	for _, item := range items {
		if item.empty() {
			continue
		}
		item.ThreadHint = AnyThread
		if s.items.Len() == 0 {
			needTickle = true
		}
		s.items.PushBack(item)
	}
	s.mu.Unlock()
	if needTickle {
		s.hooks.Tickle()
	}
	return nil
}

func (s *Scheduler) pushLocked(item WorkItem) (needTickle bool) {
	s.mu.Lock()
	needTickle = s.items.Len() == 0
	s.items.PushBack(item)
	s.mu.Unlock()
	return needTickle
}

// Start launches the worker pool. If useCaller, the calling goroutine
// blocks, itself running the dispatch loop, until the scheduler stops;
// otherwise Start returns once all workers are spawned.
func (s *Scheduler) Start() error {
	if !s.lifecycle.tryStart() {
		return ErrAlreadyStarted
	}
	log.Info().Str("name", s.name).Log("scheduler starting")

	spawn := s.n
	if s.useCaller {
		spawn--
	}
	s.workers = make([]*rtthread.Thread, 0, spawn)
	for i := 0; i < spawn; i++ {
		workerID := i
		name := fmt.Sprintf("%s_%d", s.name, workerID)
		s.workers = append(s.workers, rtthread.Spawn(name, func() {
			rtthread.LockCurrentGoroutine()
			s.run(workerID)
		}))
	}

	if s.callerFiber != nil {
		s.callerFiber.SwapIn()
		log.Info().Str("name", s.name).Str("state", s.callerFiber.State().String()).Log("caller dispatch loop returned")
	}
	return nil
}

// Stop requests the scheduler wind down: no further idle waiting once the
// queue drains and no fiber is active. Safe to call from any goroutine,
// including a worker's own dispatch loop. Blocks until every spawned
// worker goroutine (not counting a use_caller caller, whose own Start
// call returns on its own) has exited.
func (s *Scheduler) Stop() error {
	s.autoStop.Store(true)
	s.stoppingFlag.Store(true)

	spawn := s.n
	if s.useCaller {
		spawn--
	}
	for i := 0; i < spawn; i++ {
		s.hooks.Tickle()
	}
	if s.callerFiber != nil {
		s.hooks.Tickle()
	}

	for _, w := range s.workers {
		w.Join()
	}
	return nil
}

// Stopping reports whether the scheduler is draining and has nothing left
// to do: autoStop requested, the queue is empty, and no worker is
// currently executing a fiber or callback (spec.md §4.2).
func (s *Scheduler) Stopping() bool {
	s.mu.Lock()
	empty := s.items.Len() == 0
	s.mu.Unlock()
	return s.autoStop.Load() && s.stoppingFlag.Load() && empty && s.activeCount.Load() == 0
}

// ActiveCount returns the number of workers currently executing a fiber
// or callback (as opposed to idling or scanning the queue).
func (s *Scheduler) ActiveCount() int64 { return s.activeCount.Load() }

// IdleCount returns the number of workers currently parked in Hooks.Idle.
func (s *Scheduler) IdleCount() int64 { return s.idleCount.Load() }

// run is the per-worker dispatch loop, executed on the worker's own
// spawned goroutine, or, in the use_caller case, inside callerFiber,
// which the goroutine calling Start hosts. It implements spec.md §4.2, including the corrected
// post-swap normalization logical-AND fix documented in SPEC_FULL.md §5.2.
func (s *Scheduler) run(workerID int) {
	setThis(s, workerID)
	defer clearThis()
	defer fiber.ClearThis()

	log.Debug().Str("name", s.name).Str("worker", fmt.Sprint(workerID)).Log("dispatch loop started")

	// idleFiber and cbFiber each run on their own dedicated backing
	// goroutine (fiber.Fiber's channel-rendezvous swap, not a true
	// context switch), distinct from this dispatch loop's own goroutine
	// where setThis was just called above. Re-assert this worker's
	// identity at the start of every activation so GetThis/
	// CurrentWorkerID resolve correctly from inside Idle and from
	// inside a running callback.
	idleFiber := fiber.New(func() {
		setThis(s, workerID)
		s.hooks.Idle(s)
	}, 0)
	var cbFiber *fiber.Fiber

	for {
		item, tickleMe := s.popRunnable(workerID)
		if tickleMe {
			s.hooks.Tickle()
		}

		switch {
		case item != nil && item.Fiber != nil:
			st := item.Fiber.State()
			if st != fiber.Term && st != fiber.Except {
				s.activeCount.Add(1)
				item.Fiber.SwapIn()
				s.activeCount.Add(-1)

				switch item.Fiber.State() {
				case fiber.Ready:
					_ = s.Schedule(FiberItem(item.Fiber), AnyThread)
				case fiber.Term, fiber.Except:
					// nothing further: the fiber's goroutine has parked
					// awaiting a Reset.
				default:
					item.Fiber.ForceHold()
				}
			}

		case item != nil && item.Callback != nil:
			cb := item.Callback
			wrapped := func() {
				setThis(s, workerID)
				cb()
			}
			if cbFiber != nil {
				_ = cbFiber.Reset(wrapped)
			} else {
				cbFiber = fiber.New(wrapped, 0)
			}
			s.activeCount.Add(1)
			cbFiber.SwapIn()
			s.activeCount.Add(-1)

			switch cbFiber.State() {
			case fiber.Ready:
				// cbFiber is now tracked as an independent queue item;
				// drop the worker's reference so the next callback gets
				// a fresh reusable fiber instead of racing this one.
				_ = s.Schedule(FiberItem(cbFiber), AnyThread)
				cbFiber = nil
			case fiber.Term, fiber.Except:
				// Keep cbFiber: its backing goroutine is parked at
				// <-newGen awaiting Reset, the reuse this loop exists
				// for (spec.md §4.2's reusable callback fiber).
			default:
				// Held mid-callback: some other continuation (e.g. an
				// IOManager registration) now owns resuming it, so this
				// worker must not reuse the same *Fiber for its next
				// callback.
				cbFiber.ForceHold()
				cbFiber = nil
			}

		default:
			if idleFiber.State() == fiber.Term {
				log.Info().Str("name", s.name).Str("worker", fmt.Sprint(workerID)).Log("idle fiber terminated, worker exiting")
				return
			}
			s.idleCount.Add(1)
			idleFiber.SwapIn()
			s.idleCount.Add(-1)
		}
	}
}

// popRunnable scans the queue once for the first item this worker may
// run right now: not pinned to a different worker, and (if it wraps a
// fiber) not already Exec. Items skipped for thread affinity set
// tickleMe so the correct worker gets woken.
func (s *Scheduler) popRunnable(workerID int) (item *WorkItem, tickleMe bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for e := s.items.Front(); e != nil; e = e.Next() {
		wi := e.Value.(WorkItem)
		if wi.ThreadHint != AnyThread && wi.ThreadHint != workerID {
			tickleMe = true
			continue
		}
		if wi.Fiber != nil && wi.Fiber.State() == fiber.Exec {
			continue
		}
		s.items.Remove(e)
		item = &wi
		return item, tickleMe
	}
	return nil, tickleMe
}
