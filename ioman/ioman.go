// Package ioman implements an epoll-based I/O reactor on top of
// scheduler.Scheduler: file descriptors are registered with a callback or
// fiber continuation per event kind, and each worker's idle routine polls
// the shared epoll instance and re-schedules whichever continuations
// became ready.
//
// Grounded on eventloop/poller_linux.go's FastPoller (EpollCreate1,
// EpollCtl, EpollWait, EINTR handling) and eventloop/wakeup_linux.go's
// eventfd-based wake mechanism, adapted from go-utilpkg's single-reactor
// Loop to sylar's scheduler-embedded IOManager shape.
package ioman

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/expoli/sylar-go/fiber"
	"github.com/expoli/sylar-go/internal/obslog"
	"github.com/expoli/sylar-go/scheduler"
)

var log = obslog.Named("ioman")

// Event is a bitmask of epoll-backed readiness conditions. Only Read and
// Write are externally registerable, mirroring sylar's IOManager::Event.
type Event uint32

const (
	// NoneEvent registers nothing; used internally to represent an empty
	// residual mask.
	NoneEvent Event = 0
	// ReadEvent is readiness to read (EPOLLIN), edge-triggered.
	ReadEvent Event = 1 << 0
	// WriteEvent is readiness to write (EPOLLOUT), edge-triggered.
	WriteEvent Event = 1 << 1
)

func (e Event) toEpoll() uint32 {
	var m uint32 = unix.EPOLLET
	if e&ReadEvent != 0 {
		m |= unix.EPOLLIN
	}
	if e&WriteEvent != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func fromEpoll(m uint32) Event {
	var e Event
	if m&unix.EPOLLIN != 0 {
		e |= ReadEvent
	}
	if m&unix.EPOLLOUT != 0 {
		e |= WriteEvent
	}
	return e
}

// ErrEventAlreadyRegistered is the invariant violation spec.md §8 requires
// when AddEvent targets an (fd, event) pair already registered.
var ErrEventAlreadyRegistered = errors.New("ioman: event already registered for fd")

// eventContext is the bound continuation for a single (fd, event) pair:
// exactly one of {fiber, callback} populated, plus the scheduler it
// resumes on (spec.md §3's EventContext, unchanged).
type eventContext struct {
	sched    *scheduler.Scheduler
	fiber    *fiber.Fiber
	callback func()
}

func (c *eventContext) empty() bool { return c.fiber == nil && c.callback == nil }

func (c *eventContext) schedule() {
	switch {
	case c.fiber != nil:
		_ = c.sched.Schedule(scheduler.FiberItem(c.fiber), scheduler.AnyThread)
	case c.callback != nil:
		_ = c.sched.Schedule(scheduler.CallbackItem(c.callback), scheduler.AnyThread)
	}
}

// fdContext is the per-fd registration record: the residual registered
// mask and one eventContext slot per event kind (spec.md §3's FdContext).
type fdContext struct {
	mu     sync.Mutex
	fd     int
	events Event
	read   eventContext
	write  eventContext
}

func (c *fdContext) contextFor(ev Event) *eventContext {
	switch ev {
	case ReadEvent:
		return &c.read
	case WriteEvent:
		return &c.write
	default:
		return nil
	}
}

// IOManager is a Scheduler specialization whose idle routine polls epoll
// instead of busy-yielding, and whose Tickle writes to a wakeup eventfd
// instead of being a no-op.
type IOManager struct {
	*scheduler.Scheduler

	epfd     int
	wakeRead int
	wakeFD   int // eventfd: same fd serves both ends

	fdMu  sync.RWMutex
	fds   []*fdContext
	total atomic.Int64 // pendingEventCount, spec.md §3
}

// New constructs an IOManager with n worker goroutines (useCaller per the
// same convention as scheduler.New), opens the epoll instance and the
// eventfd-backed wakeup descriptor, and registers the wakeup fd for
// level-triggered reads.
func New(n int, useCaller bool, name string) (*IOManager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ioman: epoll_create1: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("ioman: eventfd: %w", err)
	}

	m := &IOManager{
		epfd:     epfd,
		wakeRead: wakeFD,
		wakeFD:   wakeFD,
		fds:      make([]*fdContext, 16),
	}

	s, err := scheduler.New(n, useCaller, name, scheduler.WithHooks(m))
	if err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFD)
		return nil, err
	}
	m.Scheduler = s

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFD)
		return nil, fmt.Errorf("ioman: registering wakeup fd: %w", err)
	}

	m.register()
	return m, nil
}

// PendingEventCount returns the number of currently-registered (fd,
// event) pairs across every FdContext.
func (m *IOManager) PendingEventCount() int64 { return m.total.Load() }

// Stopping overrides the embedded Scheduler's Stopping: the reactor may
// not wind down while any (fd, event) registration is still outstanding,
// even if the work queue is empty and no fiber is active (spec.md §4.2).
func (m *IOManager) Stopping() bool {
	return m.Scheduler.Stopping() && m.total.Load() == 0
}

func (m *IOManager) ensureCapacity(fd int) *fdContext {
	m.fdMu.Lock()
	defer m.fdMu.Unlock()
	if fd >= len(m.fds) {
		newSize := (fd*3 + 1) / 2 // ceil(fd * 1.5)
		grown := make([]*fdContext, newSize)
		copy(grown, m.fds)
		m.fds = grown
	}
	if m.fds[fd] == nil {
		m.fds[fd] = &fdContext{fd: fd}
	}
	return m.fds[fd]
}

func (m *IOManager) contextAt(fd int) *fdContext {
	m.fdMu.RLock()
	defer m.fdMu.RUnlock()
	if fd < 0 || fd >= len(m.fds) {
		return nil
	}
	return m.fds[fd]
}

// AddEvent registers a continuation to run the next time fd becomes
// ready for ev, an edge-triggered, fire-once registration. If cb is
// nil, the continuation is the calling fiber (which must be EXEC):
// the caller is expected to YieldToHold immediately after AddEvent
// returns, and is resumed via SwapIn when fd becomes ready (spec.md
// §4.3). Registering an (fd, ev) pair already registered returns
// ErrEventAlreadyRegistered rather than aborting, so callers can treat
// it as an ordinary recoverable condition (spec.md §8).
func (m *IOManager) AddEvent(fd int, ev Event, cb func()) error {
	fc := m.ensureCapacity(fd)

	fc.mu.Lock()
	ec := fc.contextFor(ev)
	if !ec.empty() {
		fc.mu.Unlock()
		return ErrEventAlreadyRegistered
	}
	ec.sched = m.Scheduler
	if cb == nil {
		ec.fiber = fiber.GetThis()
	} else {
		ec.callback = cb
	}
	newMask := fc.events | ev
	fc.events = newMask
	fc.mu.Unlock()

	op := unix.EPOLL_CTL_MOD
	if newMask == ev {
		op = unix.EPOLL_CTL_ADD
	}
	epEv := &unix.EpollEvent{Events: newMask.toEpoll(), Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, op, fd, epEv); err != nil {
		fc.mu.Lock()
		fc.events &^= ev
		*ec = eventContext{}
		fc.mu.Unlock()
		return fmt.Errorf("ioman: epoll_ctl: %w", err)
	}

	m.total.Add(1)
	return nil
}

// DelEvent deregisters ev on fd without running its continuation.
// Returns false if ev was not registered.
func (m *IOManager) DelEvent(fd int, ev Event) bool {
	fc := m.contextAt(fd)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	if fc.events&ev == 0 {
		fc.mu.Unlock()
		return false
	}
	newMask := fc.events &^ ev
	fc.events = newMask
	*fc.contextFor(ev) = eventContext{}
	fc.mu.Unlock()

	m.applyMask(fd, newMask)
	m.total.Add(-1)
	return true
}

// CancelEvent deregisters ev on fd and schedules its continuation exactly
// once, as if the event had fired. Returns false if ev was not
// registered.
func (m *IOManager) CancelEvent(fd int, ev Event) bool {
	fc := m.contextAt(fd)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	if fc.events&ev == 0 {
		fc.mu.Unlock()
		return false
	}
	newMask := fc.events &^ ev
	fc.events = newMask
	ec := *fc.contextFor(ev)
	*fc.contextFor(ev) = eventContext{}
	fc.mu.Unlock()

	m.applyMask(fd, newMask)
	m.total.Add(-1)
	ec.schedule()
	return true
}

// CancelAll deregisters every event on fd, scheduling each bound
// continuation exactly once. The registered mask is snapshotted before
// any continuation is triggered, fixing the aliasing hazard spec.md §9
// calls out: the Write check must not see a mask already mutated by
// triggering Read moments earlier within the same call.
func (m *IOManager) CancelAll(fd int) bool {
	fc := m.contextAt(fd)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	mask := fc.events
	if mask == NoneEvent {
		fc.mu.Unlock()
		return false
	}
	var toFire []eventContext
	if mask&ReadEvent != 0 {
		toFire = append(toFire, fc.read)
		fc.read = eventContext{}
	}
	if mask&WriteEvent != 0 {
		toFire = append(toFire, fc.write)
		fc.write = eventContext{}
	}
	fc.events = NoneEvent
	fc.mu.Unlock()

	_ = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	m.total.Add(-int64(len(toFire)))
	for _, ec := range toFire {
		ec.schedule()
	}
	return true
}

func (m *IOManager) applyMask(fd int, mask Event) {
	if mask == NoneEvent {
		_ = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		return
	}
	_ = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: mask.toEpoll(),
		Fd:     int32(fd),
	})
}

// GetThis returns the IOManager the calling goroutine is a worker of, or
// nil. Only meaningful for goroutines inside an IOManager's dispatch
// loop, whose Hooks.Idle is this IOManager's own poll routine.
func GetThis() *IOManager {
	s := scheduler.GetThis()
	if s == nil {
		return nil
	}
	return fromScheduler(s)
}

var (
	registryMu sync.RWMutex
	registry   = map[*scheduler.Scheduler]*IOManager{}
)

func fromScheduler(s *scheduler.Scheduler) *IOManager {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[s]
}

func (m *IOManager) register() {
	registryMu.Lock()
	registry[m.Scheduler] = m
	registryMu.Unlock()
}

// Close releases the epoll and eventfd descriptors. Callers must Stop the
// embedded Scheduler first.
func (m *IOManager) Close() error {
	err1 := unix.Close(m.epfd)
	err2 := unix.Close(m.wakeFD)
	if err1 != nil {
		return err1
	}
	return err2
}
