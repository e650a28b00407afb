package ioman

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/expoli/sylar-go/fiber"
	"github.com/expoli/sylar-go/scheduler"
)

// idleTimeoutMillis bounds how long a single epoll_wait call blocks
// before the idle routine re-checks Stopping(), matching sylar's
// IOManager::idle() 5-second MS timeout.
const idleTimeoutMillis = 5000

// Tickle wakes every worker parked in epoll_wait by writing to the
// eventfd-backed wakeup descriptor, overriding the base Scheduler's
// no-op tickle (SPEC_FULL.md §5.2).
func (m *IOManager) Tickle() {
	buf := [8]byte{1}
	if _, err := unix.Write(m.wakeFD, buf[:]); err != nil {
		log.Warning().Str("error", err.Error()).Log("tickle: write to wakeup fd failed")
	}
}

// Idle is the IOManager's Hooks.Idle override: it blocks in epoll_wait,
// dispatches whichever registered continuations became ready, then
// yields to Hold so the dispatch loop gets a chance to run them before
// coming back for another wait. It returns (letting its fiber reach
// Term) once the scheduler is fully stopping.
func (m *IOManager) Idle(s *scheduler.Scheduler) {
	var events [64]unix.EpollEvent
	for {
		if m.Stopping() {
			return
		}

		n, err := unix.EpollWait(m.epfd, events[:], idleTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Err().Str("error", err.Error()).Log("epoll_wait failed")
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == m.wakeFD {
				m.drainWake()
				continue
			}
			m.triggerReady(fd, events[i].Events)
		}

		fiber.YieldToHold()
	}
}

func (m *IOManager) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(m.wakeRead, buf[:])
		if err != nil {
			return
		}
	}
}

// triggerReady consumes whichever registered event bits fired for fd,
// re-arming the residual (edge-triggered) mask, and schedules each fired
// continuation exactly once.
func (m *IOManager) triggerReady(fd int, epollMask uint32) {
	fc := m.contextAt(fd)
	if fc == nil {
		return
	}
	ready := fromEpoll(epollMask)

	fc.mu.Lock()
	if epollMask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		// A hangup or error fires every side currently armed on fd, so
		// whichever continuation is waiting observes the condition
		// instead of hanging forever (spec.md §4.3's idle step 3).
		ready |= fc.events
	}
	var toFire []eventContext
	if ready&ReadEvent != 0 && fc.events&ReadEvent != 0 {
		toFire = append(toFire, fc.read)
		fc.read = eventContext{}
		fc.events &^= ReadEvent
	}
	if ready&WriteEvent != 0 && fc.events&WriteEvent != 0 {
		toFire = append(toFire, fc.write)
		fc.write = eventContext{}
		fc.events &^= WriteEvent
	}
	newMask := fc.events
	fc.mu.Unlock()

	m.applyMask(fd, newMask)
	if len(toFire) > 0 {
		m.total.Add(-int64(len(toFire)))
	}
	for _, ec := range toFire {
		ec.schedule()
	}

	log.Debug().Str("fd", fmt.Sprint(fd)).Str("events", fmt.Sprint(ready)).Log("fd ready")
}
