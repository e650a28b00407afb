package scheduler

import (
	"sync"

	"github.com/expoli/sylar-go/internal/goid"
)

// schedulerLocal is the per-goroutine slot recording which *Scheduler (if
// any) the calling goroutine is a worker of, and which worker index it was
// assigned at spawn — the ThreadHint affinity target (SPEC_FULL.md §5.4).
//
// This duplicates the goid-keyed map technique fiber.fiberLocal uses rather
// than extending it, to avoid an import cycle: scheduler already imports
// fiber, so fiber cannot import scheduler back.
type schedulerLocal struct {
	sched    *Scheduler
	workerID int
}

var (
	localsMu sync.RWMutex
	locals   = map[int64]*schedulerLocal{}
)

func setThis(s *Scheduler, workerID int) {
	localsMu.Lock()
	locals[goid.Get()] = &schedulerLocal{sched: s, workerID: workerID}
	localsMu.Unlock()
}

func clearThis() {
	localsMu.Lock()
	delete(locals, goid.Get())
	localsMu.Unlock()
}

// GetThis returns the Scheduler the calling goroutine is a worker of, or
// nil if the calling goroutine is not (or is no longer) hosting a
// dispatch loop.
func GetThis() *Scheduler {
	localsMu.RLock()
	defer localsMu.RUnlock()
	if l, ok := locals[goid.Get()]; ok {
		return l.sched
	}
	return nil
}

// CurrentWorkerID reports the calling goroutine's worker index within its
// scheduler, and whether it is a worker at all.
func CurrentWorkerID() (int, bool) {
	localsMu.RLock()
	defer localsMu.RUnlock()
	l, ok := locals[goid.Get()]
	if !ok {
		return -1, false
	}
	return l.workerID, true
}
