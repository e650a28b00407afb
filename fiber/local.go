package fiber

import (
	"sync"

	"github.com/expoli/sylar-go/internal/goid"
)

// fiberLocal is the per-goroutine slot substituting for real thread-local
// storage (SPEC_FULL.md §5.4): it remembers which *Fiber the calling
// goroutine is currently hosting, across nested SwapIn calls.
type fiberLocal struct {
	current *Fiber
}

func newLocal(root *Fiber) *fiberLocal {
	return &fiberLocal{current: root}
}

var (
	localsMu sync.RWMutex
	locals   = map[int64]*fiberLocal{}
)

func setLocal(l *fiberLocal) {
	localsMu.Lock()
	locals[goid.Get()] = l
	localsMu.Unlock()
}

func getLocal() *fiberLocal {
	gid := goid.Get()
	localsMu.RLock()
	l, ok := locals[gid]
	localsMu.RUnlock()
	if ok {
		return l
	}
	// First call on this goroutine: lazily construct its thread-root
	// fiber, matching sylar's Fiber::GetThis() lazily building t_threadFiber.
	l = newLocal(newThreadRoot())
	localsMu.Lock()
	locals[gid] = l
	localsMu.Unlock()
	return l
}

// GetThis returns the fiber currently hosted by the calling goroutine,
// lazily constructing its thread-root fiber on first use.
func GetThis() *Fiber {
	return getLocal().current
}

// SetThis installs f as the fiber currently hosted by the calling
// goroutine.
func SetThis(f *Fiber) {
	localsMu.RLock()
	l, ok := locals[goid.Get()]
	localsMu.RUnlock()
	if !ok {
		l = newLocal(f)
		localsMu.Lock()
		locals[goid.Get()] = l
		localsMu.Unlock()
		return
	}
	l.current = f
}

// ClearThis drops the calling goroutine's thread-local slot entirely.
// Worker dispatch loops call this on exit so a long-lived goroutine pool
// doesn't leak an entry per retired worker.
func ClearThis() {
	localsMu.Lock()
	delete(locals, goid.Get())
	localsMu.Unlock()
}
