package scheduler

import "sync/atomic"

// lifecycleState is a lock-free start state machine adapted from
// eventloop's FastState: pure CAS, no mutex, used here to make New→Start
// a one-shot transition regardless of which goroutine calls Start.
type lifecycleState uint32

const (
	lifecycleNotStarted lifecycleState = iota
	lifecycleStarted
)

type atomicLifecycle struct {
	v atomic.Uint32
}

func (s *atomicLifecycle) tryStart() bool {
	return s.v.CompareAndSwap(uint32(lifecycleNotStarted), uint32(lifecycleStarted))
}
