package scheduler_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expoli/sylar-go/scheduler"
)

// TestRunOne implements spec.md scenario S2: a single-worker scheduler
// runs one scheduled callback exactly once, and Stop completes cleanly.
func TestRunOne(t *testing.T) {
	s, err := scheduler.New(1, false, "run-one")
	require.NoError(t, err)

	var mu sync.Mutex
	var log []string
	record := func(x string) {
		mu.Lock()
		log = append(log, x)
		mu.Unlock()
	}

	require.NoError(t, s.Start())

	require.NoError(t, s.Schedule(scheduler.CallbackItem(func() { record("X") }), scheduler.AnyThread))
	require.NoError(t, s.Stop())

	assert.Equal(t, []string{"X"}, log)
}

// TestAffinitySkip implements spec.md scenario S3: a two-worker scheduler
// runs each pinned callback on exactly the worker it was pinned to.
func TestAffinitySkip(t *testing.T) {
	s, err := scheduler.New(2, false, "affinity")
	require.NoError(t, err)

	var mu sync.Mutex
	ranOn := map[string]int{}
	record := func(name string) {
		workerID, ok := scheduler.CurrentWorkerID()
		require.True(t, ok)
		mu.Lock()
		ranOn[name] = workerID
		mu.Unlock()
	}

	require.NoError(t, s.Start())

	require.NoError(t, s.Schedule(scheduler.CallbackItem(func() { record("A") }), 0))
	require.NoError(t, s.Schedule(scheduler.CallbackItem(func() { record("B") }), 1))
	require.NoError(t, s.Stop())

	assert.Equal(t, 0, ranOn["A"])
	assert.Equal(t, 1, ranOn["B"])
}

// TestScheduleBatchPinsAnyThread verifies ScheduleBatch ignores any
// pre-set ThreadHint and lets any worker run each item (spec.md §4.2,
// mirroring sylar's iterator-pair schedule overload).
func TestScheduleBatchPinsAnyThread(t *testing.T) {
	s, err := scheduler.New(2, false, "batch")
	require.NoError(t, err)

	var count int32
	var mu sync.Mutex
	items := make([]scheduler.WorkItem, 0, 4)
	for i := 0; i < 4; i++ {
		item := scheduler.CallbackItem(func() {
			mu.Lock()
			count++
			mu.Unlock()
		})
		item.ThreadHint = 2 // no worker 2 exists; only AnyThread lets these run
		items = append(items, item)
	}

	require.NoError(t, s.Start())

	require.NoError(t, s.ScheduleBatch(items))
	require.NoError(t, s.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.EqualValues(t, 4, count)
}
