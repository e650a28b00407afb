package ioman_test

import (
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expoli/sylar-go/ioman"
)

// TestIOWakeup implements spec.md scenario S4: a registered read callback
// fires exactly once after a byte is written to the pipe, and
// PendingEventCount returns to 0.
func TestIOWakeup(t *testing.T) {
	m, err := ioman.New(1, true, "io-wakeup")
	require.NoError(t, err)
	defer m.Close()

	fds := make([]int, 2)
	require.NoError(t, syscall.Pipe(fds))
	readFD, writeFD := fds[0], fds[1]
	defer syscall.Close(writeFD)

	var mu sync.Mutex
	var log []string
	record := func(x string) {
		mu.Lock()
		log = append(log, x)
		mu.Unlock()
	}

	require.NoError(t, m.AddEvent(readFD, ioman.ReadEvent, func() { record("R") }))

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, m.Start())
	}()

	_, werr := syscall.Write(writeFD, []byte{0x42})
	require.NoError(t, werr)

	// give the idle routine a chance to observe and fire the event before
	// asking the scheduler to stop.
	for i := 0; i < 500 && m.PendingEventCount() != 0; i++ {
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, m.Stop())
	<-done
	_ = syscall.Close(readFD)

	assert.Equal(t, []string{"R"}, log)
	assert.EqualValues(t, 0, m.PendingEventCount())
}

// TestCancelTriggersOnce implements spec.md scenario S5: cancelling a
// registered event runs its continuation exactly once without any fd
// activity, and PendingEventCount returns to 0.
func TestCancelTriggersOnce(t *testing.T) {
	m, err := ioman.New(1, true, "io-cancel")
	require.NoError(t, err)
	defer m.Close()

	fds := make([]int, 2)
	require.NoError(t, syscall.Pipe(fds))
	readFD, writeFD := fds[0], fds[1]
	defer syscall.Close(writeFD)
	defer syscall.Close(readFD)

	var mu sync.Mutex
	var log []string
	record := func(x string) {
		mu.Lock()
		log = append(log, x)
		mu.Unlock()
	}

	require.NoError(t, m.AddEvent(readFD, ioman.ReadEvent, func() { record("R") }))
	assert.True(t, m.CancelEvent(readFD, ioman.ReadEvent))

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, m.Start())
	}()
	require.NoError(t, m.Stop())
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"R"}, log)
	assert.EqualValues(t, 0, m.PendingEventCount())
}

// TestAddEventAlreadyRegistered verifies re-registering the same (fd,
// event) pair is rejected rather than silently overwriting the existing
// continuation (spec.md §8's boundary behavior).
func TestAddEventAlreadyRegistered(t *testing.T) {
	m, err := ioman.New(1, true, "io-dup")
	require.NoError(t, err)
	defer m.Close()

	fds := make([]int, 2)
	require.NoError(t, syscall.Pipe(fds))
	readFD, writeFD := fds[0], fds[1]
	defer syscall.Close(readFD)
	defer syscall.Close(writeFD)

	require.NoError(t, m.AddEvent(readFD, ioman.ReadEvent, func() {}))
	err = m.AddEvent(readFD, ioman.ReadEvent, func() {})
	assert.ErrorIs(t, err, ioman.ErrEventAlreadyRegistered)
}

// TestDelEventIsNoopForUnregistered verifies the boundary behavior that
// deleting a never-registered event is a no-op returning false.
func TestDelEventIsNoopForUnregistered(t *testing.T) {
	m, err := ioman.New(1, true, "io-delnoop")
	require.NoError(t, err)
	defer m.Close()

	fds := make([]int, 2)
	require.NoError(t, syscall.Pipe(fds))
	readFD, writeFD := fds[0], fds[1]
	defer syscall.Close(readFD)
	defer syscall.Close(writeFD)

	assert.False(t, m.DelEvent(readFD, ioman.ReadEvent))
}
