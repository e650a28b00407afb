// Package goid fills the role the examples pack reserved for a
// "goroutineid" module (github.com/joeycumines/goroutineid in the teacher
// monorepo ships only a go.mod, no implementation) and that sylar gets for
// free from the OS via gettid(2): a cheap, per-goroutine identity, used as
// the key for the "current fiber" / "current scheduler" thread-local slots
// spec.md §9 requires.
//
// Go has no supported API for reading a goroutine's runtime id, so this
// parses it out of the header line of runtime.Stack, the same technique
// widely used by goroutine-local-storage shims in the ecosystem (e.g.
// petermattis/goid). It runs a few times per fiber swap (once for each
// slot lookup or update), not in any tighter loop.
package goid

import (
	"bytes"
	"runtime"
	"strconv"
)

// Get returns the calling goroutine's runtime id.
func Get() int64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	// Header looks like: "goroutine 123 [running]:\n..."
	const prefix = "goroutine "
	if !bytes.HasPrefix(buf, []byte(prefix)) {
		return -1
	}
	buf = buf[len(prefix):]
	end := bytes.IndexByte(buf, ' ')
	if end < 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(buf[:end]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
