package broker

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// reentrantMutex is a mutex that the goroutine already holding it may lock
// again without blocking. The broker's single-threaded cooperative model
// (see server.go) means every join/link/unlink/leave listener runs
// synchronously on the goroutine that is already inside a locked mutation;
// spec §4.6 requires that such a listener calling Send/Broadcast back into
// the server actually delivers the message rather than deadlocking the
// process. A plain sync.Mutex cannot support that call pattern, so Lock
// and Unlock here track the owning goroutine and nest instead of blocking
// when called again from it. A different goroutine still blocks normally.
type reentrantMutex struct {
	mu    sync.Mutex
	owner atomic.Uint64 // goroutine id currently holding the lock, 0 if free
	depth int           // nesting depth, only ever touched by the owner
}

func (l *reentrantMutex) Lock() {
	gid := goroutineID()
	if l.owner.Load() == gid {
		l.depth++
		return
	}
	l.mu.Lock()
	l.owner.Store(gid)
	l.depth = 1
}

func (l *reentrantMutex) Unlock() {
	l.depth--
	if l.depth == 0 {
		l.owner.Store(0)
		l.mu.Unlock()
	}
}

// goroutineID extracts the calling goroutine's id from its stack trace
// header ("goroutine 123 [running]: ..."). Used only to scope
// reentrantMutex to a single goroutine; never exposed outside this file.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
