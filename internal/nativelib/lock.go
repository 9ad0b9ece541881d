package nativelib

import (
	"sync"

	"github.com/zboralski/jnivm/internal/managed"
)

// reentrantLock is a mutex that the owning thread may acquire again.
// JNI_OnLoad can load further libraries on the same thread.
type reentrantLock struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner managed.ThreadID
	held  bool
	depth int
}

func newReentrantLock() *reentrantLock {
	l := &reentrantLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *reentrantLock) Lock(t managed.ThreadID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.held && l.owner != t {
		l.cond.Wait()
	}
	l.owner = t
	l.held = true
	l.depth++
}

func (l *reentrantLock) Unlock(t managed.ThreadID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held || l.owner != t {
		panic("nativelib: unlock of library lock by non-owner")
	}
	l.depth--
	if l.depth == 0 {
		l.held = false
		l.cond.Signal()
	}
}
