package allocator

import (
	"runtime"
	"sync/atomic"
)

// spinLock guards the free-range indices. Critical sections are a handful
// of tree operations, so waiters spin instead of parking.
type spinLock struct {
	held atomic.Bool
}

func (l *spinLock) Lock() {
	for spins := 0; !l.held.CompareAndSwap(false, true); spins++ {
		if spins&63 == 63 {
			runtime.Gosched()
		}
	}
}

func (l *spinLock) Unlock() {
	l.held.Store(false)
}
