// Package spin holds the busy-wait primitive shared by completion-queue
// polling and barrier waits. Nothing in the runtime blocks on the OS: every
// wait is a loop over a memory predicate with a pluggable pause policy.
package spin

import (
	"runtime"
	"time"
)

// Policy decides how a waiter backs off between predicate checks.
// iter counts failed checks since the wait started.
type Policy interface {
	Pause(iter int)
}

// Backoff spins for Spins iterations, then yields the processor until
// YieldUntil iterations, then sleeps for Sleep between checks.
type Backoff struct {
	Spins      int
	YieldUntil int
	Sleep      time.Duration
}

// Pause implements Policy.
func (b Backoff) Pause(iter int) {
	switch {
	case iter < b.Spins:
		// hot spin
	case iter < b.YieldUntil || b.Sleep <= 0:
		runtime.Gosched()
	default:
		time.Sleep(b.Sleep)
	}
}

// Default returns the policy used when callers do not supply one.
func Default() Policy {
	return Backoff{Spins: 64, YieldUntil: 4096, Sleep: 20 * time.Microsecond}
}

// Hot never leaves userspace; it only yields to the Go scheduler.
type Hot struct{}

// Pause implements Policy.
func (Hot) Pause(int) { runtime.Gosched() }

// Until polls pred until it reports true, pausing with p between checks.
// It returns the number of failed checks.
func Until(p Policy, pred func() bool) int {
	if p == nil {
		p = Default()
	}
	iter := 0
	for !pred() {
		p.Pause(iter)
		iter++
	}
	return iter
}
