// Package arena provides scope-tied cleanup registration.
//
// An Arena stands in for the host's per-statement or per-share memory
// scope: callers register cleanups against it, and clearing the arena runs
// them in reverse registration order. Registry acquisitions use this to tie
// the lifetime of a reference to a statement or table share rather than to
// a lock scope.
package arena

import "sync"

// Arena collects cleanup callbacks to run when the owning scope ends.
// The zero value is ready to use.
type Arena struct {
	mu       sync.Mutex
	cleanups []func()
	cleared  bool
}

// New returns an empty arena.
func New() *Arena {
	return &Arena{}
}

// RegisterCleanup schedules fn to run when the arena is cleared. Returns
// an error-free bool for symmetry with failed registrations on a cleared
// arena: registering on a cleared arena runs fn immediately and reports
// false.
func (a *Arena) RegisterCleanup(fn func()) bool {
	if fn == nil {
		return true
	}
	a.mu.Lock()
	if a.cleared {
		a.mu.Unlock()
		fn()
		return false
	}
	a.cleanups = append(a.cleanups, fn)
	a.mu.Unlock()
	return true
}

// Clear runs all registered cleanups in reverse order and empties the
// arena. The arena may not be reused afterwards.
func (a *Arena) Clear() {
	a.mu.Lock()
	cleanups := a.cleanups
	a.cleanups = nil
	a.cleared = true
	a.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

// Len reports the number of pending cleanups.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cleanups)
}
