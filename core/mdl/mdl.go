// Package mdl provides named metadata locks for extensions.
//
// Install and uninstall take the exclusive lock on an extension name; DDL
// and statements that reference the extension take the shared lock. Lock
// names must be normalized before acquisition so that differently-cased
// spellings contend on one lock. Waiting honors the caller's context
// deadline, which carries the host lock-wait timeout.
package mdl

import (
	"context"
	"sync"

	"github.com/eatonphil/villagesql-server/core/errors"
)

// LockType is the strength of a metadata lock.
type LockType int

const (
	// Shared is held by DDL and statements referencing an extension.
	Shared LockType = iota
	// Exclusive is held by install and uninstall.
	Exclusive
)

func (t LockType) String() string {
	if t == Exclusive {
		return "exclusive"
	}
	return "shared"
}

type lockState struct {
	readers int
	writer  bool
	// changed is closed and replaced whenever the state changes, waking
	// all waiters to re-check.
	changed chan struct{}
}

// Manager grants shared and exclusive locks keyed by name.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*lockState
}

// NewManager returns an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*lockState)}
}

func (m *Manager) state(name string) *lockState {
	st, ok := m.locks[name]
	if !ok {
		st = &lockState{changed: make(chan struct{})}
		m.locks[name] = st
	}
	return st
}

func (m *Manager) notify(st *lockState) {
	close(st.changed)
	st.changed = make(chan struct{})
}

// Acquire blocks until the lock is granted or ctx expires. It returns a
// release function; callers must not release twice.
func (m *Manager) Acquire(ctx context.Context, name string, typ LockType) (func(), error) {
	for {
		m.mu.Lock()
		st := m.state(name)
		granted := false
		if typ == Shared {
			if !st.writer {
				st.readers++
				granted = true
			}
		} else {
			if !st.writer && st.readers == 0 {
				st.writer = true
				granted = true
			}
		}
		if granted {
			m.mu.Unlock()
			return func() { m.release(name, typ) }, nil
		}
		wait := st.changed
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "lock wait timeout on %s lock %q", typ, name)
		}
	}
}

func (m *Manager) release(name string, typ LockType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.locks[name]
	if !ok {
		return
	}
	if typ == Shared {
		st.readers--
	} else {
		st.writer = false
	}
	if st.readers == 0 && !st.writer {
		delete(m.locks, name)
	}
	m.notify(st)
}

type heldLock struct {
	typ     LockType
	release func()
}

// LockSet tracks the locks held by one session for one statement. It
// deduplicates requests: re-acquiring a held lock of equal or weaker
// strength is a no-op. Upgrades are rejected; the locking protocol never
// needs them.
type LockSet struct {
	m    *Manager
	mu   sync.Mutex
	held map[string]heldLock
}

// NewLockSet returns an empty lock set against the manager.
func NewLockSet(m *Manager) *LockSet {
	return &LockSet{m: m, held: make(map[string]heldLock)}
}

// AcquireShared takes the shared lock on name for the statement.
func (ls *LockSet) AcquireShared(ctx context.Context, name string) error {
	return ls.acquire(ctx, name, Shared)
}

// AcquireExclusive takes the exclusive lock on name for the statement.
func (ls *LockSet) AcquireExclusive(ctx context.Context, name string) error {
	return ls.acquire(ctx, name, Exclusive)
}

func (ls *LockSet) acquire(ctx context.Context, name string, typ LockType) error {
	ls.mu.Lock()
	if h, ok := ls.held[name]; ok {
		ls.mu.Unlock()
		if typ == Exclusive && h.typ == Shared {
			return errors.NewValidation("lock", "shared-to-exclusive upgrade on "+name)
		}
		return nil
	}
	ls.mu.Unlock()

	release, err := ls.m.Acquire(ctx, name, typ)
	if err != nil {
		return err
	}

	ls.mu.Lock()
	ls.held[name] = heldLock{typ: typ, release: release}
	ls.mu.Unlock()
	return nil
}

// Holds reports whether the set holds a lock on name of at least the
// given strength.
func (ls *LockSet) Holds(name string, typ LockType) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	h, ok := ls.held[name]
	return ok && (h.typ == Exclusive || typ == Shared)
}

// ReleaseAll releases every held lock, in no particular order. Called at
// statement end.
func (ls *LockSet) ReleaseAll() {
	ls.mu.Lock()
	held := ls.held
	ls.held = make(map[string]heldLock)
	ls.mu.Unlock()

	for _, h := range held {
		h.release()
	}
}
