package victionary

import (
	"sync/atomic"

	"github.com/google/btree"

	"github.com/eatonphil/villagesql-server/core/arena"
	"github.com/eatonphil/villagesql-server/core/errors"
)

// OpType classifies a pending operation.
type OpType int

const (
	// OpInsert inserts a new entry.
	OpInsert OpType = iota
	// OpUpdate replaces an entry, removing the old key on renames.
	OpUpdate
	// OpDelete removes an entry by key.
	OpDelete
)

// PendingOp is one staged change. For OpInsert, Entry is set and OldKey
// is nil. For OpUpdate, Entry holds the new value and OldKey the key to
// remove if the key changed. For OpDelete, Entry is nil and OldKey holds
// the key to remove.
type PendingOp[E Entry] struct {
	Op     OpType
	Entry  *Handle[E]
	OldKey Key
}

// NewKeyStr returns the key string this op materializes under, or the
// old-key string for deletes.
func (op *PendingOp[E]) NewKeyStr() string {
	if op.Entry != nil {
		return op.Entry.Get().EntryKey().Str()
	}
	return op.OldKey.Str()
}

type mapItem[E Entry] struct {
	key    string
	handle *Handle[E]
}

// SystemTableMap is a generic keyed, transactionally-staged map of
// registry entries: a committed ordered map plus a per-session list of
// pending operations. It is the memory-only flavor; PersistentTableMap
// adds the backing-table I/O.
//
// All methods assume the caller holds the owning Victionary's lock; the
// assert helpers verify this in debug fashion via try-locks.
type SystemTableMap[E Entry] struct {
	committed *btree.BTreeG[mapItem[E]]
	pending   map[string][]*PendingOp[E]

	hits   atomic.Uint64
	misses atomic.Uint64

	locker parentLocker
}

func initSystemTableMap[E Entry](m *SystemTableMap[E], locker parentLocker) {
	m.committed = btree.NewG(8, func(a, b mapItem[E]) bool { return a.key < b.key })
	m.pending = make(map[string][]*PendingOp[E])
	m.locker = locker
}

func newSystemTableMap[E Entry](locker parentLocker) *SystemTableMap[E] {
	m := &SystemTableMap[E]{}
	initSystemTableMap(m, locker)
	return m
}

// Get returns the most recent version of an entry visible to the session:
// the last pending operation touching the key if any, else the committed
// entry. A pending delete hides the entry. An empty session ID reads
// committed state only. Requires at least the read lock.
func (m *SystemTableMap[E]) Get(sess SessionID, keyStr string) (E, bool) {
	m.locker.assertReadOrWriteLockHeld()
	var zero E
	if sess != "" {
		if ops, ok := m.pending[string(sess)]; ok {
			var mostRecent *PendingOp[E]
			for _, op := range ops {
				opKey := op.NewKeyStr()
				if opKey == keyStr || (op.Op == OpUpdate && op.OldKey != nil && op.OldKey.Str() == keyStr) {
					mostRecent = op
				}
			}
			if mostRecent != nil {
				if mostRecent.Op == OpDelete {
					return zero, false
				}
				return mostRecent.Entry.Get(), true
			}
		}
	}
	return m.GetCommitted(keyStr)
}

// GetCommitted returns the committed entry for a key, ignoring staged
// changes. Requires at least the read lock. The result is valid only
// while the lock is held.
func (m *SystemTableMap[E]) GetCommitted(keyStr string) (E, bool) {
	m.locker.assertReadOrWriteLockHeld()
	var zero E
	item, ok := m.committed.Get(mapItem[E]{key: keyStr})
	if !ok {
		m.misses.Add(1)
		return zero, false
	}
	m.hits.Add(1)
	return item.handle.Get(), true
}

// Acquire returns the committed entry and ties an extra strong reference
// to the arena: the entry stays valid until the arena is cleared, even
// after the registry lock is released. Requires at least the read lock.
func (m *SystemTableMap[E]) Acquire(keyStr string, scope *arena.Arena) (E, bool) {
	m.locker.assertReadOrWriteLockHeld()
	var zero E
	item, ok := m.committed.Get(mapItem[E]{key: keyStr})
	if !ok {
		return zero, false
	}
	ref := item.handle.Clone()
	scope.RegisterCleanup(ref.Release)
	return item.handle.Get(), true
}

// AcquireClientManaged returns a handle the caller releases itself, for
// references held past a single statement. Requires at least the read
// lock.
func (m *SystemTableMap[E]) AcquireClientManaged(keyStr string) *Handle[E] {
	m.locker.assertReadOrWriteLockHeld()
	item, ok := m.committed.Get(mapItem[E]{key: keyStr})
	if !ok {
		return nil
	}
	return item.handle.Clone()
}

// UseCount observes an entry's strong-reference count, 0 if absent.
// Requires at least the read lock.
func (m *SystemTableMap[E]) UseCount(keyStr string) int64 {
	m.locker.assertReadOrWriteLockHeld()
	item, ok := m.committed.Get(mapItem[E]{key: keyStr})
	if !ok {
		return 0
	}
	return item.handle.UseCount()
}

// AcquireOrCreate returns the committed entry for key, constructing and
// committing it with create when absent, then acquiring it on the arena.
// Requires the write lock (a construction may insert).
func (m *SystemTableMap[E]) AcquireOrCreate(key Key, scope *arena.Arena, create func() (E, error)) (E, error) {
	m.locker.assertWriteLockHeld()
	var zero E
	keyStr := key.Str()
	item, ok := m.committed.Get(mapItem[E]{key: keyStr})
	if !ok {
		entry, err := create()
		if err != nil {
			return zero, err
		}
		item = mapItem[E]{key: keyStr, handle: NewHandle(entry)}
		m.committed.ReplaceOrInsert(item)
	}
	ref := item.handle.Clone()
	scope.RegisterCleanup(ref.Release)
	return item.handle.Get(), nil
}

// HasUncommitted reports whether the session has staged operations.
// Requires at least the read lock.
func (m *SystemTableMap[E]) HasUncommitted(sess SessionID) bool {
	m.locker.assertReadOrWriteLockHeld()
	return len(m.pending[string(sess)]) > 0
}

// MarkForInsertion stages an insert. Requires the write lock.
func (m *SystemTableMap[E]) MarkForInsertion(sess SessionID, entry E) error {
	m.locker.assertWriteLockHeld()
	if sess == "" {
		return errors.NewValidation("session", "missing session for staged insert")
	}
	m.pending[string(sess)] = append(m.pending[string(sess)],
		&PendingOp[E]{Op: OpInsert, Entry: NewHandle(entry)})
	return nil
}

// MarkForUpdate stages an update. oldKey is the key to look up; it equals
// entry's key for data-only updates and differs for renames. Requires the
// write lock.
func (m *SystemTableMap[E]) MarkForUpdate(sess SessionID, entry E, oldKey Key) error {
	m.locker.assertWriteLockHeld()
	if sess == "" {
		return errors.NewValidation("session", "missing session for staged update")
	}
	m.pending[string(sess)] = append(m.pending[string(sess)],
		&PendingOp[E]{Op: OpUpdate, Entry: NewHandle(entry), OldKey: oldKey})
	return nil
}

// MarkForDeletion stages a delete by key. Requires the write lock.
func (m *SystemTableMap[E]) MarkForDeletion(sess SessionID, key Key) error {
	m.locker.assertWriteLockHeld()
	if sess == "" {
		return errors.NewValidation("session", "missing session for staged delete")
	}
	m.pending[string(sess)] = append(m.pending[string(sess)],
		&PendingOp[E]{Op: OpDelete, OldKey: key})
	return nil
}

// Commit applies the session's staged operations to the committed map in
// staging order and drops the list. Requires the write lock.
func (m *SystemTableMap[E]) Commit(sess SessionID) {
	m.locker.assertWriteLockHeld()
	if sess == "" {
		return
	}
	ops, ok := m.pending[string(sess)]
	if !ok {
		return
	}
	for _, op := range ops {
		switch op.Op {
		case OpInsert, OpUpdate:
			key := op.Entry.Get().EntryKey().Str()
			m.committed.ReplaceOrInsert(mapItem[E]{key: key, handle: op.Entry})
			if op.Op == OpUpdate && op.OldKey != nil {
				if old := op.OldKey.Str(); old != "" && old != key {
					m.committed.Delete(mapItem[E]{key: old})
				}
			}
		case OpDelete:
			m.committed.Delete(mapItem[E]{key: op.OldKey.Str()})
		}
	}
	delete(m.pending, string(sess))
}

// Rollback discards the session's staged operations without touching
// committed state. Requires the write lock.
func (m *SystemTableMap[E]) Rollback(sess SessionID) {
	m.locker.assertWriteLockHeld()
	if sess == "" {
		return
	}
	delete(m.pending, string(sess))
}

// Clear empties both the committed map and all pending lists. Requires
// the write lock.
func (m *SystemTableMap[E]) Clear() {
	m.locker.assertWriteLockHeld()
	m.committed.Clear(false)
	m.pending = make(map[string][]*PendingOp[E])
}

// nextString returns the exclusive upper bound of a prefix range by
// incrementing the final byte.
func nextString(s string) string {
	b := []byte(s)
	b[len(b)-1]++
	return string(b)
}

// GetPrefixCommitted returns every committed entry whose normalized key
// has the prefix. Requires at least the read lock; the results are valid
// only while the lock is held.
func (m *SystemTableMap[E]) GetPrefixCommitted(prefix PrefixKey) []E {
	m.locker.assertReadOrWriteLockHeld()
	var result []E
	p := prefix.Str()
	if p == "" {
		return result
	}
	m.committed.AscendRange(mapItem[E]{key: p}, mapItem[E]{key: nextString(p)},
		func(item mapItem[E]) bool {
			result = append(result, item.handle.Get())
			return true
		})
	return result
}

// HasPrefixCommitted reports whether any committed key has the prefix.
// Requires at least the read lock.
func (m *SystemTableMap[E]) HasPrefixCommitted(prefix PrefixKey) bool {
	m.locker.assertReadOrWriteLockHeld()
	p := prefix.Str()
	if p == "" {
		return false
	}
	found := false
	m.committed.AscendRange(mapItem[E]{key: p}, mapItem[E]{key: nextString(p)},
		func(mapItem[E]) bool {
			found = true
			return false
		})
	return found
}

// GetAllCommitted returns every committed entry in key order. Requires at
// least the read lock; the results are valid only while the lock is held.
func (m *SystemTableMap[E]) GetAllCommitted() []E {
	m.locker.assertReadOrWriteLockHeld()
	result := make([]E, 0, m.committed.Len())
	m.committed.Ascend(func(item mapItem[E]) bool {
		result = append(result, item.handle.Get())
		return true
	})
	return result
}

// Stats is a point-in-time snapshot of map counters.
type Stats struct {
	CommittedEntries   int
	UncommittedEntries int
	Hits               uint64
	Misses             uint64
}

// GetStats returns the map's counters. Requires at least the read lock.
func (m *SystemTableMap[E]) GetStats() Stats {
	m.locker.assertReadOrWriteLockHeld()
	uncommitted := 0
	for _, ops := range m.pending {
		uncommitted += len(ops)
	}
	return Stats{
		CommittedEntries:   m.committed.Len(),
		UncommittedEntries: uncommitted,
		Hits:               m.hits.Load(),
		Misses:             m.misses.Load(),
	}
}

// pendingOps exposes the session's staged list to the persistent flavor's
// table writer.
func (m *SystemTableMap[E]) pendingOps(sess SessionID) []*PendingOp[E] {
	return m.pending[string(sess)]
}

// insertCommitted loads an entry directly into the committed map,
// bypassing staging. Used by table reload.
func (m *SystemTableMap[E]) insertCommitted(entry E) {
	m.committed.ReplaceOrInsert(mapItem[E]{key: entry.EntryKey().Str(), handle: NewHandle(entry)})
}
