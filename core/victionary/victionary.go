// Package victionary implements the in-memory, transactionally-staged
// registry of all extension-owned objects and the tables backing the
// persistent subset.
//
// The registry is six instances of one generic staged map behind a single
// process-wide reader-writer lock: three table-backed (properties, custom
// columns, extensions) and three memory-only (type descriptors, extension
// descriptors, type contexts). Changes are staged per session and become
// visible to other sessions atomically on commit.
package victionary

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"

	"github.com/eatonphil/villagesql-server/core/errors"
)

// SessionID identifies the session that staged an operation. The empty
// ID means "no session": reads fall through to committed state and
// writes are rejected.
type SessionID string

// parentLocker lets maps assert that the container's lock is held. The
// checks piggyback on try-locks: if the opposing try-lock succeeds, no
// suitable lock was held.
type parentLocker interface {
	assertReadOrWriteLockHeld()
	assertWriteLockHeld()
}

// Backing supplies the table I/O for the three persistent maps. Nil
// fields leave the map memory-only, which is how tests run.
type Backing struct {
	Properties TableIO[*PropertyEntry]
	Columns    TableIO[*ColumnEntry]
	Extensions TableIO[*ExtensionEntry]
}

// Victionary owns the six registry maps and the single lock protecting
// them. One rwlock for everything is intentional: DDL and
// install/uninstall are the only writers, and finer locking would need
// careful cross-map ordering during CommitAll for no real gain.
type Victionary struct {
	mu sync.RWMutex

	initialized  atomic.Bool
	initializing atomic.Bool

	properties *PersistentTableMap[*PropertyEntry]
	columns    *PersistentTableMap[*ColumnEntry]
	extensions *PersistentTableMap[*ExtensionEntry]

	typeDescriptors      *SystemTableMap[*TypeDescriptor]
	extensionDescriptors *SystemTableMap[*ExtensionDescriptor]
	typeContexts         *SystemTableMap[*TypeContext]
}

// New builds a registry over the given backing. Call Init before use.
func New(backing Backing) *Victionary {
	v := &Victionary{}
	v.properties = newPersistentTableMap(v, backing.Properties)
	v.columns = newPersistentTableMap(v, backing.Columns)
	v.extensions = newPersistentTableMap(v, backing.Extensions)
	v.typeDescriptors = newSystemTableMap[*TypeDescriptor](v)
	v.extensionDescriptors = newSystemTableMap[*ExtensionDescriptor](v)
	v.typeContexts = newSystemTableMap[*TypeContext](v)
	return v
}

// Properties returns the properties map.
func (v *Victionary) Properties() *PersistentTableMap[*PropertyEntry] { return v.properties }

// Columns returns the custom-columns map.
func (v *Victionary) Columns() *PersistentTableMap[*ColumnEntry] { return v.columns }

// Extensions returns the extensions map.
func (v *Victionary) Extensions() *PersistentTableMap[*ExtensionEntry] { return v.extensions }

// TypeDescriptors returns the type-descriptor map.
func (v *Victionary) TypeDescriptors() *SystemTableMap[*TypeDescriptor] { return v.typeDescriptors }

// ExtensionDescriptors returns the extension-descriptor map.
func (v *Victionary) ExtensionDescriptors() *SystemTableMap[*ExtensionDescriptor] {
	return v.extensionDescriptors
}

// TypeContexts returns the type-context map.
func (v *Victionary) TypeContexts() *SystemTableMap[*TypeContext] { return v.typeContexts }

// Init loads the persistent maps from their backing tables, in a fixed
// order, and marks the registry initialized. Double-init is an error.
func (v *Victionary) Init(ctx context.Context) error {
	if v.initialized.Load() {
		return errors.NewValidation("victionary", "already initialized")
	}
	v.initializing.Store(true)
	defer v.initializing.Store(false)

	guard := v.WriteGuard()
	defer guard.Release()

	for _, reload := range []func(context.Context) error{
		v.properties.ReloadFromTable,
		v.extensions.ReloadFromTable,
		v.columns.ReloadFromTable,
	} {
		if err := reload(ctx); err != nil {
			return err
		}
	}
	v.initialized.Store(true)
	return nil
}

// InitForTesting marks the registry initialized without touching any
// backing table.
func (v *Victionary) InitForTesting() {
	v.initialized.Store(true)
}

// IsInitialized reports whether Init completed.
func (v *Victionary) IsInitialized() bool { return v.initialized.Load() }

// CommitAll promotes the session's staged operations in every map. Either
// all of a session's staged ops become committed or none do; no partial
// commit is ever externalized.
func (v *Victionary) CommitAll(sess SessionID) {
	guard := v.WriteGuard()
	defer guard.Release()
	v.properties.Commit(sess)
	v.columns.Commit(sess)
	v.extensions.Commit(sess)
	v.typeDescriptors.Commit(sess)
	v.extensionDescriptors.Commit(sess)
	v.typeContexts.Commit(sess)
}

// RollbackAll discards the session's staged operations in every map.
func (v *Victionary) RollbackAll(sess SessionID) {
	guard := v.WriteGuard()
	defer guard.Release()
	v.properties.Rollback(sess)
	v.columns.Rollback(sess)
	v.extensions.Rollback(sess)
	v.typeDescriptors.Rollback(sess)
	v.extensionDescriptors.Rollback(sess)
	v.typeContexts.Rollback(sess)
}

// WriteAllUncommitted pushes the session's staged row changes of every
// persistent map into the transaction. It must run before the host
// transaction commits so the row writes are part of it; binlogging of the
// statement is the caller's concern (the system tables are not
// replicated).
func (v *Victionary) WriteAllUncommitted(ctx context.Context, sess SessionID, tx *sql.Tx) error {
	guard := v.ReadGuard()
	defer guard.Release()
	if err := v.properties.WriteUncommittedToTable(ctx, sess, tx); err != nil {
		return err
	}
	if err := v.columns.WriteUncommittedToTable(ctx, sess, tx); err != nil {
		return err
	}
	return v.extensions.WriteUncommittedToTable(ctx, sess, tx)
}

// ClearAll empties every map. Mostly for tests and startup reload.
func (v *Victionary) ClearAll() {
	guard := v.WriteGuard()
	defer guard.Release()
	v.properties.Clear()
	v.columns.Clear()
	v.extensions.Clear()
	v.typeDescriptors.Clear()
	v.extensionDescriptors.Clear()
	v.typeContexts.Clear()
}

// CustomColumnsForTable returns the committed custom columns of a table.
// Requires at least the read lock; results are valid while it is held.
func (v *Victionary) CustomColumnsForTable(db, table string) []*ColumnEntry {
	return v.columns.GetPrefixCommitted(NewColumnKeyPrefix(db, table))
}

// ReadGuard is a held read lock. Release it exactly once.
type ReadGuard struct {
	v *Victionary
}

// Release drops the read lock.
func (g ReadGuard) Release() { g.v.mu.RUnlock() }

// WriteGuard is a held write lock. Release it exactly once.
type WriteGuard struct {
	v *Victionary
}

// Release drops the write lock.
func (g WriteGuard) Release() { g.v.mu.Unlock() }

// ReadGuard acquires the registry read lock.
func (v *Victionary) ReadGuard() ReadGuard {
	v.mu.RLock()
	return ReadGuard{v: v}
}

// WriteGuard acquires the registry write lock.
func (v *Victionary) WriteGuard() WriteGuard {
	v.mu.Lock()
	return WriteGuard{v: v}
}

// debugLockChecks enables the try-lock assertions. They are best-effort
// (a concurrent reader can mask a missing lock) but catch the common
// mistake of calling map methods without a guard.
var debugLockChecks = true

// SetDebugLockChecks toggles lock assertions; returns the previous value.
func SetDebugLockChecks(on bool) bool {
	prev := debugLockChecks
	debugLockChecks = on
	return prev
}

func (v *Victionary) assertReadOrWriteLockHeld() {
	if !debugLockChecks {
		return
	}
	// If we can take the write lock, nobody held anything.
	if v.mu.TryLock() {
		v.mu.Unlock()
		panic("victionary: map access without read or write lock")
	}
}

func (v *Victionary) assertWriteLockHeld() {
	if !debugLockChecks {
		return
	}
	// If we can take a read lock, the write lock was not held.
	if v.mu.TryRLock() {
		v.mu.RUnlock()
		panic("victionary: map mutation without write lock")
	}
}
