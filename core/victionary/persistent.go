package victionary

import (
	"context"
	"database/sql"

	"github.com/eatonphil/villagesql-server/core/errors"
	"github.com/eatonphil/villagesql-server/internal/logging"
)

// TableIO marshals entries of one kind to and from the backing system
// table. Implementations keep the SQL column layout out of the generic
// map.
type TableIO[E Entry] interface {
	// SchemaName and TableName identify the backing table for logs.
	SchemaName() string
	TableName() string

	// ReadAll scans every row into entries. Used by startup reload.
	ReadAll(ctx context.Context) ([]E, error)

	// Insert writes a new row inside the host transaction.
	Insert(ctx context.Context, tx *sql.Tx, entry E) error

	// Update probes the row at oldKey and rewrites it from entry. A
	// key-changing update rewrites the key columns too.
	Update(ctx context.Context, tx *sql.Tx, entry E, oldKey Key) error

	// Delete probes and removes the row at key. Not-found is reported,
	// not an error: row deletes are idempotent so a rolled-back-then-
	// reapplied uninstall does not fail on the second attempt.
	Delete(ctx context.Context, tx *sql.Tx, key Key) (found bool, err error)
}

// PersistentTableMap is a SystemTableMap backed by a system table. The
// table methods exist only on this flavor; memory-only maps cannot be
// asked to do table I/O.
type PersistentTableMap[E Entry] struct {
	SystemTableMap[E]

	io TableIO[E]
}

func newPersistentTableMap[E Entry](locker parentLocker, io TableIO[E]) *PersistentTableMap[E] {
	m := &PersistentTableMap[E]{io: io}
	initSystemTableMap(&m.SystemTableMap, locker)
	return m
}

// ReloadFromTable clears the map and loads every row of the backing
// table into committed state. Called once, under the write lock, during
// initialization. The loader trusts the backing table; no cross-kind
// validation happens here.
func (m *PersistentTableMap[E]) ReloadFromTable(ctx context.Context) error {
	m.locker.assertWriteLockHeld()
	if m.io == nil {
		return errors.NewValidation("backing", "persistent map has no table backing")
	}
	m.Clear()
	entries, err := m.io.ReadAll(ctx)
	if err != nil {
		return errors.Wrapf(err, "reloading %s.%s", m.io.SchemaName(), m.io.TableName())
	}
	for _, entry := range entries {
		m.insertCommitted(entry)
	}
	logging.SystemTableLoad(m.io.SchemaName(), m.io.TableName(), len(entries))
	return nil
}

// WriteUncommittedToTable replays the session's staged operations against
// the backing table inside the given transaction. Must run before the
// host transaction commits so the row writes are part of it. Requires at
// least the read lock.
func (m *PersistentTableMap[E]) WriteUncommittedToTable(ctx context.Context, sess SessionID, tx *sql.Tx) error {
	m.locker.assertReadOrWriteLockHeld()
	ops := m.pendingOps(sess)
	if len(ops) == 0 {
		return nil
	}
	if m.io == nil {
		return errors.NewValidation("backing", "persistent map has no table backing")
	}
	for _, op := range ops {
		switch op.Op {
		case OpInsert:
			if err := m.io.Insert(ctx, tx, op.Entry.Get()); err != nil {
				return errors.Wrapf(err, "inserting into %s.%s key %s",
					m.io.SchemaName(), m.io.TableName(), op.Entry.Get().EntryKey().Str())
			}
		case OpUpdate:
			oldKey := op.OldKey
			if oldKey == nil || oldKey.Str() == "" {
				oldKey = op.Entry.Get().EntryKey()
			}
			if err := m.io.Update(ctx, tx, op.Entry.Get(), oldKey); err != nil {
				return errors.Wrapf(err, "updating %s.%s from key %s",
					m.io.SchemaName(), m.io.TableName(), oldKey.Str())
			}
		case OpDelete:
			found, err := m.io.Delete(ctx, tx, op.OldKey)
			if err != nil {
				return errors.Wrapf(err, "deleting from %s.%s key %s",
					m.io.SchemaName(), m.io.TableName(), op.OldKey.Str())
			}
			if !found {
				logging.Warn("row to delete not found",
					"schema", m.io.SchemaName(),
					"table", m.io.TableName(),
					"key", op.OldKey.Str())
			}
		}
	}
	return nil
}
