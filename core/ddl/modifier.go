// Package ddl tracks custom-column metadata changes during DDL planning
// and stages them through the registry's transaction protocol.
//
// The planner feeds CREATE/ALTER/DROP/RENAME shapes into a Modifier,
// which acquires shared metadata locks on every referenced extension
// (the counter-lock to uninstall's exclusive lock), validates that every
// referenced type is registered, and stages the column map operations in
// the order removes, renames, inserts. That order is load-bearing: a
// custom-to-custom MODIFY becomes remove-then-insert and the remove must
// apply first so the insert can reuse the old key.
package ddl

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/eatonphil/villagesql-server/core/errors"
	"github.com/eatonphil/villagesql-server/core/session"
	"github.com/eatonphil/villagesql-server/core/systable"
	"github.com/eatonphil/villagesql-server/core/veb"
	"github.com/eatonphil/villagesql-server/core/victionary"
)

// Env bundles the registries a DDL statement touches.
type Env struct {
	Vict *victionary.Victionary
	UDFs *veb.UDFRegistry
}

// CreateField is one column of a CREATE or ALTER field list. TypeContext
// is set when the parse resolved a custom type. Change names the column
// being modified for MODIFY/CHANGE COLUMN, empty for plain ADD.
type CreateField struct {
	Name        string
	TypeContext *victionary.TypeContext
	Change      string
}

// AlterRename is one RENAME COLUMN clause.
type AlterRename struct {
	Old string
	New string
}

// AlterInfo is the slice of the host's alter description the subsystem
// reads.
type AlterInfo struct {
	// NewDB and NewTable are set when the statement renames the table.
	NewDB    string
	NewTable string

	// Drops lists DROP COLUMN names.
	Drops []string

	// Renames lists RENAME COLUMN clauses.
	Renames []AlterRename

	// CreateList holds ADD/MODIFY/CHANGE COLUMN fields.
	CreateList []CreateField
}

// RoutineRef is one qualified function referenced by a statement.
type RoutineRef struct {
	Extension string
	Function  string
}

// TableName is a (db, table) pair.
type TableName struct {
	DB    string
	Table string
}

type renamePair struct {
	entry  *victionary.ColumnEntry
	oldKey victionary.ColumnKey
}

// Modifier accumulates a statement's custom-column changes before
// staging them.
type Modifier struct {
	env Env

	toAdd    []*victionary.ColumnEntry
	toRemove []victionary.ColumnKey
	toRename []renamePair
	toCall   []RoutineRef
}

// NewModifier returns an empty modifier over the environment.
func NewModifier(env Env) *Modifier {
	return &Modifier{env: env}
}

// HasEntries reports whether anything is tracked.
func (m *Modifier) HasEntries() bool {
	return len(m.toAdd) > 0 || len(m.toRemove) > 0 || len(m.toRename) > 0 || len(m.toCall) > 0
}

// skipDatabase filters the host's own schemas out of tracking.
func skipDatabase(db string) bool {
	return db == "mysql" || db == "sys" || db == systable.SchemaName
}

// ensureSupportedEngine rejects engines that cannot carry custom-typed
// columns.
func ensureSupportedEngine(engine, operation string) error {
	if !strings.EqualFold(engine, "InnoDB") {
		return errors.NewUnsupported("storage engine",
			fmt.Sprintf("custom types require InnoDB; cannot %s with %s", operation, engine))
	}
	return nil
}

// addColumns tracks the custom-typed fields of a create list. Duplicate
// (db, table, column) triples are skipped case-insensitively: CREATE
// ... SELECT can redefine a field.
func (m *Modifier) addColumns(db, table string, fields []CreateField) {
	if skipDatabase(db) {
		return
	}
	for _, field := range fields {
		if field.TypeContext == nil {
			continue
		}
		duplicate := false
		for _, entry := range m.toAdd {
			if strings.EqualFold(entry.ColumnName(), field.Name) &&
				strings.EqualFold(entry.DBName(), db) &&
				strings.EqualFold(entry.TableName(), table) {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		tc := field.TypeContext
		m.toAdd = append(m.toAdd, victionary.NewColumnEntry(
			victionary.NewColumnKey(db, table, field.Name),
			tc.ExtensionName(), tc.ExtensionVersion(), tc.TypeName()))
	}
}

// removeColumns tracks every current custom column of a table for
// removal.
func (m *Modifier) removeColumns(db, table string) {
	if skipDatabase(db) || !m.env.Vict.IsInitialized() {
		return
	}
	guard := m.env.Vict.ReadGuard()
	columns := m.env.Vict.CustomColumnsForTable(db, table)
	for _, col := range columns {
		m.toRemove = append(m.toRemove, victionary.NewColumnKey(db, table, col.ColumnName()))
	}
	guard.Release()
}

// renameColumnsTable tracks moving every custom column of a table to a
// new (db, table).
func (m *Modifier) renameColumnsTable(oldName, newName TableName) {
	if !m.env.Vict.IsInitialized() {
		return
	}
	guard := m.env.Vict.ReadGuard()
	columns := m.env.Vict.CustomColumnsForTable(oldName.DB, oldName.Table)
	for _, col := range columns {
		entry := victionary.NewColumnEntry(
			victionary.NewColumnKey(newName.DB, newName.Table, col.ColumnName()),
			col.ExtensionName, col.ExtensionVersion, col.TypeName)
		m.toRename = append(m.toRename, renamePair{entry: entry, oldKey: col.Key()})
	}
	guard.Release()
}

// alterColumns classifies an ALTER TABLE statement's clauses. Order
// matters: table rename first, then drops, then column renames, then the
// create list.
func (m *Modifier) alterColumns(db, table string, info *AlterInfo) {
	if info == nil || skipDatabase(db) || !m.env.Vict.IsInitialized() {
		return
	}

	if info.NewTable != "" {
		newDB := info.NewDB
		if newDB == "" {
			newDB = db
		}
		m.renameColumnsTable(TableName{DB: db, Table: table}, TableName{DB: newDB, Table: info.NewTable})
	}

	guard := m.env.Vict.ReadGuard()
	columns := m.env.Vict.CustomColumnsForTable(db, table)
	guard.Release()

	customByName := make(map[string]*victionary.ColumnEntry, len(columns))
	for _, col := range columns {
		customByName[strings.ToLower(col.ColumnName())] = col
	}

	for _, drop := range info.Drops {
		if _, ok := customByName[strings.ToLower(drop)]; ok {
			m.toRemove = append(m.toRemove, victionary.NewColumnKey(db, table, drop))
		}
	}

	for _, rename := range info.Renames {
		old, ok := customByName[strings.ToLower(rename.Old)]
		if !ok {
			continue
		}
		entry := victionary.NewColumnEntry(
			victionary.NewColumnKey(db, table, rename.New),
			old.ExtensionName, old.ExtensionVersion, old.TypeName)
		m.toRename = append(m.toRename, renamePair{entry: entry, oldKey: old.Key()})
	}

	for _, field := range info.CreateList {
		isCustom := field.TypeContext != nil
		_, wasCustom := customByName[strings.ToLower(field.Change)]
		switch {
		case field.Change != "" && wasCustom && !isCustom:
			// MODIFY/CHANGE away from a custom type.
			m.toRemove = append(m.toRemove, victionary.NewColumnKey(db, table, field.Change))
		case field.Change != "" && !wasCustom && isCustom:
			m.appendAdd(db, table, field)
		case field.Change != "" && wasCustom && isCustom:
			// Custom to custom becomes remove then insert; staging order
			// guarantees the remove applies first.
			m.toRemove = append(m.toRemove, victionary.NewColumnKey(db, table, field.Change))
			m.appendAdd(db, table, field)
		case field.Change == "" && isCustom:
			m.appendAdd(db, table, field)
		}
	}
}

func (m *Modifier) appendAdd(db, table string, field CreateField) {
	tc := field.TypeContext
	m.toAdd = append(m.toAdd, victionary.NewColumnEntry(
		victionary.NewColumnKey(db, table, field.Name),
		tc.ExtensionName(), tc.ExtensionVersion(), tc.TypeName()))
}

// addFunctions tracks the statement's referenced routines.
func (m *Modifier) addFunctions(routines []RoutineRef) {
	m.toCall = append(m.toCall, routines...)
}

// lockExtensionsShared acquires the shared metadata lock on every
// distinct extension across the tracked lists, for the statement.
func (m *Modifier) lockExtensionsShared(ctx context.Context, sess *session.Session) error {
	seen := make(map[string]bool)
	lock := func(extName string) error {
		if extName == "" {
			return nil
		}
		normalized := victionary.NewExtensionKey(extName).Str()
		if seen[normalized] {
			return nil
		}
		seen[normalized] = true
		return sess.Locks().AcquireShared(ctx, normalized)
	}
	for _, entry := range m.toAdd {
		if err := lock(entry.ExtensionName); err != nil {
			return err
		}
	}
	for _, pair := range m.toRename {
		if err := lock(pair.entry.ExtensionName); err != nil {
			return err
		}
	}
	for _, routine := range m.toCall {
		if err := lock(routine.Extension); err != nil {
			return err
		}
	}
	// A remove carries only its key; its extension comes from the
	// committed column entry. The registry guard is released before
	// blocking on the metadata locks.
	guard := m.env.Vict.ReadGuard()
	removed := make([]string, 0, len(m.toRemove))
	for _, key := range m.toRemove {
		if entry, ok := m.env.Vict.Columns().GetCommitted(key.Str()); ok {
			removed = append(removed, entry.ExtensionName)
		}
	}
	guard.Release()
	for _, extName := range removed {
		if err := lock(extName); err != nil {
			return err
		}
	}
	return nil
}

// validateEntries checks that every referenced type resolves to a
// committed descriptor with matching extension name and version, and
// that every referenced function exists for its extension.
func (m *Modifier) validateEntries() error {
	guard := m.env.Vict.ReadGuard()
	defer guard.Release()

	validate := func(entry *victionary.ColumnEntry) error {
		if entry.ExtensionName == "" || entry.TypeName == "" {
			return nil
		}
		key := victionary.NewTypeDescriptorKey(entry.TypeName, entry.ExtensionName, entry.ExtensionVersion)
		descriptor, ok := m.env.Vict.TypeDescriptors().GetCommitted(key.Str())
		if !ok {
			return errors.NewNotFound("custom type",
				fmt.Sprintf("%s from extension %s version %s",
					entry.TypeName, entry.ExtensionName, entry.ExtensionVersion))
		}
		if descriptor.ExtensionName() != entry.ExtensionName ||
			descriptor.ExtensionVersion() != entry.ExtensionVersion {
			return errors.NewNotFound("extension",
				fmt.Sprintf("%s version %s for custom type %s",
					entry.ExtensionName, entry.ExtensionVersion, entry.TypeName))
		}
		return nil
	}

	for _, entry := range m.toAdd {
		if err := validate(entry); err != nil {
			return err
		}
	}
	for _, pair := range m.toRename {
		if err := validate(pair.entry); err != nil {
			return err
		}
	}
	for _, routine := range m.toCall {
		extKey := victionary.NewExtensionKey(routine.Extension)
		if _, ok := m.env.Vict.Extensions().GetCommitted(extKey.Str()); !ok {
			return errors.NewNotFound("extension",
				fmt.Sprintf("%s for custom function %s", routine.Extension, routine.Function))
		}
		if m.env.UDFs != nil {
			if _, ok := m.env.UDFs.Find(routine.Extension, routine.Function); !ok {
				return errors.NewNotFound("custom function",
					fmt.Sprintf("%s in extension %s", routine.Function, routine.Extension))
			}
		}
	}
	return nil
}

// markModifications stages the tracked column operations: removes, then
// renames, then inserts.
func (m *Modifier) markModifications(sess *session.Session) error {
	guard := m.env.Vict.WriteGuard()
	defer guard.Release()

	for _, key := range m.toRemove {
		if err := m.env.Vict.Columns().MarkForDeletion(sess.ID(), key); err != nil {
			return err
		}
	}
	m.toRemove = nil

	for _, pair := range m.toRename {
		if err := m.env.Vict.Columns().MarkForUpdate(sess.ID(), pair.entry, pair.oldKey); err != nil {
			return err
		}
	}
	m.toRename = nil

	for _, entry := range m.toAdd {
		if err := m.env.Vict.Columns().MarkForInsertion(sess.ID(), entry); err != nil {
			return err
		}
	}
	m.toAdd = nil

	return nil
}

// lockAndApply is the staging pipeline: shared extension locks,
// validation, then marking.
func (m *Modifier) lockAndApply(ctx context.Context, sess *session.Session) error {
	if !m.HasEntries() {
		return nil
	}
	lockCtx, cancel := sess.LockWaitContext(ctx)
	defer cancel()
	if err := m.lockExtensionsShared(lockCtx, sess); err != nil {
		return err
	}
	if err := m.validateEntries(); err != nil {
		return err
	}
	return m.markModifications(sess)
}

// ProcessCreate tracks and stages the custom columns of a CREATE TABLE.
func ProcessCreate(ctx context.Context, env Env, sess *session.Session,
	engine, db, table string, fields []CreateField) error {
	m := NewModifier(env)
	m.addColumns(db, table, fields)
	if m.HasEntries() {
		if err := ensureSupportedEngine(engine, "create table"); err != nil {
			return err
		}
	}
	return m.lockAndApply(ctx, sess)
}

// ProcessAlter tracks and stages the custom-column changes of an ALTER
// TABLE.
func ProcessAlter(ctx context.Context, env Env, sess *session.Session,
	engine, db, table string, info *AlterInfo) error {
	m := NewModifier(env)
	m.alterColumns(db, table, info)
	if m.HasEntries() {
		if err := ensureSupportedEngine(engine, "alter table"); err != nil {
			return err
		}
	}
	return m.lockAndApply(ctx, sess)
}

// ProcessDrop tracks and stages the custom-column removals of a DROP
// TABLE. Temporary tables carry no tracked metadata.
func ProcessDrop(ctx context.Context, env Env, sess *session.Session,
	dropTemporary bool, tables []TableName) error {
	if dropTemporary {
		return nil
	}
	m := NewModifier(env)
	for _, table := range tables {
		m.removeColumns(table.DB, table.Table)
	}
	return m.lockAndApply(ctx, sess)
}

// ProcessRename tracks and stages the custom-column moves of a RENAME
// TABLE. Pairs run (old, new).
func ProcessRename(ctx context.Context, env Env, sess *session.Session,
	pairs [][2]TableName) error {
	m := NewModifier(env)
	for _, pair := range pairs {
		m.renameColumnsTable(pair[0], pair[1])
	}
	return m.lockAndApply(ctx, sess)
}

// ProcessCalls acquires shared extension locks for the statement's
// referenced routines and validates they exist.
func ProcessCalls(ctx context.Context, env Env, sess *session.Session,
	routines []RoutineRef) error {
	m := NewModifier(env)
	m.addFunctions(routines)
	return m.lockAndApply(ctx, sess)
}

// Store pushes the session's staged column rows into the transaction.
// Must run before the surrounding DDL commits so the row writes live
// inside its transaction.
func Store(ctx context.Context, env Env, sess *session.Session, tx *sql.Tx) error {
	if !env.Vict.IsInitialized() {
		return nil
	}
	guard := env.Vict.ReadGuard()
	pending := env.Vict.Columns().HasUncommitted(sess.ID())
	guard.Release()
	if !pending {
		return nil
	}
	return env.Vict.WriteAllUncommitted(ctx, sess.ID(), tx)
}

// Commit promotes the session's staged registry changes after the host
// transaction commits.
func Commit(env Env, sess *session.Session) {
	if !env.Vict.IsInitialized() {
		return
	}
	env.Vict.CommitAll(sess.ID())
}

// Rollback discards the session's staged registry changes after the host
// transaction fails.
func Rollback(env Env, sess *session.Session) {
	if !env.Vict.IsInitialized() {
		return
	}
	env.Vict.RollbackAll(sess.ID())
}
