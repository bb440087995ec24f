package ddl

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/eatonphil/villagesql-server/core/arena"
	"github.com/eatonphil/villagesql-server/core/mdl"
	"github.com/eatonphil/villagesql-server/core/session"
	"github.com/eatonphil/villagesql-server/core/systable"
	"github.com/eatonphil/villagesql-server/core/veb"
	"github.com/eatonphil/villagesql-server/core/vef"
	"github.com/eatonphil/villagesql-server/core/victionary"
)

type fixture struct {
	env   Env
	locks *mdl.Manager
	tc    *victionary.TypeContext
	scope *arena.Arena
}

// newFixture builds a registry with one installed extension ("complex"
// 1.0.0) defining type "c" and function "magnitude".
func newFixture(t *testing.T) *fixture {
	t.Helper()
	vict := victionary.New(victionary.Backing{})
	vict.InitForTesting()

	desc := victionary.NewTypeDescriptor(
		victionary.NewTypeDescriptorKey("c", "complex", "1.0.0"),
		0, 16, 64,
		func(buf, from []byte) (uint64, bool) { n := copy(buf, from); return uint64(n), false },
		func(data, to []byte) (uint64, bool) { n := copy(to, data); return uint64(n), false },
		func(a, b []byte) int { return 0 },
		nil)

	guard := vict.WriteGuard()
	if err := vict.TypeDescriptors().MarkForInsertion("setup", desc); err != nil {
		t.Fatal(err)
	}
	if err := vict.Extensions().MarkForInsertion("setup",
		victionary.NewExtensionEntry(victionary.NewExtensionKey("complex"), "1.0.0", "abc")); err != nil {
		t.Fatal(err)
	}
	guard.Release()
	vict.CommitAll("setup")

	udfs := veb.NewUDFRegistry()
	if err := udfs.Register("complex", &vef.FuncDesc{
		Name:      "magnitude",
		Signature: &vef.Signature{ReturnType: vef.Type{ID: vef.TypeReal}},
		VDF:       func(*vef.Context, *vef.VDFArgs, *vef.VDFResult) {},
	}, vef.Protocol1); err != nil {
		t.Fatal(err)
	}

	scope := arena.New()
	t.Cleanup(scope.Clear)

	ctxKey := victionary.NewTypeContextKey(desc.Key(), victionary.TypeParameters{})
	wguard := vict.WriteGuard()
	tc, err := vict.TypeContexts().AcquireOrCreate(ctxKey, scope, func() (*victionary.TypeContext, error) {
		return victionary.NewTypeContext(ctxKey, desc), nil
	})
	wguard.Release()
	if err != nil {
		t.Fatal(err)
	}

	return &fixture{
		env:   Env{Vict: vict, UDFs: udfs},
		locks: mdl.NewManager(),
		tc:    tc,
		scope: scope,
	}
}

func (f *fixture) newSession() *session.Session {
	return session.New(f.locks)
}

// commitColumn stages and commits one custom column outside any DDL.
func (f *fixture) commitColumn(t *testing.T, db, table, column string) {
	t.Helper()
	guard := f.env.Vict.WriteGuard()
	if err := f.env.Vict.Columns().MarkForInsertion("seed",
		victionary.NewColumnEntry(victionary.NewColumnKey(db, table, column),
			"complex", "1.0.0", "c")); err != nil {
		t.Fatal(err)
	}
	guard.Release()
	f.env.Vict.CommitAll("seed")
}

func (f *fixture) committedColumns(t *testing.T, db, table string) []*victionary.ColumnEntry {
	t.Helper()
	guard := f.env.Vict.ReadGuard()
	defer guard.Release()
	return f.env.Vict.CustomColumnsForTable(db, table)
}

func TestProcessCreateStagesColumns(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession()
	defer sess.EndStatement()

	fields := []CreateField{
		{Name: "x", TypeContext: f.tc},
		{Name: "plain"},
		{Name: "X", TypeContext: f.tc}, // duplicate across case, skipped
	}
	if err := ProcessCreate(context.Background(), f.env, sess, "InnoDB", "db", "t", fields); err != nil {
		t.Fatal(err)
	}

	f.env.Vict.CommitAll(sess.ID())
	cols := f.committedColumns(t, "db", "t")
	if len(cols) != 1 || cols[0].ColumnName() != "x" {
		t.Errorf("committed columns = %v", cols)
	}

	// The statement held a shared lock on the extension.
	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := f.locks.Acquire(shortCtx, "complex", mdl.Exclusive); err == nil {
		t.Error("exclusive extension lock should be blocked during the statement")
	}
}

func TestProcessCreateRejectsEngine(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession()
	defer sess.EndStatement()

	fields := []CreateField{{Name: "x", TypeContext: f.tc}}
	if err := ProcessCreate(context.Background(), f.env, sess, "MyISAM", "db", "t", fields); err == nil {
		t.Fatal("non-InnoDB engine should be rejected")
	}
	// A table without custom columns is fine on any engine.
	if err := ProcessCreate(context.Background(), f.env, sess, "MyISAM", "db", "t",
		[]CreateField{{Name: "plain"}}); err != nil {
		t.Fatal(err)
	}
}

func TestProcessCreateSkipsSystemSchemas(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession()
	defer sess.EndStatement()

	for _, db := range []string{"mysql", "sys", systable.SchemaName} {
		if err := ProcessCreate(context.Background(), f.env, sess, "InnoDB", db, "t",
			[]CreateField{{Name: "x", TypeContext: f.tc}}); err != nil {
			t.Fatalf("%s: %v", db, err)
		}
	}
	f.env.Vict.CommitAll(sess.ID())
	if cols := f.committedColumns(t, "mysql", "t"); len(cols) != 0 {
		t.Error("system schema columns were tracked")
	}
}

func TestProcessAlterDropAndRenameColumn(t *testing.T) {
	f := newFixture(t)
	f.commitColumn(t, "db", "t", "a")
	f.commitColumn(t, "db", "t", "b")

	sess := f.newSession()
	defer sess.EndStatement()

	info := &AlterInfo{
		Drops:   []string{"a", "not_custom"},
		Renames: []AlterRename{{Old: "b", New: "b2"}},
	}
	if err := ProcessAlter(context.Background(), f.env, sess, "InnoDB", "db", "t", info); err != nil {
		t.Fatal(err)
	}
	f.env.Vict.CommitAll(sess.ID())

	cols := f.committedColumns(t, "db", "t")
	if len(cols) != 1 || cols[0].ColumnName() != "b2" {
		t.Errorf("columns after alter = %v", cols)
	}
	// Renames preserve the binding fields.
	if cols[0].ExtensionName != "complex" || cols[0].TypeName != "c" {
		t.Error("rename lost binding fields")
	}
}

func TestProcessAlterCustomToCustomModify(t *testing.T) {
	f := newFixture(t)
	f.commitColumn(t, "db", "t", "x")

	sess := f.newSession()
	defer sess.EndStatement()

	// MODIFY x to a custom type again, keeping the same name: the remove
	// stages before the insert, so the insert reuses the key.
	info := &AlterInfo{
		CreateList: []CreateField{{Name: "x", Change: "x", TypeContext: f.tc}},
	}
	if err := ProcessAlter(context.Background(), f.env, sess, "InnoDB", "db", "t", info); err != nil {
		t.Fatal(err)
	}
	f.env.Vict.CommitAll(sess.ID())

	cols := f.committedColumns(t, "db", "t")
	if len(cols) != 1 || cols[0].ColumnName() != "x" {
		t.Errorf("columns after custom-to-custom modify = %v", cols)
	}
}

func TestProcessAlterDropCustomType(t *testing.T) {
	f := newFixture(t)
	f.commitColumn(t, "db", "t", "x")

	sess := f.newSession()
	defer sess.EndStatement()

	// MODIFY x to a built-in type: the tracked entry goes away.
	info := &AlterInfo{
		CreateList: []CreateField{{Name: "x", Change: "x"}},
	}
	if err := ProcessAlter(context.Background(), f.env, sess, "InnoDB", "db", "t", info); err != nil {
		t.Fatal(err)
	}
	f.env.Vict.CommitAll(sess.ID())

	if cols := f.committedColumns(t, "db", "t"); len(cols) != 0 {
		t.Errorf("columns after drop-custom modify = %v", cols)
	}
}

func TestProcessAlterTableRename(t *testing.T) {
	f := newFixture(t)
	f.commitColumn(t, "db", "t", "x")

	sess := f.newSession()
	defer sess.EndStatement()

	info := &AlterInfo{NewTable: "t2"}
	if err := ProcessAlter(context.Background(), f.env, sess, "InnoDB", "db", "t", info); err != nil {
		t.Fatal(err)
	}
	f.env.Vict.CommitAll(sess.ID())

	if cols := f.committedColumns(t, "db", "t"); len(cols) != 0 {
		t.Error("old table still has columns")
	}
	cols := f.committedColumns(t, "db", "t2")
	if len(cols) != 1 || cols[0].ColumnName() != "x" {
		t.Errorf("new table columns = %v", cols)
	}
}

func TestProcessDrop(t *testing.T) {
	f := newFixture(t)
	f.commitColumn(t, "db", "t", "x")
	f.commitColumn(t, "db", "t", "y")
	f.commitColumn(t, "db", "other", "z")

	sess := f.newSession()
	defer sess.EndStatement()

	if err := ProcessDrop(context.Background(), f.env, sess, false,
		[]TableName{{DB: "db", Table: "t"}}); err != nil {
		t.Fatal(err)
	}
	f.env.Vict.CommitAll(sess.ID())

	if cols := f.committedColumns(t, "db", "t"); len(cols) != 0 {
		t.Error("dropped table still has columns")
	}
	if cols := f.committedColumns(t, "db", "other"); len(cols) != 1 {
		t.Error("unrelated table lost columns")
	}

	// Temporary tables carry nothing.
	if err := ProcessDrop(context.Background(), f.env, sess, true,
		[]TableName{{DB: "db", Table: "other"}}); err != nil {
		t.Fatal(err)
	}
	f.env.Vict.CommitAll(sess.ID())
	if cols := f.committedColumns(t, "db", "other"); len(cols) != 1 {
		t.Error("temporary drop touched metadata")
	}
}

func TestProcessRename(t *testing.T) {
	f := newFixture(t)
	f.commitColumn(t, "db", "t", "x")

	sess := f.newSession()
	defer sess.EndStatement()

	pairs := [][2]TableName{{{DB: "db", Table: "t"}, {DB: "db2", Table: "t2"}}}
	if err := ProcessRename(context.Background(), f.env, sess, pairs); err != nil {
		t.Fatal(err)
	}
	f.env.Vict.CommitAll(sess.ID())

	if cols := f.committedColumns(t, "db2", "t2"); len(cols) != 1 {
		t.Errorf("renamed table columns = %v", cols)
	}
}

func TestProcessCallsLocksAndValidates(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession()

	if err := ProcessCalls(context.Background(), f.env, sess,
		[]RoutineRef{{Extension: "complex", Function: "magnitude"}}); err != nil {
		t.Fatal(err)
	}

	// The statement now blocks uninstall's exclusive lock.
	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := f.locks.Acquire(shortCtx, "complex", mdl.Exclusive); err == nil {
		t.Error("exclusive lock should be blocked while the call statement runs")
	}
	sess.EndStatement()

	// Unknown function and unknown extension are rejected.
	sess2 := f.newSession()
	defer sess2.EndStatement()
	if err := ProcessCalls(context.Background(), f.env, sess2,
		[]RoutineRef{{Extension: "complex", Function: "nosuch"}}); err == nil {
		t.Error("unknown function should be rejected")
	}
	if err := ProcessCalls(context.Background(), f.env, sess2,
		[]RoutineRef{{Extension: "ghost", Function: "magnitude"}}); err == nil {
		t.Error("unknown extension should be rejected")
	}
}

func TestValidationRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession()
	defer sess.EndStatement()

	// Forge a context-free entry by dropping the descriptor first.
	guard := f.env.Vict.WriteGuard()
	if err := f.env.Vict.TypeDescriptors().MarkForDeletion("seed",
		victionary.NewTypeDescriptorKey("c", "complex", "1.0.0")); err != nil {
		t.Fatal(err)
	}
	guard.Release()
	f.env.Vict.CommitAll("seed")

	fields := []CreateField{{Name: "x", TypeContext: f.tc}}
	if err := ProcessCreate(context.Background(), f.env, sess, "InnoDB", "db", "t", fields); err == nil {
		t.Fatal("validation should reject a type with no committed descriptor")
	}
}

func TestStoreAndRollbackWithBackingTable(t *testing.T) {
	store, err := systable.Open(filepath.Join(t.TempDir(), "system.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	vict := victionary.New(systable.Backing(store))
	if err := vict.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	desc := victionary.NewTypeDescriptor(
		victionary.NewTypeDescriptorKey("c", "complex", "1.0.0"),
		0, 16, 64,
		func(buf, from []byte) (uint64, bool) { return 0, false },
		func(data, to []byte) (uint64, bool) { return 0, false },
		func(a, b []byte) int { return 0 },
		nil)
	guard := vict.WriteGuard()
	if err := vict.TypeDescriptors().MarkForInsertion("seed", desc); err != nil {
		t.Fatal(err)
	}
	guard.Release()
	vict.CommitAll("seed")

	env := Env{Vict: vict, UDFs: veb.NewUDFRegistry()}
	locks := mdl.NewManager()

	scope := arena.New()
	defer scope.Clear()
	ctxKey := victionary.NewTypeContextKey(desc.Key(), victionary.TypeParameters{})
	wguard := vict.WriteGuard()
	tc, err := vict.TypeContexts().AcquireOrCreate(ctxKey, scope, func() (*victionary.TypeContext, error) {
		return victionary.NewTypeContext(ctxKey, desc), nil
	})
	wguard.Release()
	if err != nil {
		t.Fatal(err)
	}

	// A successful DDL: stage, store, commit both layers.
	sess := session.New(locks)
	if err := ProcessCreate(context.Background(), env, sess, "InnoDB", "db", "t",
		[]CreateField{{Name: "x", TypeContext: tc}}); err != nil {
		t.Fatal(err)
	}
	tx, err := store.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := Store(context.Background(), env, sess, tx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	Commit(env, sess)
	sess.EndStatement()

	// A failed DDL: stage then roll back; nothing reaches the table.
	sess2 := session.New(locks)
	if err := ProcessCreate(context.Background(), env, sess2, "InnoDB", "db", "t",
		[]CreateField{{Name: "y", TypeContext: tc}}); err != nil {
		t.Fatal(err)
	}
	Rollback(env, sess2)
	sess2.EndStatement()

	// A fresh registry over the same store sees exactly one column.
	vict2 := victionary.New(systable.Backing(store))
	if err := vict2.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	rguard := vict2.ReadGuard()
	defer rguard.Release()
	cols := vict2.CustomColumnsForTable("db", "t")
	if len(cols) != 1 || cols[0].ColumnName() != "x" {
		t.Errorf("persisted columns = %v", cols)
	}
}
