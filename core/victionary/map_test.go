package victionary

import (
	"context"
	"testing"

	"github.com/eatonphil/villagesql-server/core/arena"
)

func newTestVictionary() *Victionary {
	v := New(Backing{})
	v.InitForTesting()
	return v
}

func colEntry(db, table, col, ext, ver, typ string) *ColumnEntry {
	return NewColumnEntry(NewColumnKey(db, table, col), ext, ver, typ)
}

func descEntry(typ, ext, ver string) *TypeDescriptor {
	return NewTypeDescriptor(NewTypeDescriptorKey(typ, ext, ver), 0, 16, 64,
		func(buf, from []byte) (uint64, bool) { n := copy(buf, from); return uint64(n), false },
		func(data, to []byte) (uint64, bool) { n := copy(to, data); return uint64(n), false },
		func(a, b []byte) int { return 0 },
		nil)
}

func TestGetCommittedMissAndHit(t *testing.T) {
	v := newTestVictionary()
	guard := v.WriteGuard()
	defer guard.Release()

	m := v.TypeDescriptors()
	if _, ok := m.GetCommitted("complex.e.1.0.0"); ok {
		t.Fatal("expected miss on empty map")
	}
	if err := m.MarkForInsertion("s1", descEntry("complex", "e", "1.0.0")); err != nil {
		t.Fatal(err)
	}
	m.Commit("s1")

	e, ok := m.GetCommitted(NewTypeDescriptorKey("complex", "e", "1.0.0").Str())
	if !ok {
		t.Fatal("expected hit after commit")
	}
	if e.TypeName() != "complex" {
		t.Errorf("TypeName = %q", e.TypeName())
	}

	stats := m.GetStats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit 1 miss", stats)
	}
}

// Staged visibility: a session sees its own pending ops in order; other
// sessions and committed state see nothing until commit.
func TestStagedVisibilityWithRename(t *testing.T) {
	v := newTestVictionary()
	guard := v.WriteGuard()
	defer guard.Release()

	m := v.Columns()
	first := colEntry("db", "t", "complex", "E", "1.0.0", "C")
	if err := m.MarkForInsertion("A", first); err != nil {
		t.Fatal(err)
	}
	renamed := colEntry("db", "t", "complex2", "E", "1.0.0", "C")
	if err := m.MarkForUpdate("A", renamed, first.Key()); err != nil {
		t.Fatal(err)
	}

	// Session A sees the renamed entry under both the old and new key.
	got, ok := m.Get("A", first.Key().Str())
	if !ok || got.ColumnName() != "complex2" {
		t.Errorf("Get(A, old key) = %v, %v; want renamed entry", got, ok)
	}
	got, ok = m.Get("A", renamed.Key().Str())
	if !ok || got.ColumnName() != "complex2" {
		t.Errorf("Get(A, new key) = %v, %v; want renamed entry", got, ok)
	}

	// Committed state is untouched, and other sessions see nothing.
	if _, ok := m.GetCommitted(first.Key().Str()); ok {
		t.Error("committed state should not include staged entry")
	}
	if _, ok := m.Get("B", renamed.Key().Str()); ok {
		t.Error("other session should not see staged entry")
	}

	m.Commit("A")

	if _, ok := m.GetCommitted(first.Key().Str()); ok {
		t.Error("old key should be gone after commit")
	}
	if _, ok := m.GetCommitted(renamed.Key().Str()); !ok {
		t.Error("new key should be committed")
	}
}

func TestGetReflectsLastPendingOp(t *testing.T) {
	v := newTestVictionary()
	guard := v.WriteGuard()
	defer guard.Release()

	m := v.Columns()
	key := NewColumnKey("db", "t", "x")

	// Insert -> Delete -> Insert: Get returns the latest insert.
	if err := m.MarkForInsertion("A", NewColumnEntry(key, "E", "1.0.0", "T1")); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkForDeletion("A", key); err != nil {
		t.Fatal(err)
	}
	if got, ok := m.Get("A", key.Str()); ok {
		t.Errorf("Get after staged delete = %v, want miss", got)
	}
	if err := m.MarkForInsertion("A", NewColumnEntry(key, "E", "1.0.0", "T2")); err != nil {
		t.Fatal(err)
	}
	got, ok := m.Get("A", key.Str())
	if !ok || got.TypeName != "T2" {
		t.Errorf("Get = %v, %v; want latest insert T2", got, ok)
	}

	m.Commit("A")
	committed, ok := m.GetCommitted(key.Str())
	if !ok || committed.TypeName != "T2" {
		t.Errorf("commit order violated: got %v, %v", committed, ok)
	}
}

// Rollback restores committed state byte for byte.
func TestRollbackRestoresCommitted(t *testing.T) {
	v := newTestVictionary()
	guard := v.WriteGuard()

	m := v.Columns()
	key := NewColumnKey("db", "t", "x")
	if err := m.MarkForInsertion("A", NewColumnEntry(key, "E", "1.0.0", "T1")); err != nil {
		t.Fatal(err)
	}
	m.Commit("A")

	if err := m.MarkForUpdate("B", NewColumnEntry(key, "E", "1.0.0", "T2"), key); err != nil {
		t.Fatal(err)
	}
	if m.HasUncommitted("B") != true {
		t.Error("HasUncommitted(B) = false")
	}
	m.Rollback("B")
	if m.HasUncommitted("B") {
		t.Error("HasUncommitted(B) after rollback = true")
	}

	got, ok := m.GetCommitted(key.Str())
	if !ok || got.TypeName != "T1" {
		t.Errorf("committed entry after rollback = %v, %v; want T1", got, ok)
	}
	guard.Release()
}

func TestRenameCommitRemovesOnlyOldKey(t *testing.T) {
	v := newTestVictionary()
	guard := v.WriteGuard()
	defer guard.Release()

	m := v.Columns()
	oldEntry := colEntry("db", "t", "a", "E", "1.0.0", "C")
	if err := m.MarkForInsertion("A", oldEntry); err != nil {
		t.Fatal(err)
	}
	m.Commit("A")

	// Rename: committing the update removes the old key, so only the new
	// key survives.
	newEntry := colEntry("db", "t", "b", "E", "1.0.0", "C")
	if err := m.MarkForUpdate("A", newEntry, oldEntry.Key()); err != nil {
		t.Fatal(err)
	}
	m.Commit("A")

	if _, ok := m.GetCommitted(oldEntry.Key().Str()); ok {
		t.Error("old key survived rename commit")
	}
	if _, ok := m.GetCommitted(newEntry.Key().Str()); !ok {
		t.Error("new key missing after rename commit")
	}
}

func TestDataOnlyUpdateKeepsKey(t *testing.T) {
	v := newTestVictionary()
	guard := v.WriteGuard()
	defer guard.Release()

	m := v.Columns()
	key := NewColumnKey("db", "t", "x")
	if err := m.MarkForInsertion("A", NewColumnEntry(key, "E", "1.0.0", "T1")); err != nil {
		t.Fatal(err)
	}
	m.Commit("A")

	if err := m.MarkForUpdate("A", NewColumnEntry(key, "E", "2.0.0", "T1"), key); err != nil {
		t.Fatal(err)
	}
	m.Commit("A")

	got, ok := m.GetCommitted(key.Str())
	if !ok || got.ExtensionVersion != "2.0.0" {
		t.Errorf("data-only update lost: %v, %v", got, ok)
	}
}

func TestPrefixQueries(t *testing.T) {
	v := newTestVictionary()
	guard := v.WriteGuard()
	defer guard.Release()

	m := v.Columns()
	for _, col := range []string{"a", "b", "c"} {
		if err := m.MarkForInsertion("A", colEntry("db", "t1", col, "E", "1.0.0", "C")); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.MarkForInsertion("A", colEntry("db", "t2", "a", "E", "1.0.0", "C")); err != nil {
		t.Fatal(err)
	}
	m.Commit("A")

	prefix := NewColumnKeyPrefix("db", "t1")
	got := m.GetPrefixCommitted(prefix)
	if len(got) != 3 {
		t.Fatalf("prefix query returned %d entries, want 3", len(got))
	}
	if !m.HasPrefixCommitted(prefix) {
		t.Error("HasPrefixCommitted = false")
	}
	// Consistency: has-prefix iff the scan is non-empty.
	empty := NewColumnKeyPrefix("db", "nope")
	if m.HasPrefixCommitted(empty) {
		t.Error("HasPrefixCommitted on absent table = true")
	}
	if len(m.GetPrefixCommitted(empty)) != 0 {
		t.Error("GetPrefixCommitted on absent table not empty")
	}

	all := m.GetAllCommitted()
	if len(all) != 4 {
		t.Errorf("GetAllCommitted returned %d, want 4", len(all))
	}
}

func TestPrefixIsStrict(t *testing.T) {
	v := newTestVictionary()
	guard := v.WriteGuard()
	defer guard.Release()

	m := v.Columns()
	// "db.t1x.a" must not match prefix "db.t1."
	if err := m.MarkForInsertion("A", colEntry("db", "t1x", "a", "E", "1.0.0", "C")); err != nil {
		t.Fatal(err)
	}
	m.Commit("A")

	if m.HasPrefixCommitted(NewColumnKeyPrefix("db", "t1")) {
		t.Error("prefix matched a different table sharing a name prefix")
	}
}

// Arena-scoped acquire outlives the lock: the pointer stays valid after
// guard release, and clearing the arena drops the refcount back to one.
func TestAcquireOutlivesLock(t *testing.T) {
	v := newTestVictionary()
	m := v.TypeDescriptors()

	wguard := v.WriteGuard()
	if err := m.MarkForInsertion("A", descEntry("complex", "e", "1.0.0")); err != nil {
		t.Fatal(err)
	}
	m.Commit("A")
	wguard.Release()

	keyStr := NewTypeDescriptorKey("complex", "e", "1.0.0").Str()
	scope := arena.New()

	rguard := v.ReadGuard()
	entry, ok := m.Acquire(keyStr, scope)
	if !ok {
		t.Fatal("Acquire miss")
	}
	if m.UseCount(keyStr) != 2 {
		t.Errorf("UseCount while acquired = %d, want 2", m.UseCount(keyStr))
	}
	rguard.Release()

	// Still safe to use the entry after the lock is gone.
	if entry.TypeName() != "complex" {
		t.Errorf("TypeName after release = %q", entry.TypeName())
	}

	scope.Clear()
	rguard = v.ReadGuard()
	if m.UseCount(keyStr) != 1 {
		t.Errorf("UseCount after arena clear = %d, want 1", m.UseCount(keyStr))
	}
	rguard.Release()
}

func TestAcquireClientManaged(t *testing.T) {
	v := newTestVictionary()
	m := v.TypeDescriptors()

	wguard := v.WriteGuard()
	if err := m.MarkForInsertion("A", descEntry("complex", "e", "1.0.0")); err != nil {
		t.Fatal(err)
	}
	m.Commit("A")
	wguard.Release()

	keyStr := NewTypeDescriptorKey("complex", "e", "1.0.0").Str()

	rguard := v.ReadGuard()
	h := m.AcquireClientManaged(keyStr)
	if h == nil {
		t.Fatal("AcquireClientManaged returned nil")
	}
	if m.UseCount(keyStr) != 2 {
		t.Errorf("UseCount = %d, want 2", m.UseCount(keyStr))
	}
	rguard.Release()

	h.Release()
	rguard = v.ReadGuard()
	if m.UseCount(keyStr) != 1 {
		t.Errorf("UseCount after release = %d, want 1", m.UseCount(keyStr))
	}
	rguard.Release()

	rguard = v.ReadGuard()
	if h := m.AcquireClientManaged("missing"); h != nil {
		t.Error("AcquireClientManaged on missing key should be nil")
	}
	rguard.Release()
}

func TestAcquireOrCreate(t *testing.T) {
	v := newTestVictionary()

	wguard := v.WriteGuard()
	desc := descEntry("complex", "e", "1.0.0")
	if err := v.TypeDescriptors().MarkForInsertion("A", desc); err != nil {
		t.Fatal(err)
	}
	v.TypeDescriptors().Commit("A")

	ctxKey := NewTypeContextKey(desc.Key(), TypeParameters{})
	scope := arena.New()

	created := 0
	create := func() (*TypeContext, error) {
		created++
		return NewTypeContext(ctxKey, desc), nil
	}
	tc1, err := v.TypeContexts().AcquireOrCreate(ctxKey, scope, create)
	if err != nil {
		t.Fatal(err)
	}
	tc2, err := v.TypeContexts().AcquireOrCreate(ctxKey, scope, create)
	if err != nil {
		t.Fatal(err)
	}
	if created != 1 {
		t.Errorf("create ran %d times, want 1", created)
	}
	if tc1 != tc2 {
		t.Error("AcquireOrCreate should return the cached context")
	}
	// One committed ref + two arena refs.
	if got := v.TypeContexts().UseCount(ctxKey.Str()); got != 3 {
		t.Errorf("UseCount = %d, want 3", got)
	}
	wguard.Release()

	scope.Clear()
	rguard := v.ReadGuard()
	if got := v.TypeContexts().UseCount(ctxKey.Str()); got != 1 {
		t.Errorf("UseCount after clear = %d, want 1", got)
	}
	rguard.Release()
}

func TestSessionlessWritesRejected(t *testing.T) {
	v := newTestVictionary()
	guard := v.WriteGuard()
	defer guard.Release()

	m := v.Columns()
	if err := m.MarkForInsertion("", colEntry("db", "t", "x", "E", "1.0.0", "C")); err == nil {
		t.Error("sessionless insert should be rejected")
	}
	if err := m.MarkForDeletion("", NewColumnKey("db", "t", "x")); err == nil {
		t.Error("sessionless delete should be rejected")
	}
}

func TestSessionlessGetReadsCommitted(t *testing.T) {
	v := newTestVictionary()
	guard := v.WriteGuard()
	defer guard.Release()

	m := v.Columns()
	key := NewColumnKey("db", "t", "x")
	if err := m.MarkForInsertion("A", NewColumnEntry(key, "E", "1.0.0", "C")); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get("", key.Str()); ok {
		t.Error("sessionless Get should not see staged entries")
	}
	m.Commit("A")
	if _, ok := m.Get("", key.Str()); !ok {
		t.Error("sessionless Get should see committed entries")
	}
}

func TestCommitAllAtomicAcrossMaps(t *testing.T) {
	v := newTestVictionary()

	guard := v.WriteGuard()
	desc := descEntry("complex", "e", "1.0.0")
	if err := v.TypeDescriptors().MarkForInsertion("A", desc); err != nil {
		t.Fatal(err)
	}
	if err := v.Extensions().MarkForInsertion("A",
		NewExtensionEntry(NewExtensionKey("e"), "1.0.0", "abc")); err != nil {
		t.Fatal(err)
	}
	guard.Release()

	v.CommitAll("A")

	rguard := v.ReadGuard()
	defer rguard.Release()
	if _, ok := v.TypeDescriptors().GetCommitted(desc.Key().Str()); !ok {
		t.Error("descriptor not committed by CommitAll")
	}
	if _, ok := v.Extensions().GetCommitted(NewExtensionKey("e").Str()); !ok {
		t.Error("extension not committed by CommitAll")
	}
}

func TestRollbackAllDiscardsAcrossMaps(t *testing.T) {
	v := newTestVictionary()

	guard := v.WriteGuard()
	desc := descEntry("complex", "e", "1.0.0")
	if err := v.TypeDescriptors().MarkForInsertion("A", desc); err != nil {
		t.Fatal(err)
	}
	if err := v.Extensions().MarkForInsertion("A",
		NewExtensionEntry(NewExtensionKey("e"), "1.0.0", "abc")); err != nil {
		t.Fatal(err)
	}
	guard.Release()

	v.RollbackAll("A")

	rguard := v.ReadGuard()
	defer rguard.Release()
	if _, ok := v.TypeDescriptors().GetCommitted(desc.Key().Str()); ok {
		t.Error("descriptor committed despite rollback")
	}
	if v.TypeDescriptors().HasUncommitted("A") || v.Extensions().HasUncommitted("A") {
		t.Error("pending ops survived RollbackAll")
	}
}

func TestDoubleInitRejected(t *testing.T) {
	v := newTestVictionary()
	if err := v.Init(context.Background()); err == nil {
		t.Error("Init after InitForTesting should fail")
	}
}

func TestLockAssertions(t *testing.T) {
	v := newTestVictionary()

	defer func() {
		if recover() == nil {
			t.Error("expected panic on unlocked map access")
		}
	}()
	v.Columns().GetCommitted("db.t.x")
}

func TestCustomColumnsForTable(t *testing.T) {
	v := newTestVictionary()
	guard := v.WriteGuard()
	defer guard.Release()

	if err := v.Columns().MarkForInsertion("A", colEntry("db", "t", "x", "E", "1.0.0", "C")); err != nil {
		t.Fatal(err)
	}
	v.Columns().Commit("A")

	cols := v.CustomColumnsForTable("db", "t")
	if len(cols) != 1 || cols[0].ColumnName() != "x" {
		t.Errorf("CustomColumnsForTable = %v", cols)
	}
}
