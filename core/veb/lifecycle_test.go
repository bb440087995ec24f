package veb

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eatonphil/villagesql-server/core/mdl"
	"github.com/eatonphil/villagesql-server/core/session"
	"github.com/eatonphil/villagesql-server/core/systable"
	"github.com/eatonphil/villagesql-server/core/vef"
	"github.com/eatonphil/villagesql-server/core/victionary"
)

// fakeRegistration builds a registration exposing one custom type and
// one function, as a real shared object would.
func fakeRegistration(name, version string, typeNames ...string) *vef.Registration {
	reg := &vef.Registration{
		Protocol:         vef.Protocol1,
		ExtensionName:    name,
		ExtensionVersion: version,
	}
	for _, tn := range typeNames {
		reg.Types = append(reg.Types, &vef.TypeDesc{
			Protocol:              vef.Protocol1,
			Name:                  tn,
			PersistedLength:       16,
			MaxDecodeBufferLength: 64,
			Encode: func(buf, from []byte) (uint64, bool) {
				n := copy(buf, from)
				return uint64(n), false
			},
			Decode: func(data, to []byte) (uint64, bool) {
				n := copy(to, data)
				return uint64(n), false
			},
			Compare: func(a, b []byte) int { return 0 },
		})
	}
	reg.Funcs = append(reg.Funcs, &vef.FuncDesc{
		Protocol: vef.Protocol1,
		Name:     "magnitude",
		Signature: &vef.Signature{
			Params:     []vef.Type{{ID: vef.TypeCustom, CustomType: "c"}},
			ReturnType: vef.Type{ID: vef.TypeReal},
		},
		VDF: func(ctx *vef.Context, args *vef.VDFArgs, result *vef.VDFResult) {
			result.Kind = vef.ResultValue
			result.RealValue = 1.0
		},
	})
	return reg
}

// stubLoader substitutes the shared-object loader with one serving
// registrations by extension name, recording unregister calls.
func stubLoader(t *testing.T, regs map[string]*vef.Registration, unregistered *[]string) {
	t.Helper()
	prev := loadSharedObject
	loadSharedObject = func(soPath string) (vef.RegisterFunc, vef.UnregisterFunc, func() error, error) {
		// The path convention puts the extension name in the file name.
		name := filepath.Base(soPath)
		name = name[:len(name)-len(".so")]
		reg, ok := regs[name]
		if !ok {
			return nil, nil, nil, &mockLoadError{path: soPath}
		}
		register := func(arg *vef.RegisterArg) *vef.Registration { return reg }
		unregister := func(arg *vef.UnregisterArg, r *vef.Registration) {
			if unregistered != nil {
				*unregistered = append(*unregistered, name)
			}
		}
		return register, unregister, func() error { return nil }, nil
	}
	t.Cleanup(func() { loadSharedObject = prev })
}

type mockLoadError struct{ path string }

func (e *mockLoadError) Error() string { return "cannot load " + e.path }

type fixture struct {
	vict      *victionary.Victionary
	store     *systable.Store
	udfs      *UDFRegistry
	installer *Installer
	paths     Paths
	locks     *mdl.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := systable.Open(filepath.Join(t.TempDir(), "system.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	vict := victionary.New(systable.Backing(store))
	if err := vict.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	paths := NewPaths(t.TempDir())
	udfs := NewUDFRegistry()
	return &fixture{
		vict:      vict,
		store:     store,
		udfs:      udfs,
		installer: NewInstaller(vict, store, udfs, paths),
		paths:     paths,
		locks:     mdl.NewManager(),
	}
}

func (f *fixture) newSession() *session.Session {
	return session.New(f.locks)
}

func TestValidateExtensionName(t *testing.T) {
	valid := []string{"a", "complex", "byte_array", "ext-2", "A1"}
	for _, name := range valid {
		if err := ValidateExtensionName(name); err != nil {
			t.Errorf("ValidateExtensionName(%q) = %v", name, err)
		}
	}
	invalid := []string{
		"",
		"1abc",  // leading digit
		"_abc",  // leading underscore
		"abc_",  // trailing underscore
		"abc-",  // trailing hyphen
		"ab cd", // space
		"ab.cd", // dot
	}
	for _, name := range invalid {
		if err := ValidateExtensionName(name); err == nil {
			t.Errorf("ValidateExtensionName(%q) unexpectedly passed", name)
		}
	}
	long := "a"
	for len(long) < 65 {
		long += "a"
	}
	if err := ValidateExtensionName(long); err == nil {
		t.Error("65-character name should fail")
	}
}

func TestInstallRegistersEverything(t *testing.T) {
	f := newFixture(t)
	stubLoader(t, map[string]*vef.Registration{
		"complex": fakeRegistration("complex", "1.0.0", "c"),
	}, nil)
	writeArchive(t, f.paths, "complex", simpleArchive(t, "complex", "1.0.0"))

	sess := f.newSession()
	defer sess.EndStatement()
	if err := f.installer.Install(context.Background(), sess, "complex"); err != nil {
		t.Fatal(err)
	}

	guard := f.vict.ReadGuard()
	defer guard.Release()

	ext, ok := f.vict.Extensions().GetCommitted("complex")
	if !ok {
		t.Fatal("extension row not committed")
	}
	if ext.ExtensionVersion != "1.0.0" || len(ext.VebSHA256) != 64 {
		t.Errorf("extension row = %+v", ext)
	}

	tdKey := victionary.NewTypeDescriptorKey("c", "complex", "1.0.0")
	if _, ok := f.vict.TypeDescriptors().GetCommitted(tdKey.Str()); !ok {
		t.Error("type descriptor not committed")
	}

	edKey := victionary.NewExtensionDescriptorKey("complex", "1.0.0")
	if _, ok := f.vict.ExtensionDescriptors().GetCommitted(edKey.Str()); !ok {
		t.Error("extension descriptor not committed")
	}

	if _, ok := f.udfs.Find("complex", "magnitude"); !ok {
		t.Error("function not registered")
	}
}

func TestInstallDuplicateRejected(t *testing.T) {
	f := newFixture(t)
	stubLoader(t, map[string]*vef.Registration{
		"complex": fakeRegistration("complex", "1.0.0", "c"),
	}, nil)
	writeArchive(t, f.paths, "complex", simpleArchive(t, "complex", "1.0.0"))

	sess := f.newSession()
	if err := f.installer.Install(context.Background(), sess, "complex"); err != nil {
		t.Fatal(err)
	}
	sess.EndStatement()

	sess2 := f.newSession()
	defer sess2.EndStatement()
	if err := f.installer.Install(context.Background(), sess2, "complex"); err == nil {
		t.Fatal("duplicate install should fail")
	}
}

func TestInstallBadNameRejected(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession()
	defer sess.EndStatement()
	if err := f.installer.Install(context.Background(), sess, "1bad"); err == nil {
		t.Fatal("invalid name should fail before any file work")
	}
}

func TestInstallMissingArchive(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession()
	defer sess.EndStatement()
	if err := f.installer.Install(context.Background(), sess, "ghost"); err == nil {
		t.Fatal("missing archive should fail")
	}
	// Nothing leaked into the registry.
	guard := f.vict.ReadGuard()
	defer guard.Release()
	if f.vict.Extensions().HasUncommitted(sess.ID()) {
		t.Error("staged ops survived failed install")
	}
}

func TestUninstallRemovesAndUnloads(t *testing.T) {
	f := newFixture(t)
	var unregistered []string
	stubLoader(t, map[string]*vef.Registration{
		"complex": fakeRegistration("complex", "1.0.0", "c"),
	}, &unregistered)
	writeArchive(t, f.paths, "complex", simpleArchive(t, "complex", "1.0.0"))

	sess := f.newSession()
	if err := f.installer.Install(context.Background(), sess, "complex"); err != nil {
		t.Fatal(err)
	}
	sess.EndStatement()

	sess2 := f.newSession()
	if err := f.installer.Uninstall(context.Background(), sess2, "complex"); err != nil {
		t.Fatal(err)
	}
	sess2.EndStatement()

	guard := f.vict.ReadGuard()
	if _, ok := f.vict.Extensions().GetCommitted("complex"); ok {
		t.Error("extension row survived uninstall")
	}
	tdKey := victionary.NewTypeDescriptorKey("c", "complex", "1.0.0")
	if _, ok := f.vict.TypeDescriptors().GetCommitted(tdKey.Str()); ok {
		t.Error("type descriptor survived uninstall")
	}
	guard.Release()

	if _, ok := f.udfs.Find("complex", "magnitude"); ok {
		t.Error("function survived uninstall")
	}
	if len(unregistered) != 1 || unregistered[0] != "complex" {
		t.Errorf("unregister calls = %v", unregistered)
	}

	// Reinstall after uninstall succeeds and rebuilds the descriptors.
	sess3 := f.newSession()
	defer sess3.EndStatement()
	if err := f.installer.Install(context.Background(), sess3, "complex"); err != nil {
		t.Fatalf("reinstall failed: %v", err)
	}
	guard = f.vict.ReadGuard()
	defer guard.Release()
	if _, ok := f.vict.TypeDescriptors().GetCommitted(tdKey.Str()); !ok {
		t.Error("reinstall did not restore type descriptor")
	}
}

func TestUninstallMissingExtension(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession()
	defer sess.EndStatement()
	if err := f.installer.Uninstall(context.Background(), sess, "ghost"); err == nil {
		t.Fatal("uninstalling an absent extension should fail")
	}
}

func TestUninstallRefusedByDependentColumn(t *testing.T) {
	f := newFixture(t)
	stubLoader(t, map[string]*vef.Registration{
		"complex": fakeRegistration("complex", "1.0.0", "c"),
	}, nil)
	writeArchive(t, f.paths, "complex", simpleArchive(t, "complex", "1.0.0"))

	sess := f.newSession()
	if err := f.installer.Install(context.Background(), sess, "complex"); err != nil {
		t.Fatal(err)
	}
	sess.EndStatement()

	// A committed column depends on the extension.
	colSess := f.newSession()
	guard := f.vict.WriteGuard()
	if err := f.vict.Columns().MarkForInsertion(colSess.ID(),
		victionary.NewColumnEntry(victionary.NewColumnKey("db", "t", "x"), "complex", "1.0.0", "c")); err != nil {
		t.Fatal(err)
	}
	guard.Release()
	f.vict.CommitAll(colSess.ID())

	sess2 := f.newSession()
	err := f.installer.Uninstall(context.Background(), sess2, "complex")
	sess2.EndStatement()
	if err == nil {
		t.Fatal("uninstall should be refused while a column depends on the extension")
	}
	// The message names an offending column.
	if !strings.Contains(err.Error(), "db.t.x") {
		t.Errorf("error %q does not name the offending column", err)
	}

	// Drop the column; uninstall now succeeds.
	guard = f.vict.WriteGuard()
	if err := f.vict.Columns().MarkForDeletion(colSess.ID(),
		victionary.NewColumnKey("db", "t", "x")); err != nil {
		t.Fatal(err)
	}
	guard.Release()
	f.vict.CommitAll(colSess.ID())

	sess3 := f.newSession()
	defer sess3.EndStatement()
	if err := f.installer.Uninstall(context.Background(), sess3, "complex"); err != nil {
		t.Fatalf("uninstall after dropping column failed: %v", err)
	}
}

func TestUninstallRefusedByLiveReference(t *testing.T) {
	f := newFixture(t)
	stubLoader(t, map[string]*vef.Registration{
		"complex": fakeRegistration("complex", "1.0.0", "c"),
	}, nil)
	writeArchive(t, f.paths, "complex", simpleArchive(t, "complex", "1.0.0"))

	sess := f.newSession()
	if err := f.installer.Install(context.Background(), sess, "complex"); err != nil {
		t.Fatal(err)
	}
	sess.EndStatement()

	// Hold a client-managed reference to the type descriptor.
	tdKey := victionary.NewTypeDescriptorKey("c", "complex", "1.0.0")
	guard := f.vict.ReadGuard()
	h := f.vict.TypeDescriptors().AcquireClientManaged(tdKey.Str())
	guard.Release()
	if h == nil {
		t.Fatal("descriptor handle missing")
	}

	sess2 := f.newSession()
	err := f.installer.Uninstall(context.Background(), sess2, "complex")
	sess2.EndStatement()
	if err == nil {
		t.Fatal("uninstall should be refused while a descriptor reference is held")
	}

	h.Release()
	sess3 := f.newSession()
	defer sess3.EndStatement()
	if err := f.installer.Uninstall(context.Background(), sess3, "complex"); err != nil {
		t.Fatalf("uninstall after releasing reference failed: %v", err)
	}
}

func TestStartupLoad(t *testing.T) {
	f := newFixture(t)
	var unregistered []string
	stubLoader(t, map[string]*vef.Registration{
		"complex": fakeRegistration("complex", "1.0.0", "c"),
	}, &unregistered)
	writeArchive(t, f.paths, "complex", simpleArchive(t, "complex", "1.0.0"))

	sess := f.newSession()
	if err := f.installer.Install(context.Background(), sess, "complex"); err != nil {
		t.Fatal(err)
	}
	sess.EndStatement()

	// Simulate a restart: fresh registry and UDF registry over the same
	// store and archive directory.
	vict2 := victionary.New(systable.Backing(f.store))
	if err := vict2.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	udfs2 := NewUDFRegistry()
	installer2 := NewInstaller(vict2, f.store, udfs2, f.paths)

	// Plant an orphaned expansion to be garbage-collected.
	stale := f.paths.ExpansionDir("complex", "1111111111111111111111111111111111111111111111111111111111111111")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}

	boot := f.newSession()
	defer boot.EndStatement()
	if err := installer2.LoadInstalledExtensions(context.Background(), boot); err != nil {
		t.Fatal(err)
	}

	guard := vict2.ReadGuard()
	defer guard.Release()
	tdKey := victionary.NewTypeDescriptorKey("c", "complex", "1.0.0")
	if _, ok := vict2.TypeDescriptors().GetCommitted(tdKey.Str()); !ok {
		t.Error("startup load did not re-register the type")
	}
	if _, ok := udfs2.Find("complex", "magnitude"); !ok {
		t.Error("startup load did not re-register the function")
	}
	if _, err := os.Stat(stale); err == nil {
		t.Error("orphaned expansion survived startup cleanup")
	}
}

func TestStartupLoadVersionMismatch(t *testing.T) {
	f := newFixture(t)
	stubLoader(t, map[string]*vef.Registration{
		"complex": fakeRegistration("complex", "1.0.0", "c"),
	}, nil)
	writeArchive(t, f.paths, "complex", simpleArchive(t, "complex", "1.0.0"))

	sess := f.newSession()
	if err := f.installer.Install(context.Background(), sess, "complex"); err != nil {
		t.Fatal(err)
	}
	sess.EndStatement()

	// Replace the archive with a different manifest version.
	writeArchive(t, f.paths, "complex", simpleArchive(t, "complex", "9.9.9"))

	vict2 := victionary.New(systable.Backing(f.store))
	if err := vict2.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	installer2 := NewInstaller(vict2, f.store, NewUDFRegistry(), f.paths)

	boot := f.newSession()
	defer boot.EndStatement()
	if err := installer2.LoadInstalledExtensions(context.Background(), boot); err == nil {
		t.Fatal("manifest version mismatch should refuse startup load")
	}
}
