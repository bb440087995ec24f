package veb

import (
	"context"
	"fmt"

	"github.com/eatonphil/villagesql-server/core/errors"
	"github.com/eatonphil/villagesql-server/core/identifier"
	"github.com/eatonphil/villagesql-server/core/session"
	"github.com/eatonphil/villagesql-server/core/systable"
	"github.com/eatonphil/villagesql-server/core/victionary"
	"github.com/eatonphil/villagesql-server/internal/logging"
)

// Reserved lock names for the host's global locks. The "#" prefix cannot
// collide with extension lock names, which always start with a letter.
const (
	globalReadLockName = "#global_read_lock"
	backupLockName     = "#backup_lock"
)

// ValidateExtensionName enforces the archive naming rules: 1-64
// characters, leading alphabetic, trailing alphanumeric, body limited to
// letters, digits, underscore, and hyphen.
func ValidateExtensionName(name string) error {
	if name == "" {
		return errors.NewValidation("extension_name", "cannot be empty")
	}
	if len(name) > 64 {
		return errors.NewValidation("extension_name",
			fmt.Sprintf("'%s' exceeds maximum length of 64 characters", name))
	}
	first := name[0]
	if !isAlpha(first) {
		return errors.NewValidation("extension_name",
			fmt.Sprintf("'%s' must start with a letter", name))
	}
	last := name[len(name)-1]
	if !isAlnum(last) {
		return errors.NewValidation("extension_name",
			fmt.Sprintf("'%s' must end with a letter or digit", name))
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isAlnum(c) && c != '_' && c != '-' {
			return errors.NewValidation("extension_name",
				fmt.Sprintf("'%s' contains invalid character '%c' (only letters, digits, underscore, and hyphen allowed)", name, c))
		}
	}
	return nil
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isAlnum(c byte) bool {
	return isAlpha(c) || (c >= '0' && c <= '9')
}

// Installer runs the extension lifecycle: install, uninstall, and
// startup loading.
type Installer struct {
	vict  *victionary.Victionary
	store *systable.Store
	udfs  *UDFRegistry
	paths Paths
}

// NewInstaller wires the lifecycle against a registry, its backing
// store, the function registry, and the archive root.
func NewInstaller(vict *victionary.Victionary, store *systable.Store, udfs *UDFRegistry, paths Paths) *Installer {
	return &Installer{vict: vict, store: store, udfs: udfs, paths: paths}
}

// acquireGlobalLocks takes the global shared read lock and the backup
// lock, in that order.
func acquireGlobalLocks(ctx context.Context, sess *session.Session) error {
	if err := sess.Locks().AcquireShared(ctx, globalReadLockName); err != nil {
		return err
	}
	return sess.Locks().AcquireShared(ctx, backupLockName)
}

// Install implements INSTALL EXTENSION <name>. The statement is
// DDL-like: binlogging is suppressed (the system tables are not
// replicated) and autocommit is suspended so the row write and the
// in-memory commit land together.
func (in *Installer) Install(ctx context.Context, sess *session.Session, name string) error {
	restoreBinlog := sess.DisableBinlog()
	defer restoreBinlog()
	restoreAutocommit := sess.DisableAutocommit()
	defer restoreAutocommit()

	logging.Info("installing extension", "extension", name)

	if err := ValidateExtensionName(name); err != nil {
		return err
	}

	lockCtx, cancel := sess.LockWaitContext(ctx)
	defer cancel()
	if err := acquireGlobalLocks(lockCtx, sess); err != nil {
		return err
	}

	// The per-extension exclusive lock is the single point serializing
	// install/uninstall against DDL that references the extension.
	if err := sess.Locks().AcquireExclusive(lockCtx, identifier.NormalizeExtension(name)); err != nil {
		return err
	}

	manifest, err := in.paths.LoadManifest(name)
	if err != nil {
		return err
	}
	version := manifest.Version

	// Fail fast on a duplicate before any expensive work. The
	// authoritative re-check happens later under the write guard.
	guard := in.vict.ReadGuard()
	_, exists := in.vict.Extensions().GetCommitted(victionary.NewExtensionKey(name).Str())
	guard.Release()
	if exists {
		return errors.NewConflict("extension", name)
	}

	// Expansion is content-addressed: failures past this point leave the
	// directory behind, and startup garbage-collects orphans.
	_, sha, err := in.paths.Expand(name)
	if err != nil {
		return err
	}

	reg, err := LoadExtension(in.paths.SharedObjectPath(name, sha))
	if err != nil {
		return err
	}

	fail := func(err error) error {
		unregisterVDFs(in.udfs, name, reg)
		in.vict.RollbackAll(sess.ID())
		return err
	}

	wguard := in.vict.WriteGuard()
	if err := registerTypes(in.vict, sess.ID(), name, version, reg); err != nil {
		wguard.Release()
		return fail(err)
	}
	if _, err := registerVDFs(in.udfs, name, reg); err != nil {
		wguard.Release()
		return fail(err)
	}
	if err := in.vict.ExtensionDescriptors().MarkForInsertion(sess.ID(),
		victionary.NewExtensionDescriptor(
			victionary.NewExtensionDescriptorKey(name, version), reg)); err != nil {
		wguard.Release()
		return fail(err)
	}

	// Authoritative duplicate check now that the write guard closes the
	// race, then stage the extension row.
	if _, exists := in.vict.Extensions().GetCommitted(victionary.NewExtensionKey(name).Str()); exists {
		wguard.Release()
		return fail(errors.NewConflict("extension", name))
	}
	if err := in.vict.Extensions().MarkForInsertion(sess.ID(),
		victionary.NewExtensionEntry(victionary.NewExtensionKey(name), version, sha)); err != nil {
		wguard.Release()
		return fail(err)
	}
	wguard.Release()

	tx, err := in.store.Begin(ctx)
	if err != nil {
		return fail(err)
	}
	if err := in.vict.WriteAllUncommitted(ctx, sess.ID(), tx); err != nil {
		tx.Rollback()
		return fail(errors.Wrapf(err, "writing extension %q to table", name))
	}
	if err := tx.Commit(); err != nil {
		return fail(errors.Wrap(err, "committing install transaction"))
	}
	in.vict.CommitAll(sess.ID())

	logging.Info("extension installed", "extension", name, "version", version, "sha256", sha)
	return nil
}

// columnsOfExtension reports the custom columns bound to an extension at
// a version. Caller must hold a guard.
func columnsOfExtension(vict *victionary.Victionary, extName, extVersion string) (count int, first *victionary.ColumnEntry) {
	for _, col := range vict.Columns().GetAllCommitted() {
		if col.ExtensionName == extName && col.ExtensionVersion == extVersion {
			if count == 0 {
				first = col
			}
			count++
		}
	}
	return count, first
}

// removeFromRegistry stages every deletion for an uninstall under one
// write guard: contexts first (they point at descriptors), then
// descriptors, the extension row, and the extension descriptor. Returns
// the registration to unload after commit.
func (in *Installer) removeFromRegistry(sess *session.Session, name string) (*victionary.Registration, error) {
	wguard := in.vict.WriteGuard()
	defer wguard.Release()

	entry, ok := in.vict.Extensions().GetCommitted(victionary.NewExtensionKey(name).Str())
	if !ok {
		return nil, errors.NewNotFound("extension", name)
	}
	version := entry.ExtensionVersion

	// RESTRICT: refuse while any column depends on the extension.
	if count, first := columnsOfExtension(in.vict, entry.ExtensionName(), version); count > 0 {
		return nil, errors.NewInUse("extension", name,
			fmt.Sprintf("%d column(s) depend on it, e.g. %s.%s.%s has type %s",
				count, first.DBName(), first.TableName(), first.ColumnName(), first.TypeName))
	}

	// Anything outside the registry still holding a context or
	// descriptor blocks the uninstall.
	contexts := in.vict.TypeContexts().GetAllCommitted()
	for _, tc := range contexts {
		if tc.ExtensionName() == entry.ExtensionName() && tc.ExtensionVersion() == version {
			if in.vict.TypeContexts().UseCount(tc.Key().Str()) > 1 {
				return nil, errors.NewInUse("extension", name,
					"type "+tc.TypeName()+" is currently in use")
			}
		}
	}
	descriptors := in.vict.TypeDescriptors().GetAllCommitted()
	for _, td := range descriptors {
		if td.ExtensionName() == entry.ExtensionName() && td.ExtensionVersion() == version {
			if in.vict.TypeDescriptors().UseCount(td.Key().Str()) > 1 {
				return nil, errors.NewInUse("extension", name,
					"type "+td.TypeName()+" is currently in use")
			}
		}
	}

	for _, tc := range contexts {
		if tc.ExtensionName() == entry.ExtensionName() && tc.ExtensionVersion() == version {
			if err := in.vict.TypeContexts().MarkForDeletion(sess.ID(), tc.Key()); err != nil {
				return nil, err
			}
		}
	}
	for _, td := range descriptors {
		if td.ExtensionName() == entry.ExtensionName() && td.ExtensionVersion() == version {
			if err := in.vict.TypeDescriptors().MarkForDeletion(sess.ID(), td.Key()); err != nil {
				return nil, err
			}
		}
	}
	if err := in.vict.Extensions().MarkForDeletion(sess.ID(), entry.Key()); err != nil {
		return nil, err
	}

	var toUnload *victionary.Registration
	descKey := victionary.NewExtensionDescriptorKey(entry.ExtensionName(), version)
	if ed, ok := in.vict.ExtensionDescriptors().GetCommitted(descKey.Str()); ok {
		reg := ed.Reg
		toUnload = &reg
		if err := in.vict.ExtensionDescriptors().MarkForDeletion(sess.ID(), ed.Key()); err != nil {
			return nil, err
		}
	}
	return toUnload, nil
}

// Uninstall implements UNINSTALL EXTENSION <name>. The shared object is
// unloaded only after the transaction commits; unloading earlier would
// leave dangling callbacks if the commit failed.
func (in *Installer) Uninstall(ctx context.Context, sess *session.Session, name string) error {
	restoreBinlog := sess.DisableBinlog()
	defer restoreBinlog()

	lockCtx, cancel := sess.LockWaitContext(ctx)
	defer cancel()
	if err := acquireGlobalLocks(lockCtx, sess); err != nil {
		return err
	}
	if err := sess.Locks().AcquireExclusive(lockCtx, identifier.NormalizeExtension(name)); err != nil {
		return err
	}

	restoreAutocommit := sess.DisableAutocommit()
	defer restoreAutocommit()

	logging.Info("uninstalling extension", "extension", name)

	toUnload, err := in.removeFromRegistry(sess, name)
	if err != nil {
		in.vict.RollbackAll(sess.ID())
		return err
	}

	tx, err := in.store.Begin(ctx)
	if err != nil {
		in.vict.RollbackAll(sess.ID())
		return err
	}
	if err := in.vict.WriteAllUncommitted(ctx, sess.ID(), tx); err != nil {
		tx.Rollback()
		in.vict.RollbackAll(sess.ID())
		return errors.Wrapf(err, "deleting extension %q", name)
	}
	if err := tx.Commit(); err != nil {
		in.vict.RollbackAll(sess.ID())
		return errors.Wrap(err, "committing uninstall transaction")
	}
	in.vict.CommitAll(sess.ID())

	if toUnload != nil {
		// Unregister functions before unloading: the callbacks die with
		// the shared object.
		unregisterVDFs(in.udfs, name, *toUnload)
		UnloadExtension(*toUnload)
	}

	logging.Info("extension uninstalled", "extension", name)
	return nil
}

// LoadInstalledExtensions reloads every committed extension row at
// startup: validates the archive, re-expands it, loads the shared
// object, and re-registers types and functions. It executes no SQL.
// After all extensions load, orphaned expansion directories are removed.
func (in *Installer) LoadInstalledExtensions(ctx context.Context, sess *session.Session) error {
	guard := in.vict.ReadGuard()
	entries := in.vict.Extensions().GetAllCommitted()
	rows := make([]struct{ name, version, sha string }, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, struct{ name, version, sha string }{
			e.ExtensionName(), e.ExtensionVersion, e.VebSHA256,
		})
	}
	guard.Release()

	installed := make(map[string]string, len(rows))
	for _, row := range rows {
		manifest, err := in.paths.LoadManifest(row.name)
		if err != nil {
			return errors.Wrapf(err, "loading installed extension %q", row.name)
		}
		if manifest.Version != row.version {
			return errors.NewValidation("manifest version",
				fmt.Sprintf("extension %q archive has version %s but %s is installed",
					row.name, manifest.Version, row.version))
		}

		_, sha, err := in.paths.Expand(row.name)
		if err != nil {
			return errors.Wrapf(err, "expanding installed extension %q", row.name)
		}
		if sha != row.sha {
			// The archive changed on disk since install. Load what is
			// there and leave the stored hash alone.
			logging.Warn("archive hash differs from installed hash",
				"extension", row.name, "stored", row.sha, "computed", sha)
		}

		reg, err := LoadExtension(in.paths.SharedObjectPath(row.name, sha))
		if err != nil {
			return errors.Wrapf(err, "loading installed extension %q", row.name)
		}

		wguard := in.vict.WriteGuard()
		if err := registerTypes(in.vict, sess.ID(), row.name, row.version, reg); err != nil {
			wguard.Release()
			in.vict.RollbackAll(sess.ID())
			return err
		}
		if err := in.vict.ExtensionDescriptors().MarkForInsertion(sess.ID(),
			victionary.NewExtensionDescriptor(
				victionary.NewExtensionDescriptorKey(row.name, row.version), reg)); err != nil {
			wguard.Release()
			in.vict.RollbackAll(sess.ID())
			return err
		}
		wguard.Release()

		if _, err := registerVDFs(in.udfs, row.name, reg); err != nil {
			in.vict.RollbackAll(sess.ID())
			return err
		}
		in.vict.CommitAll(sess.ID())

		installed[row.name] = sha
		logging.ExtensionLoading(row.name, row.version, "source", "startup")
	}

	return in.paths.CleanupOrphanedExpansions(installed)
}
