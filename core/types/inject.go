package types

import (
	"github.com/eatonphil/villagesql-server/core/arena"
	"github.com/eatonphil/villagesql-server/core/errors"
	"github.com/eatonphil/villagesql-server/core/victionary"
	"github.com/eatonphil/villagesql-server/internal/logging"
)

// Field is the slice of the host's field object the subsystem touches: a
// name and the attached type context, if any.
type Field struct {
	Name string

	typeContext *victionary.TypeContext
}

// TypeContext returns the attached context, nil for built-in types.
func (f *Field) TypeContext() *victionary.TypeContext { return f.typeContext }

// SetTypeContext attaches a context; the host calls this from parse when
// a column definition names a custom type.
func (f *Field) SetTypeContext(tc *victionary.TypeContext) { f.typeContext = tc }

// TableShare is the slice of the host's table share the subsystem
// touches: identity, fields, and the share-lifetime arena that scopes
// acquired contexts.
type TableShare struct {
	DB    string
	Table string

	Fields []*Field

	// Arena lives as long as the share; contexts acquired on it outlive
	// any single statement against the table.
	Arena *arena.Arena
}

// InjectCustomTypes cross-references every field of an opened share
// against the custom-columns map and attaches the resolved TypeContext
// to each hit. Afterwards the field behaves as a custom-typed field for
// the rest of the statement.
func InjectCustomTypes(vict *victionary.Victionary, sess victionary.SessionID, share *TableShare) error {
	if !vict.IsInitialized() {
		return nil
	}

	guard := vict.WriteGuard()
	defer guard.Release()

	for _, field := range share.Fields {
		key := victionary.NewColumnKey(share.DB, share.Table, field.Name)
		col, ok := vict.Columns().Get(sess, key.Str())
		if !ok {
			continue
		}

		descKey := victionary.NewTypeDescriptorKey(col.TypeName, col.ExtensionName, col.ExtensionVersion)
		descriptor, ok := vict.TypeDescriptors().GetCommitted(descKey.Str())
		if !ok {
			logging.Error("custom column names an unregistered type",
				"db", share.DB, "table", share.Table, "column", field.Name,
				"type", col.TypeName, "extension", col.ExtensionName,
				"version", col.ExtensionVersion)
			return errors.NewNotFound("type descriptor", descKey.Str())
		}

		ctxKey := victionary.NewTypeContextKey(descKey, victionary.TypeParameters{})
		tc, err := vict.TypeContexts().AcquireOrCreate(ctxKey, share.Arena,
			func() (*victionary.TypeContext, error) {
				if c := victionary.NewTypeContext(ctxKey, descriptor); c != nil {
					return c, nil
				}
				return nil, errors.Wrap(errors.ErrInternal, "constructing type context")
			})
		if err != nil {
			return err
		}
		field.SetTypeContext(tc)
	}
	return nil
}

// TableHasCustomColumns reports whether any committed custom column
// belongs to the table.
func TableHasCustomColumns(vict *victionary.Victionary, db, table string) bool {
	if !vict.IsInitialized() {
		return false
	}
	guard := vict.ReadGuard()
	defer guard.Release()
	return vict.Columns().HasPrefixCommitted(victionary.NewColumnKeyPrefix(db, table))
}
