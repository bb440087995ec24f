package victionary

import (
	"github.com/eatonphil/villagesql-server/core/vef"
)

// Entry is anything storable in a SystemTableMap.
type Entry interface {
	// EntryKey returns the entry's typed key.
	EntryKey() Key
}

// PropertyEntry is a row of the properties system table. Properties are
// write-once during bootstrap; update and delete are not implemented by
// the backing table traits.
type PropertyEntry struct {
	key PropertyKey

	Value       string
	Description string
}

// NewPropertyEntry builds an entry with all fields.
func NewPropertyEntry(key PropertyKey, value, description string) *PropertyEntry {
	return &PropertyEntry{key: key, Value: value, Description: description}
}

// EntryKey returns the typed key.
func (e *PropertyEntry) EntryKey() Key { return e.key }

// Key returns the typed property key.
func (e *PropertyEntry) Key() PropertyKey { return e.key }

// Name returns the original property name.
func (e *PropertyEntry) Name() string { return e.key.Name() }

// ColumnEntry is a row of the custom_columns system table: one column of
// a user table that uses a custom type.
type ColumnEntry struct {
	key ColumnKey

	ExtensionName    string
	ExtensionVersion string
	TypeName         string
}

// NewColumnEntry builds an entry with all fields.
func NewColumnEntry(key ColumnKey, extName, extVersion, typeName string) *ColumnEntry {
	return &ColumnEntry{
		key:              key,
		ExtensionName:    extName,
		ExtensionVersion: extVersion,
		TypeName:         typeName,
	}
}

// EntryKey returns the typed key.
func (e *ColumnEntry) EntryKey() Key { return e.key }

// Key returns the typed column key.
func (e *ColumnEntry) Key() ColumnKey { return e.key }

// DBName returns the original database name.
func (e *ColumnEntry) DBName() string { return e.key.DB() }

// TableName returns the original table name.
func (e *ColumnEntry) TableName() string { return e.key.Table() }

// ColumnName returns the original column name.
func (e *ColumnEntry) ColumnName() string { return e.key.Column() }

// ExtensionEntry is a row of the extensions system table: one installed
// extension.
type ExtensionEntry struct {
	key ExtensionKey

	ExtensionVersion string
	// VebSHA256 is the content hash of the archive that was unpacked to
	// produce the currently-loaded shared object.
	VebSHA256 string
}

// NewExtensionEntry builds an entry with all fields.
func NewExtensionEntry(key ExtensionKey, version, sha256 string) *ExtensionEntry {
	return &ExtensionEntry{key: key, ExtensionVersion: version, VebSHA256: sha256}
}

// EntryKey returns the typed key.
func (e *ExtensionEntry) EntryKey() Key { return e.key }

// Key returns the typed extension key.
func (e *ExtensionEntry) Key() ExtensionKey { return e.key }

// ExtensionName returns the original extension name.
func (e *ExtensionEntry) ExtensionName() string { return e.key.Name() }

// TypeDescriptor is the immutable in-memory descriptor of a custom type,
// built from an extension registration. It holds the type's callbacks
// directly; the callbacks stay valid while the owning shared object is
// loaded.
type TypeDescriptor struct {
	key TypeDescriptorKey

	// ImplementationType is an opaque small integer selecting the host
	// storage representation.
	ImplementationType uint8

	// PersistedLength is the stored size of the binary representation.
	PersistedLength int64

	// MaxDecodeBufferLength bounds the decoded string representation.
	MaxDecodeBufferLength int64

	Encode  vef.EncodeFunc
	Decode  vef.DecodeFunc
	Compare vef.CompareFunc
	// Hash may be nil; callers fall back to a binary hash of the encoded
	// bytes.
	Hash vef.HashFunc
}

// NewTypeDescriptor builds a descriptor with all fields. hash may be nil.
func NewTypeDescriptor(key TypeDescriptorKey, implType uint8, persistedLen, maxDecodeLen int64,
	encode vef.EncodeFunc, decode vef.DecodeFunc, compare vef.CompareFunc, hash vef.HashFunc) *TypeDescriptor {
	return &TypeDescriptor{
		key:                   key,
		ImplementationType:    implType,
		PersistedLength:       persistedLen,
		MaxDecodeBufferLength: maxDecodeLen,
		Encode:                encode,
		Decode:                decode,
		Compare:               compare,
		Hash:                  hash,
	}
}

// EntryKey returns the typed key.
func (e *TypeDescriptor) EntryKey() Key { return e.key }

// Key returns the typed descriptor key.
func (e *TypeDescriptor) Key() TypeDescriptorKey { return e.key }

// TypeName returns the original type name.
func (e *TypeDescriptor) TypeName() string { return e.key.TypeName() }

// ExtensionName returns the original extension name.
func (e *TypeDescriptor) ExtensionName() string { return e.key.Extension() }

// ExtensionVersion returns the original extension version.
func (e *TypeDescriptor) ExtensionVersion() string { return e.key.Version() }

// Registration is the live handle to a loaded shared object, carried by
// an ExtensionDescriptor. Closer unloads the shared object; Unregister is
// the extension's unregister entry point.
type Registration struct {
	Registration *vef.Registration
	SoPath       string
	Unregister   vef.UnregisterFunc
	Closer       func() error
}

// ExtensionDescriptor is the in-memory record of a loaded extension: the
// registration blobs the shared object exposed plus the handles needed to
// unload it after uninstall commits.
type ExtensionDescriptor struct {
	key ExtensionDescriptorKey

	Reg Registration
}

// NewExtensionDescriptor builds a descriptor around a live registration.
func NewExtensionDescriptor(key ExtensionDescriptorKey, reg Registration) *ExtensionDescriptor {
	return &ExtensionDescriptor{key: key, Reg: reg}
}

// EntryKey returns the typed key.
func (e *ExtensionDescriptor) EntryKey() Key { return e.key }

// Key returns the typed descriptor key.
func (e *ExtensionDescriptor) Key() ExtensionDescriptorKey { return e.key }

// ExtensionName returns the original extension name.
func (e *ExtensionDescriptor) ExtensionName() string { return e.key.Extension() }

// ExtensionVersion returns the original extension version.
func (e *ExtensionDescriptor) ExtensionVersion() string { return e.key.Version() }

// TypeContext is a concrete custom type: a TypeDescriptor plus its
// instantiation parameters. Immutable after construction.
//
// The descriptor reference is non-owning: nothing references back, and
// refcount safety against uninstall comes from the uninstall check that
// refuses to destroy a descriptor with live contexts, not from an
// ownership graph. A context pointer handed out for a statement stays
// valid because the statement holds the shared extension lock that
// uninstall's exclusive lock must wait out.
type TypeContext struct {
	key TypeContextKey

	descriptor *TypeDescriptor
}

// NewTypeContext builds a context over a committed descriptor. The
// descriptor must have been read under the registry lock and must match
// the key's descriptor key.
func NewTypeContext(key TypeContextKey, descriptor *TypeDescriptor) *TypeContext {
	if descriptor == nil || descriptor.Key() != key.DescriptorKey() {
		return nil
	}
	return &TypeContext{key: key, descriptor: descriptor}
}

// EntryKey returns the typed key.
func (e *TypeContext) EntryKey() Key { return e.key }

// Key returns the typed context key.
func (e *TypeContext) Key() TypeContextKey { return e.key }

// Descriptor returns the underlying type descriptor.
func (e *TypeContext) Descriptor() *TypeDescriptor { return e.descriptor }

// Parameters returns the instantiation parameters.
func (e *TypeContext) Parameters() TypeParameters { return e.key.Parameters() }

// TypeName returns the original type name.
func (e *TypeContext) TypeName() string { return e.descriptor.TypeName() }

// ExtensionName returns the original extension name.
func (e *TypeContext) ExtensionName() string { return e.descriptor.ExtensionName() }

// ExtensionVersion returns the original extension version.
func (e *TypeContext) ExtensionVersion() string { return e.descriptor.ExtensionVersion() }
