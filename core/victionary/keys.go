package victionary

import (
	"sort"
	"strings"

	"github.com/eatonphil/villagesql-server/core/identifier"
)

// Key is a strongly-typed map key. Every key carries its original display
// components and a normalized dotted string used for map ordering.
type Key interface {
	// Str returns the normalized key string.
	Str() string
}

// PrefixKey is a normalized prefix for range queries, always ending in
// ".".
type PrefixKey interface {
	Str() string
}

// PropertyKey identifies a properties-table entry.
type PropertyKey struct {
	name       string
	normalized string
}

// NewPropertyKey builds a key from a property name.
func NewPropertyKey(name string) PropertyKey {
	return PropertyKey{name: name, normalized: identifier.NormalizeProperty(name)}
}

// Str returns the normalized key string.
func (k PropertyKey) Str() string { return k.normalized }

// Name returns the original property name.
func (k PropertyKey) Name() string { return k.name }

// ColumnKey identifies a custom_columns-table entry.
// Format: "normalized_db.normalized_table.normalized_column".
type ColumnKey struct {
	db         string
	table      string
	column     string
	normalized string
}

// NewColumnKey builds a key from database, table, and column names.
func NewColumnKey(db, table, column string) ColumnKey {
	return ColumnKey{
		db:     db,
		table:  table,
		column: column,
		normalized: identifier.NormalizeDatabase(db) + "." +
			identifier.NormalizeTable(table) + "." +
			identifier.NormalizeColumn(column),
	}
}

// Str returns the normalized key string.
func (k ColumnKey) Str() string { return k.normalized }

// DB returns the original database name.
func (k ColumnKey) DB() string { return k.db }

// Table returns the original table name.
func (k ColumnKey) Table() string { return k.table }

// Column returns the original column name.
func (k ColumnKey) Column() string { return k.column }

// ColumnKeyPrefix queries all custom columns of a table, or of a whole
// database when the table name is empty.
type ColumnKeyPrefix struct {
	db         string
	table      string
	normalized string
}

// NewColumnKeyPrefix builds a prefix for (db, table). An empty table
// produces the "db." prefix covering every table in the database.
func NewColumnKeyPrefix(db, table string) ColumnKeyPrefix {
	p := identifier.NormalizeDatabase(db) + "."
	if table != "" {
		p += identifier.NormalizeTable(table) + "."
	}
	return ColumnKeyPrefix{db: db, table: table, normalized: p}
}

// Str returns the normalized prefix string.
func (k ColumnKeyPrefix) Str() string { return k.normalized }

// ExtensionKey identifies an extensions-table entry.
type ExtensionKey struct {
	name       string
	normalized string
}

// NewExtensionKey builds a key from an extension name.
func NewExtensionKey(name string) ExtensionKey {
	return ExtensionKey{name: name, normalized: identifier.NormalizeExtension(name)}
}

// Str returns the normalized key string.
func (k ExtensionKey) Str() string { return k.normalized }

// Name returns the original extension name.
func (k ExtensionKey) Name() string { return k.name }

// TypeDescriptorKey identifies a registered custom type.
// Format: "normalized_type.normalized_extension.normalized_version".
type TypeDescriptorKey struct {
	typeName   string
	extension  string
	version    string
	normalized string
}

// NewTypeDescriptorKey builds a key from type name, extension name, and
// extension version. The version is normalized with extension-name rules.
func NewTypeDescriptorKey(typeName, extension, version string) TypeDescriptorKey {
	return TypeDescriptorKey{
		typeName:  typeName,
		extension: extension,
		version:   version,
		normalized: identifier.NormalizeType(typeName) + "." +
			identifier.NormalizeExtension(extension) + "." +
			identifier.NormalizeExtension(version),
	}
}

// Str returns the normalized key string.
func (k TypeDescriptorKey) Str() string { return k.normalized }

// TypeName returns the original type name.
func (k TypeDescriptorKey) TypeName() string { return k.typeName }

// Extension returns the original extension name.
func (k TypeDescriptorKey) Extension() string { return k.extension }

// Version returns the original extension version.
func (k TypeDescriptorKey) Version() string { return k.version }

// TypeDescriptorKeyPrefix queries type descriptors by type name and
// optionally extension name.
type TypeDescriptorKeyPrefix struct {
	typeName   string
	extension  string
	normalized string
}

// NewTypeDescriptorKeyPrefix builds a prefix for a type name with an
// optional extension name qualifier.
func NewTypeDescriptorKeyPrefix(typeName, extension string) TypeDescriptorKeyPrefix {
	p := identifier.NormalizeType(typeName) + "."
	if extension != "" {
		p += identifier.NormalizeExtension(extension) + "."
	}
	return TypeDescriptorKeyPrefix{typeName: typeName, extension: extension, normalized: p}
}

// Str returns the normalized prefix string.
func (k TypeDescriptorKeyPrefix) Str() string { return k.normalized }

// ExtensionDescriptorKey identifies a loaded extension registration.
// Format: "normalized_extension.normalized_version".
type ExtensionDescriptorKey struct {
	extension  string
	version    string
	normalized string
}

// NewExtensionDescriptorKey builds a key from extension name and version.
func NewExtensionDescriptorKey(extension, version string) ExtensionDescriptorKey {
	return ExtensionDescriptorKey{
		extension: extension,
		version:   version,
		normalized: identifier.NormalizeExtension(extension) + "." +
			identifier.NormalizeExtension(version),
	}
}

// Str returns the normalized key string.
func (k ExtensionDescriptorKey) Str() string { return k.normalized }

// Extension returns the original extension name.
func (k ExtensionDescriptorKey) Extension() string { return k.extension }

// Version returns the original extension version.
func (k ExtensionDescriptorKey) Version() string { return k.version }

// TypeParameters holds the concrete instantiation parameters of a custom
// type: the difference between an abstract type (VECTOR) and a concrete
// one (VECTOR(1536)). Parameters serialize as "k1=v1;k2=v2;..." with keys
// in ascending order, so two parameter sets differing only in insertion
// order are equal.
type TypeParameters struct {
	params     map[string]string
	normalized string
}

// NewTypeParameters builds parameters from a map. A nil or empty map
// produces the empty parameter set.
func NewTypeParameters(params map[string]string) TypeParameters {
	if len(params) == 0 {
		return TypeParameters{}
	}
	copied := make(map[string]string, len(params))
	keys := make([]string, 0, len(params))
	for k, v := range params {
		copied[k] = v
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(copied[k])
	}
	return TypeParameters{params: copied, normalized: b.String()}
}

// Empty reports whether there are no parameters.
func (p TypeParameters) Empty() bool { return len(p.params) == 0 }

// Str returns the deterministic serialized form.
func (p TypeParameters) Str() string { return p.normalized }

// Get returns a parameter value, or "" if not present.
func (p TypeParameters) Get(key string) string { return p.params[key] }

// Equal compares on the serialized form.
func (p TypeParameters) Equal(other TypeParameters) bool {
	return p.normalized == other.normalized
}

// TypeContextKey identifies a concrete type instantiation: the descriptor
// key plus parameters. VECTOR(1536) and VECTOR(3) share a descriptor key
// but have distinct context keys.
type TypeContextKey struct {
	descriptorKey TypeDescriptorKey
	parameters    TypeParameters
	normalized    string
}

// NewTypeContextKey combines a descriptor key with parameters.
func NewTypeContextKey(descKey TypeDescriptorKey, params TypeParameters) TypeContextKey {
	n := descKey.Str()
	if !params.Empty() {
		n += "." + params.Str()
	}
	return TypeContextKey{descriptorKey: descKey, parameters: params, normalized: n}
}

// Str returns the normalized key string.
func (k TypeContextKey) Str() string { return k.normalized }

// DescriptorKey returns the underlying type descriptor key.
func (k TypeContextKey) DescriptorKey() TypeDescriptorKey { return k.descriptorKey }

// Parameters returns the instantiation parameters.
func (k TypeContextKey) Parameters() TypeParameters { return k.parameters }
