// Package identifier normalizes SQL identifiers for use in registry keys.
//
// Database and table names follow the process-wide casing mode, which
// parallels the host's table-name-casing setting. Column, extension, type,
// and property names are always compared case-insensitively, so their
// normalized forms are always lowercase.
package identifier

import (
	"strings"
	"sync/atomic"
)

// CasingMode controls how database and table names are normalized.
type CasingMode int32

const (
	// Sensitive stores and compares database/table names as given.
	Sensitive CasingMode = iota
	// StoreLower stores database/table names lowercased.
	StoreLower
	// CompareLower stores as given but compares lowercased.
	CompareLower
)

func (m CasingMode) String() string {
	switch m {
	case Sensitive:
		return "sensitive"
	case StoreLower:
		return "store_lower"
	case CompareLower:
		return "compare_lower"
	}
	return "unknown"
}

// ParseCasingMode parses a mode name as it appears in configuration.
func ParseCasingMode(s string) (CasingMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sensitive", "0":
		return Sensitive, true
	case "store_lower", "1":
		return StoreLower, true
	case "compare_lower", "2":
		return CompareLower, true
	}
	return Sensitive, false
}

// The mode is process-global, like the host setting it mirrors. It is set
// once at startup and only tests change it afterwards.
var casingMode atomic.Int32

// Mode returns the current casing mode.
func Mode() CasingMode {
	return CasingMode(casingMode.Load())
}

// SetMode sets the process-wide casing mode. Intended for startup and tests.
func SetMode(m CasingMode) {
	casingMode.Store(int32(m))
}

// NormalizeDatabase normalizes a database name per the casing mode.
func NormalizeDatabase(name string) string {
	if Mode() == Sensitive {
		return name
	}
	return strings.ToLower(name)
}

// NormalizeTable normalizes a table name per the casing mode.
func NormalizeTable(name string) string {
	if Mode() == Sensitive {
		return name
	}
	return strings.ToLower(name)
}

// NormalizeColumn normalizes a column name. Column names are always
// case-insensitive.
func NormalizeColumn(name string) string {
	return strings.ToLower(name)
}

// NormalizeExtension normalizes an extension name. Extension names are
// always case-insensitive, like plugin names.
func NormalizeExtension(name string) string {
	return strings.ToLower(name)
}

// NormalizeType normalizes a custom type name. Type names are always
// case-insensitive, like SQL type names.
func NormalizeType(name string) string {
	return strings.ToLower(name)
}

// NormalizeProperty normalizes a property name.
func NormalizeProperty(name string) string {
	return strings.ToLower(name)
}
