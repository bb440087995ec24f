// Package semver wraps semantic version parsing and precedence for
// extension versions.
//
// Versions follow semver.org 2.0.0 strictly: MAJOR.MINOR.PATCH with
// optional pre-release and build metadata, leading zeros rejected in
// numeric identifiers. Build metadata never participates in ordering or
// equality.
package semver

import (
	blang "github.com/blang/semver/v4"

	"github.com/eatonphil/villagesql-server/core/errors"
)

// Version is a parsed semantic version.
type Version struct {
	v blang.Version
}

// Parse parses a version string strictly. It returns a ParseError for
// anything that is not a full MAJOR.MINOR.PATCH version, including
// leading zeros in numeric identifiers.
func Parse(s string) (Version, error) {
	v, err := blang.Parse(s)
	if err != nil {
		return Version{}, errors.NewParse("semver", "", err.Error())
	}
	return Version{v: v}, nil
}

// MustParse parses a version string and panics on failure. For use with
// literals in tests and bootstrap code.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsValid reports whether s parses as a strict semantic version.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Major returns the MAJOR component.
func (v Version) Major() uint64 { return v.v.Major }

// Minor returns the MINOR component.
func (v Version) Minor() uint64 { return v.v.Minor }

// Patch returns the PATCH component.
func (v Version) Patch() uint64 { return v.v.Patch }

// HasPrerelease reports whether the version carries pre-release
// identifiers.
func (v Version) HasPrerelease() bool { return len(v.v.Pre) > 0 }

// HasBuildMetadata reports whether the version carries build metadata.
func (v Version) HasBuildMetadata() bool { return len(v.v.Build) > 0 }

// Compare returns -1, 0, or +1 by semver precedence. Build metadata is
// ignored: 1.0.0+a and 1.0.0+b compare equal.
func (v Version) Compare(other Version) int {
	return v.v.Compare(other.v)
}

// Equal reports precedence equality (build metadata ignored).
func (v Version) Equal(other Version) bool { return v.Compare(other) == 0 }

// LT reports v < other by precedence.
func (v Version) LT(other Version) bool { return v.Compare(other) < 0 }

// GT reports v > other by precedence.
func (v Version) GT(other Version) bool { return v.Compare(other) > 0 }

// String renders the version, including any build metadata.
func (v Version) String() string { return v.v.String() }
