package types

import (
	"github.com/spaolacci/murmur3"

	"github.com/eatonphil/villagesql-server/core/errors"
	"github.com/eatonphil/villagesql-server/core/vef"
	"github.com/eatonphil/villagesql-server/core/victionary"
)

// defaultDecodeBufferSize bounds decode output when the descriptor gives
// no limit.
const defaultDecodeBufferSize = 4096

// EncodeString converts a string representation to the type's persisted
// binary form. isNull reports that the type mapped the input to SQL null.
func EncodeString(tc *victionary.TypeContext, s string) (encoded []byte, isNull bool, err error) {
	desc := tc.Descriptor()
	size := desc.PersistedLength
	if size <= 0 {
		size = defaultDecodeBufferSize
	}
	buf := make([]byte, size)
	n, fail := desc.Encode(buf, []byte(s))
	if fail {
		return nil, false, errors.NewValidation(tc.TypeName(), "cannot encode value")
	}
	if n == vef.NullLength {
		return nil, true, nil
	}
	if n > uint64(len(buf)) {
		return nil, false, errors.Wrap(errors.ErrInternal, "encode overran its buffer")
	}
	return buf[:n], false, nil
}

// DecodeString converts a persisted binary value back to its string
// representation.
func DecodeString(tc *victionary.TypeContext, encoded []byte) (string, error) {
	desc := tc.Descriptor()
	size := desc.MaxDecodeBufferLength
	if size <= 0 {
		size = defaultDecodeBufferSize
	}
	buf := make([]byte, size)
	n, fail := desc.Decode(encoded, buf)
	if fail {
		return "", errors.NewValidation(tc.TypeName(), "cannot decode value")
	}
	if n > uint64(len(buf)) {
		return "", errors.Wrap(errors.ErrInternal, "decode overran its buffer")
	}
	return string(buf[:n]), nil
}

// CompareValues three-way compares two persisted values, ascending.
func CompareValues(tc *victionary.TypeContext, a, b []byte) int {
	return tc.Descriptor().Compare(a, b)
}

// HashValue hashes a persisted value with the type's hash function, or
// the default binary hash when the type does not provide one. Types
// relying on the default must encode equivalent values to identical
// bytes.
func HashValue(tc *victionary.TypeContext, data []byte) uint64 {
	if h := tc.Descriptor().Hash; h != nil {
		return h(data)
	}
	return DefaultValueHash(data)
}

// DefaultValueHash is the binary hash applied when a type has no hash
// callback.
func DefaultValueHash(data []byte) uint64 {
	return murmur3.Sum64(data)
}
