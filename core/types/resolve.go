// Package types resolves SQL type references to concrete type contexts
// and wraps the per-type codec callbacks.
package types

import (
	"github.com/eatonphil/villagesql-server/core/arena"
	"github.com/eatonphil/villagesql-server/core/errors"
	"github.com/eatonphil/villagesql-server/core/victionary"
	"github.com/eatonphil/villagesql-server/internal/logging"
)

// ResolveTypeToContext resolves (extension?, type) to a TypeContext with
// the given parameters, scoped to the arena. The extension name may be
// empty, in which case the type name must be unambiguous across installed
// extensions. A type that simply does not exist returns (nil, nil); the
// caller decides whether that is an error.
func ResolveTypeToContext(vict *victionary.Victionary, extension, typeName string,
	params victionary.TypeParameters, scope *arena.Arena) (*victionary.TypeContext, error) {
	if !vict.IsInitialized() {
		logging.Error("type resolution before registry initialization", "type", typeName)
		return nil, errors.Wrap(errors.ErrInternal, "registry not initialized")
	}

	prefix := victionary.NewTypeDescriptorKeyPrefix(typeName, extension)

	// The write guard covers the potential context construction below.
	guard := vict.WriteGuard()
	defer guard.Release()

	matches := vict.TypeDescriptors().GetPrefixCommitted(prefix)
	if len(matches) > 1 {
		logging.Error("ambiguous type reference", "type", typeName, "matches", len(matches))
		return nil, errors.Wrap(errors.ErrInternal, "more than one type matches "+typeName)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	descriptor := matches[0]
	ctxKey := victionary.NewTypeContextKey(descriptor.Key(), params)
	tc, err := vict.TypeContexts().AcquireOrCreate(ctxKey, scope, func() (*victionary.TypeContext, error) {
		if c := victionary.NewTypeContext(ctxKey, descriptor); c != nil {
			return c, nil
		}
		return nil, errors.Wrap(errors.ErrInternal, "constructing type context")
	})
	if err != nil {
		return nil, err
	}
	return tc, nil
}

// ResolveTypeExpr parses a type expression like "vector(dimension=1536)"
// and resolves it. Bare names carry empty parameters.
func ResolveTypeExpr(vict *victionary.Victionary, extension, expr string,
	scope *arena.Arena) (*victionary.TypeContext, error) {
	name, params, err := ParseTypeRef(expr)
	if err != nil {
		return nil, err
	}
	return ResolveTypeToContext(vict, extension, name, params, scope)
}

// AreTypesCompatible reports whether two contexts denote the same
// concrete type.
func AreTypesCompatible(a, b *victionary.TypeContext) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Key().Str() == b.Key().Str()
}
