package veb

import (
	"sync"

	"github.com/eatonphil/villagesql-server/core/errors"
	"github.com/eatonphil/villagesql-server/core/identifier"
	"github.com/eatonphil/villagesql-server/core/vef"
)

// RegisteredFunc is one function registered with the host UDF subsystem
// under its qualified name.
type RegisteredFunc struct {
	Extension string
	Name      string
	Desc      *vef.FuncDesc
	Protocol  vef.Protocol
}

// QualifiedName returns the extension.function lookup key, normalized.
func QualifiedName(extension, function string) string {
	return identifier.NormalizeExtension(extension) + "." + identifier.NormalizeExtension(function)
}

// UDFRegistry stands in for the host UDF subsystem: a process-wide table
// of callable functions keyed by qualified name.
type UDFRegistry struct {
	mu    sync.RWMutex
	funcs map[string]*RegisteredFunc
}

// NewUDFRegistry returns an empty registry.
func NewUDFRegistry() *UDFRegistry {
	return &UDFRegistry{funcs: make(map[string]*RegisteredFunc)}
}

// Register adds a function under extension.name. Duplicates are
// rejected.
func (r *UDFRegistry) Register(extension string, desc *vef.FuncDesc, protocol vef.Protocol) error {
	qn := QualifiedName(extension, desc.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[qn]; exists {
		return errors.NewConflict("function", qn)
	}
	r.funcs[qn] = &RegisteredFunc{
		Extension: extension,
		Name:      desc.Name,
		Desc:      desc,
		Protocol:  protocol,
	}
	return nil
}

// Unregister removes a function; reports whether it was present.
func (r *UDFRegistry) Unregister(extension, name string) bool {
	qn := QualifiedName(extension, name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[qn]; !ok {
		return false
	}
	delete(r.funcs, qn)
	return true
}

// Find looks up a function by extension and name.
func (r *UDFRegistry) Find(extension, name string) (*RegisteredFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.funcs[QualifiedName(extension, name)]
	return f, ok
}

// Len reports the number of registered functions.
func (r *UDFRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.funcs)
}
