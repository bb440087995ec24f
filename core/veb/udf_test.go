package veb

import (
	"testing"

	"github.com/eatonphil/villagesql-server/core/vef"
)

func TestUDFRegistry(t *testing.T) {
	r := NewUDFRegistry()
	desc := &vef.FuncDesc{Name: "Magnitude"}

	if err := r.Register("Complex", desc, vef.Protocol1); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d", r.Len())
	}

	// Lookups are case-insensitive on both components.
	f, ok := r.Find("complex", "magnitude")
	if !ok {
		t.Fatal("Find missed across case")
	}
	if f.Extension != "Complex" || f.Desc != desc {
		t.Errorf("Find = %+v", f)
	}

	// Duplicates are rejected, even across case.
	if err := r.Register("COMPLEX", &vef.FuncDesc{Name: "MAGNITUDE"}, vef.Protocol1); err == nil {
		t.Error("duplicate registration should fail")
	}

	if !r.Unregister("complex", "Magnitude") {
		t.Error("Unregister missed")
	}
	if r.Unregister("complex", "Magnitude") {
		t.Error("second Unregister should report absence")
	}
	if _, ok := r.Find("complex", "magnitude"); ok {
		t.Error("function survived Unregister")
	}
}

func TestQualifiedName(t *testing.T) {
	if got := QualifiedName("Complex", "Magnitude"); got != "complex.magnitude" {
		t.Errorf("QualifiedName = %q", got)
	}
}
