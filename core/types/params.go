package types

import (
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/eatonphil/villagesql-server/core/errors"
	"github.com/eatonphil/villagesql-server/core/victionary"
)

// Type references accept an optional parenthesized parameter list:
//
//	vector
//	vector(dimension=1536)
//	vector(dimension=1536, metric=cosine)
//
// Values may be identifiers, numbers, or quoted strings. Parameter order
// is irrelevant; the parameter set serializes sorted by key.

type typeRef struct {
	Name   string      `parser:"@Ident"`
	Params []typeParam `parser:"('(' (@@ (',' @@)*)? ')')?"`
}

type typeParam struct {
	Key   string     `parser:"@Ident '='"`
	Value paramValue `parser:"@@"`
}

type paramValue struct {
	Ident  *string `parser:"  @Ident"`
	Number *string `parser:"| @Number"`
	Str    *string `parser:"| @String"`
}

func (v paramValue) text() string {
	switch {
	case v.Ident != nil:
		return *v.Ident
	case v.Number != nil:
		return *v.Number
	case v.Str != nil:
		s := *v.Str
		return strings.Trim(s, `'"`)
	}
	return ""
}

var typeRefLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Number", Pattern: `[0-9]+(\.[0-9]+)?`},
	{Name: "String", Pattern: `'[^']*'|"[^"]*"`},
	{Name: "Punct", Pattern: `[(),=]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var typeRefParser = participle.MustBuild[typeRef](
	participle.Lexer(typeRefLexer),
	participle.Elide("Whitespace"),
)

// ParseTypeRef parses a type expression into its name and parameters.
func ParseTypeRef(expr string) (string, victionary.TypeParameters, error) {
	ref, err := typeRefParser.ParseString("", expr)
	if err != nil {
		return "", victionary.TypeParameters{}, errors.NewParse("type reference", "", err.Error())
	}
	if len(ref.Params) == 0 {
		return ref.Name, victionary.TypeParameters{}, nil
	}
	params := make(map[string]string, len(ref.Params))
	for _, p := range ref.Params {
		if _, dup := params[p.Key]; dup {
			return "", victionary.TypeParameters{},
				errors.NewValidation("type parameter", "duplicate parameter "+p.Key)
		}
		params[p.Key] = p.Value.text()
	}
	return ref.Name, victionary.NewTypeParameters(params), nil
}
