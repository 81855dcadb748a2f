// Package reference implements the Reference Resolver (component B): it
// parses `{{ Kind::Name::Field }}` expressions, resolves each to an HCL
// expression string, and builds the cross-claim dependency map the Stack
// Composer needs for cycle detection.
//
// No teacher or pack example carries a templating engine for a grammar this
// small; written directly against regexp/strings the way the teacher's
// internal/terraform/terraform.go uses a single regexp.MustCompile for its
// error-classification pattern (DESIGN.md).
package reference

import (
	"regexp"
	"strings"

	"github.com/infraweave-io/infraweave/internal/ierrors"
	"github.com/infraweave-io/infraweave/internal/semverx"
)

// refPattern matches `{{ Kind::Name::Field }}` tolerating surrounding
// whitespace inside the braces.
var refPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9]+)::([A-Za-z0-9_-]+)::([A-Za-z0-9]+)\s*\}\}`)

// Token is one parsed `{{ Kind::Name::Field }}` occurrence.
type Token struct {
	Kind  string
	Name  string
	Field string // camelCase as written at the surface
	Raw   string // the full "{{ ... }}" substring matched
}

// StackVariablesKind is the reserved Kind naming a stack-level variable
// reference rather than a claim dependency.
const StackVariablesKind = "Stack"

// StackVariablesName is the reserved Name segment used with StackVariablesKind.
const StackVariablesName = "variables"

// FindTokens parses every `{{ Kind::Name::Field }}` occurrence in s.
func FindTokens(s string) []Token {
	matches := refPattern.FindAllStringSubmatch(s, -1)
	tokens := make([]Token, 0, len(matches))
	for _, m := range matches {
		tokens = append(tokens, Token{Kind: m[1], Name: m[2], Field: m[3], Raw: m[0]})
	}
	return tokens
}

// IsStackVariable reports whether t refers to the reserved
// `{{ Stack::variables::Field }}` form.
func (t Token) IsStackVariable() bool {
	return t.Kind == StackVariablesKind && t.Name == StackVariablesName
}

// IsPureToken reports whether s is, in its entirety, a single `{{...}}`
// expression (no surrounding text).
func IsPureToken(s string) bool {
	trimmed := strings.TrimSpace(s)
	return refPattern.MatchString(trimmed) && refPattern.FindString(trimmed) == trimmed
}

// Collection is the set of "<claim_snake>__<field_snake>" keys that exist,
// used for both the variable collection and the output collection.
type Collection map[string]bool

// ResolveResult is the HCL expression string a reference resolves to.
type ResolveResult struct {
	Expression string
	// IsStackVariable marks the resolved reference as a stack-level
	// variable, which is not recorded as a claim dependency.
	IsStackVariable bool
	// ReferencedKey is the key into the output/variable collection the
	// reference resolved against, used by the Stack Composer to build the
	// dependency graph. Empty for stack-variable references.
	ReferencedKey string
}

// Resolve resolves a single raw string value (the full text of a claim
// variable or string field) against the output collection (module outputs,
// keyed "<claim_snake>__<field_snake>") and the variable collection
// (fallback pass-through), returning the HCL expression to emit.
//
// sourceClaim identifies the referencing claim for error reporting; per
// §4.B resolution order is: module output -> module variable
// (pass-through) -> OutputKeyNotFound.
func Resolve(raw, sourceClaim string, outputs, variables Collection) (ResolveResult, error) {
	tokens := FindTokens(raw)
	if len(tokens) == 0 {
		return ResolveResult{Expression: raw}, nil
	}

	if IsPureToken(raw) {
		tok := tokens[0]
		return resolveToken(tok, raw, sourceClaim, outputs, variables)
	}

	// Embedded reference: build "<prefix>${ ... }<suffix>" by substituting
	// each token's resolved inner expression and copying the literal
	// segments; the whole string is escaped and quoted below.
	var b strings.Builder
	rest := raw
	var lastKey string
	var isStackVar bool
	for _, tok := range tokens {
		idx := strings.Index(rest, tok.Raw)
		b.WriteString(rest[:idx])
		res, err := resolveToken(tok, tok.Raw, sourceClaim, outputs, variables)
		if err != nil {
			return ResolveResult{}, err
		}
		b.WriteString("${")
		b.WriteString(res.Expression)
		b.WriteString("}")
		if !res.IsStackVariable {
			lastKey = res.ReferencedKey
		}
		isStackVar = res.IsStackVariable
		rest = rest[idx+len(tok.Raw):]
	}
	b.WriteString(rest)
	// The result is embedded verbatim as an HCL expression (via
	// hclgen.setTraversalExpr), so an interpolated string must carry its
	// own surrounding quotes; a pure-token result stays an unquoted
	// traversal.
	quoted := "\"" + strings.ReplaceAll(b.String(), `"`, `\"`) + "\""
	return ResolveResult{Expression: quoted, ReferencedKey: lastKey, IsStackVariable: isStackVar}, nil
}

func resolveToken(tok Token, raw, sourceClaim string, outputs, variables Collection) (ResolveResult, error) {
	fieldSnake := semverx.CamelToSnake(tok.Field)
	claimSnake := semverx.CamelToSnake(tok.Name)

	if tok.IsStackVariable() {
		return ResolveResult{
			Expression:      "var.stack__" + fieldSnake,
			IsStackVariable: true,
		}, nil
	}

	key := claimSnake + "__" + fieldSnake
	if outputs[key] {
		return ResolveResult{
			Expression:    "module." + claimSnake + "." + fieldSnake,
			ReferencedKey: key,
		}, nil
	}
	if variables[key] {
		return ResolveResult{
			Expression:    "var." + key,
			ReferencedKey: key,
		}, nil
	}
	return ResolveResult{}, ierrors.NewOutputKeyNotFound(sourceClaim, key, raw, tok.Field, tok.Name)
}

// DependencyMap resolves every reference found in a collection of
// "<claim_snake>__<field_snake>" -> raw string pairs, returning, per
// referencing key, the resolved expression and (when applicable) the
// dependency key it points to.
func DependencyMap(sourceClaim string, raws map[string]string, outputs, variables Collection) (map[string]ResolveResult, error) {
	out := make(map[string]ResolveResult, len(raws))
	for k, raw := range raws {
		res, err := Resolve(raw, sourceClaim, outputs, variables)
		if err != nil {
			return nil, err
		}
		out[k] = res
	}
	return out, nil
}
