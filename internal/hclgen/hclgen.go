// Package hclgen holds the HCL synthesis helpers shared between the Module
// Publisher (component C) and the Stack Composer (component D): building
// root projects, provider/variable/output blocks, and module call blocks.
//
// No retrieved example repo synthesizes HCL (cloudposse-atmos's hcl/v2
// dependency is used only for parsing/inspection); this package is written
// fresh against hclwrite's documented builder API (DESIGN.md).
package hclgen

import (
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"

	"github.com/infraweave-io/infraweave/internal/domain"
	"github.com/infraweave-io/infraweave/internal/value"
)

// rawExprTokens turns an already-rendered HCL expression string (a
// traversal like "module.foo.bar" or an interpolated string like
// "\"prefix-${var.x}\"") into hclwrite tokens, by round-tripping it through
// a throwaway attribute. hclwrite has no direct "set raw expression from
// string" API; this is the documented workaround.
func rawExprTokens(expr string) (hclwrite.Tokens, error) {
	tmp, diags := hclwrite.ParseConfig([]byte("x = "+expr+"\n"), "<generated>", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, errors.Errorf("invalid generated HCL expression %q: %s", expr, diags.Error())
	}
	attr := tmp.Body().GetAttribute("x")
	return attr.Expr().BuildTokens(nil), nil
}

func setTraversalExpr(body *hclwrite.Body, name, expr string) error {
	toks, err := rawExprTokens(expr)
	if err != nil {
		return err
	}
	body.SetAttributeRaw(name, toks)
	return nil
}

// NewFile returns an empty HCL file ready for block emission.
func NewFile() *hclwrite.File {
	return hclwrite.NewEmptyFile()
}

// WriteVariableBlock emits a `variable "<name>" { ... }` block.
func WriteVariableBlock(f *hclwrite.File, v domain.TFVariable) error {
	blk := f.Body().AppendNewBlock("variable", []string{v.Name})
	body := blk.Body()
	if v.Type != "" {
		if err := setTraversalExpr(body, "type", v.Type); err != nil {
			return errors.Wrapf(err, "type for variable %q", v.Name)
		}
	}
	if v.Description != "" {
		body.SetAttributeValue("description", cty.StringVal(v.Description))
	}
	if v.Default != nil {
		cv, err := v.Default.ToCty()
		if err != nil {
			return errors.Wrapf(err, "default for variable %q", v.Name)
		}
		body.SetAttributeValue("default", cv)
	}
	if v.Nullable {
		body.SetAttributeValue("nullable", cty.BoolVal(true))
	}
	f.Body().AppendNewline()
	return nil
}

// WriteOutputBlock emits an `output "<name>" { value = <expr> }` block. The
// expr is a raw HCL traversal/expression string (e.g. "module.foo.bar").
func WriteOutputBlock(f *hclwrite.File, name, description, expr string) error {
	blk := f.Body().AppendNewBlock("output", []string{name})
	body := blk.Body()
	if err := setTraversalExpr(body, "value", expr); err != nil {
		return errors.Wrapf(err, "value for output %q", name)
	}
	if description != "" {
		body.SetAttributeValue("description", cty.StringVal(description))
	}
	f.Body().AppendNewline()
	return nil
}

// WriteModuleCallBlock emits a `module "<name>" { source = "<source>" ... }`
// block, one entry per input (name -> HCL expression string) in a stable,
// sorted order so emitted files are deterministic byte-for-byte.
func WriteModuleCallBlock(f *hclwrite.File, name, source string, inputs map[string]string, extraEnv map[string]string) error {
	blk := f.Body().AppendNewBlock("module", []string{name})
	body := blk.Body()
	body.SetAttributeValue("source", cty.StringVal(source))

	keys := sortedKeys(inputs)
	for _, k := range keys {
		if err := setTraversalExpr(body, k, inputs[k]); err != nil {
			return errors.Wrapf(err, "input %q for module %q", k, name)
		}
	}
	if len(extraEnv) > 0 {
		envKeys := sortedKeys(extraEnv)
		envMap := make(map[string]cty.Value, len(envKeys))
		for _, k := range envKeys {
			envMap[k] = cty.StringVal(extraEnv[k])
		}
		body.SetAttributeValue("environment_variables", cty.MapVal(envMap))
	}
	f.Body().AppendNewline()
	return nil
}

// RequiredProviderEntry is one provider source+version for the
// terraform.required_providers block.
type RequiredProviderEntry struct {
	Name    string
	Source  string
	Version string
}

// WriteTerraformRequiredProviders emits:
//
//	terraform { required_providers { <name> = { source = "...", version = "..." } } }
func WriteTerraformRequiredProviders(f *hclwrite.File, entries []RequiredProviderEntry) {
	tfBlk := f.Body().AppendNewBlock("terraform", nil)
	rpBlk := tfBlk.Body().AppendNewBlock("required_providers", nil)
	sorted := append([]RequiredProviderEntry{}, entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, e := range sorted {
		rpBlk.Body().SetAttributeValue(e.Name, cty.ObjectVal(map[string]cty.Value{
			"source":  cty.StringVal(e.Source),
			"version": cty.StringVal(e.Version),
		}))
	}
	f.Body().AppendNewline()
}

// WriteProviderBlock copies a provider configuration block verbatim, using
// its already-parsed attribute values.
func WriteProviderBlock(f *hclwrite.File, name string, attrs []value.ObjectField) error {
	blk := f.Body().AppendNewBlock("provider", []string{name})
	for _, a := range attrs {
		cv, err := a.Value.ToCty()
		if err != nil {
			return errors.Wrapf(err, "provider %q attribute %q", name, a.Key)
		}
		blk.Body().SetAttributeValue(a.Key, cv)
	}
	f.Body().AppendNewline()
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
