// Package stack implements the Stack Composer (component D): it reads a
// stack.yaml plus a directory of claim files and synthesises a Module whose
// module_type is "stack", per spec.md §4.D.
//
// Grounded on internal/module's manifest/validate split, generalized to the
// Stack's claim-level structure; cycle detection is written as an explicit
// iterative DFS per spec.md §9's design note ("never rely on recursion
// limits").
package stack

import (
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/infraweave-io/infraweave/internal/domain"
	"github.com/infraweave-io/infraweave/internal/ierrors"
)

// StackExample is one `spec.examples[]` entry of stack.yaml: variables are
// grouped by claim name, all keys camelCase (§4.D step 13).
type StackExample struct {
	Name        string                    `yaml:"name"`
	Description string                    `yaml:"description,omitempty"`
	Claims      map[string]map[string]any `yaml:"claims"`
}

// StackManifestSpec is `spec` on stack.yaml.
type StackManifestSpec struct {
	StackName                string              `yaml:"stackName"`
	Version                  string              `yaml:"version,omitempty"`
	Description              string              `yaml:"description"`
	Reference                string              `yaml:"reference"`
	InlineTerraform          string              `yaml:"inlineTerraform,omitempty"`
	StackVariableDefinitions []domain.TFVariable `yaml:"stackVariableDefinitions,omitempty"`
	Examples                 []StackExample      `yaml:"examples,omitempty"`
}

// StackManifest is the parsed contents of stack.yaml.
type StackManifest struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Metadata   struct {
		Name string `yaml:"name"`
	} `yaml:"metadata"`
	Spec StackManifestSpec `yaml:"spec"`
}

// ParseStackManifest loads and minimally validates stack.yaml's shape.
func ParseStackManifest(raw []byte) (*StackManifest, error) {
	var m StackManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, ierrors.Wrap(ierrors.KindInvalidModuleSchema, err, "cannot parse stack.yaml")
	}
	if m.Kind != "Stack" {
		return nil, ierrors.Newf(ierrors.KindValidationError, "expected kind Stack, got %q", m.Kind)
	}
	return &m, nil
}

// ValidateStackName mirrors module.ValidateName for the stack name.
func ValidateStackName(stackName string) (string, error) {
	if stackName == "" {
		return "", ierrors.New(ierrors.KindValidationError, "stack name must not be empty")
	}
	r := []rune(stackName)
	if !unicode.IsUpper(r[0]) {
		return "", ierrors.Newf(ierrors.KindValidationError, "stackName %q must start with an uppercase letter", stackName)
	}
	for _, c := range r {
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) {
			return "", ierrors.Newf(ierrors.KindValidationError, "stackName %q must be strictly alphanumeric", stackName)
		}
	}
	return strings.ToLower(stackName), nil
}

// ValidateClaimMetadataName checks §4.D step 3's claim-name invariant:
// lowercase-alphanumeric starting with a letter.
func ValidateClaimMetadataName(name string) error {
	if name == "" {
		return ierrors.New(ierrors.KindValidationError, "claim metadata.name must not be empty")
	}
	r := []rune(name)
	if !unicode.IsLower(r[0]) || !unicode.IsLetter(r[0]) {
		return ierrors.Newf(ierrors.KindValidationError, "claim name %q must start with a lowercase letter", name)
	}
	for _, c := range r {
		if !unicode.IsLower(c) && !unicode.IsDigit(c) {
			return ierrors.Newf(ierrors.KindValidationError, "claim name %q must be lowercase-alphanumeric", name)
		}
	}
	return nil
}

// ValidateClaimForStack checks §4.D step 3's per-claim shape invariants
// beyond the name: moduleVersion set, stackVersion unset, region "N/A",
// namespace unset.
func ValidateClaimForStack(c domain.Claim) error {
	if err := ValidateClaimMetadataName(c.Metadata.Name); err != nil {
		return err
	}
	if c.Metadata.Namespace != "" {
		return ierrors.Newf(ierrors.KindValidationError, "claim %q must not set metadata.namespace inside a stack", c.Metadata.Name)
	}
	if c.Spec.ModuleVersion == "" || c.Spec.StackVersion != "" {
		return ierrors.Newf(ierrors.KindValidationError, "claim %q must set moduleVersion and not stackVersion", c.Metadata.Name)
	}
	if c.Spec.Region != "N/A" {
		return ierrors.Newf(ierrors.KindValidationError, "claim %q must set region to \"N/A\" inside a stack", c.Metadata.Name)
	}
	return nil
}

// DuplicateClaimNames fails with KindDuplicateClaimNames when two claims
// share a metadata.name.
func DuplicateClaimNames(claims []domain.Claim) error {
	seen := map[string]bool{}
	for _, c := range claims {
		if seen[c.Metadata.Name] {
			return ierrors.Newf(ierrors.KindDuplicateClaimNames, "duplicate claim name %q", c.Metadata.Name)
		}
		seen[c.Metadata.Name] = true
	}
	return nil
}
