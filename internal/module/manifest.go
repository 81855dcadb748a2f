// Package module implements the Module Publisher (component C):
// publish_module, deprecate_module, and precheck_module, per spec.md §4.C.
//
// Grounded on the teacher's internal/controller/workspace/workspace.go
// staging pattern (an afero scratch directory, cleaned up by a garbage
// collector) adapted here into a manifest-staging scratch dir, and on its
// golang.org/x/sync/errgroup use for the region fan-out (DESIGN.md).
package module

import (
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/infraweave-io/infraweave/internal/ierrors"
)

// ManifestProvider is one `spec.providers[]` entry of module.yaml.
type ManifestProvider struct {
	Name string `yaml:"name"`
}

// ManifestExample is one `spec.examples[]` entry. Variables are authored in
// snake_case for Modules and converted to camelCase before persisting
// (§4.C step 13; see DESIGN.md Open Question decisions).
type ManifestExample struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Variables   map[string]any `yaml:"variables"`
}

// ManifestSpec is `spec` on module.yaml.
type ManifestSpec struct {
	ModuleName  string             `yaml:"moduleName"`
	Version     string             `yaml:"version,omitempty"`
	Description string             `yaml:"description"`
	Reference   string             `yaml:"reference"`
	Providers   []ManifestProvider `yaml:"providers"`
	Examples    []ManifestExample  `yaml:"examples,omitempty"`
	CPU         string             `yaml:"cpu,omitempty"`
	Memory      string             `yaml:"memory,omitempty"`
}

// Manifest is the parsed contents of module.yaml.
type Manifest struct {
	APIVersion string       `yaml:"apiVersion"`
	Kind       string       `yaml:"kind"`
	Metadata   struct {
		Name string `yaml:"name"`
	} `yaml:"metadata"`
	Spec ManifestSpec `yaml:"spec"`
}

// ParseManifest loads and minimally validates module.yaml's shape (full
// semantic validation happens in Validate).
func ParseManifest(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, ierrors.Wrap(ierrors.KindInvalidModuleSchema, err, "cannot parse module.yaml")
	}
	if m.Kind != "Module" {
		return nil, ierrors.Newf(ierrors.KindValidationError, "expected kind Module, got %q", m.Kind)
	}
	return &m, nil
}

// ValidateName checks Module invariants (i)-(ii): module == lowercase(module_name);
// module_name begins with an uppercase letter and is strictly alphanumeric.
func ValidateName(moduleName string) (module string, err error) {
	if moduleName == "" {
		return "", ierrors.New(ierrors.KindValidationError, "module name must not be empty")
	}
	r := []rune(moduleName)
	if !unicode.IsUpper(r[0]) {
		return "", ierrors.Newf(ierrors.KindValidationError, "module_name %q must start with an uppercase letter", moduleName)
	}
	for _, c := range r {
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) {
			return "", ierrors.Newf(ierrors.KindValidationError, "module_name %q must be strictly alphanumeric", moduleName)
		}
	}
	return strings.ToLower(moduleName), nil
}

// ResolveVersion implements §4.C step 2: override version from the
// argument when the manifest omits it; fail if both are set.
func ResolveVersion(manifestVersion, argVersion string) (string, error) {
	switch {
	case manifestVersion != "" && argVersion != "":
		return "", ierrors.New(ierrors.KindModuleVersionNotSet, "version set in both manifest and argument")
	case manifestVersion != "":
		return manifestVersion, nil
	case argVersion != "":
		return argVersion, nil
	default:
		return "", ierrors.New(ierrors.KindModuleVersionNotSet, "version not set in manifest or argument")
	}
}

// ReservedEnvPrefix is the reserved prefix routing module inputs out of the
// user-variable surface and into the module call's environment (§9).
const ReservedEnvPrefix = "TF_VAR_INFRAWEAVE_"

// IsReservedEnvVariable reports whether a variable name uses the reserved
// environment-variable prefix.
func IsReservedEnvVariable(name string) bool {
	return strings.HasPrefix(strings.ToUpper(name), ReservedEnvPrefix)
}
