package module

import (
	"github.com/infraweave-io/infraweave/internal/domain"
	"github.com/infraweave-io/infraweave/internal/ierrors"
	"github.com/infraweave-io/infraweave/internal/semverx"
)

// ValidateExample checks §4.C step 13 for a single example: every
// referenced input exists, every required input is supplied or nullable.
// Example keys are snake_case at authoring time for Modules (the Stack
// Composer uses camelCase throughout — see §4.D step 13, implemented
// separately in internal/stack).
func ValidateExample(ex ManifestExample, vars []domain.TFVariable) error {
	byName := make(map[string]domain.TFVariable, len(vars))
	for _, v := range vars {
		byName[v.Name] = v
	}
	for key := range ex.Variables {
		if _, ok := byName[key]; !ok {
			return ierrors.Newf(ierrors.KindInvalidExampleVariable, "example %q references unknown input %q", ex.Name, key)
		}
	}
	for _, v := range vars {
		if !v.Required {
			continue
		}
		if _, supplied := ex.Variables[v.Name]; supplied {
			continue
		}
		if v.Nullable {
			continue
		}
		return ierrors.Newf(ierrors.KindInvalidExampleVariable, "example %q omits required input %q", ex.Name, v.Name)
	}
	return nil
}

// PersistableExample converts an example's snake_case authoring keys to the
// camelCase keys used once persisted (§4.C step 13).
func PersistableExample(ex ManifestExample) ManifestExample {
	out := ManifestExample{Name: ex.Name, Description: ex.Description, Variables: map[string]any{}}
	for k, v := range ex.Variables {
		out.Variables[semverx.SnakeToCamel(k)] = v
	}
	return out
}
