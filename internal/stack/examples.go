package stack

import "github.com/infraweave-io/infraweave/internal/ierrors"

// ValidateStackExample checks §4.D step 13: the example's top-level keys
// (claim names) must all be present among claimNames, and it must not name
// a claim that doesn't exist in the stack. Unlike a Module example (whose
// variables are snake_case, converted to camelCase on persist — see
// internal/module/examples.go), a Stack example's variable keys are already
// camelCase at authoring time and are not transformed.
func ValidateStackExample(ex StackExample, claimNames []string) error {
	known := make(map[string]bool, len(claimNames))
	for _, n := range claimNames {
		known[n] = true
	}
	for claim := range ex.Claims {
		if !known[claim] {
			return ierrors.Newf(ierrors.KindInvalidExampleVariable, "example %q references unknown claim %q", ex.Name, claim)
		}
	}
	return nil
}
