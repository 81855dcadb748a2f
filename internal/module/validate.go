package module

import (
	"github.com/infraweave-io/infraweave/internal/domain"
	"github.com/infraweave-io/infraweave/internal/ierrors"
	"github.com/infraweave-io/infraweave/internal/semverx"
)

// ValidateVariableNaming checks the round-trip invariant (vi) for every
// declared variable.
func ValidateVariableNaming(vars []domain.TFVariable) error {
	for _, v := range vars {
		if !semverx.RoundTrips(v.Name) {
			return ierrors.Newf(ierrors.KindInvalidVariableNaming, "variable %q does not survive snake_case<->camelCase round-trip", v.Name)
		}
		if IsReservedEnvVariable(v.Name) {
			return ierrors.Newf(ierrors.KindInvalidVariableNaming, "variable %q uses the reserved environment-variable prefix", v.Name)
		}
	}
	return nil
}

// ValidateOutputNaming checks the round-trip invariant (vi) for every
// declared output.
func ValidateOutputNaming(outs []domain.TFOutput) error {
	for _, o := range outs {
		if !semverx.RoundTrips(o.Name) {
			return ierrors.Newf(ierrors.KindInvalidOutputNaming, "output %q does not survive snake_case<->camelCase round-trip", o.Name)
		}
	}
	return nil
}

// ValidateRequiredProviders checks invariant (vii): non-empty.
func ValidateRequiredProviders(rp []domain.RequiredProvider) error {
	if len(rp) == 0 {
		return ierrors.New(ierrors.KindNoRequiredProvidersDefined, "module declares no required providers")
	}
	return nil
}

// ValidateNoDuplicateProviderConfigNames fails when two declared providers
// share a configuration name (§4.C step 3).
func ValidateNoDuplicateProviderConfigNames(providers []ManifestProvider) error {
	seen := map[string]bool{}
	for _, p := range providers {
		if seen[p.Name] {
			return ierrors.Newf(ierrors.KindValidationError, "duplicate provider configuration name %q", p.Name)
		}
		seen[p.Name] = true
	}
	if len(providers) == 0 {
		return ierrors.New(ierrors.KindNoProvidersDefined, "module declares no providers")
	}
	return nil
}

// ValidateNoBackendBlock fails when a `backend` block is present among the
// parsed top-level block types (§4.C step 9).
func ValidateNoBackendBlock(topLevelBlockTypes []string) error {
	for _, t := range topLevelBlockTypes {
		if t == "backend" {
			return ierrors.New(ierrors.KindInvalidModuleSchema, "module source may not declare a backend block")
		}
	}
	return nil
}

// ValidateTrackMatchesVersion checks invariant (iv).
func ValidateTrackMatchesVersion(version, declaredTrack string) error {
	v, err := semverx.Parse(version)
	if err != nil {
		return ierrors.Wrap(ierrors.KindValidationError, err, "invalid semver")
	}
	if !semverx.TrackMatches(v, declaredTrack) {
		return ierrors.Newf(ierrors.KindValidationError, "track %q does not match version pre-release segment %q", declaredTrack, v.Prerelease())
	}
	return nil
}
