// Package semverx implements the version/track comparison rules of spec.md
// §4.C–§4.E: strict semver parsing, track-vs-pre-release matching, and the
// zero-padded sort keys the Registry uses so lexical order matches semver
// order. Grounded on the Masterminds/semver/v3 dependency (DESIGN.md).
package semverx

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

// UnreleasedPrefix is the special version that skips the existence check
// (the "unreleased-pipeline escape hatch" of §4.E).
const UnreleasedPrefix = "0.0.0"

// Parse parses a version strictly, the way the Registry client must before
// any comparison.
func Parse(version string) (*semver.Version, error) {
	v, err := semver.StrictNewVersion(version)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid semver %q", version)
	}
	return v, nil
}

// Track returns the pre-release segment of a version, which is the track
// name per the Glossary ("Encoded as the pre-release segment").
func Track(v *semver.Version) string {
	return v.Prerelease()
}

// IsUnreleased reports whether v is the special `0.0.0*` escape hatch.
func IsUnreleased(v *semver.Version) bool {
	return v.Major() == 0 && v.Minor() == 0 && v.Patch() == 0
}

// TrackMatches validates that the track embedded in version's pre-release
// segment matches the declared track (Module invariant iv).
func TrackMatches(v *semver.Version, declaredTrack string) bool {
	return Track(v) == declaredTrack
}

// Comparison is the result of comparing two versions per §4.E: equality is
// checked ignoring build metadata first, then by build metadata.
type Comparison int

const (
	// Older means the candidate is strictly less than the existing version.
	Older Comparison = iota
	// SameNoBuild means the versions are equal once build metadata is
	// dropped, but their build metadata differs.
	SameNoBuild
	// Identical means the versions, including build metadata, are equal —
	// callers must report ModuleVersionExists.
	Identical
	// Newer means the candidate is strictly greater.
	Newer
)

// Compare implements §4.E's comparison rule: parse strictly, drop build
// metadata for the primary comparison; if equal, compare build metadata;
// otherwise the numerically-higher version (ignoring build) is newer.
func Compare(candidate, existing *semver.Version) Comparison {
	c := stripBuild(candidate)
	e := stripBuild(existing)
	switch c.Compare(e) {
	case -1:
		return Older
	case 1:
		return Newer
	default:
		if candidate.Metadata() == existing.Metadata() {
			return Identical
		}
		return SameNoBuild
	}
}

func stripBuild(v *semver.Version) *semver.Version {
	s, err := semver.NewVersion(fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch()))
	if err != nil {
		return v
	}
	if v.Prerelease() != "" {
		s, err = s.SetPrerelease(v.Prerelease())
		if err != nil {
			return v
		}
	}
	return &s
}

// ZeroPadded renders a version as the three-digit-per-component sort key
// the Registry uses as its VERSION# range key, e.g. "1.2.3" -> "001.002.003".
// Pre-release/build segments are appended verbatim after the numeric key so
// that distinct pre-releases of the same numeric triple still sort by their
// original string ordering relative to each other. Any key with a suffix
// sorts after the bare key of the same triple ("001.002.003" <
// "001.002.003-rc"), the reverse of semver's pre-release precedence.
func ZeroPadded(v *semver.Version) (string, error) {
	if v.Major() > 999 || v.Minor() > 999 || v.Patch() > 999 {
		return "", errors.Errorf("version component exceeds 999: %s", v.String())
	}
	key := fmt.Sprintf("%03d.%03d.%03d", v.Major(), v.Minor(), v.Patch())
	if p := v.Prerelease(); p != "" {
		key += "-" + p
	}
	if m := v.Metadata(); m != "" {
		key += "+" + m
	}
	return key, nil
}

// ZeroPadComponent zero-pads a single numeric string component to three
// digits, used when building sort keys from already-split version strings.
func ZeroPadComponent(s string) (string, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return "", errors.Wrapf(err, "invalid numeric component %q", s)
	}
	if n > 999 {
		return "", errors.Errorf("component %d exceeds 999", n)
	}
	return fmt.Sprintf("%03d", n), nil
}

// SnakeToCamel converts a snake_case identifier to camelCase, as used by
// the name round-trip invariant and by variable/output key translation.
func SnakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// CamelToSnake converts a camelCase identifier to snake_case.
func CamelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RoundTrips reports whether snake_to_camel_to_snake(name) == name, the
// universal invariant of §8.
func RoundTrips(snakeName string) bool {
	return CamelToSnake(SnakeToCamel(snakeName)) == snakeName
}
