// Package catalog holds immutable snapshots of add-ons and the version rules used to compare them.
package catalog

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ParseVersion parses an add-on or host version. A leading "v" is accepted.
func ParseVersion(raw string) (*semver.Version, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("version is empty")
	}
	v, err := semver.NewVersion(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", raw, err)
	}
	return v, nil
}

// CompareVersions compares two version strings.
// Returns: 1 if a > b, -1 if a < b, 0 if equal. Unparseable versions sort before valid ones.
func CompareVersions(a, b string) int {
	va, errA := ParseVersion(a)
	vb, errB := ParseVersion(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

// MatchesConstraint reports whether version satisfies the semver constraint.
// An empty constraint matches every valid version.
func MatchesConstraint(version, constraint string) bool {
	v, err := ParseVersion(version)
	if err != nil {
		return false
	}
	if strings.TrimSpace(constraint) == "" {
		return true
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	return c.Check(v)
}
