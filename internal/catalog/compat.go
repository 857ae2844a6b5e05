package catalog

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/jaredcannon/addon-manager/internal/models"
)

// Compatibility checks add-ons against the running host application version
type Compatibility struct {
	host *semver.Version
	raw  string
}

// NewCompatibility creates a checker for the given host version
func NewCompatibility(hostVersion string) (Compatibility, error) {
	v, err := ParseVersion(hostVersion)
	if err != nil {
		return Compatibility{}, fmt.Errorf("host version: %w", err)
	}
	return Compatibility{host: v, raw: hostVersion}, nil
}

// HostVersion returns the host version as configured
func (c Compatibility) HostVersion() string {
	return c.raw
}

// IsCompatible reports whether the add-on's window contains the host version.
// NotBeforeVersion is inclusive, NotFromVersion exclusive. Unset bounds are open.
func (c Compatibility) IsCompatible(a models.AddOn) bool {
	if c.host == nil {
		return true
	}
	if nb := strings.TrimSpace(a.NotBeforeVersion); nb != "" {
		bound, err := ParseVersion(nb)
		if err != nil || c.host.LessThan(bound) {
			return false
		}
	}
	if nf := strings.TrimSpace(a.NotFromVersion); nf != "" {
		bound, err := ParseVersion(nf)
		if err != nil || !c.host.LessThan(bound) {
			return false
		}
	}
	return true
}

// IsUpdateTo reports whether candidate is a newer, host-compatible release of installed
func (c Compatibility) IsUpdateTo(candidate, installed models.AddOn) bool {
	if candidate.ID != installed.ID {
		return false
	}
	if CompareVersions(candidate.Version, installed.Version) <= 0 {
		return false
	}
	if _, err := ParseVersion(candidate.Version); err != nil {
		return false
	}
	return c.IsCompatible(candidate)
}

// Satisfies reports whether a is host-compatible and matches the dependency's constraint
func (c Compatibility) Satisfies(a models.AddOn, dep models.Dependency) bool {
	return a.ID == dep.ID && c.IsCompatible(a) && MatchesConstraint(a.Version, dep.Version)
}
