package models

import "strings"

// ReleaseStatus is the maturity of a published add-on
type ReleaseStatus string

const (
	ReleaseAlpha   ReleaseStatus = "alpha"
	ReleaseBeta    ReleaseStatus = "beta"
	ReleaseRelease ReleaseStatus = "release"
)

// Valid reports whether the release status is one of the known values
func (s ReleaseStatus) Valid() bool {
	switch s {
	case ReleaseAlpha, ReleaseBeta, ReleaseRelease:
		return true
	}
	return false
}

// InstallationStatus is the local lifecycle state of an add-on
type InstallationStatus string

const (
	StatusAvailable                InstallationStatus = "AVAILABLE"
	StatusDownloading              InstallationStatus = "DOWNLOADING"
	StatusInstalled                InstallationStatus = "INSTALLED"
	StatusUninstallationFailed     InstallationStatus = "UNINSTALLATION_FAILED"
	StatusSoftUninstallationFailed InstallationStatus = "SOFT_UNINSTALLATION_FAILED"
)

// Blocked reports whether the status requires an external reset before the
// add-on can be selected again.
func (s InstallationStatus) Blocked() bool {
	return s == StatusUninstallationFailed || s == StatusSoftUninstallationFailed
}

// Dependency references another add-on, optionally bounded by a semver constraint
type Dependency struct {
	ID      string `json:"id" yaml:"id"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"` // e.g. ">= 1.2.0, < 2.0.0"
}

// Capabilities lists what an add-on registers with the host application.
// The identifiers are opaque here; the host knows how to unload them.
type Capabilities struct {
	Files        []string `json:"files,omitempty" yaml:"files,omitempty"`
	ActiveRules  []string `json:"active_rules,omitempty" yaml:"active_rules,omitempty"`
	PassiveRules []string `json:"passive_rules,omitempty" yaml:"passive_rules,omitempty"`
	Extensions   []string `json:"extensions,omitempty" yaml:"extensions,omitempty"`
}

// ExtensionWeight is how many progress units unloading one extension is worth
const ExtensionWeight = 10

// Weight is the total number of progress units needed to remove these capabilities
func (c Capabilities) Weight() int {
	return len(c.Files) + len(c.ActiveRules) + len(c.PassiveRules) + ExtensionWeight*len(c.Extensions)
}

// AddOn describes a versioned package of the host application
type AddOn struct {
	ID                 string             `json:"id" yaml:"id"`
	Name               string             `json:"name,omitempty" yaml:"name,omitempty"`
	Version            string             `json:"version" yaml:"version"`
	Status             ReleaseStatus      `json:"status" yaml:"status"`
	URL                string             `json:"url,omitempty" yaml:"url,omitempty"`
	Size               int64              `json:"size,omitempty" yaml:"size,omitempty"`
	Hash               string             `json:"hash,omitempty" yaml:"hash,omitempty"` // "<algorithm>:<hex>"
	Dependencies       []Dependency       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	NotBeforeVersion   string             `json:"not_before_version,omitempty" yaml:"not_before_version,omitempty"`
	NotFromVersion     string             `json:"not_from_version,omitempty" yaml:"not_from_version,omitempty"`
	Mandatory          bool               `json:"mandatory,omitempty" yaml:"mandatory,omitempty"`
	InstallationStatus InstallationStatus `json:"installation_status,omitempty" yaml:"-"`
	Capabilities       Capabilities       `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	FilePath           string             `json:"file_path,omitempty" yaml:"-"` // set for installed copies
}

// DisplayName returns the name, falling back to the ID
func (a AddOn) DisplayName() string {
	if strings.TrimSpace(a.Name) != "" {
		return a.Name
	}
	return a.ID
}

// DependsOn reports whether the add-on lists id as a dependency
func (a AddOn) DependsOn(id string) bool {
	for _, dep := range a.Dependencies {
		if dep.ID == id {
			return true
		}
	}
	return false
}

// Key identifies one concrete release of an add-on
func (a AddOn) Key() string {
	return a.ID + "@" + a.Version
}
