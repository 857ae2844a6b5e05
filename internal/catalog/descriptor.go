package catalog

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/jaredcannon/addon-manager/internal/models"
	"gopkg.in/yaml.v3"
)

// Descriptor is the on-disk form of a published catalog
type Descriptor struct {
	AddOns []models.AddOn `yaml:"addons"`
}

// ParseDescriptor decodes a YAML descriptor into a catalog
func ParseDescriptor(data []byte) (*Catalog, error) {
	var desc Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i := range desc.AddOns {
		a := &desc.AddOns[i]
		if a.Status == "" {
			a.Status = models.ReleaseRelease
		}
		if !a.Status.Valid() {
			return nil, fmt.Errorf("add-on %q: unknown release status %q", a.ID, a.Status)
		}
		a.InstallationStatus = models.StatusAvailable
	}

	return New(desc.AddOns)
}

// LoadDescriptorFile reads a single YAML descriptor
func LoadDescriptorFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	c, err := ParseDescriptor(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FileSource provides the remote catalog from a descriptor file or a
// directory of descriptor files. It is re-read on every call.
type FileSource struct {
	Path string
}

// NewFileSource creates a source for path
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Catalog loads the current catalog from disk
func (s *FileSource) Catalog() (*Catalog, error) {
	info, err := os.Stat(s.Path)
	if os.IsNotExist(err) {
		log.Printf("[Catalog] Descriptor path not found: %s", s.Path)
		return Empty(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat catalog path: %w", err)
	}
	if !info.IsDir() {
		return LoadDescriptorFile(s.Path)
	}

	files, err := filepath.Glob(filepath.Join(s.Path, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob descriptor files: %w", err)
	}
	ymlFiles, err := filepath.Glob(filepath.Join(s.Path, "*.yml"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob yml files: %w", err)
	}
	files = append(files, ymlFiles...)
	sort.Strings(files)

	var all []models.AddOn
	for _, file := range files {
		c, err := LoadDescriptorFile(file)
		if err != nil {
			log.Printf("[Catalog] Warning: failed to load %s: %v", file, err)
			continue
		}
		all = append(all, c.AddOns()...)
	}

	merged, err := New(all)
	if err != nil {
		return nil, fmt.Errorf("failed to merge descriptors in %s: %w", s.Path, err)
	}
	log.Printf("[Catalog] Loaded %d add-ons from %d descriptor files", merged.Len(), len(files))
	return merged, nil
}
