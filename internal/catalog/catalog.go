package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jaredcannon/addon-manager/internal/models"
)

// Catalog is an immutable point-in-time mapping of add-on ID to add-on.
// The reverse dependency index is built once at construction.
type Catalog struct {
	entries    map[string]models.AddOn
	ids        []string
	dependents map[string][]string
}

// Empty returns a catalog with no entries
func Empty() *Catalog {
	c, _ := New(nil)
	return c
}

// New builds a catalog. IDs must be non-empty and unique, versions must parse.
func New(addOns []models.AddOn) (*Catalog, error) {
	c := &Catalog{
		entries:    make(map[string]models.AddOn, len(addOns)),
		ids:        make([]string, 0, len(addOns)),
		dependents: make(map[string][]string),
	}

	for _, a := range addOns {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return nil, fmt.Errorf("add-on missing required 'id' field")
		}
		if _, exists := c.entries[id]; exists {
			return nil, fmt.Errorf("duplicate add-on id %q", id)
		}
		if _, err := ParseVersion(a.Version); err != nil {
			return nil, fmt.Errorf("add-on %q: %w", id, err)
		}
		a.ID = id
		a.Dependencies = append([]models.Dependency(nil), a.Dependencies...)
		c.entries[id] = a
		c.ids = append(c.ids, id)
	}
	sort.Strings(c.ids)

	for _, id := range c.ids {
		seen := make(map[string]bool)
		for _, dep := range c.entries[id].Dependencies {
			if seen[dep.ID] {
				continue
			}
			seen[dep.ID] = true
			c.dependents[dep.ID] = append(c.dependents[dep.ID], id)
		}
	}

	return c, nil
}

// Len returns the number of entries
func (c *Catalog) Len() int {
	return len(c.ids)
}

// Get returns the add-on with the given ID
func (c *Catalog) Get(id string) (models.AddOn, bool) {
	a, ok := c.entries[id]
	if !ok {
		return models.AddOn{}, false
	}
	a.Dependencies = append([]models.Dependency(nil), a.Dependencies...)
	return a, true
}

// Has reports whether the catalog contains id
func (c *Catalog) Has(id string) bool {
	_, ok := c.entries[id]
	return ok
}

// IDs returns all IDs in sorted order
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.ids...)
}

// AddOns returns all entries sorted by ID
func (c *Catalog) AddOns() []models.AddOn {
	out := make([]models.AddOn, 0, len(c.ids))
	for _, id := range c.ids {
		a, _ := c.Get(id)
		out = append(out, a)
	}
	return out
}

// Dependents returns the IDs of entries that list id as a dependency, sorted
func (c *Catalog) Dependents(id string) []string {
	return append([]string(nil), c.dependents[id]...)
}

// DiffNew returns IDs present in other but absent from c, sorted
func (c *Catalog) DiffNew(other *Catalog) []string {
	var out []string
	for _, id := range other.ids {
		if !c.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

// DiffUpdated returns IDs present in both where other's entry is an update to c's, sorted
func (c *Catalog) DiffUpdated(other *Catalog, compat Compatibility) []string {
	var out []string
	for _, id := range c.ids {
		candidate, ok := other.entries[id]
		if !ok {
			continue
		}
		if compat.IsUpdateTo(candidate, c.entries[id]) {
			out = append(out, id)
		}
	}
	return out
}

// With returns a new catalog with the given entries added or replaced
func (c *Catalog) With(addOns ...models.AddOn) (*Catalog, error) {
	merged := make(map[string]models.AddOn, len(c.entries)+len(addOns))
	for id, a := range c.entries {
		merged[id] = a
	}
	for _, a := range addOns {
		merged[a.ID] = a
	}
	list := make([]models.AddOn, 0, len(merged))
	for _, a := range merged {
		list = append(list, a)
	}
	return New(list)
}

// Without returns a new catalog with the given IDs removed
func (c *Catalog) Without(ids ...string) *Catalog {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	list := make([]models.AddOn, 0, len(c.entries))
	for _, id := range c.ids {
		if !drop[id] {
			list = append(list, c.entries[id])
		}
	}
	// entries already validated, New cannot fail here
	out, _ := New(list)
	return out
}
