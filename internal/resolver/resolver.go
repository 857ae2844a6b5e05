// Package resolver computes install, update and uninstall plans from a local
// and a remote catalog. It has no side effects: problems are collected as
// issues on the returned change set.
package resolver

import (
	"sort"

	"github.com/jaredcannon/addon-manager/internal/catalog"
	"github.com/jaredcannon/addon-manager/internal/models"
)

// Resolver plans changes against a fixed host version
type Resolver struct {
	compat catalog.Compatibility
}

// New creates a resolver for the given host compatibility
func New(compat catalog.Compatibility) *Resolver {
	return &Resolver{compat: compat}
}

// Compatibility returns the host compatibility used by the resolver
func (r *Resolver) Compatibility() catalog.Compatibility {
	return r.compat
}

// plan accumulates a change set while the dependency walk runs
type plan struct {
	compat catalog.Compatibility
	local  *catalog.Catalog
	remote *catalog.Catalog

	planned map[string]models.AddOn
	queue   []models.AddOn
	cs      ChangeSet
}

func newPlan(compat catalog.Compatibility, local, remote *catalog.Catalog) *plan {
	return &plan{
		compat:  compat,
		local:   local,
		remote:  remote,
		planned: make(map[string]models.AddOn),
		cs:      ChangeSet{roots: make(map[string][]string)},
	}
}

func (p *plan) addInstall(a models.AddOn) {
	p.planned[a.ID] = a
	p.cs.installs = append(p.cs.installs, a)
	p.queue = append(p.queue, a)
}

func (p *plan) addUpdate(old, next models.AddOn) {
	p.planned[next.ID] = next
	p.cs.updates = append(p.cs.updates, Update{Old: old, New: next})
	p.queue = append(p.queue, next)
}

func (p *plan) issue(i Issue) {
	p.cs.issues = append(p.cs.issues, i)
}

// walk resolves the dependencies of everything queued until no new entry is planned
func (p *plan) walk() {
	for len(p.queue) > 0 {
		current := p.queue[0]
		p.queue = p.queue[1:]

		deps := append([]models.Dependency(nil), current.Dependencies...)
		sort.Slice(deps, func(i, j int) bool { return deps[i].ID < deps[j].ID })

		for _, dep := range deps {
			p.resolveDependency(current, dep)
		}
	}
}

func (p *plan) resolveDependency(dependent models.AddOn, dep models.Dependency) {
	if planned, ok := p.planned[dep.ID]; ok {
		if !p.compat.Satisfies(planned, dep) {
			p.issue(newIssue(IssueUnsatisfiedDependency, dependent.ID, dep.ID,
				"%s requires %s %s but %s is planned", dependent.ID, dep.ID, dep.Version, planned.Version))
		}
		return
	}

	installed, isInstalled := p.local.Get(dep.ID)
	if isInstalled && installed.InstallationStatus.Blocked() {
		p.issue(newIssue(IssueBlocked, dependent.ID, dep.ID,
			"%s requires %s, which is %s and needs a reset", dependent.ID, dep.ID, installed.InstallationStatus))
		return
	}
	if isInstalled && p.compat.Satisfies(installed, dep) {
		return
	}

	candidate, available := p.remote.Get(dep.ID)
	if !available || !p.compat.Satisfies(candidate, dep) {
		p.issue(newIssue(IssueUnsatisfiedDependency, dependent.ID, dep.ID,
			"%s requires %s %s, no compatible version is available", dependent.ID, dep.ID, constraintText(dep)))
		return
	}

	if isInstalled {
		if catalog.CompareVersions(candidate.Version, installed.Version) <= 0 {
			p.issue(newIssue(IssueUnsatisfiedDependency, dependent.ID, dep.ID,
				"%s requires %s %s, installed %s cannot be replaced by %s", dependent.ID, dep.ID,
				constraintText(dep), installed.Version, candidate.Version))
			return
		}
		p.addUpdate(installed, candidate)
		return
	}
	p.addInstall(candidate)
}

// checkDependents reports installed add-ons whose constraints an update would break
func (p *plan) checkDependents() {
	for _, u := range p.cs.updates {
		for _, dependentID := range p.local.Dependents(u.New.ID) {
			if _, replaced := p.planned[dependentID]; replaced {
				continue
			}
			dependent, _ := p.local.Get(dependentID)
			for _, dep := range dependent.Dependencies {
				if dep.ID == u.New.ID && !catalog.MatchesConstraint(u.New.Version, dep.Version) {
					p.issue(newIssue(IssueBrokenDependent, u.New.ID, dependentID,
						"updating %s to %s breaks %s, which requires %s", u.New.ID, u.New.Version, dependentID, dep.Version))
				}
			}
		}
	}
}

func (p *plan) finish() ChangeSet {
	p.checkDependents()
	sortAddOns(p.cs.installs)
	sort.Slice(p.cs.updates, func(i, j int) bool { return p.cs.updates[i].New.ID < p.cs.updates[j].New.ID })
	sortIssues(p.cs.issues)
	return p.cs
}

// InstallChanges plans the installation of requested add-ons that are not
// installed yet, pulling in their dependencies from remote. Requested ids
// already installed are left alone.
func (r *Resolver) InstallChanges(local, remote *catalog.Catalog, requested []string) ChangeSet {
	p := newPlan(r.compat, local, remote)

	for _, id := range normalizeIDs(requested) {
		if local.Has(id) {
			continue
		}
		if _, queued := p.planned[id]; queued {
			continue
		}
		candidate, ok := remote.Get(id)
		if !ok {
			p.issue(newIssue(IssueUnknownAddOn, id, "", "%s is not available in the catalog", id))
			continue
		}
		if !r.compat.IsCompatible(candidate) {
			p.issue(newIssue(IssueIncompatibleHost, id, "",
				"%s %s is not compatible with host version %s", id, candidate.Version, r.compat.HostVersion()))
			continue
		}
		p.addInstall(candidate)
	}

	p.walk()
	return p.finish()
}

// UpdateChanges plans the replacement of installed add-ons with newer
// compatible releases. An empty request means every add-on that has an update.
func (r *Resolver) UpdateChanges(local, remote *catalog.Catalog, requested []string) ChangeSet {
	p := newPlan(r.compat, local, remote)

	ids := normalizeIDs(requested)
	if len(ids) == 0 {
		ids = local.DiffUpdated(remote, r.compat)
	}

	for _, id := range ids {
		if _, queued := p.planned[id]; queued {
			continue
		}
		installed, ok := local.Get(id)
		if !ok {
			p.issue(newIssue(IssueUnknownAddOn, id, "", "%s is not installed", id))
			continue
		}
		if installed.InstallationStatus.Blocked() {
			p.issue(newIssue(IssueBlocked, id, "", "%s is %s and needs a reset", id, installed.InstallationStatus))
			continue
		}
		candidate, ok := remote.Get(id)
		if !ok || !r.compat.IsUpdateTo(candidate, installed) {
			p.issue(newIssue(IssueNoUpdate, id, "",
				"no compatible update is available for %s %s", id, installed.Version))
			continue
		}
		p.addUpdate(installed, candidate)
	}

	p.walk()
	return p.finish()
}

// UninstallChanges plans the removal of requested add-ons together with
// every installed add-on that depends on them, directly or transitively.
// Mandatory or blocked add-ons reached by the closure are reported as issues
// and still listed, so the caller can decide.
func (r *Resolver) UninstallChanges(local *catalog.Catalog, requested []string) ChangeSet {
	cs := ChangeSet{roots: make(map[string][]string)}
	closure := make(map[string]bool)

	for _, root := range normalizeIDs(requested) {
		if !local.Has(root) {
			cs.issues = append(cs.issues, newIssue(IssueUnknownAddOn, root, "", "%s is not installed", root))
			continue
		}

		visited := map[string]bool{root: true}
		frontier := []string{root}
		for len(frontier) > 0 {
			var next []string
			for _, id := range frontier {
				cs.roots[id] = append(cs.roots[id], root)
				closure[id] = true
				for _, dependent := range local.Dependents(id) {
					if !visited[dependent] {
						visited[dependent] = true
						next = append(next, dependent)
					}
				}
			}
			sort.Strings(next)
			frontier = next
		}
	}

	ids := make([]string, 0, len(closure))
	for id := range closure {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		a, _ := local.Get(id)
		cs.uninstalls = append(cs.uninstalls, a)
		roots := cs.roots[id]
		if a.Mandatory {
			cs.issues = append(cs.issues, newIssue(IssueMandatoryRemoval, id, roots[0],
				"%s is mandatory and cannot be removed (required by removal of %s)", id, roots[0]))
		}
		if a.InstallationStatus.Blocked() {
			cs.issues = append(cs.issues, newIssue(IssueBlocked, id, roots[0],
				"%s is %s and needs a reset", id, a.InstallationStatus))
		}
	}

	sortIssues(cs.issues)
	return cs
}

func constraintText(dep models.Dependency) string {
	if dep.Version == "" {
		return "(any version)"
	}
	return dep.Version
}

// normalizeIDs returns the unique non-empty ids in sorted order
func normalizeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
