package resolver

import (
	"fmt"
	"sort"

	"github.com/jaredcannon/addon-manager/internal/models"
)

// IssueKind classifies why part of a request cannot be carried out
type IssueKind string

const (
	IssueUnsatisfiedDependency IssueKind = "UNSATISFIED_DEPENDENCY"
	IssueIncompatibleHost      IssueKind = "INCOMPATIBLE_HOST"
	IssueMandatoryRemoval      IssueKind = "MANDATORY_REMOVAL"
	IssueBrokenDependent       IssueKind = "BROKEN_DEPENDENT"
	IssueNoUpdate              IssueKind = "NO_UPDATE"
	IssueUnknownAddOn          IssueKind = "UNKNOWN_ADDON"
	IssueBlocked               IssueKind = "BLOCKED"
)

// Issue is a resolution problem. AddOnID is the entry that cannot proceed,
// Related is the add-on that caused it (a dependency, a dependent or the
// requested root), if any.
type Issue struct {
	Kind    IssueKind `json:"kind"`
	AddOnID string    `json:"addon_id"`
	Related string    `json:"related,omitempty"`
	Message string    `json:"message"`
}

func (i Issue) String() string {
	return i.Message
}

func newIssue(kind IssueKind, addOnID, related, format string, args ...interface{}) Issue {
	return Issue{
		Kind:    kind,
		AddOnID: addOnID,
		Related: related,
		Message: fmt.Sprintf(format, args...),
	}
}

// Update pairs an installed add-on with the release that replaces it
type Update struct {
	Old models.AddOn `json:"old"`
	New models.AddOn `json:"new"`
}

// ChangeSet is the plan computed for one request. It is not modified after
// the resolver returns it; accessors hand out copies.
type ChangeSet struct {
	installs   []models.AddOn
	updates    []Update
	uninstalls []models.AddOn
	issues     []Issue
	// uninstall id -> requested ids whose closure reached it
	roots map[string][]string
}

// Installs returns brand-new add-ons to download and install
func (cs ChangeSet) Installs() []models.AddOn {
	return append([]models.AddOn(nil), cs.installs...)
}

// Updates returns old/new replacement pairs
func (cs ChangeSet) Updates() []Update {
	return append([]Update(nil), cs.updates...)
}

// NewVersions returns the replacing side of every update pair
func (cs ChangeSet) NewVersions() []models.AddOn {
	out := make([]models.AddOn, 0, len(cs.updates))
	for _, u := range cs.updates {
		out = append(out, u.New)
	}
	return out
}

// OldVersions returns the replaced side of every update pair
func (cs ChangeSet) OldVersions() []models.AddOn {
	out := make([]models.AddOn, 0, len(cs.updates))
	for _, u := range cs.updates {
		out = append(out, u.Old)
	}
	return out
}

// Uninstalls returns the add-ons removed outright
func (cs ChangeSet) Uninstalls() []models.AddOn {
	return append([]models.AddOn(nil), cs.uninstalls...)
}

// Issues returns every problem found during resolution
func (cs ChangeSet) Issues() []Issue {
	return append([]Issue(nil), cs.issues...)
}

// HasIssues reports whether resolution found any problem
func (cs ChangeSet) HasIssues() bool {
	return len(cs.issues) > 0
}

// IssueMessages returns the issues as display strings
func (cs ChangeSet) IssueMessages() []string {
	out := make([]string, 0, len(cs.issues))
	for _, i := range cs.issues {
		out = append(out, i.Message)
	}
	return out
}

// Empty reports whether the plan changes nothing
func (cs ChangeSet) Empty() bool {
	return len(cs.installs) == 0 && len(cs.updates) == 0 && len(cs.uninstalls) == 0
}

// Downloads returns every add-on that has to be fetched: installs followed by new versions
func (cs ChangeSet) Downloads() []models.AddOn {
	return append(cs.Installs(), cs.NewVersions()...)
}

// Satisfiable returns the plan without the entries blocked by an issue.
// Installs and updates are dropped when they, or anything they depend on
// within the plan, are blocked. Uninstalls are dropped when every requested
// root that reached them also reached a blocked entry. The result has no issues.
func (cs ChangeSet) Satisfiable() ChangeSet {
	blocked := make(map[string]bool, len(cs.issues))
	for _, i := range cs.issues {
		blocked[i.AddOnID] = true
	}

	blockedRoots := make(map[string]bool)
	for _, u := range cs.uninstalls {
		if blocked[u.ID] {
			for _, root := range cs.roots[u.ID] {
				blockedRoots[root] = true
			}
		}
	}

	planned := make([]models.AddOn, 0, len(cs.installs)+len(cs.updates))
	planned = append(planned, cs.installs...)
	planned = append(planned, cs.NewVersions()...)
	for changed := true; changed; {
		changed = false
		for _, a := range planned {
			if blocked[a.ID] {
				continue
			}
			for _, dep := range a.Dependencies {
				if blocked[dep.ID] {
					blocked[a.ID] = true
					changed = true
					break
				}
			}
		}
	}

	out := ChangeSet{roots: make(map[string][]string)}
	for _, a := range cs.installs {
		if !blocked[a.ID] {
			out.installs = append(out.installs, a)
		}
	}
	for _, u := range cs.updates {
		if !blocked[u.New.ID] {
			out.updates = append(out.updates, u)
		}
	}
	for _, u := range cs.uninstalls {
		if blocked[u.ID] {
			continue
		}
		var live []string
		for _, root := range cs.roots[u.ID] {
			if !blockedRoots[root] {
				live = append(live, root)
			}
		}
		if len(live) > 0 {
			out.uninstalls = append(out.uninstalls, u)
			out.roots[u.ID] = live
		}
	}
	return out
}

func sortAddOns(list []models.AddOn) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}

func sortIssues(list []Issue) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].AddOnID != list[j].AddOnID {
			return list[i].AddOnID < list[j].AddOnID
		}
		if list[i].Kind != list[j].Kind {
			return list[i].Kind < list[j].Kind
		}
		return list[i].Related < list[j].Related
	})
}
