package services

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jaredcannon/addon-manager/internal/models"
	"github.com/jaredcannon/addon-manager/internal/resolver"
)

// Failure is one add-on that could not be changed
type Failure struct {
	AddOnID string `json:"addon_id"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func newFailure(addOnID string, err error) Failure {
	code := models.ErrorCode(err)
	if code == "" {
		code = models.ErrCodeInternalError
	}
	return Failure{AddOnID: addOnID, Code: code, Message: err.Error(), Err: err}
}

// OperationResult is the outcome of an install, update or uninstall
type OperationResult struct {
	OperationID     uuid.UUID            `json:"operation_id"`
	Kind            models.OperationKind `json:"kind"`
	ChangeSet       resolver.ChangeSet   `json:"-"`
	Issues          []resolver.Issue     `json:"issues,omitempty"`
	Succeeded       []string             `json:"succeeded"`
	Failed          []Failure            `json:"failed,omitempty"`
	RequiresRestart []string             `json:"requires_restart,omitempty"`
}

// Status classifies the result for the operation log
func (r OperationResult) Status() models.OperationStatus {
	switch {
	case len(r.Failed) == 0 && len(r.Issues) == 0:
		return models.OperationStatusSuccess
	case len(r.Succeeded) > 0:
		return models.OperationStatusPartial
	}
	return models.OperationStatusFailed
}

// FailedIDs returns the IDs of failed add-ons
func (r OperationResult) FailedIDs() []string {
	ids := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		ids = append(ids, f.AddOnID)
	}
	return ids
}

// Summary describes every failure, one per line. It is empty on full success.
func (r OperationResult) Summary() string {
	if len(r.Failed) == 0 && len(r.Issues) == 0 && len(r.RequiresRestart) == 0 {
		return ""
	}

	var b strings.Builder
	for _, issue := range r.Issues {
		fmt.Fprintf(&b, "%s: %s\n", issue.AddOnID, issue.Message)
	}
	for _, f := range r.Failed {
		fmt.Fprintf(&b, "%s: %s\n", f.AddOnID, f.Message)
	}
	if len(r.RequiresRestart) > 0 {
		fmt.Fprintf(&b, "restart required to finish removing: %s\n", strings.Join(r.RequiresRestart, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *OperationResult) succeed(id string) {
	r.Succeeded = append(r.Succeeded, id)
}

func (r *OperationResult) fail(id string, err error) {
	r.Failed = append(r.Failed, newFailure(id, err))
}

func (r *OperationResult) normalize() {
	sort.Strings(r.Succeeded)
	sort.Strings(r.RequiresRestart)
	sort.SliceStable(r.Failed, func(i, j int) bool { return r.Failed[i].AddOnID < r.Failed[j].AddOnID })
	if r.Succeeded == nil {
		r.Succeeded = []string{}
	}
}
