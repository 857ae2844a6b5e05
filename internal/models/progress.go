package models

// UninstallPhase is the kind of step reported while an add-on is removed
type UninstallPhase string

const (
	PhaseAddOn         UninstallPhase = "ADD_ON"
	PhaseFile          UninstallPhase = "FILE"
	PhaseActiveRule    UninstallPhase = "ACTIVE_RULE"
	PhasePassiveRule   UninstallPhase = "PASSIVE_RULE"
	PhaseExtension     UninstallPhase = "EXTENSION"
	PhaseFinishedAddOn UninstallPhase = "FINISHED_ADD_ON"
)

// Weight is how many progress units one step of this phase is worth
func (p UninstallPhase) Weight() int {
	switch p {
	case PhaseFile, PhaseActiveRule, PhasePassiveRule:
		return 1
	case PhaseExtension:
		return ExtensionWeight
	}
	return 0
}

// UninstallProgressEvent reports progress of a single add-on removal.
//
// For PhaseAddOn, Count is the position of the add-on in the operation and Max
// is its weighted total. For the unit phases, Count/Max are the counter of that
// phase. Success is only meaningful on PhaseFinishedAddOn.
type UninstallProgressEvent struct {
	Phase   UninstallPhase `json:"phase"`
	AddOnID string         `json:"addon_id"`
	Name    string         `json:"name,omitempty"`
	Count   int            `json:"count"`
	Max     int            `json:"max"`
	Success bool           `json:"success,omitempty"`
}
