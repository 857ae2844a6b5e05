package services

import (
	"fmt"
	"log"
	"os"

	"github.com/jaredcannon/addon-manager/internal/models"
)

// UninstallObserver receives uninstall progress events in order
type UninstallObserver func(models.UninstallProgressEvent)

// UninstallProgress accumulates the weighted progress of one add-on removal
type UninstallProgress struct {
	AddOnID string
	Done    int
	Max     int
}

// Apply advances the progress with an event
func (p *UninstallProgress) Apply(ev models.UninstallProgressEvent) {
	switch ev.Phase {
	case models.PhaseAddOn:
		p.AddOnID = ev.AddOnID
		p.Done = 0
		p.Max = ev.Max
	case models.PhaseFinishedAddOn:
		if ev.Success {
			p.Done = p.Max
		}
	default:
		p.Done += ev.Phase.Weight()
	}
}

// Percent returns 0-100, 100 for an add-on with nothing to unload
func (p *UninstallProgress) Percent() int {
	if p.Max == 0 {
		return 100
	}
	return p.Done * 100 / p.Max
}

func (o *Orchestrator) emit(ev models.UninstallProgressEvent) {
	o.observersMu.RLock()
	observers := append([]UninstallObserver(nil), o.observers...)
	o.observersMu.RUnlock()

	for _, fn := range observers {
		fn(ev)
	}
	if o.hub != nil {
		o.hub.Broadcast("addons", "uninstall:progress", ev)
	}
}

// unloadPhase unloads each item, emitting one event per unit. It keeps going
// after a failure and returns the first error.
func (o *Orchestrator) unloadPhase(a models.AddOn, phase models.UninstallPhase, items []string, unload func(addOnID, item string) error) error {
	var first error
	for i, item := range items {
		if err := unload(a.ID, item); err != nil {
			log.Printf("[Orchestrator] Failed to unload %s %s of %s: %v", phase, item, a.ID, err)
			if first == nil {
				first = fmt.Errorf("%s %s: %w", phase, item, err)
			}
		}
		o.emit(models.UninstallProgressEvent{
			Phase:   phase,
			AddOnID: a.ID,
			Name:    item,
			Count:   i + 1,
			Max:     len(items),
		})
	}
	return first
}

// uninstallOne removes a single add-on. Extensions and rules are unloaded
// first; a failure there leaves the files in place and the add-on
// SOFT_UNINSTALLATION_FAILED. A failure removing files leaves it
// UNINSTALLATION_FAILED. Must be called with o.mutate held.
func (o *Orchestrator) uninstallOne(a models.AddOn, position int) error {
	caps := a.Capabilities
	o.emit(models.UninstallProgressEvent{
		Phase:   models.PhaseAddOn,
		AddOnID: a.ID,
		Name:    a.DisplayName(),
		Count:   position,
		Max:     caps.Weight(),
	})

	var softErr error
	for _, step := range []struct {
		phase  models.UninstallPhase
		items  []string
		unload func(string, string) error
	}{
		{models.PhaseExtension, caps.Extensions, o.host.UnloadExtension},
		{models.PhaseActiveRule, caps.ActiveRules, o.host.UnloadActiveRule},
		{models.PhasePassiveRule, caps.PassiveRules, o.host.UnloadPassiveRule},
	} {
		if err := o.unloadPhase(a, step.phase, step.items, step.unload); err != nil && softErr == nil {
			softErr = models.NewUninstallError(a.ID, step.phase, err)
		}
	}
	if softErr != nil {
		return o.blockAddOn(a, models.StatusSoftUninstallationFailed, softErr)
	}

	if err := o.unloadPhase(a, models.PhaseFile, caps.Files, o.host.RemoveFile); err != nil {
		return o.blockAddOn(a, models.StatusUninstallationFailed, models.NewUninstallError(a.ID, models.PhaseFile, err))
	}
	if a.FilePath != "" {
		if err := os.Remove(a.FilePath); err != nil && !os.IsNotExist(err) {
			return o.blockAddOn(a, models.StatusUninstallationFailed, models.NewUninstallError(a.ID, models.PhaseFile, err))
		}
	}

	if err := o.store.DeleteInstalled(a.ID); err != nil {
		return o.blockAddOn(a, models.StatusUninstallationFailed, models.NewUninstallError(a.ID, models.PhaseFinishedAddOn, err))
	}
	o.local.Store(o.Local().Without(a.ID))

	o.emit(models.UninstallProgressEvent{
		Phase:   models.PhaseFinishedAddOn,
		AddOnID: a.ID,
		Name:    a.DisplayName(),
		Count:   position,
		Max:     caps.Weight(),
		Success: true,
	})
	log.Printf("[Orchestrator] Uninstalled %s %s", a.ID, a.Version)
	return nil
}

// blockAddOn records a failed removal. The add-on stays in the local
// catalog with a status that blocks it until ClearBlocked.
func (o *Orchestrator) blockAddOn(a models.AddOn, status models.InstallationStatus, cause error) error {
	log.Printf("[Orchestrator] Uninstall of %s failed, marking %s: %v", a.ID, status, cause)

	if err := o.store.SetStatus(a.ID, status); err != nil {
		log.Printf("[Orchestrator] Warning: failed to persist status of %s: %v", a.ID, err)
	}
	a.InstallationStatus = status
	if next, err := o.Local().With(a); err == nil {
		o.local.Store(next)
	}

	o.emit(models.UninstallProgressEvent{
		Phase:   models.PhaseFinishedAddOn,
		AddOnID: a.ID,
		Name:    a.DisplayName(),
		Max:     a.Capabilities.Weight(),
		Success: false,
	})
	return cause
}
