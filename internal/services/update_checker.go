package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// UpdateInfo describes an installed add-on with a newer compatible release
type UpdateInfo struct {
	AddOnID          string `json:"addon_id"`
	InstalledVersion string `json:"installed_version"`
	AvailableVersion string `json:"available_version"`
}

// UpdateReport is the result of comparing the local catalog with the remote one
type UpdateReport struct {
	CheckedAt time.Time    `json:"checked_at"`
	New       []string     `json:"new"`
	Updates   []UpdateInfo `json:"updates"`
}

// UpdateChecker periodically looks for new and updated add-ons and broadcasts what it finds
type UpdateChecker struct {
	orch *Orchestrator
	hub  Broadcaster
	cron *cron.Cron
	spec string

	mu   sync.RWMutex
	last *UpdateReport
}

// NewUpdateChecker schedules checks with a cron spec such as "@every 6h"
func NewUpdateChecker(orch *Orchestrator, hub Broadcaster, spec string) (*UpdateChecker, error) {
	u := &UpdateChecker{
		orch: orch,
		hub:  hub,
		cron: cron.New(),
		spec: spec,
	}

	if _, err := u.cron.AddFunc(spec, u.runScheduled); err != nil {
		return nil, fmt.Errorf("invalid update check schedule %q: %w", spec, err)
	}
	return u, nil
}

// Start begins the schedule
func (u *UpdateChecker) Start() {
	u.cron.Start()
	log.Printf("[UpdateChecker] Scheduled update checks: %s", u.spec)
}

// Stop halts the schedule and waits for a running check
func (u *UpdateChecker) Stop(ctx context.Context) {
	done := u.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (u *UpdateChecker) runScheduled() {
	if _, err := u.Check(); err != nil {
		log.Printf("[UpdateChecker] Check failed: %v", err)
	}
}

// Check compares the catalogs now
func (u *UpdateChecker) Check() (UpdateReport, error) {
	remote, err := u.orch.Remote()
	if err != nil {
		return UpdateReport{}, fmt.Errorf("failed to load remote catalog: %w", err)
	}
	local := u.orch.Local()
	compat := u.orch.Compatibility()

	report := UpdateReport{
		CheckedAt: time.Now(),
		New:       local.DiffNew(remote),
		Updates:   []UpdateInfo{},
	}
	if report.New == nil {
		report.New = []string{}
	}
	for _, id := range local.DiffUpdated(remote, compat) {
		installed, _ := local.Get(id)
		available, _ := remote.Get(id)
		report.Updates = append(report.Updates, UpdateInfo{
			AddOnID:          id,
			InstalledVersion: installed.Version,
			AvailableVersion: available.Version,
		})
	}

	u.mu.Lock()
	u.last = &report
	u.mu.Unlock()

	if len(report.Updates) > 0 || len(report.New) > 0 {
		log.Printf("[UpdateChecker] %d updates, %d new add-ons available", len(report.Updates), len(report.New))
	}
	if u.hub != nil {
		u.hub.Broadcast("addons", "addons:updates", report)
	}
	return report, nil
}

// LastReport returns the most recent report, if any check has run
func (u *UpdateChecker) LastReport() (UpdateReport, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.last == nil {
		return UpdateReport{}, false
	}
	return *u.last, true
}
