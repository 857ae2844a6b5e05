package services

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sort"

	"github.com/jaredcannon/addon-manager/internal/download"
	"github.com/jaredcannon/addon-manager/internal/models"
)

// pendingInstall is an add-on whose download has been queued but which is not
// installed yet. Every operation needing the add-on shares the same entry and
// it is settled exactly once.
type pendingInstall struct {
	addOn    models.AddOn
	old      *models.AddOn // installed release an update replaces
	task     *download.Task
	position int

	// guarded by Orchestrator.pendingMu
	claimed bool
	waiters int

	done chan struct{}
	err  error
}

// queueDownloads registers a pending install for each add-on and submits its
// download. An add-on another operation already queued is waited on instead.
func (o *Orchestrator) queueDownloads(addOns []models.AddOn, oldVersions map[string]models.AddOn, position int) []*pendingInstall {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()

	queued := make([]*pendingInstall, 0, len(addOns))
	for _, a := range addOns {
		if p, ok := o.pending[a.ID]; ok {
			log.Printf("[Orchestrator] %s is already downloading, waiting for it", a.ID)
			p.waiters++
			queued = append(queued, p)
			continue
		}

		position++
		p := &pendingInstall{addOn: a, position: position, waiters: 1, done: make(chan struct{})}
		if old, ok := oldVersions[a.ID]; ok {
			p.old = &old
		}
		target := filepath.Join(o.cfg.DownloadDir, ManagedFileName(a, a.URL))
		p.task = o.pipeline.Submit(a.URL, target, a.Size, a.Hash)
		o.pending[a.ID] = p
		queued = append(queued, p)
		o.broadcast("addon:downloading", map[string]string{"addon_id": a.ID, "url": a.URL})
	}
	return queued
}

// waitInstalled blocks until p is settled. When ctx ends the caller stops
// waiting unless p is already being installed or its download validated; in
// that case the sweep loop still installs it and the caller sees the outcome.
func (o *Orchestrator) waitInstalled(ctx context.Context, p *pendingInstall) error {
	ctxDone := ctx.Done()
	for {
		select {
		case <-p.done:
			return p.err
		case <-ctxDone:
			ctxDone = nil
			if o.leave(p, ctx.Err(), false) {
				return models.NewInstallError(p.addOn.ID, ctx.Err())
			}
		case <-o.pipeline.Done():
			if o.leave(p, download.ErrCancelled, true) {
				return models.NewInstallError(p.addOn.ID, download.ErrCancelled)
			}
			<-p.done
			return p.err
		}
	}
}

// leave drops one waiter from p and reports whether it may stop waiting. The
// last waiter to leave cancels the download and settles p as failed. Without
// force, a validated download is kept and the waiter stays.
func (o *Orchestrator) leave(p *pendingInstall, cause error, force bool) bool {
	o.pendingMu.Lock()
	if p.claimed || (!force && p.task.Status() == download.TaskValidated) {
		o.pendingMu.Unlock()
		return false
	}
	p.waiters--
	if p.waiters > 0 {
		o.pendingMu.Unlock()
		return true
	}
	p.claimed = true
	o.pendingMu.Unlock()

	log.Printf("[Orchestrator] Abandoning install of %s: %v", p.addOn.ID, cause)
	if err := o.pipeline.Cancel(p.task.URL); err != nil {
		log.Printf("[Orchestrator] Warning: %v", err)
	}
	o.settle(p, models.NewInstallError(p.addOn.ID, cause))
	// dependents of p are decided on the next pass
	o.pipeline.Wake()
	return false
}

// settleReady installs or fails every pending add-on that can be decided. It
// is registered as a sweep hook, so installs are only ever applied on the
// pipeline's sweep loop.
func (o *Orchestrator) settleReady() {
	for {
		p, missing := o.nextSettleable()
		if p == nil {
			return
		}
		o.settle(p, o.installPending(p, missing))
	}
}

// nextSettleable claims the next entry that can be decided, in id order: one
// with a dependency that is neither pending nor installed, or one whose
// download finished and whose dependencies are all installed. Dependency
// cycles among validated downloads are broken by id order. missing names the
// unavailable dependency, if any.
func (o *Orchestrator) nextSettleable() (*pendingInstall, string) {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()

	if len(o.pending) == 0 {
		return nil, ""
	}
	ids := make([]string, 0, len(o.pending))
	for id := range o.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	local := o.Local()
	compat := o.Compatibility()
	waiting := make(map[string][]string)
	for _, id := range ids {
		p := o.pending[id]
		if p.claimed {
			continue
		}

		var queuedDeps []string
		missing := ""
		for _, dep := range p.addOn.Dependencies {
			if dep.ID == id {
				continue
			}
			if _, queued := o.pending[dep.ID]; queued {
				queuedDeps = append(queuedDeps, dep.ID)
				continue
			}
			installed, ok := local.Get(dep.ID)
			if (!ok || !compat.Satisfies(installed, dep)) && missing == "" {
				missing = dep.ID
			}
		}

		switch {
		case missing != "":
			p.claimed = true
			return p, missing
		case len(queuedDeps) > 0:
			waiting[id] = queuedDeps
		case p.task.Status().Terminal():
			p.claimed = true
			return p, ""
		}
	}

	ready := make(map[string]bool, len(waiting))
	for id := range waiting {
		if o.pending[id].task.Status() == download.TaskValidated {
			ready[id] = true
		}
	}
	for changed := true; changed; {
		changed = false
		for id := range ready {
			for _, dep := range waiting[id] {
				if !ready[dep] {
					delete(ready, id)
					changed = true
					break
				}
			}
		}
	}
	for _, id := range ids {
		if ready[id] {
			p := o.pending[id]
			p.claimed = true
			return p, ""
		}
	}
	return nil, ""
}

func (o *Orchestrator) installPending(p *pendingInstall, missing string) error {
	a := p.addOn
	if missing != "" {
		// also removes a download that already validated
		if err := o.pipeline.Cancel(p.task.URL); err != nil {
			log.Printf("[Orchestrator] Warning: %v", err)
		}
		return models.NewInstallError(a.ID, fmt.Errorf("dependency %s was not installed", missing))
	}

	status := p.task.Status()
	if status != download.TaskValidated {
		if err := p.task.Err(); err != nil {
			return err
		}
		return models.NewDownloadError(a.URL, fmt.Errorf("download %s", status))
	}
	return o.installDownloaded(a, p.task.TargetPath, p.old, p.position)
}

func (o *Orchestrator) settle(p *pendingInstall, err error) {
	o.pendingMu.Lock()
	if o.pending[p.addOn.ID] == p {
		delete(o.pending, p.addOn.ID)
	}
	p.err = err
	o.pendingMu.Unlock()

	if err != nil {
		o.broadcast("addon:failed", map[string]string{"addon_id": p.addOn.ID, "error": err.Error()})
	}
	close(p.done)
}
