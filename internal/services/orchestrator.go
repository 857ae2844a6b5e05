package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jaredcannon/addon-manager/internal/catalog"
	"github.com/jaredcannon/addon-manager/internal/download"
	"github.com/jaredcannon/addon-manager/internal/metrics"
	"github.com/jaredcannon/addon-manager/internal/models"
	"github.com/jaredcannon/addon-manager/internal/resolver"
	"github.com/jaredcannon/addon-manager/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Broadcaster publishes events to websocket subscribers
type Broadcaster interface {
	Broadcast(channel string, event string, data interface{})
}

// CatalogProvider supplies the remote catalog
type CatalogProvider interface {
	Catalog() (*catalog.Catalog, error)
}

// IssuePolicy decides what happens when resolution reports issues
type IssuePolicy string

const (
	// IssueFailClosed rejects the whole request
	IssueFailClosed IssuePolicy = "fail-closed"
	// IssueProceed carries out the satisfiable part
	IssueProceed IssuePolicy = "proceed"
)

// Valid reports whether the policy is known
func (p IssuePolicy) Valid() bool {
	return p == IssueFailClosed || p == IssueProceed
}

// OrchestratorConfig configures the orchestrator
type OrchestratorConfig struct {
	AddOnDir    string
	DownloadDir string
	IssuePolicy IssuePolicy
	Metrics     *metrics.Metrics
}

// Orchestrator carries out install, update and uninstall requests. Reads go
// to an immutable local catalog snapshot; every change to it goes through
// mutate and swaps the snapshot.
type Orchestrator struct {
	cfg      OrchestratorConfig
	store    *Store
	remote   CatalogProvider
	resolver *resolver.Resolver
	pipeline *download.Pipeline
	host     CapabilityHost
	hub      Broadcaster

	local  atomic.Pointer[catalog.Catalog]
	mutate sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingInstall

	observersMu sync.RWMutex
	observers   []UninstallObserver
}

// NewOrchestrator creates an orchestrator and loads the local catalog from the store
func NewOrchestrator(cfg OrchestratorConfig, store *Store, remote CatalogProvider, res *resolver.Resolver, pipeline *download.Pipeline, host CapabilityHost, hub Broadcaster) (*Orchestrator, error) {
	if !cfg.IssuePolicy.Valid() {
		cfg.IssuePolicy = IssueFailClosed
	}
	for _, dir := range []string{cfg.AddOnDir, cfg.DownloadDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	local, err := store.LoadCatalog()
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		remote:   remote,
		resolver: res,
		pipeline: pipeline,
		host:     host,
		hub:      hub,
		pending:  make(map[string]*pendingInstall),
	}
	o.local.Store(local)
	pipeline.OnSweep(o.settleReady)
	log.Printf("[Orchestrator] Loaded %d installed add-ons", local.Len())
	return o, nil
}

// Local returns the current local catalog snapshot
func (o *Orchestrator) Local() *catalog.Catalog {
	return o.local.Load()
}

// Remote returns the current remote catalog
func (o *Orchestrator) Remote() (*catalog.Catalog, error) {
	return o.remote.Catalog()
}

// Pipeline returns the download pipeline for progress queries
func (o *Orchestrator) Pipeline() *download.Pipeline {
	return o.pipeline
}

// Store returns the backing store
func (o *Orchestrator) Store() *Store {
	return o.store
}

// Compatibility returns the host compatibility used for resolution
func (o *Orchestrator) Compatibility() catalog.Compatibility {
	return o.resolver.Compatibility()
}

// OnUninstallProgress registers an observer for uninstall progress events
func (o *Orchestrator) OnUninstallProgress(fn UninstallObserver) {
	o.observersMu.Lock()
	defer o.observersMu.Unlock()
	o.observers = append(o.observers, fn)
}

// Status returns DOWNLOADING for add-ons being fetched, the recorded status
// for installed add-ons and AVAILABLE for add-ons only in the remote catalog.
func (o *Orchestrator) Status(id string) (models.InstallationStatus, error) {
	o.pendingMu.Lock()
	_, fetching := o.pending[id]
	o.pendingMu.Unlock()
	if fetching {
		return models.StatusDownloading, nil
	}

	if a, ok := o.Local().Get(id); ok {
		if a.InstallationStatus == "" {
			return models.StatusInstalled, nil
		}
		return a.InstallationStatus, nil
	}

	remote, err := o.remote.Catalog()
	if err != nil {
		return "", fmt.Errorf("failed to load remote catalog: %w", err)
	}
	if remote.Has(id) {
		return models.StatusAvailable, nil
	}
	return "", models.NewNotFoundError("Add-on " + id)
}

// ClearBlocked resets an add-on whose uninstall failed back to INSTALLED
func (o *Orchestrator) ClearBlocked(id string) error {
	o.mutate.Lock()
	defer o.mutate.Unlock()

	a, ok := o.Local().Get(id)
	if !ok {
		return models.NewNotFoundError("Add-on " + id)
	}
	if !a.InstallationStatus.Blocked() {
		return models.NewValidationError(fmt.Sprintf("add-on %s is not blocked", id), []string{"id"})
	}

	if err := o.store.SetStatus(id, models.StatusInstalled); err != nil {
		return err
	}
	a.InstallationStatus = models.StatusInstalled
	next, err := o.Local().With(a)
	if err != nil {
		return fmt.Errorf("failed to update local catalog: %w", err)
	}
	o.local.Store(next)

	log.Printf("[Orchestrator] Cleared blocked status of %s", id)
	o.broadcast("addon:reset", map[string]string{"addon_id": id})
	return nil
}

// Install installs the requested add-ons and their missing dependencies
func (o *Orchestrator) Install(ctx context.Context, ids []string) (OperationResult, error) {
	if len(ids) == 0 {
		return OperationResult{Kind: models.OperationInstall}, models.NewValidationError("no add-ons requested", []string{"ids"})
	}
	return o.execute(ctx, models.OperationInstall, ids, func(local, remote *catalog.Catalog) resolver.ChangeSet {
		return o.resolver.InstallChanges(local, remote, ids)
	})
}

// Update replaces the requested add-ons with newer compatible releases. No
// ids means every installed add-on that has an update.
func (o *Orchestrator) Update(ctx context.Context, ids []string) (OperationResult, error) {
	return o.execute(ctx, models.OperationUpdate, ids, func(local, remote *catalog.Catalog) resolver.ChangeSet {
		return o.resolver.UpdateChanges(local, remote, ids)
	})
}

// Uninstall removes the requested add-ons and everything that depends on
// them. Requests naming a mandatory add-on are rejected before resolution.
func (o *Orchestrator) Uninstall(ctx context.Context, ids []string) (OperationResult, error) {
	if len(ids) == 0 {
		return OperationResult{Kind: models.OperationUninstall}, models.NewValidationError("no add-ons requested", []string{"ids"})
	}

	local := o.Local()
	var mandatory []string
	for _, id := range ids {
		if a, ok := local.Get(id); ok && a.Mandatory {
			mandatory = append(mandatory, id)
		}
	}
	if len(mandatory) > 0 {
		sort.Strings(mandatory)
		err := models.NewMandatoryUninstallError(mandatory)
		o.recordRejected(models.OperationUninstall, ids, err)
		return OperationResult{Kind: models.OperationUninstall}, err
	}

	return o.execute(ctx, models.OperationUninstall, ids, func(local, _ *catalog.Catalog) resolver.ChangeSet {
		return o.resolver.UninstallChanges(local, ids)
	})
}

func (o *Orchestrator) recordRejected(kind models.OperationKind, ids []string, cause error) {
	op, err := o.store.CreateOperation(kind, ids)
	if err != nil {
		log.Printf("[Orchestrator] Warning: %v", err)
		return
	}
	if err := o.store.CompleteOperation(op, models.OperationStatusRejected, nil, nil, cause.Error()); err != nil {
		log.Printf("[Orchestrator] Warning: %v", err)
	}
	o.cfg.Metrics.OperationFinished(string(kind), string(models.OperationStatusRejected))
	log.Printf("[Orchestrator] Rejected %s of %v: %v", kind, ids, cause)
}

type resolveFunc func(local, remote *catalog.Catalog) resolver.ChangeSet

func (o *Orchestrator) execute(ctx context.Context, kind models.OperationKind, ids []string, resolve resolveFunc) (OperationResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "addon."+string(kind),
		attribute.StringSlice("addon.requested", ids),
	)
	defer span.End()

	result := OperationResult{Kind: kind}

	var remote *catalog.Catalog
	if kind != models.OperationUninstall {
		var err error
		remote, err = o.remote.Catalog()
		if err != nil {
			return result, models.WrapError(models.ErrCodeInternalError, "Failed to load remote catalog", err, nil)
		}
	}

	cs := resolve(o.Local(), remote)
	result.ChangeSet = cs
	plan := cs

	if cs.HasIssues() {
		if o.cfg.IssuePolicy == IssueFailClosed {
			err := models.NewResolutionError(cs.IssueMessages())
			o.recordRejected(kind, ids, err)
			result.Issues = cs.Issues()
			return result, err
		}
		result.Issues = cs.Issues()
		plan = cs.Satisfiable()
	}

	op, err := o.store.CreateOperation(kind, ids)
	if err != nil {
		return result, err
	}
	result.OperationID = op.ID
	log.Printf("[Orchestrator] %s %v: %d installs, %d updates, %d uninstalls",
		kind, ids, len(plan.Installs()), len(plan.Updates()), len(plan.Uninstalls()))
	o.broadcast("operation:started", map[string]interface{}{"id": op.ID, "kind": kind, "requested": ids})

	runErr := o.apply(ctx, plan, &result)

	result.normalize()
	status := result.Status()
	if err := o.store.CompleteOperation(op, status, result.Succeeded, result.FailedIDs(), result.Summary()); err != nil {
		log.Printf("[Orchestrator] Warning: %v", err)
	}
	o.cfg.Metrics.OperationFinished(string(kind), string(status))
	span.SetAttributes(attribute.String("addon.status", string(status)))
	o.broadcast("operation:completed", result)

	log.Printf("[Orchestrator] %s finished: %s (%d succeeded, %d failed)", kind, status, len(result.Succeeded), len(result.Failed))
	return result, runErr
}

// apply runs a resolved plan. Downloads are queued first so network work
// overlaps with the removals. Installs are applied by the pipeline's sweep
// loop as downloads finish; apply only waits for them.
func (o *Orchestrator) apply(ctx context.Context, plan resolver.ChangeSet, result *OperationResult) error {
	oldVersions := make(map[string]models.AddOn)
	for _, u := range plan.Updates() {
		oldVersions[u.Old.ID] = u.Old
	}
	uninstalls := plan.Uninstalls()
	queued := o.queueDownloads(installOrder(plan.Downloads()), oldVersions, len(uninstalls))

	for i, a := range uninstalls {
		if err := ctx.Err(); err != nil {
			result.fail(a.ID, err)
			continue
		}
		o.mutate.Lock()
		err := o.uninstallOne(a, i+1)
		o.mutate.Unlock()
		if err != nil {
			o.recordUninstallFailure(result, a.ID, err)
			continue
		}
		result.succeed(a.ID)
	}

	for _, p := range queued {
		if err := o.waitInstalled(ctx, p); err != nil {
			o.recordUninstallFailure(result, p.addOn.ID, err)
			continue
		}
		result.succeed(p.addOn.ID)
	}

	return ctx.Err()
}

func (o *Orchestrator) recordUninstallFailure(result *OperationResult, id string, err error) {
	result.fail(id, err)
	if a, ok := o.Local().Get(id); ok && a.InstallationStatus.Blocked() {
		result.RequiresRestart = append(result.RequiresRestart, id)
	}
}

// installDownloaded moves a validated download into the add-on directory.
// For an update the new file is copied in before the old version is
// uninstalled, and removed again if that uninstall fails.
func (o *Orchestrator) installDownloaded(a models.AddOn, downloaded string, old *models.AddOn, position int) error {
	o.mutate.Lock()
	defer o.mutate.Unlock()
	defer removeFile(downloaded)

	if !o.Compatibility().IsCompatible(a) {
		return models.NewIncompatibleHostError(a.ID, o.Compatibility().HostVersion())
	}

	target := filepath.Join(o.cfg.AddOnDir, ManagedFileName(a, a.URL))
	var current models.AddOn
	replacing := false
	if old != nil {
		current, replacing = o.Local().Get(old.ID)
	}

	if replacing && current.FilePath == target {
		// the old release holds the target name, it has to go first
		if err := o.uninstallOne(current, position); err != nil {
			return err
		}
		replacing = false
	} else if _, err := os.Stat(target); err == nil {
		return models.NewFileCollisionError(a.ID, target)
	}

	if err := copyFile(downloaded, target); err != nil {
		return models.NewInstallError(a.ID, err)
	}
	if replacing {
		if err := o.uninstallOne(current, position); err != nil {
			removeFile(target)
			return err
		}
	}

	a.InstallationStatus = models.StatusInstalled
	a.FilePath = target
	if _, err := o.store.SaveInstalled(a, target); err != nil {
		removeFile(target)
		return models.NewInstallError(a.ID, err)
	}

	next, err := o.Local().With(a)
	if err != nil {
		return models.NewInstallError(a.ID, err)
	}
	o.local.Store(next)

	log.Printf("[Orchestrator] Installed %s %s", a.ID, a.Version)
	o.broadcast("addon:installed", a)
	return nil
}

func (o *Orchestrator) broadcast(event string, data interface{}) {
	if o.hub != nil {
		o.hub.Broadcast("addons", event, data)
	}
}

// installOrder sorts add-ons so that dependencies within the list come first,
// which keeps progress positions in install order.
// Cycles fall back to ID order.
func installOrder(addOns []models.AddOn) []models.AddOn {
	byID := make(map[string]models.AddOn, len(addOns))
	for _, a := range addOns {
		byID[a.ID] = a
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	placed := make(map[string]bool, len(ids))
	out := make([]models.AddOn, 0, len(ids))
	for len(out) < len(ids) {
		progressed := false
		for _, id := range ids {
			if placed[id] {
				continue
			}
			ready := true
			for _, dep := range byID[id].Dependencies {
				if _, inPlan := byID[dep.ID]; inPlan && !placed[dep.ID] && dep.ID != id {
					ready = false
					break
				}
			}
			if ready {
				placed[id] = true
				out = append(out, byID[id])
				progressed = true
			}
		}
		if !progressed {
			for _, id := range ids {
				if !placed[id] {
					placed[id] = true
					out = append(out, byID[id])
					break
				}
			}
		}
	}
	return out
}

var unsafeFileChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// ManagedFileName is the file name an add-on release is stored under:
// "<id>-<version><ext>" lower-cased with unsafe characters replaced. The
// extension comes from the download URL, ".addon" when it has none.
func ManagedFileName(a models.AddOn, rawURL string) string {
	base := unsafeFileChars.ReplaceAllString(strings.ToLower(a.ID+"-"+a.Version), "_")
	base = strings.Trim(base, "._")
	if base == "" {
		base = "addon"
	}

	ext := ".addon"
	if u, err := url.Parse(rawURL); err == nil {
		if e := strings.ToLower(path.Ext(u.Path)); e != "" && !unsafeFileChars.MatchString(e[1:]) {
			ext = e
		}
	}
	return base + ext
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open download: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists", dst)
		}
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		removeFile(dst)
		return fmt.Errorf("failed to copy add-on: %w", err)
	}
	if err := out.Close(); err != nil {
		removeFile(dst)
		return fmt.Errorf("failed to close %s: %w", dst, err)
	}
	return nil
}

func removeFile(p string) {
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		log.Printf("[Orchestrator] Warning: failed to remove %s: %v", p, err)
	}
}
