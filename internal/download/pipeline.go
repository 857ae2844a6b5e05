// Package download fetches add-on files concurrently and verifies their hashes.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jaredcannon/addon-manager/internal/metrics"
	"github.com/jaredcannon/addon-manager/internal/models"
	"github.com/jaredcannon/addon-manager/internal/telemetry"
	"github.com/shirou/gopsutil/v3/disk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
)

// TokenSource supplies bearer tokens for private add-on hosts
type TokenSource interface {
	BearerToken(host string) (string, error)
}

// Config tunes the pipeline
type Config struct {
	MaxConcurrent      int64
	ActiveInterval     time.Duration
	IdleInterval       time.Duration
	CompletedRetention time.Duration
	HashPolicy         HashPolicy
	CheckDiskSpace     bool
	Client             *http.Client
	Tokens             TokenSource
	Metrics            *metrics.Metrics
}

// DefaultConfig returns the default pipeline settings
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      4,
		ActiveInterval:     200 * time.Millisecond,
		IdleInterval:       time.Second,
		CompletedRetention: time.Hour,
		HashPolicy:         HashLenient,
		CheckDiskSpace:     true,
	}
}

// Pipeline runs one goroutine per download. A single sweep loop moves
// finished tasks from active to completed and is the only place a task
// leaves the running state.
type Pipeline struct {
	cfg    Config
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	mu        sync.RWMutex
	active    map[string]*Task
	completed map[string]*Task

	observersMu sync.RWMutex
	observers   []func(TaskSnapshot)
	sweepHooks  []func()
}

// NewPipeline creates a pipeline and starts its sweep loop. The loop stops when ctx ends or Shutdown is called.
func NewPipeline(ctx context.Context, cfg Config) *Pipeline {
	defaults := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaults.MaxConcurrent
	}
	if cfg.ActiveInterval <= 0 {
		cfg.ActiveInterval = defaults.ActiveInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = defaults.IdleInterval
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = defaults.CompletedRetention
	}
	if !cfg.HashPolicy.Valid() {
		cfg.HashPolicy = defaults.HashPolicy
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}

	pctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		ctx:       pctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		active:    make(map[string]*Task),
		completed: make(map[string]*Task),
	}

	go p.sweepLoop()
	return p
}

// OnComplete registers a callback run after a task becomes terminal
func (p *Pipeline) OnComplete(fn func(TaskSnapshot)) {
	p.observersMu.Lock()
	defer p.observersMu.Unlock()
	p.observers = append(p.observers, fn)
}

// OnSweep registers a callback run on the sweep loop after every pass,
// including passes that finished no task
func (p *Pipeline) OnSweep(fn func()) {
	p.observersMu.Lock()
	defer p.observersMu.Unlock()
	p.sweepHooks = append(p.sweepHooks, fn)
}

// Wake asks the sweep loop for an early pass
func (p *Pipeline) Wake() {
	p.poke()
}

// Submit starts downloading url to targetPath. If a download of the same url
// is still pending or running, its task is returned and nothing new starts.
func (p *Pipeline) Submit(rawURL, targetPath string, expectedSize int64, expectedHash string) *Task {
	p.mu.Lock()
	if existing, ok := p.active[rawURL]; ok {
		p.mu.Unlock()
		log.Printf("[Download] Already downloading %s, reusing task %s", rawURL, existing.ID)
		return existing
	}

	task := newTask(rawURL, targetPath, expectedSize, expectedHash)
	taskCtx, cancel := context.WithCancel(p.ctx)
	task.cancel = cancel
	p.active[rawURL] = task
	activeCount := len(p.active)
	p.mu.Unlock()

	p.cfg.Metrics.SetActiveDownloads(activeCount)
	log.Printf("[Download] Queued %s -> %s", rawURL, targetPath)

	go p.run(taskCtx, task)
	p.poke()
	return task
}

// ProgressPercent returns the progress of the active download for url, 100
// once it validated, or the recorded error of a failed or cancelled download.
func (p *Pipeline) ProgressPercent(rawURL string) (int, error) {
	p.mu.RLock()
	task, ok := p.active[rawURL]
	if !ok {
		task, ok = p.completed[rawURL]
	}
	p.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTask, rawURL)
	}
	switch task.Status() {
	case TaskValidated:
		return 100, nil
	case TaskFailed, TaskCancelled:
		return task.Percent(), task.Err()
	}
	return task.Percent(), nil
}

// ActiveDownloadCount returns the number of pending or running downloads
func (p *Pipeline) ActiveDownloadCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.active)
}

// AllTasks returns snapshots of active and completed tasks, oldest first
func (p *Pipeline) AllTasks() []TaskSnapshot {
	p.mu.RLock()
	out := make([]TaskSnapshot, 0, len(p.active)+len(p.completed))
	for _, t := range p.active {
		out = append(out, t.Snapshot())
	}
	for u, t := range p.completed {
		if _, replaced := p.active[u]; replaced {
			continue
		}
		out = append(out, t.Snapshot())
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].URL < out[j].URL
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Cancel stops the download for url. A completed download has its target
// file removed. Calling it more than once is harmless.
func (p *Pipeline) Cancel(rawURL string) error {
	p.mu.RLock()
	task, active := p.active[rawURL]
	if !active {
		task = p.completed[rawURL]
	}
	p.mu.RUnlock()

	if task == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, rawURL)
	}

	if active {
		if task.cancelled.CompareAndSwap(false, true) {
			log.Printf("[Download] Cancelling %s", rawURL)
			task.cancel()
		}
		return nil
	}

	if err := os.Remove(task.TargetPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", task.TargetPath, err)
	}
	task.markCancelled()
	return nil
}

// Done is closed once the pipeline has shut down
func (p *Pipeline) Done() <-chan struct{} {
	return p.ctx.Done()
}

// WaitAll polls until no download is active or ctx ends
func (p *Pipeline) WaitAll(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ActiveInterval)
	defer ticker.Stop()

	for {
		if p.ActiveDownloadCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown cancels every active download and stops the sweep loop
func (p *Pipeline) Shutdown() {
	p.mu.RLock()
	for _, t := range p.active {
		t.cancelled.Store(true)
		t.cancel()
	}
	p.mu.RUnlock()
	p.cancel()
	log.Printf("[Download] Pipeline shut down")
}

func (p *Pipeline) poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) sweepLoop() {
	timer := time.NewTimer(p.cfg.IdleInterval)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			// apply results already recorded by workers
			p.sweep()
			return
		case <-p.wake:
		case <-timer.C:
		}

		remaining := p.sweep()

		interval := p.cfg.IdleInterval
		if remaining > 0 {
			interval = p.cfg.ActiveInterval
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}
}

// sweep moves finished tasks to completed and returns how many remain active.
// A task cancelled after its worker validated it is completed as cancelled.
func (p *Pipeline) sweep() int {
	var finished []*Task
	cutoff := time.Now().Add(-p.cfg.CompletedRetention)

	p.mu.Lock()
	for u, t := range p.active {
		if !t.ready() {
			continue
		}
		status := t.complete()
		delete(p.active, u)
		p.completed[u] = t
		finished = append(finished, t)
		p.cfg.Metrics.DownloadFinished(string(status))
	}
	for u, t := range p.completed {
		if t.isCompletedBefore(cutoff) {
			delete(p.completed, u)
		}
	}
	remaining := len(p.active)
	p.mu.Unlock()

	p.cfg.Metrics.SetActiveDownloads(remaining)

	p.observersMu.RLock()
	observers := make([]func(TaskSnapshot), len(p.observers))
	copy(observers, p.observers)
	hooks := make([]func(), len(p.sweepHooks))
	copy(hooks, p.sweepHooks)
	p.observersMu.RUnlock()

	for _, t := range finished {
		snap := t.Snapshot()
		log.Printf("[Download] %s finished: %s", t.URL, snap.Status)
		for _, fn := range observers {
			fn(snap)
		}
	}
	for _, fn := range hooks {
		fn()
	}
	return remaining
}

// run is the worker for a single task. It never changes the task status
// past running; it records the outcome for the sweep.
func (p *Pipeline) run(ctx context.Context, task *Task) {
	ctx, span := telemetry.StartSpan(ctx, "download.fetch",
		attribute.String("download.url", task.URL),
		attribute.Int64("download.expected_size", task.ExpectedSize),
	)
	defer span.End()

	outcome, actual, err := p.fetch(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if outcome != TaskCancelled {
			log.Printf("[Download] %s failed: %v", task.URL, err)
		}
	}
	span.SetAttributes(attribute.String("download.status", string(outcome)))

	task.finish(outcome, actual, err)
	p.poke()
}

func (p *Pipeline) fetch(ctx context.Context, task *Task) (TaskStatus, string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return TaskCancelled, "", models.NewDownloadError(task.URL, ErrCancelled)
	}
	defer p.sem.Release(1)

	if task.cancelled.Load() {
		return TaskCancelled, "", models.NewDownloadError(task.URL, ErrCancelled)
	}
	task.markRunning()

	verifier, err := NewVerifier(task.ExpectedHash, p.cfg.HashPolicy)
	if err != nil {
		return TaskFailed, "", models.NewDownloadError(task.URL, err)
	}

	if err := os.MkdirAll(filepath.Dir(task.TargetPath), 0755); err != nil {
		return TaskFailed, "", models.NewDownloadError(task.URL, fmt.Errorf("failed to create directory: %w", err))
	}
	if err := p.checkFreeSpace(task); err != nil {
		return TaskFailed, "", models.NewDownloadError(task.URL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return TaskFailed, "", models.NewDownloadError(task.URL, fmt.Errorf("invalid request: %w", err))
	}
	if err := p.authorize(req); err != nil {
		log.Printf("[Download] Warning: no credentials for %s: %v", req.URL.Host, err)
	}

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		if task.cancelled.Load() || errors.Is(err, context.Canceled) {
			return TaskCancelled, "", models.NewDownloadError(task.URL, ErrCancelled)
		}
		return TaskFailed, "", models.NewDownloadError(task.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return TaskFailed, "", models.NewDownloadError(task.URL, fmt.Errorf("unexpected status: %s", resp.Status))
	}

	f, err := os.Create(task.TargetPath)
	if err != nil {
		return TaskFailed, "", models.NewDownloadError(task.URL, fmt.Errorf("failed to create file: %w", err))
	}

	out := &progressWriter{task: task, metrics: p.cfg.Metrics}
	_, copyErr := io.Copy(io.MultiWriter(f, verifier, out), resp.Body)
	closeErr := f.Close()

	if copyErr == nil && closeErr != nil {
		copyErr = fmt.Errorf("failed to close file: %w", closeErr)
	}
	if copyErr != nil {
		removeQuietly(task.TargetPath)
		if task.cancelled.Load() || errors.Is(copyErr, ErrCancelled) || errors.Is(copyErr, context.Canceled) {
			return TaskCancelled, "", models.NewDownloadError(task.URL, ErrCancelled)
		}
		return TaskFailed, "", models.NewDownloadError(task.URL, copyErr)
	}

	if verifier.Skipped() {
		log.Printf("[Download] No usable hash for %s, accepted without verification", task.URL)
		return TaskValidated, "", nil
	}

	actual := verifier.Actual()
	if !verifier.Matches() {
		removeQuietly(task.TargetPath)
		return TaskFailed, actual, models.NewHashMismatchError(task.URL, task.ExpectedHash, actual)
	}
	return TaskValidated, actual, nil
}

func (p *Pipeline) checkFreeSpace(task *Task) error {
	if !p.cfg.CheckDiskSpace || task.ExpectedSize <= 0 {
		return nil
	}
	usage, err := disk.Usage(filepath.Dir(task.TargetPath))
	if err != nil {
		log.Printf("[Download] Warning: could not read free space: %v", err)
		return nil
	}
	if usage.Free < uint64(task.ExpectedSize) {
		return fmt.Errorf("insufficient disk space: need %d bytes, %d free", task.ExpectedSize, usage.Free)
	}
	return nil
}

func (p *Pipeline) authorize(req *http.Request) error {
	if p.cfg.Tokens == nil {
		return nil
	}
	token, err := p.cfg.Tokens.BearerToken(req.URL.Hostname())
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// progressWriter counts bytes and stops the copy once the task is cancelled
type progressWriter struct {
	task    *Task
	metrics *metrics.Metrics
}

func (w *progressWriter) Write(b []byte) (int, error) {
	if w.task.cancelled.Load() {
		return 0, ErrCancelled
	}
	w.task.written.Add(int64(len(b)))
	w.metrics.AddDownloadBytes(int64(len(b)))
	return len(b), nil
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("[Download] Warning: failed to remove %s: %v", path, err)
	}
}
