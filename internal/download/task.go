package download

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jaredcannon/addon-manager/internal/models"
)

// TaskStatus is the lifecycle state of a download
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskValidated TaskStatus = "validated"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final
func (s TaskStatus) Terminal() bool {
	return s == TaskValidated || s == TaskFailed || s == TaskCancelled
}

var (
	ErrCancelled   = errors.New("download cancelled")
	ErrUnknownTask = errors.New("no download for url")
)

// Task is one download owned by the pipeline. Callers only read it.
type Task struct {
	ID           uuid.UUID
	URL          string
	TargetPath   string
	ExpectedSize int64
	ExpectedHash string

	written   atomic.Int64
	cancelled atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	mu          sync.RWMutex
	status      TaskStatus
	outcome     TaskStatus // set by the worker, applied by the sweep
	err         error
	actualHash  string
	createdAt   time.Time
	completedAt time.Time
}

// TaskSnapshot is a copy of a task's state for listing
type TaskSnapshot struct {
	ID           uuid.UUID  `json:"id"`
	URL          string     `json:"url"`
	TargetPath   string     `json:"target_path"`
	ExpectedSize int64      `json:"expected_size"`
	BytesWritten int64      `json:"bytes_written"`
	Status       TaskStatus `json:"status"`
	Percent      int        `json:"percent"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func newTask(url, targetPath string, size int64, expectedHash string) *Task {
	return &Task{
		ID:           uuid.New(),
		URL:          url,
		TargetPath:   targetPath,
		ExpectedSize: size,
		ExpectedHash: expectedHash,
		done:         make(chan struct{}),
		status:       TaskPending,
		createdAt:    time.Now(),
	}
}

// Status returns the current status
func (t *Task) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Err returns the recorded failure, nil unless failed or cancelled
func (t *Task) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// ActualHash returns the digest computed while downloading, if verified
func (t *Task) ActualHash() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.actualHash
}

// Done is closed once the task reaches a terminal status
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task is terminal or ctx ends
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BytesWritten returns how many bytes are on disk
func (t *Task) BytesWritten() int64 {
	return t.written.Load()
}

// Percent is 100 once validated, otherwise written/expected. It is 0 when the size is unknown.
func (t *Task) Percent() int {
	if t.Status() == TaskValidated {
		return 100
	}
	if t.ExpectedSize <= 0 {
		return 0
	}
	pct := int(t.written.Load() * 100 / t.ExpectedSize)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Snapshot copies the task state
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.RLock()
	snap := TaskSnapshot{
		ID:           t.ID,
		URL:          t.URL,
		TargetPath:   t.TargetPath,
		ExpectedSize: t.ExpectedSize,
		BytesWritten: t.written.Load(),
		Status:       t.status,
		CreatedAt:    t.createdAt,
	}
	if t.err != nil {
		snap.Error = t.err.Error()
	}
	if !t.completedAt.IsZero() {
		completed := t.completedAt
		snap.CompletedAt = &completed
	}
	t.mu.RUnlock()
	snap.Percent = t.Percent()
	return snap
}

func (t *Task) markRunning() {
	t.mu.Lock()
	if t.status == TaskPending {
		t.status = TaskRunning
	}
	t.mu.Unlock()
}

// finish records the worker's result; the sweep applies it
func (t *Task) finish(outcome TaskStatus, actualHash string, err error) {
	t.mu.Lock()
	t.outcome = outcome
	t.actualHash = actualHash
	t.err = err
	t.mu.Unlock()
}

func (t *Task) ready() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.outcome != ""
}

// complete applies the outcome. Called only by the sweep.
func (t *Task) complete() TaskStatus {
	t.mu.Lock()
	discard := t.outcome == TaskValidated && t.cancelled.Load()
	if discard {
		t.outcome = TaskCancelled
		t.err = models.NewDownloadError(t.URL, ErrCancelled)
	}
	t.status = t.outcome
	t.completedAt = time.Now()
	status := t.status
	t.mu.Unlock()

	if discard {
		removeQuietly(t.TargetPath)
	}
	close(t.done)
	return status
}

// markCancelled flags a completed task whose file was removed
func (t *Task) markCancelled() {
	t.cancelled.Store(true)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() && t.status != TaskCancelled {
		t.status = TaskCancelled
		t.err = ErrCancelled
	}
}

func (t *Task) isCompletedBefore(cutoff time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.completedAt.IsZero() && t.completedAt.Before(cutoff)
}
