// Package jobs implements the asynchronous job registry: a bounded worker
// pool executing submitted work, with non-blocking status reads and
// monotonic status transitions serialized under a single lock.
package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusNotFound is reported for unknown job IDs instead of an error.
	StatusNotFound Status = "not_found"
)

// Terminal reports whether a status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Work is a unit of background work. The context is cancelled when the job
// is cancelled or the registry shuts down.
type Work func(ctx context.Context) (any, error)

// Snapshot is a point-in-time view of a job, safe to retain.
type Snapshot struct {
	ID          string
	Name        string
	Status      Status
	SubmittedAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Result      any
	Err         string
}

type job struct {
	Snapshot
	work   Work
	cancel context.CancelFunc
}

// DefaultWorkers bounds the worker pool when no size is configured.
const DefaultWorkers = 4

// Registry owns all jobs. Status transitions for every job are serialized
// under one mutex; Status() never blocks.
type Registry struct {
	mu    sync.Mutex
	jobs  map[string]*job
	queue chan string

	baseCtx   context.Context
	baseStop  context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// RegistryOpts holds parameters for creating a Registry.
type RegistryOpts struct {
	Workers   int // defaults to DefaultWorkers
	QueueSize int // defaults to 64
}

// NewRegistry creates a Registry and starts its worker pool.
func NewRegistry(opts RegistryOpts) *Registry {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, stop := context.WithCancel(context.Background())
	r := &Registry{
		jobs:     make(map[string]*job),
		queue:    make(chan string, queueSize),
		baseCtx:  ctx,
		baseStop: stop,
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Submit enqueues work and returns its job ID immediately.
func (r *Registry) Submit(name string, work Work) string {
	id := uuid.NewString()
	_, cancel := context.WithCancel(r.baseCtx)

	r.mu.Lock()
	r.jobs[id] = &job{
		Snapshot: Snapshot{
			ID:          id,
			Name:        name,
			Status:      StatusPending,
			SubmittedAt: time.Now().UTC(),
		},
		work:   work,
		cancel: cancel,
	}
	r.mu.Unlock()

	// Keep the unused cancel from leaking if the queue send loses to Close.
	select {
	case r.queue <- id:
	case <-r.baseCtx.Done():
		r.finish(id, nil, fmt.Errorf("jobs: registry closed"))
		cancel()
	}
	return id
}

// Status returns a snapshot of the job, or a StatusNotFound snapshot for
// unknown IDs. It never blocks on job execution.
func (r *Registry) Status(id string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return Snapshot{ID: id, Status: StatusNotFound}
	}
	return j.Snapshot
}

// Cancel cancels a pending or running job. It returns false for terminal
// or unknown jobs.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok || j.Status.Terminal() {
		r.mu.Unlock()
		return false
	}
	j.Status = StatusCancelled
	j.CompletedAt = time.Now().UTC()
	cancel := j.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// Cleanup removes terminal jobs older than maxAge and returns the count.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, j := range r.jobs {
		if j.Status.Terminal() && !j.CompletedAt.IsZero() && j.CompletedAt.Before(cutoff) {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed
}

// Close stops the worker pool. Pending jobs that never started are marked
// cancelled; running jobs see their context cancelled.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.baseStop()
		close(r.queue)
		r.wg.Wait()

		r.mu.Lock()
		for _, j := range r.jobs {
			if !j.Status.Terminal() {
				j.Status = StatusCancelled
				j.CompletedAt = time.Now().UTC()
			}
		}
		r.mu.Unlock()
	})
}

func (r *Registry) worker() {
	defer r.wg.Done()
	for id := range r.queue {
		r.run(id)
	}
}

// run executes one job, capturing its outcome exactly once. Panics in the
// submitted work are captured as failures rather than crashing the pool.
func (r *Registry) run(id string) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok || j.Status != StatusPending {
		// Cancelled (or cleaned up) before it ever started.
		r.mu.Unlock()
		return
	}
	j.Status = StatusRunning
	j.StartedAt = time.Now().UTC()
	work := j.work
	jobCtx := r.jobContext(j)
	r.mu.Unlock()

	var result any
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("jobs: panic: %v", p)
			}
		}()
		result, err = work(jobCtx)
	}()

	r.finish(id, result, err)
	if err != nil {
		log.Printf("jobs: %s (%s) failed: %v", j.Name, id, err)
	}
}

// jobContext derives the context a running job observes. Must be called
// with the registry lock held.
func (r *Registry) jobContext(j *job) context.Context {
	ctx, cancel := context.WithCancel(r.baseCtx)
	prev := j.cancel
	j.cancel = func() {
		cancel()
		if prev != nil {
			prev()
		}
	}
	return ctx
}

// finish atomically flips a job to its terminal status and stores the
// result or error. Jobs already terminal (e.g. cancelled mid-run) keep
// their first outcome.
func (r *Registry) finish(id string, result any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Status.Terminal() {
		return
	}
	j.CompletedAt = time.Now().UTC()
	if err != nil {
		j.Status = StatusFailed
		j.Err = err.Error()
		return
	}
	j.Status = StatusCompleted
	j.Result = result
}
