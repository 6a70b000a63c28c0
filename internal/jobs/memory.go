package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"subburn/internal/pkg/errors"
)

// entry serializes writers of one job; readers load the committed snapshot
// without taking the lock.
type entry struct {
	mu      sync.Mutex
	snap    atomic.Pointer[RenderJob]
	deleted bool
}

// MemoryRegistry keeps jobs in process memory. Everything is lost on restart.
type MemoryRegistry struct {
	mu    sync.RWMutex
	jobs  map[string]*entry
	now   func() time.Time
	newID func() string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		jobs:  make(map[string]*entry),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

func (r *MemoryRegistry) Backend() string { return "memory" }

func (r *MemoryRegistry) Create(ctx context.Context, p CreateParams) (RenderJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	if _, exists := r.jobs[id]; exists {
		return RenderJob{}, errors.AlreadyExists("job", id)
	}

	job := newJob(id, p, r.now())
	e := &entry{}
	e.snap.Store(&job)
	r.jobs[id] = e
	return job, nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (RenderJob, error) {
	e := r.lookup(id)
	if e == nil {
		return RenderJob{}, errors.NotFound("job", id)
	}
	return *e.snap.Load(), nil
}

func (r *MemoryRegistry) Mutate(ctx context.Context, id string, fn func(*RenderJob) error) (RenderJob, error) {
	e := r.lookup(id)
	if e == nil {
		return RenderJob{}, errors.NotFound("job", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return RenderJob{}, errors.NotFound("job", id)
	}

	next := *e.snap.Load()
	if err := fn(&next); err != nil {
		return RenderJob{}, err
	}
	next.touch(r.now())
	e.snap.Store(&next)
	return next, nil
}

func (r *MemoryRegistry) Delete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	delete(r.jobs, id)
	r.mu.Unlock()

	if !ok {
		return false, nil
	}
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	return true, nil
}

func (r *MemoryRegistry) ListAll(ctx context.Context) ([]RenderJob, error) {
	r.mu.RLock()
	out := make([]RenderJob, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, *e.snap.Load())
	}
	r.mu.RUnlock()

	sortJobs(out)
	return out, nil
}

func (r *MemoryRegistry) Ping(ctx context.Context) error { return nil }

func (r *MemoryRegistry) Close() error { return nil }

func (r *MemoryRegistry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[id]
}
