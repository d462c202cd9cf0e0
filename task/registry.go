package task

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

var errBusy = errors.New("task is locked")

type entry struct {
	mu      sync.Mutex
	task    Task
	removed bool
	// snapshot is the last committed task, nil once removed. Readers that
	// must not wait on mu use it.
	snapshot atomic.Pointer[Task]
}

func (e *entry) publish() {
	t := e.task
	e.snapshot.Store(&t)
}

// Registry is the in-memory source of truth for task existence and state.
// The map itself is guarded by one RWMutex held only for structural changes;
// each record has its own mutex so updates to different tasks never wait on
// each other, and List reads published snapshots without taking any record
// lock. Records do not survive a restart.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Create stores a new pending task and returns a snapshot of it.
func (r *Registry) Create(resource, renditionID string) Task {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	var id string
	for {
		id = fmt.Sprintf("%s_%d", shortuuid.New(), now.Unix())
		if _, taken := r.entries[id]; !taken {
			break
		}
	}
	e := &entry{task: Task{
		ID:          id,
		Resource:    resource,
		RenditionID: renditionID,
		State:       StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}
	e.publish()
	r.entries[id] = e
	return e.task
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// lock returns the entry for id with its mutex held.
func (r *Registry) lock(id string) (*entry, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	// removed while we were waiting for the lock
	if e.removed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// tryLock is lock without waiting: errBusy if someone else holds the record.
func (r *Registry) tryLock(id string) (*entry, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !e.mu.TryLock() {
		return nil, errBusy
	}
	if e.removed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Get returns the last committed state of the task without waiting for an
// update in progress.
func (r *Registry) Get(id string) (Task, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t := e.snapshot.Load()
	if t == nil {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *t, nil
}

// Update applies fn to the stored task as one atomic read-modify-write.
// If fn returns an error the record is left untouched. UpdatedAt only moves
// when fn actually changed something.
func (r *Registry) Update(id string, fn func(t *Task) error) (Task, error) {
	e, err := r.lock(id)
	if err != nil {
		return Task{}, err
	}
	defer e.mu.Unlock()
	return e.apply(fn)
}

// TryUpdate is Update for callers that would rather skip a busy record, such
// as the sweep. It returns errBusy instead of waiting.
func (r *Registry) TryUpdate(id string, fn func(t *Task) error) (Task, error) {
	e, err := r.tryLock(id)
	if err != nil {
		return Task{}, err
	}
	defer e.mu.Unlock()
	return e.apply(fn)
}

func (e *entry) apply(fn func(t *Task) error) (Task, error) {
	working := e.task
	if err := fn(&working); err != nil {
		return e.task, err
	}
	if working != e.task {
		working.UpdatedAt = time.Now()
		e.task = working
		e.publish()
	}
	return e.task, nil
}

// Remove runs finalize (if any) under the task lock, then deletes the record.
// The returned snapshot is the record's last state.
func (r *Registry) Remove(id string, finalize func(t *Task)) (Task, error) {
	e, err := r.lock(id)
	if err != nil {
		return Task{}, err
	}
	defer e.mu.Unlock()

	if finalize != nil {
		finalize(&e.task)
		e.task.UpdatedAt = time.Now()
	}
	e.removed = true
	e.snapshot.Store(nil)

	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
	return e.task, nil
}

// List returns the last committed state of every task. It never waits on a
// record lock, so an update in progress shows its previous state.
func (r *Registry) List() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]Task, 0, len(r.entries))
	for _, e := range r.entries {
		if t := e.snapshot.Load(); t != nil {
			tasks = append(tasks, *t)
		}
	}
	return tasks
}
