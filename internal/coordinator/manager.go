// Package coordinator implements the spec's per-session Coordinator Manager:
// bounded parallelism across job kinds, "newest wins" per-kind preemption,
// and the idle/shutdown ownership checks that gate sandbox teardown.
//
// It is grounded on the teacher's internal/engine package (its
// cancels map[string]context.CancelFunc and task-set bookkeeping), with the
// ad hoc channel fan-in replaced by golang.org/x/sync/semaphore for the
// permit pool, matching the spec's explicit tokio::sync::Semaphore.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Kind distinguishes job families competing for the same permit pool but
// preempting independently. Today the core only drives KindExecute, but the
// slot map is keyed by Kind so a second kind (format, build) costs nothing
// structurally (§3 "N_KINDS").
type Kind string

const KindExecute Kind = "execute"

// ErrOutstandingIdle is returned by Idle when jobs are still in flight.
var ErrOutstandingIdle = errors.New("coordinator: cannot idle with jobs outstanding")

// Backend is the minimal lifecycle contract the Manager drives once its own
// task set is empty. internal/sandbox.DockerBackend satisfies this
// implicitly.
type Backend interface {
	Idle(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// JobFunc is a unit of work submitted to the Manager. It must respect ctx
// cancellation: Spawn cancels the previous occupant of a kind's slot the
// instant a new job of that kind arrives.
type JobFunc func(ctx context.Context) any

// Completion reports a finished job back to whatever drains
// Manager.Completions — the session loop's "job completion" event source.
type Completion struct {
	Kind      Kind
	TaskID    uint64
	Result    any
	Cancelled bool
	Panicked  bool
	PanicVal  any
}

type slot struct {
	id     uint64
	cancel context.CancelFunc
}

// Manager is the per-session coordinator: one permit pool shared across all
// kinds, one preemption slot per kind.
type Manager struct {
	sem     *semaphore.Weighted
	backend Backend

	mu     sync.Mutex
	slots  map[Kind]slot
	active map[uint64]struct{}
	nextID uint64

	wg          sync.WaitGroup
	completions chan Completion
}

// NewManager builds a coordinator with the given permit ceiling (N_PARALLEL)
// fronting backend.
func NewManager(parallelism int64, backend Backend) *Manager {
	return &Manager{
		sem:         semaphore.NewWeighted(parallelism),
		backend:     backend,
		slots:       make(map[Kind]slot),
		active:      make(map[uint64]struct{}),
		completions: make(chan Completion, 4),
	}
}

// Completions is the channel the session loop selects on to learn when a
// spawned job finishes.
func (m *Manager) Completions() <-chan Completion {
	return m.completions
}

// ActiveCount reports how many jobs are currently in flight. The session
// loop uses this to arm/disarm the idle timer: it must only run while the
// task set is empty (§4.2 "Idle timer ... only armed when the task set is
// empty").
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Spawn starts fn under kind, preempting ("newest wins") any job already
// occupying that kind's slot, and blocking only on permit acquisition, not
// on the preempted job's teardown.
//
// TODO: no per-execution timeout is enforced here beyond the session
// timeout; a context.WithTimeout around fn(ctx) would go here if one is
// ever added.
func (m *Manager) Spawn(parent context.Context, kind Kind, fn JobFunc) uint64 {
	m.mu.Lock()
	if prev, ok := m.slots[kind]; ok {
		prev.cancel()
	}
	jobCtx, cancel := context.WithCancel(parent)
	id := m.nextID
	m.nextID++
	m.slots[kind] = slot{id: id, cancel: cancel}
	m.active[id] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(jobCtx, cancel, kind, id, fn)
	return id
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, kind Kind, id uint64, fn JobFunc) {
	defer m.wg.Done()
	defer cancel()

	completion := Completion{Kind: kind, TaskID: id}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		completion.Cancelled = true
		m.finish(kind, id, completion)
		return
	}

	func() {
		defer m.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				completion.Panicked = true
				completion.PanicVal = r
			}
		}()
		completion.Result = fn(ctx)
	}()

	completion.Cancelled = completion.Cancelled || ctx.Err() != nil
	m.finish(kind, id, completion)
}

func (m *Manager) finish(kind Kind, id uint64, completion Completion) {
	m.mu.Lock()
	delete(m.active, id)
	if cur, ok := m.slots[kind]; ok && cur.id == id {
		delete(m.slots, kind)
	}
	m.mu.Unlock()

	m.completions <- completion
}

// Idle reports whether the backend can be safely quiesced: the task set
// must be empty, mirroring the Rust original's requirement that the
// coordinator hold the backend's sole outstanding reference before idling
// it (§3 "idle requires an empty task set").
func (m *Manager) Idle(ctx context.Context) error {
	m.mu.Lock()
	n := len(m.active)
	m.mu.Unlock()
	if n != 0 {
		return fmt.Errorf("%w: %d job(s) in flight", ErrOutstandingIdle, n)
	}
	return m.backend.Idle(ctx)
}

// Shutdown cancels every in-flight job, waits for all of them to exit, and
// then shuts the backend down. Because Go shares the backend by interface
// value rather than by a refcounted Arc, there is no separate "outstanding
// reference" failure mode to report here: once wg.Wait returns, no job
// goroutine holds the backend anymore, by construction.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, s := range m.slots {
		s.cancel()
	}
	m.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()

	// Keep draining completions while waiting: the session loop has stopped
	// consuming them, and a job blocked on the completions send would never
	// let wg.Wait return.
	for {
		select {
		case <-waited:
			return m.backend.Shutdown(ctx)
		case <-m.completions:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
