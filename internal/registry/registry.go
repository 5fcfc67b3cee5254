package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/example/taskfleet/internal/clock"
	"github.com/example/taskfleet/internal/observability"
	"github.com/example/taskfleet/internal/state"
	"github.com/example/taskfleet/pkg/fleetapi"
)

var ErrNotFound = errors.New("worker not found")

// Descriptor is a worker's identity and capability snapshot, as advertised at
// registration. Capabilities are advertised, not verified.
type Descriptor struct {
	ID                 string
	Kind               fleetapi.WorkerKind
	Endpoint           string
	Capabilities       []string
	MaxConcurrentTasks int
	HeartbeatInterval  time.Duration
}

// Entry is a read-only view of one registry record, for the admin surface.
type Entry struct {
	Descriptor    Descriptor
	Load          int
	LastHeartbeat time.Time
	Live          bool
}

// Eviction reports one garbage-collected worker and the task ids that were
// assigned to it when it was removed.
type Eviction struct {
	WorkerID string
	Kind     fleetapi.WorkerKind
	Endpoint string
	Orphans  []string
}

type record struct {
	desc          Descriptor
	lastHeartbeat time.Time
	active        map[string]struct{}
}

// Registry is the single source of truth for worker liveness and load. All
// mutations go through one mutex; the mutex is never held across a network
// call. The durable mirror is written best-effort after the in-memory
// mutation commits.
type Registry struct {
	clk          clock.Clock
	mirror       state.Store
	staleCeiling time.Duration

	mu      sync.Mutex
	workers map[string]*record
}

type Options struct {
	Clock  clock.Clock
	Mirror state.Store
	// StaleCeiling is the absolute silence limit after which GarbageCollect
	// evicts a worker regardless of its declared heartbeat interval.
	StaleCeiling time.Duration
}

const (
	DefaultStaleCeiling     = 120 * time.Second
	defaultHeartbeatSeconds = 30
)

func New(opts Options) *Registry {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	staleCeiling := opts.StaleCeiling
	if staleCeiling <= 0 {
		staleCeiling = DefaultStaleCeiling
	}
	return &Registry{
		clk:          clk,
		mirror:       opts.Mirror,
		staleCeiling: staleCeiling,
		workers:      make(map[string]*record),
	}
}

// Register upserts a worker. Re-registration replaces the descriptor and
// resets liveness but keeps the active-task set: a restarting worker does not
// abandon tasks the dispatcher still tracks against it.
func (r *Registry) Register(ctx context.Context, desc Descriptor) error {
	if err := validate(&desc); err != nil {
		return err
	}
	now := r.clk.Now()

	r.mu.Lock()
	rec, ok := r.workers[desc.ID]
	if !ok {
		rec = &record{active: make(map[string]struct{})}
		r.workers[desc.ID] = rec
	}
	rec.desc = desc
	rec.lastHeartbeat = now
	total := len(r.workers)
	r.mu.Unlock()

	observability.Default.SetGauge("workers_registered", nil, float64(total))
	r.mirrorWrite(ctx, "upsert", desc.ID, func(s state.Store) error {
		return s.UpsertWorker(ctx, state.WorkerRow{
			WorkerID:         desc.ID,
			Kind:             string(desc.Kind),
			Endpoint:         desc.Endpoint,
			Capabilities:     desc.Capabilities,
			MaxConcurrent:    desc.MaxConcurrentTasks,
			HeartbeatSeconds: int(desc.HeartbeatInterval / time.Second),
			Status:           state.WorkerActive,
			LastHeartbeat:    now,
			Metrics:          heartbeatMetrics(0),
		})
	})
	return nil
}

// Seed restores records from the durable mirror after a restart. Restored
// workers keep their mirrored heartbeat timestamp, so they show up on the
// admin surface but stay ineligible for selection until a fresh heartbeat
// arrives. A worker that registered in the meantime is left untouched.
func (r *Registry) Seed(ctx context.Context) (int, error) {
	if r.mirror == nil {
		return 0, nil
	}
	rows, err := r.mirror.ListWorkers(ctx)
	if err != nil {
		return 0, err
	}
	seeded := 0
	r.mu.Lock()
	for _, row := range rows {
		if row.Status != state.WorkerActive {
			continue
		}
		if _, ok := r.workers[row.WorkerID]; ok {
			continue
		}
		desc := Descriptor{
			ID:                 row.WorkerID,
			Kind:               fleetapi.WorkerKind(row.Kind),
			Endpoint:           row.Endpoint,
			Capabilities:       row.Capabilities,
			MaxConcurrentTasks: row.MaxConcurrent,
			HeartbeatInterval:  time.Duration(row.HeartbeatSeconds) * time.Second,
		}
		if err := validate(&desc); err != nil {
			log.Printf("[registry] skipping mirrored worker %s: %v", row.WorkerID, err)
			continue
		}
		r.workers[desc.ID] = &record{
			desc:          desc,
			lastHeartbeat: row.LastHeartbeat,
			active:        make(map[string]struct{}),
		}
		seeded++
	}
	total := len(r.workers)
	r.mu.Unlock()

	observability.Default.SetGauge("workers_registered", nil, float64(total))
	return seeded, nil
}

// Heartbeat refreshes liveness. ErrNotFound tells the worker it was evicted
// and must re-register.
func (r *Registry) Heartbeat(ctx context.Context, workerID string) error {
	now := r.clk.Now()

	r.mu.Lock()
	rec, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	rec.lastHeartbeat = now
	load := len(rec.active)
	r.mu.Unlock()

	r.mirrorWrite(ctx, "heartbeat", workerID, func(s state.Store) error {
		if err := s.UpdateWorkerHeartbeat(ctx, workerID, now); err != nil {
			return err
		}
		return s.UpsertWorker(ctx, r.row(workerID, now, load))
	})
	return nil
}

// Unregister removes the worker and returns the task ids that were assigned
// to it; the assignments are invalidated, not the tasks.
func (r *Registry) Unregister(ctx context.Context, workerID string) ([]string, error) {
	r.mu.Lock()
	rec, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	orphans := make([]string, 0, len(rec.active))
	for id := range rec.active {
		orphans = append(orphans, id)
	}
	delete(r.workers, workerID)
	total := len(r.workers)
	r.mu.Unlock()

	observability.Default.SetGauge("workers_registered", nil, float64(total))
	r.mirrorWrite(ctx, "unregister", workerID, func(s state.Store) error {
		return s.MarkWorkerStatus(ctx, workerID, state.WorkerInactive)
	})
	return orphans, nil
}

// SelectWorker returns the live worker of the given kind with the lowest load
// strictly below its capacity ceiling. A false return is the normal "queue
// it" signal, not an error. Liveness: now - lastHeartbeat < 2 × interval,
// exclusive at the boundary.
func (r *Registry) SelectWorker(kind fleetapi.WorkerKind) (Descriptor, bool) {
	now := r.clk.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	var best *record
	bestLoad := 0
	for _, rec := range r.workers {
		if rec.desc.Kind != kind {
			continue
		}
		if now.Sub(rec.lastHeartbeat) >= 2*rec.desc.HeartbeatInterval {
			continue
		}
		load := len(rec.active)
		if load >= rec.desc.MaxConcurrentTasks {
			continue
		}
		if best == nil || load < bestLoad {
			best = rec
			bestLoad = load
		}
	}
	if best == nil {
		return Descriptor{}, false
	}
	return best.desc, true
}

// Assign records a task against a worker's load. The capacity ceiling is
// enforced by SelectWorker; a concurrent race may transiently exceed it.
func (r *Registry) Assign(workerID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[workerID]
	if !ok {
		return ErrNotFound
	}
	rec.active[taskID] = struct{}{}
	return nil
}

// Release drops a task from a worker's load. Releasing an unknown worker or
// task is a no-op: the worker may have been evicted while the task was in
// flight.
func (r *Registry) Release(workerID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.workers[workerID]; ok {
		delete(rec.active, taskID)
	}
}

func (r *Registry) Load(workerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.workers[workerID]; ok {
		return len(rec.active)
	}
	return 0
}

// Snapshot lists all records with load and liveness, for the admin surface
// and the announcement responder.
func (r *Registry) Snapshot() []Entry {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.workers))
	for _, rec := range r.workers {
		out = append(out, Entry{
			Descriptor:    rec.desc,
			Load:          len(rec.active),
			LastHeartbeat: rec.lastHeartbeat,
			Live:          now.Sub(rec.lastHeartbeat) < 2*rec.desc.HeartbeatInterval,
		})
	}
	return out
}

// GarbageCollect evicts workers silent for longer than the absolute ceiling.
// The ceiling is independent of the worker's declared interval so a worker
// advertising an hour-long cadence cannot hold a registry slot forever.
func (r *Registry) GarbageCollect(ctx context.Context) []Eviction {
	now := r.clk.Now()

	r.mu.Lock()
	evicted := make([]Eviction, 0)
	for id, rec := range r.workers {
		if now.Sub(rec.lastHeartbeat) <= r.staleCeiling {
			continue
		}
		orphans := make([]string, 0, len(rec.active))
		for taskID := range rec.active {
			orphans = append(orphans, taskID)
		}
		delete(r.workers, id)
		evicted = append(evicted, Eviction{
			WorkerID: id,
			Kind:     rec.desc.Kind,
			Endpoint: rec.desc.Endpoint,
			Orphans:  orphans,
		})
	}
	total := len(r.workers)
	r.mu.Unlock()

	if len(evicted) > 0 {
		observability.Default.IncCounter("workers_evicted_total", nil, float64(len(evicted)))
		observability.Default.SetGauge("workers_registered", nil, float64(total))
	}
	for _, ev := range evicted {
		log.Printf("[registry] evicted stale worker %s (%d orphaned tasks)", ev.WorkerID, len(ev.Orphans))
		r.mirrorWrite(ctx, "evict", ev.WorkerID, func(s state.Store) error {
			return s.MarkWorkerStatus(ctx, ev.WorkerID, state.WorkerInactive)
		})
	}
	return evicted
}

// mirrorWrite runs a durable-store write best-effort. Mirror failures are
// logged and swallowed; they never fail the in-memory operation.
func (r *Registry) mirrorWrite(_ context.Context, op, workerID string, fn func(state.Store) error) {
	if r.mirror == nil {
		return
	}
	if err := fn(r.mirror); err != nil {
		log.Printf("[registry] mirror %s for %s failed: %v", op, workerID, err)
	}
}

func (r *Registry) row(workerID string, hb time.Time, load int) state.WorkerRow {
	r.mu.Lock()
	rec, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return state.WorkerRow{WorkerID: workerID, Status: state.WorkerInactive, LastHeartbeat: hb}
	}
	desc := rec.desc
	r.mu.Unlock()
	return state.WorkerRow{
		WorkerID:         desc.ID,
		Kind:             string(desc.Kind),
		Endpoint:         desc.Endpoint,
		Capabilities:     desc.Capabilities,
		MaxConcurrent:    desc.MaxConcurrentTasks,
		HeartbeatSeconds: int(desc.HeartbeatInterval / time.Second),
		Status:           state.WorkerActive,
		LastHeartbeat:    hb,
		Metrics:          heartbeatMetrics(load),
	}
}

func heartbeatMetrics(load int) json.RawMessage {
	b, _ := json.Marshal(map[string]int{"load": load})
	return b
}

func validate(desc *Descriptor) error {
	if desc.ID == "" {
		return errors.New("worker id is required")
	}
	if !desc.Kind.Valid() {
		return fmt.Errorf("unknown worker kind %q", desc.Kind)
	}
	if desc.Endpoint == "" {
		return errors.New("worker endpoint is required")
	}
	if desc.MaxConcurrentTasks < 1 {
		return errors.New("max_concurrent_tasks must be at least 1")
	}
	if desc.HeartbeatInterval <= 0 {
		desc.HeartbeatInterval = defaultHeartbeatSeconds * time.Second
	}
	return nil
}
