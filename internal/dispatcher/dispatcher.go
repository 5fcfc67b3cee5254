package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/taskfleet/internal/clock"
	"github.com/example/taskfleet/internal/observability"
	"github.com/example/taskfleet/internal/registry"
	"github.com/example/taskfleet/internal/state"
	"github.com/example/taskfleet/internal/transport"
	"github.com/example/taskfleet/pkg/fleetapi"
)

var (
	// ErrNoWorker is the normal "queue it" signal, not a failure.
	ErrNoWorker = errors.New("no eligible worker")
	// ErrStopped rejects submissions after Stop has begun.
	ErrStopped = errors.New("dispatcher is stopped")
)

// Transport sends a task to a worker endpoint and interprets the synchronous
// outcome.
type Transport interface {
	Send(ctx context.Context, workerID, endpoint string, req fleetapi.ExecuteRequest) (transport.Result, error)
}

// Outcome is the prompt answer every submission gets: assigned, queued, or
// rejected. Submission never blocks waiting for a worker to appear.
type Outcome struct {
	TaskID      string
	Status      string
	WorkerID    string
	Result      json.RawMessage
	ArtifactURI string
	Reason      string
}

type Options struct {
	Registry  *registry.Registry
	Queue     state.Queue
	Store     state.Store // optional dead-letter archive
	Transport Transport
	Clock     clock.Clock

	// MaxAttempts bounds transport-failure retries before dead-lettering.
	MaxAttempts int
	PollBlock   time.Duration
	BatchSize   int
	GCInterval  time.Duration
	// IdlePause throttles consumer passes that made no progress.
	IdlePause time.Duration

	// OnEviction, when set, is called for every garbage-collected worker so
	// the caller can fan the membership change out (announce channel).
	OnEviction func(registry.Eviction)
}

const (
	defaultMaxAttempts = 3
	defaultPollBlock   = time.Second
	defaultBatchSize   = 16
	defaultGCInterval  = 30 * time.Second
	defaultIdlePause   = 500 * time.Millisecond
)

// Dispatcher orchestrates task flow: immediate assignment when a live worker
// has capacity, durable queuing otherwise. It owns all task state
// transitions; worker load is mutated only through the registry.
type Dispatcher struct {
	reg       *registry.Registry
	queue     state.Queue
	store     state.Store
	transport Transport
	clk       clock.Clock

	maxAttempts int
	pollBlock   time.Duration
	batchSize   int
	gcInterval  time.Duration
	idlePause   time.Duration
	onEviction  func(registry.Eviction)

	mu      sync.Mutex
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(opts Options) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.PollBlock <= 0 {
		opts.PollBlock = defaultPollBlock
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = defaultGCInterval
	}
	if opts.IdlePause <= 0 {
		opts.IdlePause = defaultIdlePause
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	return &Dispatcher{
		reg:         opts.Registry,
		queue:       opts.Queue,
		store:       opts.Store,
		transport:   opts.Transport,
		clk:         opts.Clock,
		maxAttempts: opts.MaxAttempts,
		pollBlock:   opts.PollBlock,
		batchSize:   opts.BatchSize,
		gcInterval:  opts.GCInterval,
		idlePause:   opts.IdlePause,
		onEviction:  opts.OnEviction,
	}
}

// Start launches the queue-consumer and heartbeat-monitor loops. Both stop
// with Stop.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(2)
	go d.consumeLoop(ctx)
	go d.monitorLoop(ctx)
	log.Printf("[dispatcher] started")
}

// Stop rejects new submissions, cancels both background loops at their next
// iteration boundary, and waits for them. In-flight transport calls finish or
// time out on their own.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	log.Printf("[dispatcher] stopped")
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Submit validates, tries immediate assignment, and falls back to the durable
// queue. Unknown kinds go straight to the dead-letter log.
func (d *Dispatcher) Submit(ctx context.Context, req fleetapi.SubmitTaskRequest) (Outcome, error) {
	if d.isClosed() {
		return Outcome{}, ErrStopped
	}
	msg := state.TaskMessage{
		TaskID:    uuid.NewString(),
		Kind:      req.Kind,
		Payload:   req.Payload,
		Params:    req.Params,
		Priority:  req.Priority,
		CreatedAt: d.clk.Now(),
	}
	ctx, span := observability.StartSpan(ctx, "dispatcher.submit",
		attribute.String("task.id", msg.TaskID),
		attribute.String("task.kind", msg.Kind),
	)
	defer span.End()

	if !fleetapi.WorkerKind(msg.Kind).Valid() {
		d.deadLetter(ctx, msg, "unknown_kind")
		observability.Default.IncCounter("tasks_submitted_total", map[string]string{"kind": msg.Kind, "outcome": fleetapi.OutcomeRejected}, 1)
		reason := fmt.Sprintf("unknown kind %q, expected one of %v", msg.Kind, fleetapi.Kinds())
		return Outcome{TaskID: msg.TaskID, Status: fleetapi.OutcomeRejected, Reason: reason}, nil
	}

	res, workerID, err := d.tryDispatch(ctx, msg)
	switch {
	case err == nil:
		observability.Default.IncCounter("tasks_submitted_total", map[string]string{"kind": msg.Kind, "outcome": fleetapi.OutcomeAssigned}, 1)
		return Outcome{
			TaskID:      msg.TaskID,
			Status:      fleetapi.OutcomeAssigned,
			WorkerID:    workerID,
			Result:      res.Body,
			ArtifactURI: res.ArtifactURI,
		}, nil
	case errors.Is(err, ErrNoWorker):
		// Normal fallback, attempt count untouched.
	default:
		// Transport failure burns one attempt before queuing.
		msg.Attempt = 1
		log.Printf("[dispatcher] direct dispatch of %s failed, queuing: %v", msg.TaskID, err)
	}
	if err := d.queue.Append(ctx, msg); err != nil {
		return Outcome{}, err
	}
	observability.Default.IncCounter("tasks_submitted_total", map[string]string{"kind": msg.Kind, "outcome": fleetapi.OutcomeQueued}, 1)
	return Outcome{TaskID: msg.TaskID, Status: fleetapi.OutcomeQueued}, nil
}

// tryDispatch selects a worker, records the assignment, and makes the
// transport call outside any registry lock. Load is held only for the
// duration of the call: the task is terminal either way when it returns.
func (d *Dispatcher) tryDispatch(ctx context.Context, msg state.TaskMessage) (transport.Result, string, error) {
	desc, ok := d.reg.SelectWorker(fleetapi.WorkerKind(msg.Kind))
	if !ok {
		return transport.Result{}, "", ErrNoWorker
	}
	if err := d.reg.Assign(desc.ID, msg.TaskID); err != nil {
		// Worker evicted between select and assign.
		return transport.Result{}, "", ErrNoWorker
	}
	res, err := d.transport.Send(ctx, desc.ID, desc.Endpoint, fleetapi.ExecuteRequest{
		TaskID:  msg.TaskID,
		Kind:    msg.Kind,
		Payload: msg.Payload,
		Params:  msg.Params,
	})
	d.reg.Release(desc.ID, msg.TaskID)
	if err != nil {
		observability.Default.IncCounter("transport_failures_total", map[string]string{"worker_id": desc.ID}, 1)
		return transport.Result{}, desc.ID, err
	}
	observability.Default.IncCounter("tasks_dispatched_total", map[string]string{"worker_id": desc.ID}, 1)
	return res, desc.ID, nil
}

// deadLetter removes a task from the retry path and archives it best-effort.
func (d *Dispatcher) deadLetter(ctx context.Context, msg state.TaskMessage, reason string) {
	if err := d.queue.DeadLetter(ctx, msg, reason); err != nil {
		log.Printf("[dispatcher] dead-letter of %s failed: %v", msg.TaskID, err)
	}
	if d.store != nil {
		if err := d.store.ArchiveDeadLetter(ctx, state.DeadEntry{Msg: msg, Reason: reason}); err != nil {
			log.Printf("[dispatcher] dead-letter archive of %s failed: %v", msg.TaskID, err)
		}
	}
	observability.Default.IncCounter("tasks_dead_lettered_total", map[string]string{"kind": msg.Kind, "reason": reason}, 1)
}
