package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/taskfleet/internal/observability"
	"github.com/example/taskfleet/internal/state"
	"github.com/example/taskfleet/pkg/fleetapi"
)

// consumeLoop drains the durable queue whenever workers have capacity. It is
// the only reader in this process; the consumer group lets additional
// dispatcher replicas share the stream without duplicate claims.
func (d *Dispatcher) consumeLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		deliveries, err := d.queue.Consume(ctx, d.batchSize, d.pollBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[dispatcher] queue consume failed: %v", err)
			d.pause(ctx, d.pollBlock)
			continue
		}
		if len(deliveries) == 0 {
			// Memory queue returns immediately when empty.
			d.pause(ctx, d.idlePause)
			continue
		}
		// Claims arrive in log order; dispatch urgent tasks first within
		// the batch.
		sort.SliceStable(deliveries, func(i, j int) bool {
			return deliveries[i].Msg.Priority < deliveries[j].Msg.Priority
		})
		progressed := false
		for _, del := range deliveries {
			if ctx.Err() != nil {
				return
			}
			if d.handleDelivery(ctx, del) {
				progressed = true
			}
		}
		if !progressed {
			// Every claim bounced off a full or empty fleet; back off
			// instead of spinning on the same entries.
			d.pause(ctx, d.idlePause)
		}
	}
}

// handleDelivery resolves one claimed task. Reports whether the task reached
// a worker, so the loop can tell progress from churn.
func (d *Dispatcher) handleDelivery(ctx context.Context, del state.Delivery) bool {
	// A claimed entry is resolved to a terminal state even across shutdown:
	// cancellation stays at the loop iteration boundaries, the transport call
	// bounds itself with its own timeout, and aborting mid-flight would
	// charge the task an attempt it never got.
	ctx = context.WithoutCancel(ctx)
	msg := del.Msg
	ctx, span := observability.StartSpan(ctx, "dispatcher.consume",
		attribute.String("task.id", msg.TaskID),
		attribute.String("task.kind", msg.Kind),
		attribute.Int("task.attempt", msg.Attempt),
	)
	defer span.End()

	if !fleetapi.WorkerKind(msg.Kind).Valid() {
		// Only reachable for entries appended by an older build or by hand.
		d.deadLetter(ctx, msg, "unknown_kind")
		d.ack(ctx, del)
		return false
	}

	_, workerID, err := d.tryDispatch(ctx, msg)
	switch {
	case err == nil:
		d.ack(ctx, del)
		log.Printf("[dispatcher] queued task %s completed on worker %s", msg.TaskID, workerID)
		return true
	case errors.Is(err, ErrNoWorker):
		// Leave the entry claimable without charging an attempt.
		if nerr := d.queue.Nack(ctx, del); nerr != nil {
			log.Printf("[dispatcher] nack of %s failed: %v", msg.TaskID, nerr)
		}
		return false
	default:
		msg.Attempt++
		if msg.Attempt >= d.maxAttempts {
			d.deadLetter(ctx, msg, fmt.Sprintf("max_attempts: %v", err))
			d.ack(ctx, del)
			return false
		}
		log.Printf("[dispatcher] dispatch of %s to %s failed (attempt %d/%d): %v",
			msg.TaskID, workerID, msg.Attempt, d.maxAttempts, err)
		if aerr := d.queue.Append(ctx, msg); aerr != nil {
			// Keep the original claim alive rather than lose the task.
			log.Printf("[dispatcher] requeue of %s failed: %v", msg.TaskID, aerr)
			return false
		}
		d.ack(ctx, del)
		return false
	}
}

func (d *Dispatcher) ack(ctx context.Context, del state.Delivery) {
	if err := d.queue.Ack(ctx, del); err != nil {
		log.Printf("[dispatcher] ack of %s failed: %v", del.Msg.TaskID, err)
	}
}

func (d *Dispatcher) pause(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
