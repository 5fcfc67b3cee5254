package state

import (
	"context"
	"testing"
	"time"
)

func msgWithPriority(id string, priority int) TaskMessage {
	return TaskMessage{
		TaskID:    id,
		Kind:      "inference",
		Payload:   []byte(`{}`),
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
}

func TestMemoryQueuePriorityOrder(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	if err := q.Append(ctx, msgWithPriority("low", 10)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := q.Append(ctx, msgWithPriority("high", 1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := q.Append(ctx, msgWithPriority("mid", 5)); err != nil {
		t.Fatalf("append: %v", err)
	}

	deliveries, err := q.Consume(ctx, 3, 0)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	got := []string{}
	for _, d := range deliveries {
		got = append(got, d.Msg.TaskID)
	}
	want := []string{"high", "mid", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("priority order wrong: got %v, want %v", got, want)
		}
	}
}

func TestMemoryQueueFIFOWithinPriority(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Append(ctx, msgWithPriority(id, 0)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	deliveries, err := q.Consume(ctx, 3, 0)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	for i, id := range []string{"a", "b", "c"} {
		if deliveries[i].Msg.TaskID != id {
			t.Fatalf("expected arrival order, got %s at %d", deliveries[i].Msg.TaskID, i)
		}
	}
}

func TestMemoryQueueAckRemovesEntry(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	if err := q.Append(ctx, msgWithPriority("t1", 0)); err != nil {
		t.Fatalf("append: %v", err)
	}
	deliveries, err := q.Consume(ctx, 1, 0)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("consume: %v deliveries=%d", err, len(deliveries))
	}
	if err := q.Ack(ctx, deliveries[0]); err != nil {
		t.Fatalf("ack: %v", err)
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("expected empty queue after ack, depth=%d", depth)
	}
	if again, _ := q.Consume(ctx, 1, 0); len(again) != 0 {
		t.Fatalf("acked entry redelivered: %v", again)
	}
}

func TestMemoryQueueNackRedelivers(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	if err := q.Append(ctx, msgWithPriority("t1", 0)); err != nil {
		t.Fatalf("append: %v", err)
	}
	deliveries, err := q.Consume(ctx, 1, 0)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("consume: %v deliveries=%d", err, len(deliveries))
	}
	if err := q.Nack(ctx, deliveries[0]); err != nil {
		t.Fatalf("nack: %v", err)
	}
	again, err := q.Consume(ctx, 1, 0)
	if err != nil {
		t.Fatalf("consume after nack: %v", err)
	}
	if len(again) != 1 || again[0].Msg.TaskID != "t1" {
		t.Fatalf("expected t1 redelivered, got %v", again)
	}
	if again[0].Msg.Attempt != 0 {
		t.Fatalf("nack must not count an attempt, got %d", again[0].Msg.Attempt)
	}
}

func TestMemoryQueueDeadLetter(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	if err := q.DeadLetter(ctx, msgWithPriority("t1", 0), "unknown_kind"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	depth, err := q.DeadLetterDepth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("dead letter depth: %v depth=%d", err, depth)
	}
	entries, err := q.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(entries) != 1 || entries[0].Reason != "unknown_kind" {
		t.Fatalf("unexpected dead letters: %v", entries)
	}
	// Dead-lettered tasks never come back through Consume.
	if deliveries, _ := q.Consume(ctx, 10, 0); len(deliveries) != 0 {
		t.Fatalf("dead-lettered task delivered: %v", deliveries)
	}
}

func TestMemoryQueueRequeueDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	dead := msgWithPriority("t1", 0)
	dead.Attempt = 3
	if err := q.DeadLetter(ctx, dead, "max_attempts"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if err := q.DeadLetter(ctx, msgWithPriority("t2", 0), "max_attempts"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	n, err := q.RequeueDeadLetters(ctx, []string{"t1", "missing"})
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued, got %d", n)
	}
	deliveries, err := q.Consume(ctx, 10, 0)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("consume: %v deliveries=%d", err, len(deliveries))
	}
	if deliveries[0].Msg.TaskID != "t1" {
		t.Fatalf("expected t1 requeued, got %s", deliveries[0].Msg.TaskID)
	}
	if deliveries[0].Msg.Attempt != 0 {
		t.Fatalf("requeue must reset attempts, got %d", deliveries[0].Msg.Attempt)
	}
	depth, _ := q.DeadLetterDepth(ctx)
	if depth != 1 {
		t.Fatalf("expected t2 still dead-lettered, depth=%d", depth)
	}
}
