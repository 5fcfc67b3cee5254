package state

import (
	"context"
	"time"
)

// Store is the durable mirror of registry state. Writes are best-effort: the
// caller logs and swallows failures, they never fail the in-memory operation.
type Store interface {
	UpsertWorker(ctx context.Context, row WorkerRow) error
	UpdateWorkerHeartbeat(ctx context.Context, workerID string, at time.Time) error
	MarkWorkerStatus(ctx context.Context, workerID, status string) error
	ListWorkers(ctx context.Context) ([]WorkerRow, error)
	ArchiveDeadLetter(ctx context.Context, entry DeadEntry) error
}

// Queue is the durable task queue plus its paired dead-letter log. Consumers
// must tolerate at-least-once redelivery and be idempotent on task id.
type Queue interface {
	Append(ctx context.Context, msg TaskMessage) error
	// Consume claims up to max entries, blocking up to block when the queue is
	// empty. Claimed entries must be Acked, Nacked, or dead-lettered.
	Consume(ctx context.Context, max int, block time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Nack returns a claimed entry to the queue without counting an attempt.
	Nack(ctx context.Context, d Delivery) error
	DeadLetter(ctx context.Context, msg TaskMessage, reason string) error
	Depth(ctx context.Context) (int64, error)
	DeadLetterDepth(ctx context.Context) (int64, error)
	ListDeadLetters(ctx context.Context, limit int) ([]DeadEntry, error)
	RequeueDeadLetters(ctx context.Context, taskIDs []string) (int, error)
}
