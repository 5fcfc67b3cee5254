package state

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreWorkerLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	hb := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	row := WorkerRow{
		WorkerID:      "w1",
		Kind:          "inference",
		Endpoint:      "http://w1:9090",
		Status:        WorkerActive,
		LastHeartbeat: hb,
	}
	if err := store.UpsertWorker(ctx, row); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	later := hb.Add(time.Minute)
	if err := store.UpdateWorkerHeartbeat(ctx, "w1", later); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := store.MarkWorkerStatus(ctx, "w1", WorkerInactive); err != nil {
		t.Fatalf("mark: %v", err)
	}

	rows, err := store.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	if !rows[0].LastHeartbeat.Equal(later) {
		t.Fatalf("heartbeat not updated: %v", rows[0].LastHeartbeat)
	}
	if rows[0].Status != WorkerInactive {
		t.Fatalf("status not updated: %s", rows[0].Status)
	}
}

func TestMemoryStoreHeartbeatUnknownWorkerIsNoop(t *testing.T) {
	store := NewMemoryStore()
	if err := store.UpdateWorkerHeartbeat(context.Background(), "ghost", time.Now()); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	rows, _ := store.ListWorkers(context.Background())
	if len(rows) != 0 {
		t.Fatalf("no-op heartbeat must not create rows: %v", rows)
	}
}
