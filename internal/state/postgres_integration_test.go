package state

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestPostgresStoreIntegrationWorkerLifecycle(t *testing.T) {
	dsn := os.Getenv("TASKFLEET_POSTGRES_DSN_INTEGRATION")
	if dsn == "" {
		t.Skip("set TASKFLEET_POSTGRES_DSN_INTEGRATION to run Postgres integration tests")
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	workerID := "w-int-" + time.Now().UTC().Format("20060102150405")
	hb := time.Now().UTC().Truncate(time.Millisecond)
	row := WorkerRow{
		WorkerID:         workerID,
		Kind:             "inference",
		Endpoint:         "http://worker:9090",
		Capabilities:     []string{"llama3-8b"},
		MaxConcurrent:    4,
		HeartbeatSeconds: 30,
		Status:           WorkerActive,
		LastHeartbeat:    hb,
	}
	if err := store.UpsertWorker(ctx, row); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Upsert again with a new endpoint: must update, not conflict.
	row.Endpoint = "http://worker:9191"
	if err := store.UpsertWorker(ctx, row); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	later := hb.Add(30 * time.Second)
	if err := store.UpdateWorkerHeartbeat(ctx, workerID, later); err != nil {
		t.Fatalf("update heartbeat: %v", err)
	}
	if err := store.MarkWorkerStatus(ctx, workerID, WorkerInactive); err != nil {
		t.Fatalf("mark status: %v", err)
	}

	rows, err := store.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("list workers: %v", err)
	}
	var found *WorkerRow
	for i := range rows {
		if rows[i].WorkerID == workerID {
			found = &rows[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("worker %s not listed", workerID)
	}
	if found.Endpoint != "http://worker:9191" {
		t.Fatalf("endpoint not updated: %s", found.Endpoint)
	}
	if found.Status != WorkerInactive {
		t.Fatalf("status not updated: %s", found.Status)
	}
	if found.MaxConcurrent != 4 || found.HeartbeatSeconds != 30 {
		t.Fatalf("capacity columns not round-tripped: %+v", found)
	}

	entry := DeadEntry{
		Msg: TaskMessage{
			TaskID:    "t-int-1",
			Kind:      "inference",
			Payload:   []byte(`{"prompt":"x"}`),
			Attempt:   3,
			CreatedAt: time.Now().UTC(),
		},
		Reason: "max_attempts",
	}
	if err := store.ArchiveDeadLetter(ctx, entry); err != nil {
		t.Fatalf("archive dead letter: %v", err)
	}
}
