package announce

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/taskfleet/internal/clock"
	"github.com/example/taskfleet/internal/registry"
	"github.com/example/taskfleet/pkg/fleetapi"
)

func TestRosterFromSnapshot(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	reg := registry.New(registry.Options{Clock: clk})
	err := reg.Register(context.Background(), registry.Descriptor{
		ID:                 "w1",
		Kind:               fleetapi.KindInference,
		Endpoint:           "http://w1:9090",
		Capabilities:       []string{"llama3-8b"},
		MaxConcurrentTasks: 2,
		HeartbeatInterval:  30 * time.Second,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Assign("w1", "t1"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	roster := rosterFromSnapshot(reg.Snapshot())
	if len(roster.Workers) != 1 {
		t.Fatalf("expected 1 worker, got %d", len(roster.Workers))
	}
	w := roster.Workers[0]
	if w.WorkerID != "w1" || w.Kind != "inference" || w.Load != 1 || !w.Live {
		t.Fatalf("unexpected roster entry: %+v", w)
	}
	if w.HeartbeatIntervalSeconds != 30 {
		t.Fatalf("heartbeat interval not converted: %d", w.HeartbeatIntervalSeconds)
	}
	if _, err := time.Parse(time.RFC3339, w.LastHeartbeat); err != nil {
		t.Fatalf("last heartbeat not RFC3339: %q", w.LastHeartbeat)
	}
}

func TestDiscoverIntegrationRoundTrip(t *testing.T) {
	addr := os.Getenv("TASKFLEET_REDIS_ADDR_INTEGRATION")
	if addr == "" {
		t.Skip("set TASKFLEET_REDIS_ADDR_INTEGRATION to run redis integration tests")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx := context.Background()
	reg := registry.New(registry.Options{})
	err := reg.Register(ctx, registry.Descriptor{
		ID:                 "w-disc-1",
		Kind:               fleetapi.KindWebSearch,
		Endpoint:           "http://w-disc-1:9090",
		MaxConcurrentTasks: 1,
		HeartbeatInterval:  30 * time.Second,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	channel := fmt.Sprintf("taskfleet:discovery:test:%d", time.Now().UnixNano())
	resp := NewResponder(rdb, reg, channel)
	resp.Start()
	defer resp.Stop()

	workers, err := Discover(ctx, rdb, channel, 2*time.Second)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	for _, w := range workers {
		if w.WorkerID == "w-disc-1" {
			if w.Kind != "web-search" {
				t.Fatalf("unexpected kind: %s", w.Kind)
			}
			return
		}
	}
	t.Fatalf("worker w-disc-1 not discovered; got %+v", workers)
}
