// Package bootstrap wires the dispatcher control plane out of configuration:
// store, queue, registry, transport, and the optional pub/sub announcer.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/taskfleet/internal/announce"
	"github.com/example/taskfleet/internal/config"
	"github.com/example/taskfleet/internal/dispatcher"
	"github.com/example/taskfleet/internal/registry"
	"github.com/example/taskfleet/internal/state"
	"github.com/example/taskfleet/internal/transport"
)

// ControlPlane holds every component the dispatcher process runs. Close
// releases them in reverse construction order.
type ControlPlane struct {
	Config     config.Config
	Store      state.Store
	Queue      state.Queue
	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
	Announcer  *announce.Announcer
	Responder  *announce.Responder

	redis  *redis.Client
	closed bool
}

// New builds the control plane from config. Nothing is started yet; call
// Start on the returned value.
func New(ctx context.Context, cfg config.Config) (*ControlPlane, error) {
	cp := &ControlPlane{Config: cfg}

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	cp.Store = store

	if cfg.Queue == "redis" || cfg.Announce.Enabled {
		cp.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	queue, err := newQueue(ctx, cfg, cp.redis)
	if err != nil {
		return nil, err
	}
	cp.Queue = queue

	cp.Registry = registry.New(registry.Options{
		Mirror:       store,
		StaleCeiling: cfg.StaleCeiling(),
	})
	if seeded, err := cp.Registry.Seed(ctx); err != nil {
		log.Printf("[bootstrap] mirror seed failed: %v", err)
	} else if seeded > 0 {
		log.Printf("[bootstrap] restored %d workers from the durable mirror", seeded)
	}

	var onEviction func(registry.Eviction)
	if cfg.Announce.Enabled {
		cp.Announcer = announce.NewAnnouncer(cp.redis, cfg.Announce.AnnounceChannel)
		cp.Responder = announce.NewResponder(cp.redis, cp.Registry, cfg.Announce.DiscoveryChannel)
		announcer := cp.Announcer
		onEviction = func(ev registry.Eviction) {
			announcer.Publish(context.Background(), announce.Event{
				Type:     announce.EventEvicted,
				WorkerID: ev.WorkerID,
				Kind:     string(ev.Kind),
				Endpoint: ev.Endpoint,
			})
		}
	}

	cp.Dispatcher = dispatcher.New(dispatcher.Options{
		Registry:    cp.Registry,
		Queue:       queue,
		Store:       store,
		Transport:   transport.NewClient(cfg.TransportTimeout()),
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		PollBlock:   cfg.PollBlock(),
		BatchSize:   cfg.Dispatch.BatchSize,
		GCInterval:  cfg.GCInterval(),
		OnEviction:  onEviction,
	})
	return cp, nil
}

// Start launches the background loops.
func (cp *ControlPlane) Start() {
	cp.Dispatcher.Start()
	if cp.Responder != nil {
		cp.Responder.Start()
	}
}

// Close stops background loops and releases connections.
func (cp *ControlPlane) Close() {
	if cp.closed {
		return
	}
	cp.closed = true
	if cp.Responder != nil {
		cp.Responder.Stop()
	}
	cp.Dispatcher.Stop()
	if closer, ok := cp.Store.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if cp.redis != nil {
		_ = cp.redis.Close()
	}
}

func newStore(cfg config.Config) (state.Store, error) {
	switch cfg.Store {
	case "memory":
		return state.NewMemoryStore(), nil
	case "postgres":
		return state.NewPostgresStore(cfg.Postgres.DSN)
	default:
		return nil, fmt.Errorf("unsupported store %q", cfg.Store)
	}
}

func newQueue(ctx context.Context, cfg config.Config, rdb *redis.Client) (state.Queue, error) {
	switch cfg.Queue {
	case "memory":
		return state.NewMemoryQueue(), nil
	case "redis":
		return state.NewRedisQueue(ctx, rdb, state.RedisQueueConfig{
			Stream:   cfg.Redis.Stream,
			Group:    cfg.Redis.Group,
			Consumer: cfg.Redis.Consumer,
			MinIdle:  5 * time.Second,
		})
	default:
		return nil, fmt.Errorf("unsupported queue %q", cfg.Queue)
	}
}
