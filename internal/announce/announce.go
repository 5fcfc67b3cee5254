// Package announce broadcasts fleet membership changes over redis pub/sub
// and answers discovery probes with the current worker roster. The channel is
// advisory: registration over the HTTP API remains the source of truth.
package announce

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/taskfleet/internal/registry"
	"github.com/example/taskfleet/pkg/fleetapi"
)

const (
	DefaultAnnounceChannel  = "taskfleet:announce"
	DefaultDiscoveryChannel = "taskfleet:discovery"
)

// Event types published on the announce channel.
const (
	EventRegistered   = "registered"
	EventUnregistered = "unregistered"
	EventEvicted      = "evicted"
)

// Event is one membership change.
type Event struct {
	Type     string `json:"type"`
	WorkerID string `json:"worker_id"`
	Kind     string `json:"kind,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

type discoveryRequest struct {
	ReplyTo string `json:"reply_to"`
}

// Announcer publishes membership events. Failures are logged and swallowed:
// a dead pub/sub channel must never block registration.
type Announcer struct {
	rdb     *redis.Client
	channel string
}

func NewAnnouncer(rdb *redis.Client, channel string) *Announcer {
	if channel == "" {
		channel = DefaultAnnounceChannel
	}
	return &Announcer{rdb: rdb, channel: channel}
}

func (a *Announcer) Publish(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[announce] encode event: %v", err)
		return
	}
	if err := a.rdb.Publish(ctx, a.channel, body).Err(); err != nil {
		log.Printf("[announce] publish %s for %s: %v", ev.Type, ev.WorkerID, err)
	}
}

// Responder answers discovery probes with a roster snapshot taken from the
// registry at reply time.
type Responder struct {
	rdb     *redis.Client
	reg     *registry.Registry
	channel string

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewResponder(rdb *redis.Client, reg *registry.Registry, channel string) *Responder {
	if channel == "" {
		channel = DefaultDiscoveryChannel
	}
	return &Responder{rdb: rdb, reg: reg, channel: channel}
}

func (r *Responder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	sub := r.rdb.Subscribe(ctx, r.channel)
	r.wg.Add(1)
	go r.serve(ctx, sub)
}

func (r *Responder) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
}

func (r *Responder) serve(ctx context.Context, sub *redis.PubSub) {
	defer r.wg.Done()
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var req discoveryRequest
			if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil || req.ReplyTo == "" {
				log.Printf("[announce] malformed discovery probe: %q", msg.Payload)
				continue
			}
			r.reply(ctx, req.ReplyTo)
		}
	}
}

func (r *Responder) reply(ctx context.Context, replyTo string) {
	roster := rosterFromSnapshot(r.reg.Snapshot())
	body, err := json.Marshal(roster)
	if err != nil {
		log.Printf("[announce] encode roster: %v", err)
		return
	}
	if err := r.rdb.Publish(ctx, replyTo, body).Err(); err != nil {
		log.Printf("[announce] discovery reply to %s: %v", replyTo, err)
	}
}

func rosterFromSnapshot(entries []registry.Entry) fleetapi.ListWorkersResponse {
	out := fleetapi.ListWorkersResponse{Workers: make([]fleetapi.WorkerStatus, 0, len(entries))}
	for _, e := range entries {
		out.Workers = append(out.Workers, fleetapi.WorkerStatus{
			WorkerID:                 e.Descriptor.ID,
			Kind:                     string(e.Descriptor.Kind),
			Endpoint:                 e.Descriptor.Endpoint,
			Capabilities:             e.Descriptor.Capabilities,
			MaxConcurrentTasks:       e.Descriptor.MaxConcurrentTasks,
			HeartbeatIntervalSeconds: int(e.Descriptor.HeartbeatInterval / time.Second),
			Load:                     e.Load,
			Live:                     e.Live,
			LastHeartbeat:            e.LastHeartbeat.UTC().Format(time.RFC3339),
		})
	}
	return out
}

// Discover probes the discovery channel and collects roster replies for the
// given window. Multiple dispatchers may answer; replies are merged by
// worker id.
func Discover(ctx context.Context, rdb *redis.Client, channel string, window time.Duration) ([]fleetapi.WorkerStatus, error) {
	if channel == "" {
		channel = DefaultDiscoveryChannel
	}
	if window <= 0 {
		window = time.Second
	}
	replyTo := fmt.Sprintf("%s:reply:%s", channel, uuid.NewString())
	sub := rdb.Subscribe(ctx, replyTo)
	defer sub.Close()
	// Wait for the subscription to be established before probing, or the
	// reply can race past us.
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", replyTo, err)
	}

	probe, _ := json.Marshal(discoveryRequest{ReplyTo: replyTo})
	if err := rdb.Publish(ctx, channel, probe).Err(); err != nil {
		return nil, fmt.Errorf("publish discovery probe: %w", err)
	}

	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ch := sub.Channel()
	merged := make(map[string]fleetapi.WorkerStatus)
	for {
		select {
		case <-ctx.Done():
			return flatten(merged), ctx.Err()
		case <-deadline.C:
			return flatten(merged), nil
		case msg, ok := <-ch:
			if !ok {
				return flatten(merged), nil
			}
			var roster fleetapi.ListWorkersResponse
			if err := json.Unmarshal([]byte(msg.Payload), &roster); err != nil {
				log.Printf("[announce] malformed discovery reply: %v", err)
				continue
			}
			for _, w := range roster.Workers {
				merged[w.WorkerID] = w
			}
		}
	}
}

func flatten(m map[string]fleetapi.WorkerStatus) []fleetapi.WorkerStatus {
	out := make([]fleetapi.WorkerStatus, 0, len(m))
	for _, w := range m {
		out = append(out, w)
	}
	return out
}
