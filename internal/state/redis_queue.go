package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/taskfleet/internal/observability"
)

type RedisQueueConfig struct {
	Stream   string
	Group    string
	Consumer string
	// MinIdle is how long a claimed entry may sit unacked before another
	// consumer pass may steal it.
	MinIdle time.Duration
}

// RedisQueue is the durable queue backend: a redis stream with one consumer
// group shared by all dispatcher instances, and a paired dead-letter stream.
type RedisQueue struct {
	client *redis.Client
	cfg    RedisQueueConfig
}

func NewRedisQueue(ctx context.Context, client *redis.Client, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Stream == "" {
		cfg.Stream = "taskfleet:tasks"
	}
	if cfg.Group == "" {
		cfg.Group = "dispatchers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "dispatcher-1"
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = 5 * time.Second
	}
	q := &RedisQueue{client: client, cfg: cfg}
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RedisQueue) deadStream() string { return q.cfg.Stream + ":dead" }

func (q *RedisQueue) labels(extra map[string]string) map[string]string {
	l := map[string]string{"queue_backend": "redis"}
	for k, v := range extra {
		l[k] = v
	}
	return l
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *RedisQueue) Append(ctx context.Context, msg TaskMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{"task": string(data)},
	}).Err()
}

func (q *RedisQueue) Consume(ctx context.Context, max int, block time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	out := make([]Delivery, 0, max)

	// Pending entries abandoned by a crashed or stalled consumer come first.
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.MinIdle,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out = q.appendMessages(ctx, out, claimed)

	if len(out) < max {
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    int64(max - len(out)),
			Block:    block,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		for _, s := range streams {
			out = q.appendMessages(ctx, out, s.Messages)
		}
	}
	if len(out) > 0 {
		observability.Default.IncCounter("queue_claimed_total", q.labels(nil), float64(len(out)))
	}
	return out, nil
}

// appendMessages decodes stream entries into deliveries. Entries that cannot
// be decoded go straight to the dead-letter stream.
func (q *RedisQueue) appendMessages(ctx context.Context, out []Delivery, msgs []redis.XMessage) []Delivery {
	for _, m := range msgs {
		raw, ok := m.Values["task"].(string)
		if !ok {
			q.deadLetterRaw(ctx, m.ID, raw, "malformed_entry")
			continue
		}
		var msg TaskMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			q.deadLetterRaw(ctx, m.ID, raw, "malformed_entry")
			continue
		}
		out = append(out, Delivery{Msg: msg, Receipt: m.ID})
	}
	return out
}

func (q *RedisQueue) deadLetterRaw(ctx context.Context, id, raw, reason string) {
	_ = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.deadStream(),
		Values: map[string]any{"task": raw, "reason": reason},
	}).Err()
	_ = q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, id).Err()
	_ = q.client.XDel(ctx, q.cfg.Stream, id).Err()
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.Receipt).Err(); err != nil {
		return err
	}
	return q.client.XDel(ctx, q.cfg.Stream, d.Receipt).Err()
}

func (q *RedisQueue) Nack(ctx context.Context, d Delivery) error {
	if err := q.Append(ctx, d.Msg); err != nil {
		return err
	}
	return q.Ack(ctx, d)
}

func (q *RedisQueue) DeadLetter(ctx context.Context, msg TaskMessage, reason string) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.deadStream(),
		Values: map[string]any{"task": string(data), "reason": reason},
	}).Err()
	if err != nil {
		return err
	}
	if n, derr := q.DeadLetterDepth(ctx); derr == nil {
		observability.Default.SetGauge("dead_letter_count", q.labels(nil), float64(n))
	}
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.cfg.Stream).Result()
}

func (q *RedisQueue) DeadLetterDepth(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.deadStream()).Result()
}

func (q *RedisQueue) ListDeadLetters(ctx context.Context, limit int) ([]DeadEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := q.client.XRangeN(ctx, q.deadStream(), "-", "+", int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadEntry, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["task"].(string)
		if !ok {
			continue
		}
		var msg TaskMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		reason, _ := m.Values["reason"].(string)
		out = append(out, DeadEntry{Msg: msg, Reason: reason})
	}
	return out, nil
}

func (q *RedisQueue) RequeueDeadLetters(ctx context.Context, taskIDs []string) (int, error) {
	target := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		target[id] = true
	}
	msgs, err := q.client.XRange(ctx, q.deadStream(), "-", "+").Result()
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, m := range msgs {
		raw, ok := m.Values["task"].(string)
		if !ok {
			continue
		}
		var msg TaskMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		if !target[msg.TaskID] {
			continue
		}
		if err := q.client.XDel(ctx, q.deadStream(), m.ID).Err(); err != nil {
			return requeued, err
		}
		msg.Attempt = 0
		if err := q.Append(ctx, msg); err != nil {
			return requeued, err
		}
		requeued++
	}
	if requeued > 0 {
		observability.Default.IncCounter("dead_letter_requeued_total", q.labels(nil), float64(requeued))
	}
	return requeued, nil
}
