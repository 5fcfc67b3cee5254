package state

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/taskfleet/internal/observability"
)

type queueItem struct {
	msg   TaskMessage
	seq   uint64
	index int
}

// taskHeap orders by priority (lower value first), then by arrival order.
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority < h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type memoryInflight struct {
	msg       TaskMessage
	visibleAt time.Time
}

// MemoryQueue is the in-process queue backend used for tests and
// single-process runs. Entries are claimed with a visibility timeout so an
// abandoned claim is eventually redelivered.
type MemoryQueue struct {
	mu         sync.Mutex
	pending    taskHeap
	inflight   map[string]memoryInflight
	dead       []DeadEntry
	seq        uint64
	visibility time.Duration
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight:   make(map[string]memoryInflight),
		dead:       make([]DeadEntry, 0, 16),
		visibility: 30 * time.Second,
	}
}

func (q *MemoryQueue) labels(extra map[string]string) map[string]string {
	l := map[string]string{"queue_backend": "memory"}
	for k, v := range extra {
		l[k] = v
	}
	return l
}

func (q *MemoryQueue) Append(_ context.Context, msg TaskMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.push(msg)
	observability.Default.SetGauge("queue_depth", q.labels(nil), float64(q.pending.Len()))
	return nil
}

// push assumes q.mu is held.
func (q *MemoryQueue) push(msg TaskMessage) {
	q.seq++
	heap.Push(&q.pending, &queueItem{msg: msg, seq: q.seq})
}

func (q *MemoryQueue) Consume(_ context.Context, max int, _ time.Duration) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 {
		max = 1
	}
	now := time.Now().UTC()
	for receipt, inf := range q.inflight {
		if inf.visibleAt.After(now) {
			continue
		}
		q.push(inf.msg)
		delete(q.inflight, receipt)
	}
	out := make([]Delivery, 0, max)
	for q.pending.Len() > 0 && len(out) < max {
		item := heap.Pop(&q.pending).(*queueItem)
		q.seq++
		receipt := fmt.Sprintf("mem:%d", q.seq)
		q.inflight[receipt] = memoryInflight{msg: item.msg, visibleAt: now.Add(q.visibility)}
		out = append(out, Delivery{Msg: item.msg, Receipt: receipt})
	}
	observability.Default.SetGauge("queue_depth", q.labels(nil), float64(q.pending.Len()))
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, d.Receipt)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if inf, ok := q.inflight[d.Receipt]; ok {
		q.push(inf.msg)
		delete(q.inflight, d.Receipt)
	}
	observability.Default.SetGauge("queue_depth", q.labels(nil), float64(q.pending.Len()))
	return nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, msg TaskMessage, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, DeadEntry{Msg: msg, Reason: reason})
	observability.Default.SetGauge("dead_letter_count", q.labels(nil), float64(len(q.dead)))
	return nil
}

func (q *MemoryQueue) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.pending.Len()), nil
}

func (q *MemoryQueue) DeadLetterDepth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.dead)), nil
}

func (q *MemoryQueue) ListDeadLetters(_ context.Context, limit int) ([]DeadEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]DeadEntry, limit)
	copy(out, q.dead[:limit])
	return out, nil
}

func (q *MemoryQueue) RequeueDeadLetters(_ context.Context, taskIDs []string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	target := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		target[id] = true
	}
	kept := make([]DeadEntry, 0, len(q.dead))
	requeued := 0
	for _, e := range q.dead {
		if target[e.Msg.TaskID] {
			msg := e.Msg
			msg.Attempt = 0
			q.push(msg)
			requeued++
			continue
		}
		kept = append(kept, e)
	}
	q.dead = kept
	observability.Default.SetGauge("dead_letter_count", q.labels(nil), float64(len(q.dead)))
	return requeued, nil
}
