package observability

import (
	"strings"
	"testing"
)

func TestRenderPrometheus(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("tasks_submitted_total", map[string]string{"kind": "inference", "outcome": "assigned"}, 3)
	r.SetGauge("queue_depth", map[string]string{"queue_backend": "memory"}, 2)

	out := r.RenderPrometheus()
	if !strings.Contains(out, `tasks_submitted_total{kind="inference",outcome="assigned"} 3`) {
		t.Fatalf("missing submitted counter in output: %s", out)
	}
	if !strings.Contains(out, `queue_depth{queue_backend="memory"} 2`) {
		t.Fatalf("missing queue depth gauge in output: %s", out)
	}
}

func TestCounterAccumulates(t *testing.T) {
	r := NewRegistry()
	labels := map[string]string{"worker_id": "w1"}
	r.IncCounter("tasks_dispatched_total", labels, 1)
	r.IncCounter("tasks_dispatched_total", labels, 2)

	snap := r.Snapshot()
	if len(snap.Counters) != 1 {
		t.Fatalf("expected one counter series, got %d", len(snap.Counters))
	}
	if got := snap.Counters[0].Value; got != 3 {
		t.Fatalf("counter should accumulate, got %v", got)
	}
}

func TestSanitizeMetricName(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("bad name!", nil, 1)
	out := r.RenderPrometheus()
	if strings.Contains(out, "bad name!") {
		t.Fatalf("unsanitized metric name in output: %s", out)
	}
}
