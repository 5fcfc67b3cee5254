package dispatcher

import (
	"context"
	"log"
	"time"
)

// monitorLoop evicts workers that have gone silent past the stale ceiling.
func (d *Dispatcher) monitorLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.collectStale(ctx)
		}
	}
}

// collectStale runs one eviction pass. The registry accounts for evictions in
// workers_evicted_total; this only reports them. Tasks in flight on an
// evicted worker are each inside a transport call that will fail and requeue
// through the normal retry path, so eviction itself never touches task state.
func (d *Dispatcher) collectStale(ctx context.Context) {
	for _, ev := range d.reg.GarbageCollect(ctx) {
		if len(ev.Orphans) > 0 {
			log.Printf("[dispatcher] evicted worker %s with %d task(s) in flight", ev.WorkerID, len(ev.Orphans))
		}
		if d.onEviction != nil {
			d.onEviction(ev)
		}
	}
}
