package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/example/taskfleet/pkg/fleetapi"
)

// Heartbeat reports liveness and host telemetry on a fixed cadence. A 404
// from the dispatcher means it restarted and lost the registry, so the
// client re-registers and carries on.
type Heartbeat struct {
	cfg          Config
	runningTasks atomic.Int64
	httpClient   *http.Client
}

func NewHeartbeat(cfg Config) *Heartbeat {
	return &Heartbeat{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (h *Heartbeat) TaskStarted()  { h.runningTasks.Add(1) }
func (h *Heartbeat) TaskFinished() { h.runningTasks.Add(-1) }

func (h *Heartbeat) Start(ctx context.Context) {
	t := time.NewTicker(h.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := h.send(ctx); err != nil {
				log.Printf("[agent] heartbeat failed: %v", err)
			}
		}
	}
}

func (h *Heartbeat) send(ctx context.Context) error {
	cpuUtil, memUtil := hostUtilization(ctx)
	payload := fleetapi.HeartbeatRequest{
		CPUUtil:       cpuUtil,
		MemoryUtil:    memUtil,
		RunningTasks:  int(h.runningTasks.Load()),
		TimestampUnix: time.Now().Unix(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := strings.TrimRight(h.cfg.DispatcherBaseURL, "/") + "/v1/workers/" + h.cfg.WorkerID + "/heartbeat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		log.Printf("[agent] dispatcher does not know worker %s, re-registering", h.cfg.WorkerID)
		return Register(ctx, h.cfg)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("heartbeat request failed: %s", resp.Status)
	}
	return nil
}

func hostUtilization(ctx context.Context) (float64, float64) {
	var cpuUtil, memUtil float64
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		cpuUtil = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memUtil = vm.UsedPercent
	}
	return cpuUtil, memUtil
}
