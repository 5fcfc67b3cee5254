package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/taskfleet/pkg/fleetapi"
)

// Register announces this worker to the dispatcher. Safe to call repeatedly:
// the dispatcher treats re-registration as a refresh, not a conflict.
func Register(ctx context.Context, cfg Config) error {
	payload := fleetapi.RegisterWorkerRequest{
		WorkerID:                 cfg.WorkerID,
		Kind:                     cfg.Kind,
		Endpoint:                 cfg.AdvertiseEndpoint,
		Capabilities:             cfg.Capabilities,
		MaxConcurrentTasks:       cfg.MaxConcurrentTasks,
		HeartbeatIntervalSeconds: int(cfg.HeartbeatInterval / time.Second),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := strings.TrimRight(cfg.DispatcherBaseURL, "/") + "/v1/workers/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("register worker failed with status %s", resp.Status)
	}
	return nil
}
