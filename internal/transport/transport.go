package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/taskfleet/internal/observability"
	"github.com/example/taskfleet/pkg/fleetapi"
)

// Error is the uniform transport failure: timeout, connection refused, and
// non-success status all look the same to the dispatcher.
type Error struct {
	WorkerID string
	Status   string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transport to worker %s failed: %v", e.WorkerID, e.Cause)
	}
	return fmt.Sprintf("transport to worker %s failed: status %s", e.WorkerID, e.Status)
}

func (e *Error) Unwrap() error { return e.Cause }

// Result is a worker's synchronous answer.
type Result struct {
	Body        json.RawMessage
	ArtifactURI string
	Duration    time.Duration
}

const DefaultTimeout = 30 * time.Second

// Client sends task payloads to a worker's /execute endpoint.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

// Send POSTs the execute request to the worker and interprets the synchronous
// outcome. The caller must not hold any registry lock across this call.
func (c *Client) Send(ctx context.Context, workerID, endpoint string, req fleetapi.ExecuteRequest) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "transport.send",
		attribute.String("worker.id", workerID),
		attribute.String("task.id", req.TaskID),
	)
	defer span.End()

	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = int(c.timeout / time.Second)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, &Error{WorkerID: workerID, Cause: err}
	}
	url := executeURL(endpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{WorkerID: workerID, Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, &Error{WorkerID: workerID, Cause: err}
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &Error{WorkerID: workerID, Status: resp.Status}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Result{}, &Error{WorkerID: workerID, Cause: err}
	}
	var out fleetapi.ExecuteResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, &Error{WorkerID: workerID, Cause: err}
	}
	if out.Error != "" {
		return Result{}, &Error{WorkerID: workerID, Cause: fmt.Errorf("worker error: %s", out.Error)}
	}
	return Result{Body: out.Result, ArtifactURI: out.ArtifactURI, Duration: elapsed}, nil
}

func executeURL(endpoint string) string {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	return strings.TrimRight(endpoint, "/") + "/execute"
}
