package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/taskfleet/pkg/fleetapi"
)

func executeReq(taskID string) fleetapi.ExecuteRequest {
	return fleetapi.ExecuteRequest{
		TaskID:  taskID,
		Kind:    "inference",
		Payload: json.RawMessage(`{"prompt":"hi"}`),
	}
}

func TestSendSuccess(t *testing.T) {
	var gotPath string
	var gotReq fleetapi.ExecuteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(fleetapi.ExecuteResponse{
			TaskID: gotReq.TaskID,
			Result: json.RawMessage(`{"text":"hello"}`),
		})
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	res, err := c.Send(context.Background(), "w1", srv.URL, executeReq("t1"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/execute" {
		t.Fatalf("expected POST /execute, got %s", gotPath)
	}
	if gotReq.TimeoutSeconds != 5 {
		t.Fatalf("expected timeout hint 5s, got %d", gotReq.TimeoutSeconds)
	}
	if string(res.Body) != `{"text":"hello"}` {
		t.Fatalf("unexpected body %s", res.Body)
	}
}

func TestSendNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	_, err := c.Send(context.Background(), "w1", srv.URL, executeReq("t1"))
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if terr.WorkerID != "w1" {
		t.Fatalf("error must name the worker, got %q", terr.WorkerID)
	}
}

func TestSendWorkerReportedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(fleetapi.ExecuteResponse{
			TaskID: "t1",
			Error:  "model not loaded",
		})
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	_, err := c.Send(context.Background(), "w1", srv.URL, executeReq("t1"))
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *Error for worker-reported failure, got %v", err)
	}
}

func TestSendTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(50 * time.Millisecond)
	start := time.Now()
	_, err := c.Send(context.Background(), "w1", srv.URL, executeReq("t1"))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *Error, got %T", err)
	}
}

func TestSendConnectionRefused(t *testing.T) {
	c := NewClient(time.Second)
	_, err := c.Send(context.Background(), "w1", "http://127.0.0.1:1", executeReq("t1"))
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *Error, got %v", err)
	}
}

func TestExecuteURL(t *testing.T) {
	cases := map[string]string{
		"http://worker:9090":  "http://worker:9090/execute",
		"http://worker:9090/": "http://worker:9090/execute",
		"worker:9090":         "http://worker:9090/execute",
	}
	for in, want := range cases {
		if got := executeURL(in); got != want {
			t.Fatalf("executeURL(%q) = %q, want %q", in, got, want)
		}
	}
}
