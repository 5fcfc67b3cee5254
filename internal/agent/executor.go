package agent

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/taskfleet/pkg/fleetapi"
)

// Runner executes one task kind. Implementations must be safe for
// concurrent use; the executor runs up to MaxConcurrentTasks at once.
type Runner interface {
	Run(ctx context.Context, req fleetapi.ExecuteRequest) (json.RawMessage, error)
}

type RunnerFunc func(ctx context.Context, req fleetapi.ExecuteRequest) (json.RawMessage, error)

func (f RunnerFunc) Run(ctx context.Context, req fleetapi.ExecuteRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// artifactThreshold is the result size above which the executor uploads to
// the artifact store and returns a URI instead of inlining the bytes.
const artifactThreshold = 256 * 1024

// Executor serves the dispatcher's synchronous execute calls. Admission is a
// counting semaphore sized to MaxConcurrentTasks; the dispatcher tracks load
// on its side too, so hitting the limit here means the two disagree and the
// safe answer is to refuse.
type Executor struct {
	cfg       Config
	runners   map[string]Runner
	artifacts ArtifactStore
	hb        *Heartbeat
	sem       chan struct{}
}

func NewExecutor(cfg Config, artifacts ArtifactStore, hb *Heartbeat) *Executor {
	max := cfg.MaxConcurrentTasks
	if max <= 0 {
		max = 1
	}
	e := &Executor{
		cfg:       cfg,
		runners:   make(map[string]Runner),
		artifacts: artifacts,
		hb:        hb,
		sem:       make(chan struct{}, max),
	}
	e.runners[string(fleetapi.KindInference)] = RunnerFunc(runInference)
	e.runners[string(fleetapi.KindWebSearch)] = RunnerFunc(runWebSearch)
	e.runners[string(fleetapi.KindEmbedding)] = RunnerFunc(runEmbedding)
	return e
}

// RegisterRunner replaces the built-in runner for a kind.
func (e *Executor) RegisterRunner(kind string, r Runner) {
	e.runners[kind] = r
}

func (e *Executor) SetupRoutes(router *gin.Engine) {
	router.POST("/execute", e.handleExecute)
	router.GET("/healthz", e.healthz)
}

func (e *Executor) handleExecute(c *gin.Context) {
	var req fleetapi.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	runner, ok := e.runners[req.Kind]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("no runner for kind %q", req.Kind)})
		return
	}
	select {
	case e.sem <- struct{}{}:
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "worker at capacity"})
		return
	}
	defer func() { <-e.sem }()

	if e.hb != nil {
		e.hb.TaskStarted()
		defer e.hb.TaskFinished()
	}

	ctx := c.Request.Context()
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	started := time.Now()
	result, err := runner.Run(ctx, req)
	resp := fleetapi.ExecuteResponse{
		TaskID:         req.TaskID,
		DurationMillis: time.Since(started).Milliseconds(),
	}
	if err != nil {
		resp.Error = err.Error()
		c.JSON(http.StatusOK, resp)
		return
	}
	if len(result) > artifactThreshold && e.artifacts != nil {
		uri, perr := e.artifacts.Put(ctx, req.TaskID+".json", result)
		if perr == nil {
			resp.ArtifactURI = uri
			c.JSON(http.StatusOK, resp)
			return
		}
		// Fall back to inlining when the store is unavailable.
	}
	resp.Result = result
	c.JSON(http.StatusOK, resp)
}

func (e *Executor) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "worker_id": e.cfg.WorkerID})
}

// Built-in runners. They are deterministic placeholders wired the same way a
// real backend would be; deployments register their own via RegisterRunner.

func runInference(_ context.Context, req fleetapi.ExecuteRequest) (json.RawMessage, error) {
	var in struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		return nil, fmt.Errorf("decode inference payload: %w", err)
	}
	out := map[string]any{
		"text":  "echo: " + in.Prompt,
		"model": req.Params["model"],
	}
	return json.Marshal(out)
}

func runWebSearch(_ context.Context, req fleetapi.ExecuteRequest) (json.RawMessage, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		return nil, fmt.Errorf("decode web-search payload: %w", err)
	}
	if in.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	out := map[string]any{
		"query":   in.Query,
		"results": []any{},
	}
	return json.Marshal(out)
}

// runEmbedding hashes the input into a fixed-width unit-free vector so the
// pipeline can be exercised end to end without a model backend.
func runEmbedding(_ context.Context, req fleetapi.ExecuteRequest) (json.RawMessage, error) {
	var in struct {
		Input string `json:"input"`
	}
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		return nil, fmt.Errorf("decode embedding payload: %w", err)
	}
	sum := sha256.Sum256([]byte(in.Input))
	vec := make([]float64, 8)
	for i := range vec {
		bits := binary.BigEndian.Uint32(sum[i*4 : i*4+4])
		vec[i] = float64(bits) / float64(1<<32)
	}
	out := map[string]any{"embedding": vec, "dimensions": len(vec)}
	return json.Marshal(out)
}
