// Package api is the dispatcher's HTTP surface: worker lifecycle, task
// submission, queue inspection, and operational endpoints.
package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/taskfleet/internal/announce"
	"github.com/example/taskfleet/internal/dispatcher"
	"github.com/example/taskfleet/internal/observability"
	"github.com/example/taskfleet/internal/registry"
	"github.com/example/taskfleet/internal/state"
	"github.com/example/taskfleet/pkg/fleetapi"
)

type Server struct {
	reg       *registry.Registry
	disp      *dispatcher.Dispatcher
	queue     state.Queue
	announcer *announce.Announcer
}

func NewServer(reg *registry.Registry, disp *dispatcher.Dispatcher, queue state.Queue, announcer *announce.Announcer) *Server {
	return &Server{reg: reg, disp: disp, queue: queue, announcer: announcer}
}

func (s *Server) SetupRoutes(router *gin.Engine) {
	v1 := router.Group("/v1")
	v1.POST("/workers/register", s.registerWorker)
	v1.POST("/workers/:id/heartbeat", s.heartbeat)
	v1.DELETE("/workers/:id", s.unregisterWorker)
	v1.GET("/workers", s.listWorkers)
	v1.POST("/tasks", s.submitTask)
	v1.GET("/queue/stats", s.queueStats)
	v1.GET("/deadletters", s.listDeadLetters)
	v1.POST("/deadletters/requeue", s.requeueDeadLetters)

	router.GET("/metrics", s.metrics)
	router.GET("/healthz", s.healthz)
}

func (s *Server) registerWorker(c *gin.Context) {
	var req fleetapi.RegisterWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	desc := registry.Descriptor{
		ID:                 req.WorkerID,
		Kind:               fleetapi.WorkerKind(req.Kind),
		Endpoint:           req.Endpoint,
		Capabilities:       req.Capabilities,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
		HeartbeatInterval:  time.Duration(req.HeartbeatIntervalSeconds) * time.Second,
	}
	if err := s.reg.Register(c.Request.Context(), desc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.announcer != nil {
		s.announcer.Publish(c.Request.Context(), announce.Event{
			Type:     announce.EventRegistered,
			WorkerID: req.WorkerID,
			Kind:     req.Kind,
			Endpoint: req.Endpoint,
		})
	}
	c.JSON(http.StatusOK, fleetapi.RegisterWorkerResponse{OK: true})
}

// heartbeat returns 404 for unknown workers; agents treat that as a signal
// to re-register after a dispatcher restart.
func (s *Server) heartbeat(c *gin.Context) {
	workerID := c.Param("id")
	var req fleetapi.HeartbeatRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := s.reg.Heartbeat(c.Request.Context(), workerID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown worker"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	labels := map[string]string{"worker_id": workerID}
	observability.Default.SetGauge("worker_cpu_utilization", labels, req.CPUUtil)
	observability.Default.SetGauge("worker_memory_utilization", labels, req.MemoryUtil)
	observability.Default.SetGauge("worker_running_tasks", labels, float64(req.RunningTasks))
	c.JSON(http.StatusOK, fleetapi.HeartbeatResponse{OK: true})
}

func (s *Server) unregisterWorker(c *gin.Context) {
	workerID := c.Param("id")
	orphans, err := s.reg.Unregister(c.Request.Context(), workerID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown worker"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(orphans) > 0 {
		log.Printf("[api] worker %s unregistered with %d task(s) in flight", workerID, len(orphans))
	}
	if s.announcer != nil {
		s.announcer.Publish(c.Request.Context(), announce.Event{
			Type:     announce.EventUnregistered,
			WorkerID: workerID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "orphaned_tasks": orphans})
}

func (s *Server) listWorkers(c *gin.Context) {
	entries := s.reg.Snapshot()
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
			LastHeartbeat:            e.LastHeartbeat.UTC().Format(time.RFC3339),
			Live:                     e.Live,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) submitTask(c *gin.Context) {
	var req fleetapi.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := s.disp.Submit(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, dispatcher.ErrStopped) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if out.Status == fleetapi.OutcomeQueued {
		status = http.StatusAccepted
	}
	c.JSON(status, fleetapi.SubmitTaskResponse{
		TaskID:      out.TaskID,
		Outcome:     out.Status,
		WorkerID:    out.WorkerID,
		Result:      out.Result,
		ArtifactURI: out.ArtifactURI,
		Reason:      out.Reason,
	})
}

func (s *Server) queueStats(c *gin.Context) {
	ctx := c.Request.Context()
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	dead, err := s.queue.DeadLetterDepth(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, fleetapi.QueueStatsResponse{QueueDepth: depth, DeadLetterDepth: dead})
}

func (s *Server) listDeadLetters(c *gin.Context) {
	limit := 50
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	entries, err := s.queue.ListDeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := fleetapi.ListDeadLettersResponse{Tasks: make([]fleetapi.DeadLetter, 0, len(entries))}
	for _, e := range entries {
		out.Tasks = append(out.Tasks, fleetapi.DeadLetter{
			TaskID: e.Msg.TaskID,
			Kind:   e.Msg.Kind,
			Reason: e.Reason,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) requeueDeadLetters(c *gin.Context) {
	var req fleetapi.RequeueDeadLettersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.TaskIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_ids is required"})
		return
	}
	n, err := s.queue.RequeueDeadLetters(c.Request.Context(), req.TaskIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, fleetapi.RequeueDeadLettersResponse{Requeued: n})
}

func (s *Server) metrics(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; version=0.0.4", []byte(observability.Default.RenderPrometheus()))
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
