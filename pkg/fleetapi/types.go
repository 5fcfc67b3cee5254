package fleetapi

import "encoding/json"

// WorkerKind is the closed set of task categories a worker can serve.
type WorkerKind string

const (
	KindInference WorkerKind = "inference"
	KindWebSearch WorkerKind = "web-search"
	KindEmbedding WorkerKind = "embedding"
)

func (k WorkerKind) Valid() bool {
	switch k {
	case KindInference, KindWebSearch, KindEmbedding:
		return true
	default:
		return false
	}
}

// Kinds lists every known worker kind, for validation errors.
func Kinds() []WorkerKind {
	return []WorkerKind{KindInference, KindWebSearch, KindEmbedding}
}

type RegisterWorkerRequest struct {
	WorkerID                 string   `json:"worker_id"`
	Kind                     string   `json:"kind"`
	Endpoint                 string   `json:"endpoint"`
	Capabilities             []string `json:"capabilities"`
	MaxConcurrentTasks       int      `json:"max_concurrent_tasks"`
	HeartbeatIntervalSeconds int      `json:"heartbeat_interval_seconds"`
}

type RegisterWorkerResponse struct {
	OK bool `json:"ok"`
}

type HeartbeatRequest struct {
	CPUUtil       float64 `json:"cpu_utilization,omitempty"`
	MemoryUtil    float64 `json:"memory_utilization,omitempty"`
	RunningTasks  int     `json:"running_tasks,omitempty"`
	TimestampUnix int64   `json:"timestamp_unix,omitempty"`
}

type HeartbeatResponse struct {
	OK bool `json:"ok"`
}

type SubmitTaskRequest struct {
	Kind     string            `json:"kind"`
	Payload  json.RawMessage   `json:"payload"`
	Params   map[string]string `json:"params,omitempty"`
	Priority int               `json:"priority,omitempty"`
}

// Outcome values for SubmitTaskResponse.
const (
	OutcomeAssigned = "assigned"
	OutcomeQueued   = "queued"
	OutcomeRejected = "rejected"
)

type SubmitTaskResponse struct {
	TaskID      string          `json:"task_id"`
	Outcome     string          `json:"outcome"`
	WorkerID    string          `json:"worker_id,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	ArtifactURI string          `json:"artifact_uri,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// ExecuteRequest is what the dispatcher POSTs to a worker's /execute endpoint.
type ExecuteRequest struct {
	TaskID         string            `json:"task_id"`
	Kind           string            `json:"kind"`
	Payload        json.RawMessage   `json:"payload"`
	Params         map[string]string `json:"params,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

type ExecuteResponse struct {
	TaskID         string          `json:"task_id"`
	Result         json.RawMessage `json:"result,omitempty"`
	ArtifactURI    string          `json:"artifact_uri,omitempty"`
	DurationMillis int64           `json:"duration_millis"`
	Error          string          `json:"error,omitempty"`
}

type WorkerStatus struct {
	WorkerID                 string   `json:"worker_id"`
	Kind                     string   `json:"kind"`
	Endpoint                 string   `json:"endpoint"`
	Capabilities             []string `json:"capabilities,omitempty"`
	MaxConcurrentTasks       int      `json:"max_concurrent_tasks"`
	HeartbeatIntervalSeconds int      `json:"heartbeat_interval_seconds"`
	Load                     int      `json:"load"`
	LastHeartbeat            string   `json:"last_heartbeat"`
	Live                     bool     `json:"live"`
}

type ListWorkersResponse struct {
	Workers []WorkerStatus `json:"workers"`
}

type QueueStatsResponse struct {
	QueueDepth      int64 `json:"queue_depth"`
	DeadLetterDepth int64 `json:"dead_letter_depth"`
}

type DeadLetter struct {
	TaskID string `json:"task_id"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

type ListDeadLettersResponse struct {
	Tasks []DeadLetter `json:"tasks"`
}

type RequeueDeadLettersRequest struct {
	TaskIDs []string `json:"task_ids"`
}

type RequeueDeadLettersResponse struct {
	Requeued int `json:"requeued"`
}
