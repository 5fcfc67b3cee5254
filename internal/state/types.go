package state

import (
	"encoding/json"
	"time"
)

// TaskMessage is the unit that travels through the durable queue. Payload is
// opaque to the dispatcher; only the worker interprets it.
type TaskMessage struct {
	TaskID    string            `json:"task_id"`
	Kind      string            `json:"kind"`
	Payload   json.RawMessage   `json:"payload"`
	Params    map[string]string `json:"params,omitempty"`
	Priority  int               `json:"priority"`
	Attempt   int               `json:"attempt"`
	CreatedAt time.Time         `json:"created_at"`
}

// Delivery is a claimed queue entry. Receipt identifies the claim for Ack/Nack.
type Delivery struct {
	Msg     TaskMessage
	Receipt string
}

// DeadEntry is a dead-lettered task plus the reason it was removed from the
// retry path.
type DeadEntry struct {
	Msg    TaskMessage
	Reason string
}

// WorkerRow mirrors a registry entry into the durable store. Used for restart
// recovery and dashboards, never for the hot assignment path.
type WorkerRow struct {
	WorkerID         string
	Kind             string
	Endpoint         string
	Capabilities     []string
	MaxConcurrent    int
	HeartbeatSeconds int
	Status           string
	LastHeartbeat    time.Time
	Metrics          json.RawMessage
}

const (
	WorkerActive   = "active"
	WorkerInactive = "inactive"
)
