// Package agent is the worker-side runtime: it registers with a dispatcher,
// heartbeats, and serves task execution requests over HTTP.
package agent

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	WorkerID          string
	Kind              string
	DispatcherBaseURL string
	// ListenAddr is what the execute server binds; AdvertiseEndpoint is the
	// URL the dispatcher dials, which differs behind NAT or in containers.
	ListenAddr         string
	AdvertiseEndpoint  string
	Capabilities       []string
	MaxConcurrentTasks int
	HeartbeatInterval  time.Duration

	ArtifactBackend string // local | minio
	ArtifactRoot    string
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucket     string
	MinIOUseSSL     bool
}

func FromEnv() Config {
	workerID := getenv("TASKFLEET_WORKER_ID", "worker-local")
	listenAddr := getenv("TASKFLEET_WORKER_LISTEN_ADDR", ":9090")
	advertise := getenv("TASKFLEET_WORKER_ENDPOINT", "http://localhost:9090")
	return Config{
		WorkerID:           workerID,
		Kind:               getenv("TASKFLEET_WORKER_KIND", "inference"),
		DispatcherBaseURL:  getenv("TASKFLEET_DISPATCHER_URL", "http://localhost:8080"),
		ListenAddr:         listenAddr,
		AdvertiseEndpoint:  advertise,
		Capabilities:       splitList(getenv("TASKFLEET_WORKER_CAPABILITIES", "")),
		MaxConcurrentTasks: getenvInt("TASKFLEET_WORKER_MAX_CONCURRENT_TASKS", 2),
		HeartbeatInterval:  time.Duration(getenvInt("TASKFLEET_WORKER_HEARTBEAT_SECONDS", 30)) * time.Second,
		ArtifactBackend:    getenv("TASKFLEET_WORKER_ARTIFACT_BACKEND", "local"),
		ArtifactRoot:       getenv("TASKFLEET_WORKER_ARTIFACT_ROOT", "/tmp/taskfleet-artifacts"),
		MinIOEndpoint:      getenv("TASKFLEET_WORKER_MINIO_ENDPOINT", ""),
		MinIOAccessKey:     getenv("TASKFLEET_WORKER_MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:     getenv("TASKFLEET_WORKER_MINIO_SECRET_KEY", ""),
		MinIOBucket:        getenv("TASKFLEET_WORKER_MINIO_BUCKET", "taskfleet-artifacts"),
		MinIOUseSSL:        getenvBool("TASKFLEET_WORKER_MINIO_USE_SSL", false),
	}
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}
