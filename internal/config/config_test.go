package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("default listen addr: %q", cfg.ListenAddr)
	}
	if cfg.Store != "memory" || cfg.Queue != "memory" {
		t.Fatalf("default backends: store=%q queue=%q", cfg.Store, cfg.Queue)
	}
	if cfg.Dispatch.MaxAttempts != 3 {
		t.Fatalf("default max attempts: %d", cfg.Dispatch.MaxAttempts)
	}
	if cfg.TransportTimeout() != 30*time.Second {
		t.Fatalf("default transport timeout: %v", cfg.TransportTimeout())
	}
	if cfg.GCInterval() != 30*time.Second {
		t.Fatalf("default gc interval: %v", cfg.GCInterval())
	}
	if cfg.StaleCeiling() != 120*time.Second {
		t.Fatalf("default stale ceiling: %v", cfg.StaleCeiling())
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskfleet.yaml")
	body := []byte(`
listen_addr: ":9000"
queue: redis
redis:
  addr: redis.internal:6379
  stream: fleet:tasks
dispatch:
  max_attempts: 5
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TASKFLEET_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Fatalf("listen addr from file: %q", cfg.ListenAddr)
	}
	if cfg.Queue != "redis" || cfg.Redis.Addr != "redis.internal:6379" {
		t.Fatalf("redis settings from file: %+v", cfg.Redis)
	}
	if cfg.Redis.Stream != "fleet:tasks" {
		t.Fatalf("stream from file: %q", cfg.Redis.Stream)
	}
	if cfg.Dispatch.MaxAttempts != 5 {
		t.Fatalf("max attempts from file: %d", cfg.Dispatch.MaxAttempts)
	}
	// Untouched settings keep their defaults.
	if cfg.Redis.Group != "dispatchers" {
		t.Fatalf("default group: %q", cfg.Redis.Group)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskfleet.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":9000\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TASKFLEET_CONFIG_FILE", path)
	t.Setenv("TASKFLEET_LISTEN_ADDR", ":7000")
	t.Setenv("TASKFLEET_MAX_ATTEMPTS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":7000" {
		t.Fatalf("env must win over file, got %q", cfg.ListenAddr)
	}
	if cfg.Dispatch.MaxAttempts != 7 {
		t.Fatalf("env max attempts: %d", cfg.Dispatch.MaxAttempts)
	}
}

func TestValidateRejectsBadBackends(t *testing.T) {
	t.Setenv("TASKFLEET_STORE", "etcd")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unsupported store")
	}
}

func TestValidatePostgresRequiresDSN(t *testing.T) {
	t.Setenv("TASKFLEET_STORE", "postgres")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for postgres without DSN")
	}
	t.Setenv("TASKFLEET_POSTGRES_DSN", "postgres://localhost/taskfleet")
	if _, err := Load(); err != nil {
		t.Fatalf("load with DSN: %v", err)
	}
}

func TestValidateAnnounceRequiresRedis(t *testing.T) {
	t.Setenv("TASKFLEET_ANNOUNCE", "true")
	if _, err := Load(); err == nil {
		t.Fatal("announce without redis queue must be rejected")
	}
	t.Setenv("TASKFLEET_QUEUE", "redis")
	if _, err := Load(); err != nil {
		t.Fatal("announce with redis queue should load")
	}
}
