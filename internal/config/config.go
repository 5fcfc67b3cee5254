// Package config resolves dispatcher settings from an optional YAML file
// plus TASKFLEET_* environment overrides. Env always wins, so a container
// can override a baked-in file without editing it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Store    string `yaml:"store"` // memory | postgres
	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`

	Queue string `yaml:"queue"` // memory | redis
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Stream   string `yaml:"stream"`
		Group    string `yaml:"group"`
		Consumer string `yaml:"consumer"`
	} `yaml:"redis"`

	Announce struct {
		Enabled          bool   `yaml:"enabled"`
		AnnounceChannel  string `yaml:"announce_channel"`
		DiscoveryChannel string `yaml:"discovery_channel"`
	} `yaml:"announce"`

	Dispatch struct {
		TransportTimeoutSeconds int `yaml:"transport_timeout_seconds"`
		MaxAttempts             int `yaml:"max_attempts"`
		GCIntervalSeconds       int `yaml:"gc_interval_seconds"`
		StaleCeilingSeconds     int `yaml:"stale_ceiling_seconds"`
		PollBlockSeconds        int `yaml:"poll_block_seconds"`
		BatchSize               int `yaml:"batch_size"`
	} `yaml:"dispatch"`
}

// Load reads TASKFLEET_CONFIG_FILE if set, then applies env overrides and
// defaults.
func Load() (Config, error) {
	var cfg Config
	if path := strings.TrimSpace(os.Getenv("TASKFLEET_CONFIG_FILE")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() {
	setString(&c.ListenAddr, "TASKFLEET_LISTEN_ADDR")
	setString(&c.Store, "TASKFLEET_STORE")
	setString(&c.Postgres.DSN, "TASKFLEET_POSTGRES_DSN")
	setString(&c.Queue, "TASKFLEET_QUEUE")
	setString(&c.Redis.Addr, "TASKFLEET_REDIS_ADDR")
	setString(&c.Redis.Password, "TASKFLEET_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "TASKFLEET_REDIS_DB")
	setString(&c.Redis.Stream, "TASKFLEET_REDIS_STREAM")
	setString(&c.Redis.Group, "TASKFLEET_REDIS_GROUP")
	setString(&c.Redis.Consumer, "TASKFLEET_REDIS_CONSUMER")
	setBool(&c.Announce.Enabled, "TASKFLEET_ANNOUNCE")
	setString(&c.Announce.AnnounceChannel, "TASKFLEET_ANNOUNCE_CHANNEL")
	setString(&c.Announce.DiscoveryChannel, "TASKFLEET_DISCOVERY_CHANNEL")
	setInt(&c.Dispatch.TransportTimeoutSeconds, "TASKFLEET_TRANSPORT_TIMEOUT_SECONDS")
	setInt(&c.Dispatch.MaxAttempts, "TASKFLEET_MAX_ATTEMPTS")
	setInt(&c.Dispatch.GCIntervalSeconds, "TASKFLEET_GC_INTERVAL_SECONDS")
	setInt(&c.Dispatch.StaleCeilingSeconds, "TASKFLEET_STALE_CEILING_SECONDS")
	setInt(&c.Dispatch.PollBlockSeconds, "TASKFLEET_POLL_BLOCK_SECONDS")
	setInt(&c.Dispatch.BatchSize, "TASKFLEET_BATCH_SIZE")
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Store == "" {
		c.Store = "memory"
	}
	if c.Queue == "" {
		c.Queue = "memory"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Redis.Stream == "" {
		c.Redis.Stream = "taskfleet:tasks"
	}
	if c.Redis.Group == "" {
		c.Redis.Group = "dispatchers"
	}
	if c.Redis.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "dispatcher"
		}
		c.Redis.Consumer = host
	}
	if c.Dispatch.TransportTimeoutSeconds <= 0 {
		c.Dispatch.TransportTimeoutSeconds = 30
	}
	if c.Dispatch.MaxAttempts <= 0 {
		c.Dispatch.MaxAttempts = 3
	}
	if c.Dispatch.GCIntervalSeconds <= 0 {
		c.Dispatch.GCIntervalSeconds = 30
	}
	if c.Dispatch.StaleCeilingSeconds <= 0 {
		c.Dispatch.StaleCeilingSeconds = 120
	}
	if c.Dispatch.PollBlockSeconds <= 0 {
		c.Dispatch.PollBlockSeconds = 1
	}
	if c.Dispatch.BatchSize <= 0 {
		c.Dispatch.BatchSize = 16
	}
}

func (c *Config) validate() error {
	switch c.Store {
	case "memory":
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("TASKFLEET_POSTGRES_DSN is required when store=postgres")
		}
	default:
		return fmt.Errorf("unsupported store %q", c.Store)
	}
	switch c.Queue {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported queue %q", c.Queue)
	}
	if c.Announce.Enabled && c.Queue != "redis" {
		return fmt.Errorf("announce requires queue=redis")
	}
	return nil
}

func (c Config) TransportTimeout() time.Duration {
	return time.Duration(c.Dispatch.TransportTimeoutSeconds) * time.Second
}

func (c Config) GCInterval() time.Duration {
	return time.Duration(c.Dispatch.GCIntervalSeconds) * time.Second
}

func (c Config) StaleCeiling() time.Duration {
	return time.Duration(c.Dispatch.StaleCeilingSeconds) * time.Second
}

func (c Config) PollBlock() time.Duration {
	return time.Duration(c.Dispatch.PollBlockSeconds) * time.Second
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func setBool(dst *bool, key string) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return
	}
	*dst = v == "1" || v == "true" || v == "yes"
}
