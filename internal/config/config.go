// Package config loads titan-core's configuration from environment
// variables layered under an optional YAML file, following the
// reference platform's getEnv/getEnvInt + struct-with-Validate idiom.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tkenaz/titan/internal/apperrors"
	"github.com/tkenaz/titan/internal/eventbus"
	"github.com/tkenaz/titan/internal/sandbox"
)

// Config is the composed configuration for any of cmd/core,
// cmd/pluginmanager, cmd/goalscheduler.
type Config struct {
	RedisURL string `yaml:"redis_url"`

	Bus eventbus.Config `yaml:"bus"`

	Sandbox sandbox.RuntimeConfig `yaml:"sandbox"`

	MaxConcurrentPlugins int    `yaml:"max_concurrent_plugins"`
	TaskQueueSize        int    `yaml:"task_queue_size"`
	PluginsDir           string `yaml:"plugins_dir"`

	GoalsDir            string `yaml:"goals_dir"`
	LoopIntervalSec     int    `yaml:"loop_interval_sec"`
	DefaultTimeoutSec   int    `yaml:"default_timeout_sec"`
	MaxConcurrentGoals  int    `yaml:"max_concurrent_goals"`

	SnapshotDir string `yaml:"snapshot_dir"`

	AdminToken string `yaml:"admin_token"`
	AdminAddr  string `yaml:"admin_addr"`

	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`
}

// Load reads defaults, overlays a YAML file at path (if non-empty and
// present), then overlays environment variables, and finally validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the baseline configuration before any YAML/env
// overlay, matching the defaults named across §6.6.
func Default() Config {
	return Config{
		RedisURL:             "redis://localhost:6379/0",
		Bus:                  eventbus.DefaultConfig(),
		Sandbox:              sandbox.DefaultRuntimeConfig(),
		MaxConcurrentPlugins: 5,
		TaskQueueSize:        100,
		PluginsDir:           "./plugins",
		GoalsDir:             "./goals",
		LoopIntervalSec:      5,
		DefaultTimeoutSec:    300,
		MaxConcurrentGoals:   10,
		SnapshotDir:          "./snapshots",
		AdminAddr:            ":8080",
		LogLevel:             "info",
		LogPretty:            false,
	}
}

func (c *Config) applyEnv() {
	c.RedisURL = getEnv("REDIS_URL", getEnv("REDIS_ADDR", c.RedisURL))
	c.Bus.ConsumerGroup = getEnv("CONSUMER_GROUP", c.Bus.ConsumerGroup)
	c.Bus.BatchSize = int64(getEnvInt("BATCH_SIZE", int(c.Bus.BatchSize)))
	c.Bus.BlockTimeoutMS = getEnvInt("BLOCK_TIMEOUT_MS", c.Bus.BlockTimeoutMS)
	c.Bus.MaxGlobalRate = getEnvInt("MAX_GLOBAL_RATE", c.Bus.MaxGlobalRate)
	c.Bus.DeadLetterStream = getEnv("DEAD_LETTER_STREAM", c.Bus.DeadLetterStream)

	c.MaxConcurrentPlugins = getEnvInt("MAX_CONCURRENT_PLUGINS", c.MaxConcurrentPlugins)
	c.TaskQueueSize = getEnvInt("TASK_QUEUE_SIZE", c.TaskQueueSize)
	c.PluginsDir = getEnv("PLUGINS_DIR", c.PluginsDir)

	c.GoalsDir = getEnv("GOALS_DIR", c.GoalsDir)
	c.LoopIntervalSec = getEnvInt("LOOP_INTERVAL_SEC", c.LoopIntervalSec)
	c.DefaultTimeoutSec = getEnvInt("DEFAULT_TIMEOUT_SEC", c.DefaultTimeoutSec)
	c.MaxConcurrentGoals = getEnvInt("MAX_CONCURRENT_GOALS", c.MaxConcurrentGoals)

	c.SnapshotDir = getEnv("SNAPSHOT_DIR", c.SnapshotDir)
	c.AdminToken = getEnv("ADMIN_TOKEN", c.AdminToken)
	c.AdminAddr = getEnv("ADMIN_ADDR", c.AdminAddr)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogPretty = getEnvBool("LOG_PRETTY", c.LogPretty)
}

// Validate fills in any remaining zero-value defaults and rejects
// structurally invalid configuration.
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return apperrors.Validation("redis_url must not be empty")
	}
	if c.Bus.ConsumerGroup == "" {
		c.Bus.ConsumerGroup = "titan-core"
	}
	if c.Bus.BatchSize <= 0 {
		c.Bus.BatchSize = 10
	}
	if c.Bus.BlockTimeoutMS <= 0 {
		c.Bus.BlockTimeoutMS = 5000
	}
	if c.Bus.MaxGlobalRate <= 0 {
		c.Bus.MaxGlobalRate = 1000
	}
	if c.Bus.DeadLetterStream == "" {
		c.Bus.DeadLetterStream = "errors.dlq"
	}
	if c.MaxConcurrentPlugins <= 0 {
		c.MaxConcurrentPlugins = 5
	}
	if c.TaskQueueSize <= 0 {
		c.TaskQueueSize = 100
	}
	if c.LoopIntervalSec <= 0 {
		c.LoopIntervalSec = 5
	}
	if c.DefaultTimeoutSec <= 0 {
		c.DefaultTimeoutSec = 300
	}
	if c.MaxConcurrentGoals <= 0 {
		c.MaxConcurrentGoals = 10
	}
	if c.AdminAddr == "" {
		c.AdminAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil {
		return int(d.Seconds())
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}
