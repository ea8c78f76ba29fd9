// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/relay/consumer"
	"github.com/absmach/relay/failure"
	"github.com/absmach/relay/ratelimit"
	"github.com/absmach/relay/sink"
	"gopkg.in/yaml.v3"
)

// Queue backend types.
const (
	QueueMemory = "memory"
	QueueBadger = "badger"
	QueueSQS    = "sqs"
)

// Config holds all configuration for the relay.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Queue     QueueConfig      `yaml:"queue"`
	Sink      sink.Config      `yaml:"sink"`
	Consumer  consumer.Config  `yaml:"consumer"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Log       LogConfig        `yaml:"log"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	HealthAddr      string        `yaml:"health_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP gRPC endpoint
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	HTTPEnabled     bool          `yaml:"http_enabled"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// QueueConfig selects and configures the source and dead-letter queues.
type QueueConfig struct {
	Type string `yaml:"type"` // memory, badger, sqs

	// SQS settings
	URL      string `yaml:"url"`
	DLQURL   string `yaml:"dlq_url"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`

	// Memory and BadgerDB settings
	Name              string        `yaml:"name"`
	DLQName           string        `yaml:"dlq_name"`
	BadgerDir         string        `yaml:"badger_dir"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	sinkCfg := sink.DefaultConfig()
	sinkCfg.URL = "http://localhost:9000/messages"

	return &Config{
		Server: ServerConfig{
			HTTPAddr:            ":8080",
			HealthAddr:          ":8081",
			MetricsAddr:         "localhost:4317",
			ShutdownTimeout:     30 * time.Second,
			HTTPEnabled:         true,
			HealthEnabled:       true,
			MetricsEnabled:      false,
			OtelServiceName:     "relay",
			OtelServiceVersion:  "1.0.0",
			OtelTracesEnabled:   false,
			OtelMetricsEnabled:  true,
			OtelTraceSampleRate: 0.1,
		},
		Queue: QueueConfig{
			Type:              QueueMemory,
			Name:              "messages",
			DLQName:           "messages-dlq",
			BadgerDir:         "/tmp/relay/data",
			VisibilityTimeout: 30 * time.Second,
		},
		Sink:      sinkCfg,
		Consumer:  consumer.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return invalid("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return invalid("log.format must be one of: text, json")
	}

	switch c.Queue.Type {
	case QueueSQS:
		if c.Queue.URL == "" {
			return missing("queue.url required when type is sqs")
		}
		if c.Queue.DLQURL == "" {
			return missing("queue.dlq_url required when type is sqs")
		}
		if c.Queue.URL == c.Queue.DLQURL {
			return invalid("queue.dlq_url must differ from queue.url")
		}
	case QueueMemory, QueueBadger:
		if c.Queue.Name == "" || c.Queue.DLQName == "" {
			return missing("queue.name and queue.dlq_name cannot be empty")
		}
		if c.Queue.Name == c.Queue.DLQName {
			return invalid("queue.dlq_name must differ from queue.name")
		}
		if c.Queue.Type == QueueBadger && c.Queue.BadgerDir == "" {
			return missing("queue.badger_dir required when type is badger")
		}
		if c.Queue.VisibilityTimeout < time.Second {
			return invalid("queue.visibility_timeout must be at least 1 second")
		}
	default:
		return invalid("queue.type must be one of: memory, badger, sqs")
	}

	if c.Sink.URL == "" {
		return missing("sink.url cannot be empty")
	}
	if c.Sink.MaxMessageSize < 1 {
		return invalid("sink.max_message_size must be at least 1")
	}
	if c.Sink.Timeout <= 0 {
		return invalid("sink.timeout must be positive")
	}
	if c.Sink.CircuitBreaker.FailureThreshold < 1 {
		return invalid("sink.circuit_breaker.failure_threshold must be at least 1")
	}
	if c.Sink.CircuitBreaker.ResetTimeout < time.Second {
		return invalid("sink.circuit_breaker.reset_timeout must be at least 1 second")
	}

	if c.Consumer.MaxRetries < 0 {
		return invalid("consumer.max_retries cannot be negative")
	}
	if c.Consumer.PollInterval < 10*time.Millisecond {
		return invalid("consumer.poll_interval must be at least 10ms")
	}
	if c.Consumer.VisibilityBackoff < time.Second {
		return invalid("consumer.visibility_backoff must be at least 1 second")
	}
	if c.Consumer.VisibilityBackoff > 12*time.Hour {
		return invalid("consumer.visibility_backoff cannot exceed 12 hours")
	}
	if c.Consumer.MaxMessages < 1 {
		return invalid("consumer.max_messages must be at least 1")
	}
	if c.Queue.Type == QueueSQS && c.Consumer.MaxMessages > 10 {
		return invalid("consumer.max_messages cannot exceed 10 for sqs")
	}
	if c.Consumer.WaitTime < 0 || c.Consumer.WaitTime > 20*time.Second {
		return invalid("consumer.wait_time must be between 0 and 20 seconds")
	}
	if c.Consumer.Workers < 1 {
		return invalid("consumer.workers must be at least 1")
	}

	if c.RateLimit.Poll.Enabled {
		if c.RateLimit.Poll.Limit < 1 {
			return invalid("ratelimit.poll.limit must be at least 1")
		}
		if c.RateLimit.Poll.Interval <= 0 {
			return invalid("ratelimit.poll.interval must be positive")
		}
	}
	if c.RateLimit.Publish.Enabled {
		if c.RateLimit.Publish.Rate <= 0 {
			return invalid("ratelimit.publish.rate must be positive")
		}
		if c.RateLimit.Publish.Burst < 1 {
			return invalid("ratelimit.publish.burst must be at least 1")
		}
	}

	if c.Server.HTTPEnabled && c.Server.HTTPAddr == "" {
		return missing("server.http_addr required when http is enabled")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return missing("server.health_addr required when health is enabled")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return missing("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return invalid("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func missing(msg string) error {
	return failure.New(failure.KindConfig, failure.CodeConfigMissing, msg, nil)
}

func invalid(msg string) error {
	return failure.New(failure.KindConfig, failure.CodeConfigInvalid, msg, nil)
}
