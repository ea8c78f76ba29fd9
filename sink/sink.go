// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sink validates queued messages and delivers them to the downstream
// HTTP Sink behind a circuit breaker.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/relay/failure"
	"github.com/absmach/relay/queue"
	"github.com/sony/gobreaker"
)

// DefaultMaxMessageSize is the largest accepted body, in bytes.
const DefaultMaxMessageSize = 10000

// Config holds Sink invoker settings.
type Config struct {
	URL            string               `yaml:"url"`
	Timeout        time.Duration        `yaml:"timeout"`
	MaxMessageSize int                  `yaml:"max_message_size"`
	CompactJSON    bool                 `yaml:"compact_json"`
	Headers        map[string]string    `yaml:"headers"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds Sink circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// DefaultConfig returns the default Sink settings without a URL.
func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		MaxMessageSize: DefaultMaxMessageSize,
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
		},
	}
}

// Invoker runs the validation steps and the Sink call for one message.
type Invoker struct {
	cfg     Config
	sender  Sender
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewInvoker creates a Sink invoker.
func NewInvoker(cfg Config, sender Sender, logger *slog.Logger) (*Invoker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if cfg.URL == "" {
		return nil, failure.New(failure.KindConfig, failure.CodeConfigMissing, "sink url is required", nil)
	}

	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		cfg.CircuitBreaker.FailureThreshold = def.CircuitBreaker.FailureThreshold
	}
	if cfg.CircuitBreaker.ResetTimeout <= 0 {
		cfg.CircuitBreaker.ResetTimeout = def.CircuitBreaker.ResetTimeout
	}

	threshold := uint32(cfg.CircuitBreaker.FailureThreshold)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.URL,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.CircuitBreaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("sink circuit breaker state changed",
				slog.String("endpoint", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Invoker{
		cfg:     cfg,
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Process validates msg and forwards its body to the Sink. Validation
// failures never reach the network.
func (i *Invoker) Process(ctx context.Context, msg queue.Message) error {
	payload, err := i.Validate(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	_, err = i.breaker.Execute(func() (interface{}, error) {
		return nil, i.sender.Send(ctx, i.cfg.URL, i.cfg.Headers, payload)
	})
	if err != nil {
		return classify(msg.ID, err)
	}

	i.logger.Debug("sink delivery succeeded", slog.String("message_id", msg.ID))
	return nil
}

// Validate checks msg in order (absent body, size, JSON syntax) and returns
// the payload to deliver.
func (i *Invoker) Validate(msg queue.Message) ([]byte, error) {
	if msg.Body == nil {
		return nil, failure.New(failure.KindValidation, failure.CodeNullMessage,
			fmt.Sprintf("message %s", msg.ID), nil)
	}

	if len(msg.Body) > i.cfg.MaxMessageSize {
		return nil, failure.New(failure.KindValidation, failure.CodeSizeExceeded,
			fmt.Sprintf("message %s is %d bytes, limit %d", msg.ID, len(msg.Body), i.cfg.MaxMessageSize), nil)
	}

	if !json.Valid(msg.Body) {
		return nil, failure.New(failure.KindValidation, failure.CodeInvalidJSON,
			fmt.Sprintf("message %s", msg.ID), nil)
	}

	if !i.cfg.CompactJSON {
		return msg.Body, nil
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, msg.Body); err != nil {
		return nil, failure.New(failure.KindValidation, failure.CodeMessageFormat,
			fmt.Sprintf("message %s", msg.ID), err)
	}
	return buf.Bytes(), nil
}

// BreakerState returns the circuit breaker state name.
func (i *Invoker) BreakerState() string {
	return i.breaker.State().String()
}

func classify(id string, err error) error {
	var statusErr *StatusError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return failure.New(failure.KindConnection, failure.CodeSinkConnection,
			fmt.Sprintf("message %s: circuit breaker open", id), err)
	case errors.As(err, &statusErr):
		return failure.New(failure.KindResponse, failure.CodeSinkResponse,
			fmt.Sprintf("message %s: status %d", id, statusErr.StatusCode), err)
	case errors.Is(err, context.DeadlineExceeded):
		return failure.New(failure.KindConnection, failure.CodeSinkTimeout,
			fmt.Sprintf("message %s", id), err)
	default:
		return failure.New(failure.KindConnection, failure.CodeSinkConnection,
			fmt.Sprintf("message %s", id), err)
	}
}
