// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package consumer implements the bounded-retry, at-least-once consumption
// pipeline: poll a queue, hand each message to a processor, extend
// visibility on failure and dead-letter messages that keep failing.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/relay/failure"
	"github.com/absmach/relay/queue"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/absmach/relay/consumer"

// Outcome is the result of handling one delivery.
type Outcome string

const (
	// OutcomeProcessed means the processor succeeded and the message was deleted.
	OutcomeProcessed Outcome = "processed"
	// OutcomeRetrying means the message stays on the queue with extended visibility.
	OutcomeRetrying Outcome = "retrying"
	// OutcomeDeadLettered means the message was sent to the dead-letter queue.
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeDeadLetterFailed means the dead-letter send failed; the message
	// stays on the source queue and is retried on redelivery.
	OutcomeDeadLetterFailed Outcome = "dead_letter_failed"
)

// Processor handles one message. It is implemented by sink.Invoker.
type Processor interface {
	Process(ctx context.Context, msg queue.Message) error
}

// Budget gates poll cycles. It is implemented by ratelimit.Budget.
type Budget interface {
	Allow() bool
}

// Recorder receives consumer metrics.
type Recorder interface {
	RecordCycle(skipped bool)
	RecordReceived(n int)
	RecordReceiveError()
	RecordOutcome(outcome Outcome, duration time.Duration)
}

// Config holds poller settings.
type Config struct {
	MaxRetries        int           `yaml:"max_retries"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	VisibilityBackoff time.Duration `yaml:"visibility_backoff"`
	MaxMessages       int           `yaml:"max_messages"`
	WaitTime          time.Duration `yaml:"wait_time"`
	Workers           int           `yaml:"workers"`

	// DeadLetterPermanent sends validation failures to the dead-letter
	// queue on first failure instead of spending retries on them.
	DeadLetterPermanent bool `yaml:"dead_letter_permanent"`

	// AlertURL receives a JSON alert after every dead-letter move.
	AlertURL     string        `yaml:"alert_url"`
	AlertTimeout time.Duration `yaml:"alert_timeout"`
}

// DefaultConfig returns the default poller settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		PollInterval:      time.Second,
		VisibilityBackoff: 30 * time.Second,
		MaxMessages:       10,
		WaitTime:          20 * time.Second,
		Workers:           4,
		AlertTimeout:      5 * time.Second,
	}
}

// Deps are the collaborators of a Poller. Source, DeadLetter and Sink are
// required.
type Deps struct {
	Source     queue.Service
	DeadLetter queue.Sender
	Sink       Processor
	Tracker    *RetryTracker
	Budget     Budget
	Alerts     AlertHandler
	Clock      clockwork.Clock
	Logger     *slog.Logger
	Metrics    Recorder
}

// Stats is a snapshot of poller counters.
type Stats struct {
	Cycles           uint64    `json:"cycles"`
	Skipped          uint64    `json:"skipped"`
	ReceiveErrors    uint64    `json:"receive_errors"`
	Received         uint64    `json:"received"`
	Processed        uint64    `json:"processed"`
	Retried          uint64    `json:"retried"`
	DeadLettered     uint64    `json:"dead_lettered"`
	DeadLetterFailed uint64    `json:"dead_letter_failed"`
	Tracked          int       `json:"tracked"`
	Ready            bool      `json:"ready"`
	LastError        string    `json:"last_error,omitempty"`
	LastPoll         time.Time `json:"last_poll"`
}

// Poller drives poll cycles and routes every received message through the
// retry state machine.
type Poller struct {
	cfg      Config
	source   queue.Service
	sink     Processor
	tracker  *RetryTracker
	budget   Budget
	router   *DeadLetterRouter
	extender *VisibilityExtender
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  Recorder
	tracer   trace.Tracer

	cycles           atomic.Uint64
	skipped          atomic.Uint64
	receiveErrors    atomic.Uint64
	received         atomic.Uint64
	processed        atomic.Uint64
	retried          atomic.Uint64
	deadLettered     atomic.Uint64
	deadLetterFailed atomic.Uint64
	ready            atomic.Bool

	mu        sync.Mutex
	lastError string
	lastPoll  time.Time
}

// NewPoller creates a poller. Zero config values take their defaults.
func NewPoller(cfg Config, deps Deps) (*Poller, error) {
	if deps.Source == nil {
		return nil, errors.New("source queue cannot be nil")
	}
	if deps.DeadLetter == nil {
		return nil, errors.New("dead-letter queue cannot be nil")
	}
	if deps.Sink == nil {
		return nil, errors.New("sink cannot be nil")
	}

	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.VisibilityBackoff <= 0 {
		cfg.VisibilityBackoff = def.VisibilityBackoff
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.WaitTime < 0 {
		cfg.WaitTime = 0
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Tracker == nil {
		deps.Tracker = NewRetryTracker(cfg.MaxRetries)
	}
	if deps.Metrics == nil {
		deps.Metrics = noopRecorder{}
	}
	if deps.Alerts == nil && cfg.AlertURL != "" {
		deps.Alerts = NewHTTPAlertHandler(cfg.AlertURL, cfg.AlertTimeout)
	}

	return &Poller{
		cfg:      cfg,
		source:   deps.Source,
		sink:     deps.Sink,
		tracker:  deps.Tracker,
		budget:   deps.Budget,
		router:   NewDeadLetterRouter(deps.Source, deps.DeadLetter, deps.Alerts, deps.Clock, deps.Logger),
		extender: NewVisibilityExtender(deps.Source, deps.Logger),
		clock:    deps.Clock,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		tracer:   otel.Tracer(tracerName),
	}, nil
}

// Run polls at PollInterval until ctx is cancelled. The first cycle starts
// immediately. A cycle runs to completion before the next tick is read, so
// cycles never overlap; ticks missed meanwhile are dropped.
func (p *Poller) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.logger.Info("consumer started",
		slog.Duration("poll_interval", p.cfg.PollInterval),
		slog.Int("max_retries", p.tracker.MaxRetries()),
		slog.Int("workers", p.cfg.Workers))

	p.PollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("consumer stopped")
			return nil
		case <-ticker.Chan():
			p.PollOnce(ctx)
		}
	}
}

// PollOnce runs one poll cycle. A budget skip is not an error. A receive
// failure is logged and returned; per-message failures never are.
// Messages already received are handled to completion even if ctx is
// cancelled meanwhile.
func (p *Poller) PollOnce(ctx context.Context) error {
	p.cycles.Add(1)

	if p.budget != nil && !p.budget.Allow() {
		p.skipped.Add(1)
		p.metrics.RecordCycle(true)
		p.logger.Debug("poll cycle skipped, rate budget exhausted")
		return nil
	}
	p.metrics.RecordCycle(false)

	msgs, err := p.source.Receive(ctx, p.cfg.MaxMessages, p.cfg.WaitTime)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ferr := failure.New(failure.KindConnection, failure.CodeQueueReceive, "", err)
		p.receiveErrors.Add(1)
		p.metrics.RecordReceiveError()
		p.setLastError(ferr)
		p.logger.Error("queue_receive_failed",
			slog.String("code", string(ferr.Code)),
			slog.String("error", err.Error()))
		return ferr
	}

	p.mu.Lock()
	p.lastPoll = p.clock.Now()
	p.mu.Unlock()
	p.ready.Store(true)

	if len(msgs) == 0 {
		return nil
	}

	p.received.Add(uint64(len(msgs)))
	p.metrics.RecordReceived(len(msgs))
	p.logger.Debug("received messages", slog.Int("count", len(msgs)))

	hctx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, msg := range msgs {
		g.Go(func() error {
			p.Handle(hctx, msg)
			return nil
		})
	}
	g.Wait()

	return nil
}

// Handle processes one delivery and applies the retry state machine:
// success deletes and clears; a failure with retries left increments the
// count and extends visibility; otherwise the message is dead-lettered.
func (p *Poller) Handle(ctx context.Context, msg queue.Message) Outcome {
	start := p.clock.Now()

	ctx, span := p.tracer.Start(ctx, "consumer.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", msg.ID),
			attribute.Int("messaging.message.body.size", len(msg.Body)),
		))
	defer span.End()

	outcome := p.handle(ctx, msg, span)

	span.SetAttributes(attribute.String("relay.outcome", string(outcome)))
	p.metrics.RecordOutcome(outcome, p.clock.Since(start))
	return outcome
}

func (p *Poller) handle(ctx context.Context, msg queue.Message, span trace.Span) Outcome {
	err := p.sink.Process(ctx, msg)
	if err == nil {
		if derr := p.source.Delete(ctx, msg.ReceiptHandle); derr != nil {
			p.logger.Warn("message_delete_failed",
				slog.String("code", string(failure.CodeQueueDelete)),
				slog.String("message_id", msg.ID),
				slog.String("error", derr.Error()))
		}
		p.tracker.Clear(msg.ID)
		p.processed.Add(1)
		p.logger.Debug("message processed", slog.String("message_id", msg.ID))
		return OutcomeProcessed
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, string(failure.CodeOf(err)))
	p.setLastError(err)

	permanent := p.cfg.DeadLetterPermanent && failure.IsPermanent(err)
	if !permanent && p.tracker.ShouldRetry(msg.ID) {
		attempt := p.tracker.Increment(msg.ID)
		p.retried.Add(1)
		p.logger.Warn("message_processing_failed",
			slog.String("code", string(failure.CodeOf(err))),
			slog.String("message_id", msg.ID),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", p.tracker.MaxRetries()),
			slog.String("error", err.Error()))
		p.extender.Extend(ctx, msg, p.cfg.VisibilityBackoff)
		return OutcomeRetrying
	}

	attempts := p.tracker.Count(msg.ID)
	reason := deadLetterReason(err, permanent)

	res, _ := p.router.Move(ctx, msg, reason, attempts)
	if !res.Sent {
		// Retry state is kept so the next delivery goes straight back here.
		p.deadLetterFailed.Add(1)
		return OutcomeDeadLetterFailed
	}

	p.tracker.Clear(msg.ID)
	p.deadLettered.Add(1)
	return OutcomeDeadLettered
}

func deadLetterReason(err error, permanent bool) string {
	if permanent {
		return fmt.Sprintf("non-retryable failure: %s", err)
	}
	return fmt.Sprintf("%s: %s", failure.CodeRetryLimitExceeded.Describe(), err)
}

// Stats returns a snapshot of the poller counters.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	lastError, lastPoll := p.lastError, p.lastPoll
	p.mu.Unlock()

	return Stats{
		Cycles:           p.cycles.Load(),
		Skipped:          p.skipped.Load(),
		ReceiveErrors:    p.receiveErrors.Load(),
		Received:         p.received.Load(),
		Processed:        p.processed.Load(),
		Retried:          p.retried.Load(),
		DeadLettered:     p.deadLettered.Load(),
		DeadLetterFailed: p.deadLetterFailed.Load(),
		Tracked:          p.tracker.Len(),
		Ready:            p.ready.Load(),
		LastError:        lastError,
		LastPoll:         lastPoll,
	}
}

// Ready reports whether at least one receive has succeeded.
func (p *Poller) Ready() bool {
	return p.ready.Load()
}

func (p *Poller) setLastError(err error) {
	p.mu.Lock()
	p.lastError = err.Error()
	p.mu.Unlock()
}

type noopRecorder struct{}

func (noopRecorder) RecordCycle(bool) {}

func (noopRecorder) RecordReceived(int) {}

func (noopRecorder) RecordReceiveError() {}

func (noopRecorder) RecordOutcome(Outcome, time.Duration) {}
