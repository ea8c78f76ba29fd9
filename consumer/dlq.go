// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/relay/failure"
	"github.com/absmach/relay/queue"
	"github.com/jonboulle/clockwork"
)

// DeadLetterEnvelope is what lands on the dead-letter queue: the original
// body unchanged plus the origin ID and failure reason.
type DeadLetterEnvelope struct {
	Body              []byte
	OriginalMessageID string
	FailureReason     string
}

// NewEnvelope builds the dead-letter envelope for msg.
func NewEnvelope(msg queue.Message, reason string) DeadLetterEnvelope {
	return DeadLetterEnvelope{
		Body:              msg.Body,
		OriginalMessageID: msg.ID,
		FailureReason:     reason,
	}
}

// Attributes returns the envelope metadata as queue message attributes.
func (e DeadLetterEnvelope) Attributes() map[string]string {
	return map[string]string{
		queue.AttrOriginalMessageID: e.OriginalMessageID,
		queue.AttrFailureReason:     e.FailureReason,
	}
}

// MoveResult reports how far a dead-letter move got.
type MoveResult struct {
	// Sent is true once the envelope is on the dead-letter queue.
	Sent bool
	// Deleted is true once the original is removed from the source queue.
	Deleted bool
	// DeadLetterID is the ID assigned by the dead-letter queue.
	DeadLetterID string
}

// DeadLetterRouter moves messages from the source queue to the dead-letter
// queue. The envelope is always sent before the original is deleted.
type DeadLetterRouter struct {
	source queue.Service
	dlq    queue.Sender
	alerts AlertHandler
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewDeadLetterRouter creates a router. alerts may be nil.
func NewDeadLetterRouter(source queue.Service, dlq queue.Sender, alerts AlertHandler, clock clockwork.Clock, logger *slog.Logger) *DeadLetterRouter {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DeadLetterRouter{
		source: source,
		dlq:    dlq,
		alerts: alerts,
		clock:  clock,
		logger: logger,
	}
}

// Move sends msg to the dead-letter queue with reason, then deletes it from
// the source queue. If the send fails the source is left untouched and the
// message stays retriable. A failed delete after a successful send returns
// the error with Sent set; the dead-letter copy is authoritative.
func (r *DeadLetterRouter) Move(ctx context.Context, msg queue.Message, reason string, attempts int) (MoveResult, error) {
	env := NewEnvelope(msg, reason)

	dlqID, err := r.dlq.Send(ctx, env.Body, env.Attributes())
	if err != nil {
		ferr := failure.New(failure.KindRouting, failure.CodeDeadLetterMove, fmt.Sprintf("message %s", msg.ID), err)
		r.logger.Error("dead_letter_send_failed",
			slog.String("code", string(ferr.Code)),
			slog.String("message_id", msg.ID),
			slog.Int("attempt", attempts),
			slog.String("reason", reason),
			slog.String("error", err.Error()))
		return MoveResult{}, ferr
	}

	result := MoveResult{Sent: true, DeadLetterID: dlqID}

	if err := r.source.Delete(ctx, msg.ReceiptHandle); err != nil {
		ferr := failure.New(failure.KindRouting, failure.CodeQueueDelete,
			fmt.Sprintf("message %s is on the dead-letter queue as %s and still on the source queue", msg.ID, dlqID), err)
		r.logger.Warn("dead_letter_delete_failed",
			slog.String("code", string(ferr.Code)),
			slog.String("message_id", msg.ID),
			slog.String("dead_letter_id", dlqID),
			slog.String("error", err.Error()))
		r.alert(msg, result, reason, attempts)
		return result, ferr
	}

	result.Deleted = true
	r.logger.Info("message moved to dead-letter queue",
		slog.String("message_id", msg.ID),
		slog.String("dead_letter_id", dlqID),
		slog.Int("attempt", attempts),
		slog.String("reason", reason))
	r.alert(msg, result, reason, attempts)

	return result, nil
}

func (r *DeadLetterRouter) alert(msg queue.Message, result MoveResult, reason string, attempts int) {
	if r.alerts == nil {
		return
	}

	a := &DeadLetterAlert{
		MessageID:     msg.ID,
		DeadLetterID:  result.DeadLetterID,
		FailureReason: reason,
		RetryCount:    attempts,
		ReceiveCount:  msg.ReceiveCount,
		SourceDeleted: result.Deleted,
		MovedAt:       r.clock.Now(),
	}

	// Alerts are best effort and never block message handling.
	go func() {
		if err := r.alerts.Send(context.Background(), a); err != nil {
			r.logger.Warn("dead_letter_alert_failed",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()))
		}
	}()
}

// DeadLetterAlert is sent to the alert webhook after a dead-letter move.
type DeadLetterAlert struct {
	MessageID     string    `json:"message_id"`
	DeadLetterID  string    `json:"dead_letter_id"`
	FailureReason string    `json:"failure_reason"`
	RetryCount    int       `json:"retry_count"`
	ReceiveCount  int       `json:"receive_count,omitempty"`
	SourceDeleted bool      `json:"source_deleted"`
	MovedAt       time.Time `json:"moved_at"`
}

// AlertHandler defines the interface for sending dead-letter alerts.
type AlertHandler interface {
	Send(ctx context.Context, alert *DeadLetterAlert) error
}

// HTTPAlertHandler posts alerts as JSON to a webhook URL.
type HTTPAlertHandler struct {
	client *http.Client
	url    string
}

// NewHTTPAlertHandler creates a new HTTP alert handler.
func NewHTTPAlertHandler(url string, timeout time.Duration) *HTTPAlertHandler {
	return &HTTPAlertHandler{
		client: &http.Client{
			Timeout: timeout,
		},
		url: url,
	}
}

// Send sends an alert to the configured webhook URL.
func (h *HTTPAlertHandler) Send(ctx context.Context, alert *DeadLetterAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}

	return nil
}
