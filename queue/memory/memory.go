// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory implements queue.Service using in-memory maps.
// This implementation is primarily for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/relay/queue"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// DefaultVisibilityTimeout is how long a received message stays hidden
// unless the consumer changes it.
const DefaultVisibilityTimeout = 30 * time.Second

// pollStep bounds how long a long-polling Receive sleeps between visibility
// checks while no Send wakes it up.
const pollStep = 100 * time.Millisecond

// Config holds in-memory queue settings.
type Config struct {
	VisibilityTimeout time.Duration
	Clock             clockwork.Clock
}

type record struct {
	id           string
	body         []byte
	attrs        map[string]string
	receipt      string
	visibleAt    time.Time
	receiveCount int
}

// Store is an in-memory queue.Service.
type Store struct {
	cfg      Config
	clock    clockwork.Clock
	messages map[string]*record // messageID -> record
	order    []string           // messageIDs in send order
	receipts map[string]string  // receiptHandle -> messageID
	signal   chan struct{}
	closed   bool
	mu       sync.Mutex
}

var _ queue.Service = (*Store)(nil)

// New creates a new in-memory queue.
func New(cfg Config) *Store {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Store{
		cfg:      cfg,
		clock:    cfg.Clock,
		messages: make(map[string]*record),
		receipts: make(map[string]string),
		signal:   make(chan struct{}),
	}
}

// Send enqueues a message.
func (s *Store) Send(ctx context.Context, body []byte, attrs map[string]string) (string, error) {
	if len(body) == 0 {
		return "", queue.ErrEmptyBody
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate message id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", queue.ErrClosed
	}

	bodyCopy := make([]byte, len(body))
	copy(bodyCopy, body)

	r := &record{
		id:        id.String(),
		body:      bodyCopy,
		attrs:     queue.CopyAttributes(attrs),
		visibleAt: s.clock.Now(),
	}
	s.messages[r.id] = r
	s.order = append(s.order, r.id)

	// Wake up long-polling receivers
	close(s.signal)
	s.signal = make(chan struct{})

	return r.id, nil
}

// Receive returns up to max visible messages, long-polling for up to wait.
func (s *Store) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	if max <= 0 {
		return nil, nil
	}

	deadline := s.clock.Now().Add(wait)
	for {
		msgs, signal, err := s.take(max)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}

		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			return nil, nil
		}

		step := remaining
		if step > pollStep {
			step = pollStep
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-signal:
		case <-s.clock.After(step):
		}
	}
}

// take claims up to max visible messages, issuing a fresh receipt handle
// for each. It returns the current wake-up signal for long polling.
func (s *Store) take(max int) ([]queue.Message, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, queue.ErrClosed
	}

	now := s.clock.Now()
	var msgs []queue.Message
	for _, id := range s.order {
		if len(msgs) >= max {
			break
		}

		r := s.messages[id]
		if r.visibleAt.After(now) {
			continue
		}

		if r.receipt != "" {
			delete(s.receipts, r.receipt)
		}
		r.receipt = uuid.NewString()
		r.receiveCount++
		r.visibleAt = now.Add(s.cfg.VisibilityTimeout)
		s.receipts[r.receipt] = r.id

		msgs = append(msgs, r.toMessage())
	}

	return msgs, s.signal, nil
}

// Delete removes the message delivered with receiptHandle.
func (s *Store) Delete(ctx context.Context, receiptHandle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.receipts[receiptHandle]
	if !ok {
		return queue.ErrReceiptNotFound
	}

	delete(s.receipts, receiptHandle)
	delete(s.messages, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	return nil
}

// ChangeVisibility hides the delivery for timeout, counted from now.
func (s *Store) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	if timeout < 0 {
		return fmt.Errorf("visibility timeout cannot be negative: %s", timeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.receipts[receiptHandle]
	if !ok {
		return queue.ErrReceiptNotFound
	}

	s.messages[id].visibleAt = s.clock.Now().Add(timeout)
	return nil
}

// Len returns the number of messages held, visible or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Peek returns a message by ID without changing its visibility.
func (s *Store) Peek(id string) (queue.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.messages[id]
	if !ok {
		return queue.Message{}, false
	}
	return r.toMessage(), true
}

// Close rejects further operations and wakes pending receivers.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.signal)
	return nil
}

func (r *record) toMessage() queue.Message {
	body := make([]byte, len(r.body))
	copy(body, r.body)

	return queue.Message{
		ID:            r.id,
		Body:          body,
		ReceiptHandle: r.receipt,
		Attributes:    queue.CopyAttributes(r.attrs),
		ReceiveCount:  r.receiveCount,
	}
}
