// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger implements a durable, single-node queue.Service on BadgerDB.
// Several queues (for example a source queue and its dead-letter queue) can
// share one database; each is isolated under its own key prefix.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/relay/queue"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/s2"
)

const (
	queueMessagePrefix = "queue:msg:"
	queueReceiptPrefix = "queue:receipt:"
)

const (
	// DefaultVisibilityTimeout is how long a received message stays hidden
	// unless the consumer changes it.
	DefaultVisibilityTimeout = 30 * time.Second

	pollStep        = 100 * time.Millisecond
	conflictRetries = 3
)

// Config holds BadgerDB queue settings.
type Config struct {
	VisibilityTimeout time.Duration
	Clock             clockwork.Clock
}

// record is the persisted form of a message. Body is s2-compressed.
type record struct {
	ID           string            `json:"id"`
	Body         []byte            `json:"body"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Receipt      string            `json:"receipt,omitempty"`
	VisibleAt    time.Time         `json:"visible_at"`
	ReceiveCount int               `json:"receive_count"`
	SentAt       time.Time         `json:"sent_at"`
}

// Store implements queue.Service for one named queue using BadgerDB.
type Store struct {
	db     *badger.DB
	name   string
	cfg    Config
	clock  clockwork.Clock
	signal chan struct{}
	mu     sync.Mutex
}

var _ queue.Service = (*Store)(nil)

// Open opens (or creates) a BadgerDB database in dir with logging disabled.
func Open(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", dir, err)
	}
	return db, nil
}

// New creates a queue named name backed by db. The caller owns db.
func New(db *badger.DB, name string, cfg Config) *Store {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Store{
		db:     db,
		name:   name,
		cfg:    cfg,
		clock:  cfg.Clock,
		signal: make(chan struct{}),
	}
}

// Name returns the queue name.
func (s *Store) Name() string {
	return s.name
}

// Send persists a new message. Message IDs are time-ordered UUIDv7 values,
// so key order is send order.
func (s *Store) Send(ctx context.Context, body []byte, attrs map[string]string) (string, error) {
	if len(body) == 0 {
		return "", queue.ErrEmptyBody
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate message id: %w", err)
	}

	now := s.clock.Now()
	r := record{
		ID:         id.String(),
		Body:       s2.Encode(nil, body),
		Attributes: queue.CopyAttributes(attrs),
		VisibleAt:  now,
		SentAt:     now,
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}

	err = s.update(func(txn *badger.Txn) error {
		return txn.Set(s.messageKey(r.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to store message: %w", err)
	}

	s.wake()
	return r.ID, nil
}

// Receive claims up to max visible messages, long-polling for up to wait.
func (s *Store) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	if max <= 0 {
		return nil, nil
	}

	deadline := s.clock.Now().Add(wait)
	for {
		signal := s.currentSignal()

		msgs, err := s.take(max)
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

func (s *Store) take(max int) ([]queue.Message, error) {
	var msgs []queue.Message

	err := s.update(func(txn *badger.Txn) error {
		msgs = msgs[:0]
		now := s.clock.Now()

		var claimed []record
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.messagePrefix()
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid() && len(claimed) < max; it.Next() {
			var r record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			})
			if err != nil {
				continue
			}

			if r.VisibleAt.After(now) {
				continue
			}
			claimed = append(claimed, r)
		}
		it.Close()

		// Writes happen after the iterator is closed
		for _, r := range claimed {
			if r.Receipt != "" {
				if err := txn.Delete(s.receiptKey(r.Receipt)); err != nil {
					return err
				}
			}

			r.Receipt = uuid.NewString()
			r.ReceiveCount++
			r.VisibleAt = now.Add(s.cfg.VisibilityTimeout)

			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := txn.Set(s.messageKey(r.ID), data); err != nil {
				return err
			}
			if err := txn.Set(s.receiptKey(r.Receipt), []byte(r.ID)); err != nil {
				return err
			}

			msg, err := r.toMessage()
			if err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	return msgs, nil
}

// Delete removes the message delivered with receiptHandle.
func (s *Store) Delete(ctx context.Context, receiptHandle string) error {
	return s.update(func(txn *badger.Txn) error {
		id, err := s.lookupReceipt(txn, receiptHandle)
		if err != nil {
			return err
		}

		if err := txn.Delete(s.messageKey(id)); err != nil {
			return err
		}
		return txn.Delete(s.receiptKey(receiptHandle))
	})
}

// ChangeVisibility hides the delivery for timeout, counted from now.
func (s *Store) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	if timeout < 0 {
		return fmt.Errorf("visibility timeout cannot be negative: %s", timeout)
	}

	return s.update(func(txn *badger.Txn) error {
		id, err := s.lookupReceipt(txn, receiptHandle)
		if err != nil {
			return err
		}

		item, err := txn.Get(s.messageKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return queue.ErrReceiptNotFound
			}
			return err
		}

		var r record
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		}); err != nil {
			return err
		}

		r.VisibleAt = s.clock.Now().Add(timeout)
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return txn.Set(s.messageKey(id), data)
	})
}

// Len returns the number of messages held, visible or not.
func (s *Store) Len() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.messagePrefix()
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (s *Store) lookupReceipt(txn *badger.Txn, receiptHandle string) (string, error) {
	item, err := txn.Get(s.receiptKey(receiptHandle))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", queue.ErrReceiptNotFound
		}
		return "", err
	}

	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent receivers.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *Store) currentSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signal
}

func (s *Store) wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.signal)
	s.signal = make(chan struct{})
}

func (s *Store) messagePrefix() []byte {
	return []byte(queueMessagePrefix + s.name + ":")
}

func (s *Store) messageKey(id string) []byte {
	return []byte(queueMessagePrefix + s.name + ":" + id)
}

func (s *Store) receiptKey(receipt string) []byte {
	return []byte(queueReceiptPrefix + s.name + ":" + receipt)
}

func (r record) toMessage() (queue.Message, error) {
	body, err := s2.Decode(nil, r.Body)
	if err != nil {
		return queue.Message{}, fmt.Errorf("failed to decode body of %s: %w", r.ID, err)
	}

	return queue.Message{
		ID:            r.ID,
		Body:          body,
		ReceiptHandle: r.Receipt,
		Attributes:    queue.CopyAttributes(r.Attributes),
		ReceiveCount:  r.ReceiveCount,
	}, nil
}
