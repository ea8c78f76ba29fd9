// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import "sync"

// RetryTracker counts failed processing attempts per message ID. A missing
// entry means zero attempts. State is in-memory only and is lost on restart.
type RetryTracker struct {
	mu         sync.Mutex
	counts     map[string]int
	maxRetries int
}

// NewRetryTracker creates a tracker allowing maxRetries retries per message.
// Negative values are treated as zero.
func NewRetryTracker(maxRetries int) *RetryTracker {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryTracker{
		counts:     make(map[string]int),
		maxRetries: maxRetries,
	}
}

// MaxRetries returns the configured retry limit.
func (t *RetryTracker) MaxRetries() int {
	return t.maxRetries
}

// ShouldRetry reports whether id has attempts left.
func (t *RetryTracker) ShouldRetry(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[id] < t.maxRetries
}

// Increment adds one attempt for id and returns the new count.
func (t *RetryTracker) Increment(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[id]++
	return t.counts[id]
}

// Count returns the number of recorded attempts for id.
func (t *RetryTracker) Count(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[id]
}

// Clear forgets id. Clearing an unknown id is a no-op.
func (t *RetryTracker) Clear(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, id)
}

// Len returns the number of tracked IDs.
func (t *RetryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}
