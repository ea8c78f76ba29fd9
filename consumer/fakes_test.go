// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/relay/queue"
)

// journal records calls across queues in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type sentMessage struct {
	Body  []byte
	Attrs map[string]string
}

type visibilityCall struct {
	Receipt string
	Timeout time.Duration
}

// mockQueue implements queue.Service for testing.
type mockQueue struct {
	name    string
	journal *journal

	mu            sync.Mutex
	batches       [][]queue.Message
	receiveCalls  int
	sent          []sentMessage
	deleted       []string
	visibility    []visibilityCall
	receiveErr    error
	sendErr       error
	deleteErr     error
	visibilityErr error
}

func newMockQueue(name string, j *journal) *mockQueue {
	if j == nil {
		j = &journal{}
	}
	return &mockQueue{name: name, journal: j}
}

func (m *mockQueue) push(msgs ...queue.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, msgs)
}

func (m *mockQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiveCalls++
	if m.receiveErr != nil {
		return nil, m.receiveErr
	}
	if len(m.batches) == 0 {
		return nil, nil
	}
	batch := m.batches[0]
	m.batches = m.batches[1:]
	if len(batch) > max {
		m.batches = append([][]queue.Message{batch[max:]}, m.batches...)
		batch = batch[:max]
	}
	return batch, nil
}

func (m *mockQueue) Delete(ctx context.Context, receiptHandle string) error {
	m.journal.add("%s.delete %s", m.name, receiptHandle)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, receiptHandle)
	return nil
}

func (m *mockQueue) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	m.journal.add("%s.visibility %s", m.name, receiptHandle)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.visibilityErr != nil {
		return m.visibilityErr
	}
	m.visibility = append(m.visibility, visibilityCall{Receipt: receiptHandle, Timeout: timeout})
	return nil
}

func (m *mockQueue) Send(ctx context.Context, body []byte, attrs map[string]string) (string, error) {
	m.journal.add("%s.send", m.name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return "", m.sendErr
	}
	m.sent = append(m.sent, sentMessage{Body: body, Attrs: queue.CopyAttributes(attrs)})
	return fmt.Sprintf("%s-%d", m.name, len(m.sent)), nil
}

func (m *mockQueue) getReceiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receiveCalls
}

func (m *mockQueue) getSent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

func (m *mockQueue) getDeleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

func (m *mockQueue) getVisibility() []visibilityCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]visibilityCall(nil), m.visibility...)
}

func (m *mockQueue) setSendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// mockProcessor implements Processor for testing.
type mockProcessor struct {
	calls       atomic.Int32
	processFunc func(ctx context.Context, msg queue.Message) error
}

func newMockProcessor(err error) *mockProcessor {
	return &mockProcessor{
		processFunc: func(ctx context.Context, msg queue.Message) error {
			return err
		},
	}
}

func (m *mockProcessor) Process(ctx context.Context, msg queue.Message) error {
	m.calls.Add(1)
	return m.processFunc(ctx, msg)
}

// mockBudget implements Budget for testing.
type mockBudget struct {
	allow atomic.Bool
}

func (m *mockBudget) Allow() bool {
	return m.allow.Load()
}

// mockAlerts implements AlertHandler for testing.
type mockAlerts struct {
	ch chan *DeadLetterAlert
}

func newMockAlerts() *mockAlerts {
	return &mockAlerts{ch: make(chan *DeadLetterAlert, 16)}
}

func (m *mockAlerts) Send(ctx context.Context, alert *DeadLetterAlert) error {
	m.ch <- alert
	return nil
}

// mockRecorder implements Recorder for testing.
type mockRecorder struct {
	mu            sync.Mutex
	cycles        int
	skipped       int
	received      int
	receiveErrors int
	outcomes      map[Outcome]int
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{outcomes: make(map[Outcome]int)}
}

func (m *mockRecorder) RecordCycle(skipped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles++
	if skipped {
		m.skipped++
	}
}

func (m *mockRecorder) RecordReceived(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received += n
}

func (m *mockRecorder) RecordReceiveError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiveErrors++
}

func (m *mockRecorder) RecordOutcome(outcome Outcome, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *mockRecorder) outcome(o Outcome) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[o]
}

func delivery(id string, n int, body string) queue.Message {
	return queue.Message{
		ID:            id,
		Body:          []byte(body),
		ReceiptHandle: fmt.Sprintf("%s-r%d", id, n),
		ReceiveCount:  n,
	}
}
