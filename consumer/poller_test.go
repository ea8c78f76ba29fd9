// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/relay/failure"
	"github.com/absmach/relay/queue"
	"github.com/absmach/relay/sink"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pollerFixture struct {
	poller  *Poller
	source  *mockQueue
	dlq     *mockQueue
	journal *journal
	tracker *RetryTracker
	metrics *mockRecorder
	clock   *clockwork.FakeClock
}

func newPollerFixture(t *testing.T, cfg Config, proc Processor) *pollerFixture {
	t.Helper()

	j := &journal{}
	f := &pollerFixture{
		source:  newMockQueue("source", j),
		dlq:     newMockQueue("dlq", j),
		journal: j,
		tracker: NewRetryTracker(cfg.MaxRetries),
		metrics: newMockRecorder(),
		clock:   clockwork.NewFakeClock(),
	}

	p, err := NewPoller(cfg, Deps{
		Source:     f.source,
		DeadLetter: f.dlq,
		Sink:       proc,
		Tracker:    f.tracker,
		Clock:      f.clock,
		Metrics:    f.metrics,
	})
	require.NoError(t, err)
	f.poller = p
	return f
}

func testPollerConfig(maxRetries int) Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = maxRetries
	cfg.WaitTime = 0
	return cfg
}

func TestNewPoller_RequiresDeps(t *testing.T) {
	src := newMockQueue("source", nil)
	proc := newMockProcessor(nil)

	_, err := NewPoller(DefaultConfig(), Deps{DeadLetter: src, Sink: proc})
	assert.Error(t, err)
	_, err = NewPoller(DefaultConfig(), Deps{Source: src, Sink: proc})
	assert.Error(t, err)
	_, err = NewPoller(DefaultConfig(), Deps{Source: src, DeadLetter: src})
	assert.Error(t, err)

	p, err := NewPoller(Config{}, Deps{Source: src, DeadLetter: src, Sink: proc})
	require.NoError(t, err)
	assert.Equal(t, time.Second, p.cfg.PollInterval)
	assert.Equal(t, 30*time.Second, p.cfg.VisibilityBackoff)
	assert.Equal(t, 10, p.cfg.MaxMessages)
	assert.Equal(t, 1, p.cfg.Workers)
}

func TestPoller_HandleSuccess(t *testing.T) {
	f := newPollerFixture(t, testPollerConfig(3), newMockProcessor(nil))
	f.tracker.Increment("m-1")
	f.tracker.Increment("m-1")

	outcome := f.poller.Handle(context.Background(), delivery("m-1", 3, `{"a":1}`))

	assert.Equal(t, OutcomeProcessed, outcome)
	assert.Equal(t, []string{"m-1-r3"}, f.source.getDeleted())
	assert.Equal(t, 0, f.tracker.Count("m-1"))
	assert.Empty(t, f.dlq.getSent())
	assert.Empty(t, f.source.getVisibility())
	assert.Equal(t, 1, f.metrics.outcome(OutcomeProcessed))
}

func TestPoller_HandleSuccessDeleteFailure(t *testing.T) {
	f := newPollerFixture(t, testPollerConfig(3), newMockProcessor(nil))
	f.source.deleteErr = errors.New("receipt expired")
	f.tracker.Increment("m-1")

	outcome := f.poller.Handle(context.Background(), delivery("m-1", 2, `{"a":1}`))

	assert.Equal(t, OutcomeProcessed, outcome)
	assert.Equal(t, 0, f.tracker.Count("m-1"))
	assert.Empty(t, f.dlq.getSent())
}

func TestPoller_FourFailuresWithThreeRetries(t *testing.T) {
	proc := newMockProcessor(errors.New("sink down"))
	f := newPollerFixture(t, testPollerConfig(3), proc)

	var outcomes []Outcome
	for n := 1; n <= 4; n++ {
		outcomes = append(outcomes, f.poller.Handle(context.Background(), delivery("m-1", n, `{"a":1}`)))
	}

	assert.Equal(t, []Outcome{OutcomeRetrying, OutcomeRetrying, OutcomeRetrying, OutcomeDeadLettered}, outcomes)
	assert.Equal(t, int32(4), proc.calls.Load())

	vis := f.source.getVisibility()
	require.Len(t, vis, 3)
	for i, v := range vis {
		assert.Equal(t, fmt.Sprintf("m-1-r%d", i+1), v.Receipt)
		assert.Equal(t, 30*time.Second, v.Timeout)
	}

	sent := f.dlq.getSent()
	require.Len(t, sent, 1)
	assert.Equal(t, "m-1", sent[0].Attrs[queue.AttrOriginalMessageID])
	assert.True(t, strings.HasPrefix(sent[0].Attrs[queue.AttrFailureReason], "exceeded maximum retry attempts: "))
	assert.Contains(t, sent[0].Attrs[queue.AttrFailureReason], "sink down")

	assert.Equal(t, 0, f.tracker.Count("m-1"))
	assert.Equal(t, []string{"m-1-r4"}, f.source.getDeleted())

	entries := f.journal.list()
	require.Len(t, entries, 5)
	assert.Equal(t, []string{"dlq.send", "source.delete m-1-r4"}, entries[3:], "source delete happens only through the dead-letter path")
}

func TestPoller_MaxRetriesGrid(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 3, 10} {
		t.Run(fmt.Sprintf("max=%d", maxRetries), func(t *testing.T) {
			f := newPollerFixture(t, testPollerConfig(maxRetries), newMockProcessor(errors.New("boom")))

			for n := 1; n <= maxRetries; n++ {
				outcome := f.poller.Handle(context.Background(), delivery("m-1", n, `{}`))
				require.Equal(t, OutcomeRetrying, outcome, "attempt %d", n)
				assert.Empty(t, f.source.getDeleted())
				assert.Empty(t, f.dlq.getSent())
			}
			assert.Len(t, f.source.getVisibility(), maxRetries)
			assert.Equal(t, maxRetries, f.tracker.Count("m-1"))

			outcome := f.poller.Handle(context.Background(), delivery("m-1", maxRetries+1, `{}`))
			assert.Equal(t, OutcomeDeadLettered, outcome)
			assert.Len(t, f.dlq.getSent(), 1)
			assert.Len(t, f.source.getDeleted(), 1)
			assert.Equal(t, 0, f.tracker.Count("m-1"))
		})
	}
}

func TestPoller_DeadLetterSendFailureKeepsMessage(t *testing.T) {
	f := newPollerFixture(t, testPollerConfig(1), newMockProcessor(errors.New("boom")))
	f.dlq.setSendErr(errors.New("dlq down"))

	assert.Equal(t, OutcomeRetrying, f.poller.Handle(context.Background(), delivery("m-1", 1, `{}`)))
	assert.Equal(t, OutcomeDeadLetterFailed, f.poller.Handle(context.Background(), delivery("m-1", 2, `{}`)))

	assert.Empty(t, f.source.getDeleted(), "a message whose dead-letter copy failed must not be deleted")
	assert.Equal(t, 1, f.tracker.Count("m-1"), "retry state is kept after a failed dead-letter send")

	f.dlq.setSendErr(nil)
	assert.Equal(t, OutcomeDeadLettered, f.poller.Handle(context.Background(), delivery("m-1", 3, `{}`)))
	assert.Equal(t, []string{"m-1-r3"}, f.source.getDeleted())
	assert.Equal(t, 0, f.tracker.Count("m-1"))

	stats := f.poller.Stats()
	assert.Equal(t, uint64(1), stats.DeadLetterFailed)
	assert.Equal(t, uint64(1), stats.DeadLettered)
}

// countingSender counts Sink calls made through a real sink.Invoker.
type countingSender struct {
	calls atomic.Int32
	err   error
}

func (s *countingSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte) error {
	s.calls.Add(1)
	return s.err
}

func newInvoker(t *testing.T, sender sink.Sender) *sink.Invoker {
	t.Helper()
	cfg := sink.DefaultConfig()
	cfg.URL = "http://sink.local"
	inv, err := sink.NewInvoker(cfg, sender, nil)
	require.NoError(t, err)
	return inv
}

func TestPoller_MalformedJSONIsValidationFailure(t *testing.T) {
	sender := &countingSender{}
	f := newPollerFixture(t, testPollerConfig(3), newInvoker(t, sender))

	outcome := f.poller.Handle(context.Background(), delivery("m-1", 1, `{bad json`))

	assert.Equal(t, OutcomeRetrying, outcome)
	assert.Equal(t, int32(0), sender.calls.Load())
	assert.Contains(t, f.poller.Stats().LastError, string(failure.CodeInvalidJSON))
	assert.NotContains(t, f.poller.Stats().LastError, string(failure.CodeSinkConnection))
}

func TestPoller_ConnectionFailureReason(t *testing.T) {
	sender := &countingSender{err: errors.New("connection refused")}
	f := newPollerFixture(t, testPollerConfig(0), newInvoker(t, sender))

	outcome := f.poller.Handle(context.Background(), delivery("m-1", 1, `{"a":1}`))

	assert.Equal(t, OutcomeDeadLettered, outcome)
	sent := f.dlq.getSent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Attrs[queue.AttrFailureReason], string(failure.CodeSinkConnection))
}

func TestPoller_DeadLetterPermanent(t *testing.T) {
	sender := &countingSender{}
	cfg := testPollerConfig(3)
	cfg.DeadLetterPermanent = true
	f := newPollerFixture(t, cfg, newInvoker(t, sender))

	outcome := f.poller.Handle(context.Background(), delivery("m-1", 1, `{bad json`))

	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.Empty(t, f.source.getVisibility())
	sent := f.dlq.getSent()
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0].Attrs[queue.AttrFailureReason], "non-retryable failure: "))

	sender.err = errors.New("connection refused")
	assert.Equal(t, OutcomeRetrying, f.poller.Handle(context.Background(), delivery("m-2", 1, `{"a":1}`)),
		"transient failures still retry")
}

func TestPoller_VisibilityFailureIsSwallowed(t *testing.T) {
	f := newPollerFixture(t, testPollerConfig(3), newMockProcessor(errors.New("boom")))
	f.source.visibilityErr = errors.New("receipt expired")

	outcome := f.poller.Handle(context.Background(), delivery("m-1", 1, `{}`))

	assert.Equal(t, OutcomeRetrying, outcome)
	assert.Equal(t, 1, f.tracker.Count("m-1"))
}

func TestPoller_PollOnce(t *testing.T) {
	proc := newMockProcessor(nil)
	cfg := testPollerConfig(3)
	cfg.Workers = 3
	f := newPollerFixture(t, cfg, proc)

	var batch []queue.Message
	for i := 0; i < 5; i++ {
		batch = append(batch, delivery(fmt.Sprintf("m-%d", i), 1, `{"a":1}`))
	}
	f.source.push(batch...)

	require.NoError(t, f.poller.PollOnce(context.Background()))

	assert.Equal(t, int32(5), proc.calls.Load())
	assert.Len(t, f.source.getDeleted(), 5)

	stats := f.poller.Stats()
	assert.Equal(t, uint64(1), stats.Cycles)
	assert.Equal(t, uint64(5), stats.Received)
	assert.Equal(t, uint64(5), stats.Processed)
	assert.True(t, stats.Ready)
	assert.Equal(t, f.clock.Now(), stats.LastPoll)
	assert.Equal(t, 5, f.metrics.outcome(OutcomeProcessed))
}

func TestPoller_PollOnceRespectsMaxMessages(t *testing.T) {
	proc := newMockProcessor(nil)
	cfg := testPollerConfig(3)
	cfg.MaxMessages = 2
	f := newPollerFixture(t, cfg, proc)

	f.source.push(delivery("a", 1, `{}`), delivery("b", 1, `{}`), delivery("c", 1, `{}`))

	require.NoError(t, f.poller.PollOnce(context.Background()))
	assert.Equal(t, int32(2), proc.calls.Load())

	require.NoError(t, f.poller.PollOnce(context.Background()))
	assert.Equal(t, int32(3), proc.calls.Load())
}

func TestPoller_PollOnceMixedOutcomesAreIsolated(t *testing.T) {
	proc := &mockProcessor{processFunc: func(ctx context.Context, msg queue.Message) error {
		if msg.ID == "bad" {
			return errors.New("boom")
		}
		return nil
	}}
	f := newPollerFixture(t, testPollerConfig(3), proc)
	f.source.push(delivery("good-1", 1, `{}`), delivery("bad", 1, `{}`), delivery("good-2", 1, `{}`))

	require.NoError(t, f.poller.PollOnce(context.Background()))

	assert.ElementsMatch(t, []string{"good-1-r1", "good-2-r1"}, f.source.getDeleted())
	assert.Equal(t, 1, f.tracker.Count("bad"))
	assert.Len(t, f.source.getVisibility(), 1)
}

func TestPoller_PollOnceBudgetExhausted(t *testing.T) {
	budget := &mockBudget{}
	j := &journal{}
	source := newMockQueue("source", j)
	source.push(delivery("m-1", 1, `{}`))
	metrics := newMockRecorder()

	p, err := NewPoller(testPollerConfig(3), Deps{
		Source:     source,
		DeadLetter: newMockQueue("dlq", j),
		Sink:       newMockProcessor(nil),
		Budget:     budget,
		Clock:      clockwork.NewFakeClock(),
		Metrics:    metrics,
	})
	require.NoError(t, err)

	require.NoError(t, p.PollOnce(context.Background()))
	assert.Equal(t, 0, source.getReceiveCalls())
	assert.Equal(t, uint64(1), p.Stats().Skipped)
	assert.False(t, p.Ready())
	assert.Equal(t, 1, metrics.skipped)

	budget.allow.Store(true)
	require.NoError(t, p.PollOnce(context.Background()))
	assert.Equal(t, 1, source.getReceiveCalls())
	assert.Equal(t, []string{"source.delete m-1-r1"}, j.list())
}

func TestPoller_PollOnceReceiveError(t *testing.T) {
	proc := newMockProcessor(nil)
	f := newPollerFixture(t, testPollerConfig(3), proc)
	f.source.receiveErr = errors.New("network unreachable")

	err := f.poller.PollOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.CodeQueueReceive, failure.CodeOf(err))
	assert.Equal(t, int32(0), proc.calls.Load())

	stats := f.poller.Stats()
	assert.Equal(t, uint64(1), stats.ReceiveErrors)
	assert.False(t, stats.Ready)
	assert.Contains(t, stats.LastError, "network unreachable")
	assert.Equal(t, 1, f.metrics.receiveErrors)
}

func TestPoller_InFlightMessagesSurviveCancellation(t *testing.T) {
	proc := &mockProcessor{processFunc: func(ctx context.Context, msg queue.Message) error {
		return ctx.Err()
	}}
	f := newPollerFixture(t, testPollerConfig(3), proc)
	f.source.push(delivery("m-1", 1, `{}`))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.poller.PollOnce(ctx))
	assert.Equal(t, []string{"m-1-r1"}, f.source.getDeleted())
}

func TestPoller_ConcurrentFailuresOfSameMessage(t *testing.T) {
	cfg := testPollerConfig(100)
	cfg.Workers = 8
	cfg.MaxMessages = 50
	f := newPollerFixture(t, cfg, newMockProcessor(errors.New("boom")))

	var batch []queue.Message
	for i := 1; i <= 50; i++ {
		batch = append(batch, delivery("dup", i, `{}`))
	}
	f.source.push(batch...)

	require.NoError(t, f.poller.PollOnce(context.Background()))
	assert.Equal(t, 50, f.tracker.Count("dup"))
	assert.Len(t, f.source.getVisibility(), 50)
}

func TestPoller_Run(t *testing.T) {
	f := newPollerFixture(t, testPollerConfig(3), newMockProcessor(nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.poller.Run(ctx) }()

	assert.Eventually(t, func() bool { return f.source.getReceiveCalls() == 1 }, time.Second, 5*time.Millisecond,
		"first cycle runs immediately")

	for want := 2; want <= 4; want++ {
		f.clock.Advance(time.Second)
		assert.Eventually(t, func() bool { return f.source.getReceiveCalls() == want }, time.Second, 5*time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestDeadLetterReason(t *testing.T) {
	err := failure.New(failure.KindConnection, failure.CodeSinkConnection, "message m-1", errors.New("refused"))

	assert.Equal(t, "exceeded maximum retry attempts: [API-4001] failed to connect to sink - message m-1: refused",
		deadLetterReason(err, false))
	assert.True(t, strings.HasPrefix(deadLetterReason(err, true), "non-retryable failure: "))
}
