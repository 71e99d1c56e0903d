package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nordja/convobridge/internal/contextmgr"
	"github.com/nordja/convobridge/internal/models"
)

type fakePublisher struct {
	mu        sync.Mutex
	envelopes []models.DispatchEnvelope
	published chan struct{}
}

func newFakePublisher(n int) *fakePublisher {
	return &fakePublisher{published: make(chan struct{}, n)}
}

func (p *fakePublisher) Publish(ctx context.Context, envelope models.DispatchEnvelope) error {
	p.mu.Lock()
	p.envelopes = append(p.envelopes, envelope)
	p.mu.Unlock()
	p.published <- struct{}{}
	return nil
}

func (p *fakePublisher) waitN(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-p.published:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for publish %d/%d", i+1, n)
		}
	}
}

func testQueueConfig() Config {
	return Config{
		SchedulerInterval: time.Hour,
		ContextConfig: contextmgr.Config{
			MaxMessagesPerChat:      8,
			MaxWaitSeconds:          180,
			SilenceThresholdSeconds: 180,
			ClosureMarkers:          []string{"thanks"},
			TopicShiftThreshold:     0.2,
			MinSubstantiveWords:     4,
		},
	}
}

func payloadAt(text string) models.Payload {
	return models.Payload{SenderID: "u1", Text: text}
}

func TestEnqueue_CountThresholdFlushesExactlyNInOrder(t *testing.T) {
	pub := newFakePublisher(1)
	q := New(testQueueConfig(), pub, zap.NewNop())

	base := time.Unix(0, 0)
	for i := 0; i < 8; i++ {
		_, err := q.Enqueue("A", payloadAt("msg"), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	pub.waitN(t, 1)
	require.Len(t, pub.envelopes, 1)

	env := pub.envelopes[0]
	assert.Len(t, env.RawPayloads, 8)
	assert.Equal(t, "A", env.ChatID)
}

func TestEnqueue_BoundaryOneBelowThresholdDoesNotFlush(t *testing.T) {
	pub := newFakePublisher(1)
	q := New(testQueueConfig(), pub, zap.NewNop())

	base := time.Unix(0, 0)
	for i := 0; i < 7; i++ {
		outcome, err := q.Enqueue("A", payloadAt("msg"), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.False(t, outcome.Flushed)
	}

	stats := q.Stats()
	assert.Equal(t, 1, stats.ActiveChats)
	assert.Equal(t, 7, stats.TotalQueued)

	outcome, err := q.Enqueue("A", payloadAt("msg"), base.Add(7*time.Second))
	require.NoError(t, err)
	assert.True(t, outcome.Flushed)
	pub.waitN(t, 1)
}

func TestEnqueue_PerChatOrderingPreservedAcrossInterleaving(t *testing.T) {
	pub := newFakePublisher(2)
	q := New(testQueueConfig(), pub, zap.NewNop())

	base := time.Unix(0, 0)
	for i := 0; i < 8; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		_, err := q.Enqueue("A", payloadAt("a"+string(rune('0'+i))), at)
		require.NoError(t, err)
		_, err = q.Enqueue("B", payloadAt("b"+string(rune('0'+i))), at)
		require.NoError(t, err)
	}

	pub.waitN(t, 2)

	var chatA, chatB models.DispatchEnvelope
	for _, env := range pub.envelopes {
		switch env.ChatID {
		case "A":
			chatA = env
		case "B":
			chatB = env
		}
	}

	require.Len(t, chatA.RawPayloads, 8)
	require.Len(t, chatB.RawPayloads, 8)
	for i := 0; i < 8; i++ {
		assert.Equal(t, "a"+string(rune('0'+i)), chatA.RawPayloads[i].Text)
		assert.Equal(t, "b"+string(rune('0'+i)), chatB.RawPayloads[i].Text)
	}
}

func TestEnqueue_ClosureFlushesSynchronouslyWithAllMessages(t *testing.T) {
	pub := newFakePublisher(1)
	q := New(testQueueConfig(), pub, zap.NewNop())

	base := time.Unix(0, 0)
	_, err := q.Enqueue("C", payloadAt("I need a report."), base)
	require.NoError(t, err)
	outcome, err := q.Enqueue("C", payloadAt("Thanks."), base.Add(5*time.Second))
	require.NoError(t, err)

	assert.True(t, outcome.Flushed)
	assert.Equal(t, "closure_signal", outcome.Reason)

	pub.waitN(t, 1)
	assert.Len(t, pub.envelopes[0].RawPayloads, 2)

	stats := q.Stats()
	assert.Equal(t, 0, stats.ActiveChats)
}

func TestEnqueue_RejectsMissingChatID(t *testing.T) {
	pub := newFakePublisher(0)
	q := New(testQueueConfig(), pub, zap.NewNop())

	_, err := q.Enqueue("", payloadAt("hi"), time.Now())
	assert.Error(t, err)
}

func TestSweep_AgeTriggeredFlushWithoutNewArrival(t *testing.T) {
	pub := newFakePublisher(1)
	q := New(testQueueConfig(), pub, zap.NewNop())

	base := time.Unix(0, 0)
	_, err := q.Enqueue("B", payloadAt("hello"), base)
	require.NoError(t, err)

	q.sweep(base.Add(179 * time.Second))
	select {
	case <-pub.published:
		t.Fatal("expected no flush before max wait elapses")
	case <-time.After(50 * time.Millisecond):
	}

	q.sweep(base.Add(180 * time.Second))
	pub.waitN(t, 1)
	assert.Len(t, pub.envelopes[0].RawPayloads, 1)
}
