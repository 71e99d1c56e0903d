package mediarouter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordja/convobridge/internal/models"
	"github.com/nordja/convobridge/internal/queue"
)

type fakeTranscriber struct {
	text string
	err  error
}

func (f fakeTranscriber) Transcribe(context.Context, string) (string, error) { return f.text, f.err }

type fakePublisher struct {
	published []models.DispatchEnvelope
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, envelope models.DispatchEnvelope) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, envelope)
	return nil
}

type fakeEnqueuer struct {
	calls int
}

func (f *fakeEnqueuer) Enqueue(chatID string, payload models.Payload, now time.Time) (queue.EnqueueOutcome, error) {
	f.calls++
	return queue.EnqueueOutcome{}, nil
}

func audioPayload() models.Payload {
	return models.Payload{
		SenderID:    "u1",
		MessageType: "audio",
		Media:       &models.MediaReference{URL: "https://media.example/a.ogg", MediaType: "audio/ogg"},
	}
}

func TestRoute_SuccessfulTranscriptionBypassesQueue(t *testing.T) {
	pub := &fakePublisher{}
	enq := &fakeEnqueuer{}
	r := New(fakeTranscriber{text: "please call me back"}, pub, enq, nil, nil)

	err := r.Route(context.Background(), "chat-1", audioPayload(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, enq.calls, "successful transcription must not touch the queue")
	require.Len(t, pub.published, 1)
	assert.Equal(t, "please call me back", pub.published[0].RawPayloads[0].TranscriptionText)
	assert.True(t, pub.published[0].RawPayloads[0].Annotated)
}

func TestRoute_TranscriptionFailureFallsBackToQueue(t *testing.T) {
	pub := &fakePublisher{}
	enq := &fakeEnqueuer{}
	r := New(fakeTranscriber{err: assert.AnError}, pub, enq, nil, nil)

	err := r.Route(context.Background(), "chat-1", audioPayload(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, enq.calls)
	assert.Empty(t, pub.published)
}

func TestRoute_PublishFailureFallsBackToQueue(t *testing.T) {
	pub := &fakePublisher{err: assert.AnError}
	enq := &fakeEnqueuer{}
	r := New(fakeTranscriber{text: "hello"}, pub, enq, nil, nil)

	err := r.Route(context.Background(), "chat-1", audioPayload(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, enq.calls)
}
