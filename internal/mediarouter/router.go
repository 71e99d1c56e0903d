// Package mediarouter implements the Fast-Path Media Router: it
// transcribes inbound audio and, on success, bypasses the per-chat queue
// entirely and publishes a synthetic single-message envelope straight to
// the dispatch bus. On transcription failure it falls back to the normal
// queue path so the raw media reference is never dropped.
package mediarouter

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nordja/convobridge/internal/models"
	"github.com/nordja/convobridge/internal/queue"
)

// Publisher is the dispatch bus seam, the same one internal/queue.Publisher
// describes, kept as a separate interface so this package doesn't couple
// its fast-path publish to the queue's own Publish call sites.
type Publisher interface {
	Publish(ctx context.Context, envelope models.DispatchEnvelope) error
}

// Enqueuer is the normal per-chat queue fallback path.
type Enqueuer interface {
	Enqueue(chatID string, payload models.Payload, now time.Time) (queue.EnqueueOutcome, error)
}

// Transcriber converts a media reference into text.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaURL string) (string, error)
}

// AnnotationSink is a best-effort notification that a piece of media was
// transcribed. Its error is logged and otherwise ignored: it must never
// block or fail the fast-path decision.
type AnnotationSink interface {
	Annotate(ctx context.Context, chatID string, payload models.Payload) error
}

// NoopAnnotationSink satisfies AnnotationSink when no annotation
// collaborator is configured.
type NoopAnnotationSink struct{}

// Annotate does nothing.
func (NoopAnnotationSink) Annotate(context.Context, string, models.Payload) error { return nil }

// Router is the Fast-Path Media Router.
type Router struct {
	transcriber Transcriber
	publisher   Publisher
	enqueuer    Enqueuer
	annotator   AnnotationSink
	logger      *zap.Logger
}

// New builds a Router. annotator may be NoopAnnotationSink{}.
func New(transcriber Transcriber, publisher Publisher, enqueuer Enqueuer, annotator AnnotationSink, logger *zap.Logger) *Router {
	if annotator == nil {
		annotator = NoopAnnotationSink{}
	}
	return &Router{
		transcriber: transcriber,
		publisher:   publisher,
		enqueuer:    enqueuer,
		annotator:   annotator,
		logger:      logger,
	}
}

// Route handles a single audio message. It is the sole entry point the
// webhook handler uses for audio payloads; every other message type goes
// straight to the queue. The router only ever sees audio.
func (r *Router) Route(ctx context.Context, chatID string, payload models.Payload, now time.Time) error {
	if payload.Media == nil {
		return r.fallbackToQueue(chatID, payload, now)
	}

	text, err := r.transcriber.Transcribe(ctx, payload.Media.URL)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("transcription failed; falling back to queue",
				zap.String("chat_id", chatID), zap.Error(err))
		}
		return r.fallbackToQueue(chatID, payload, now)
	}

	payload.TranscriptionText = text
	payload.Annotated = true

	if annotateErr := r.annotator.Annotate(ctx, chatID, payload); annotateErr != nil && r.logger != nil {
		r.logger.Warn("annotation sink call failed; continuing regardless",
			zap.String("chat_id", chatID), zap.Error(annotateErr))
	}

	envelope := models.NewDispatchEnvelope(chatID, []models.QueuedMessage{
		{ChatID: chatID, ArrivalTime: now, Payload: payload},
	}, now)

	if err := r.publisher.Publish(ctx, envelope); err != nil {
		if r.logger != nil {
			r.logger.Error("fast-path publish failed; falling back to queue",
				zap.String("chat_id", chatID), zap.String("envelope_id", envelope.EnvelopeID), zap.Error(err))
		}
		return r.fallbackToQueue(chatID, payload, now)
	}

	return nil
}

func (r *Router) fallbackToQueue(chatID string, payload models.Payload, now time.Time) error {
	_, err := r.enqueuer.Enqueue(chatID, payload, now)
	return err
}
