// Package dispatch implements the producer and consumer halves of the
// dispatch pipeline: publishing drained batches to a durable Redis Streams
// bus, and consuming them through classification, destination resolution,
// duplicate detection, and an idempotent task-service write.
package dispatch

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nordja/convobridge/internal/config"
	"github.com/nordja/convobridge/internal/models"
)

// Producer publishes dispatch envelopes onto the Redis stream, the
// internal/queue.Publisher and internal/mediarouter.Publisher
// implementation.
type Producer struct {
	client  *redis.Client
	cfg     config.DispatchConfig
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewProducer builds a Producer against an already-connected client.
func NewProducer(client *redis.Client, cfg config.DispatchConfig, logger *zap.Logger) *Producer {
	cbSettings := gobreaker.Settings{
		Name:        "dispatch-producer",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("dispatch producer circuit breaker state change",
					zap.String("from", from.String()), zap.String("to", to.String()))
			}
		},
	}

	return &Producer{
		client:  client,
		cfg:     cfg,
		breaker: gobreaker.NewCircuitBreaker(cbSettings),
		logger:  logger,
	}
}

// Publish serializes envelope and XADDs it to the primary stream, retrying
// with exponential backoff up to cfg.PublishMaxAttempts times through a
// circuit breaker.
func (p *Producer) Publish(ctx context.Context, envelope models.DispatchEnvelope) error {
	data, err := envelope.Serialize()
	if err != nil {
		return errors.Wrap(err, "failed to serialize envelope for publish")
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.PublishMaxAttempts; attempt++ {
		_, err := p.breaker.Execute(func() (interface{}, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishAttemptTimeout)
			defer cancel()
			return nil, p.client.XAdd(attemptCtx, &redis.XAddArgs{
				Stream: p.cfg.StreamName,
				Values: map[string]interface{}{"envelope": data},
			}).Err()
		})
		if err == nil {
			if p.logger != nil {
				p.logger.Info("dispatch envelope published",
					zap.String("envelope_id", envelope.EnvelopeID),
					zap.String("chat_id", envelope.ChatID))
			}
			return nil
		}
		lastErr = err
		if attempt < p.cfg.PublishMaxAttempts-1 {
			backoff := p.cfg.PublishBaseBackoff * time.Duration(1<<uint(attempt))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return errors.Wrap(lastErr, "failed to publish dispatch envelope after retries")
}

// ReplayDeadLetter re-publishes a dead-lettered entry to the primary
// stream for manual operator recovery, then removes it from the
// dead-letter stream.
func (p *Producer) ReplayDeadLetter(ctx context.Context, deadLetterEntryID string) error {
	msgs, err := p.client.XRange(ctx, p.cfg.DeadLetterStream, deadLetterEntryID, deadLetterEntryID).Result()
	if err != nil {
		return errors.Wrap(err, "failed to read dead letter entry")
	}
	if len(msgs) == 0 {
		return errors.Errorf("dead letter entry %s not found", deadLetterEntryID)
	}

	envelopeRaw, ok := msgs[0].Values["envelope"].(string)
	if !ok {
		return errors.Errorf("dead letter entry %s missing envelope field", deadLetterEntryID)
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.cfg.StreamName,
		Values: map[string]interface{}{"envelope": envelopeRaw},
	}).Err(); err != nil {
		return errors.Wrap(err, "failed to re-publish dead letter entry")
	}

	return p.client.XDel(ctx, p.cfg.DeadLetterStream, deadLetterEntryID).Err()
}
