package dispatch

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nordja/convobridge/internal/config"
	"github.com/nordja/convobridge/internal/duplicate"
	"github.com/nordja/convobridge/internal/faults"
	"github.com/nordja/convobridge/internal/metrics"
	"github.com/nordja/convobridge/internal/models"
	"github.com/nordja/convobridge/pkg/classifier"
	"github.com/nordja/convobridge/pkg/taskservice"
)

// Resolver maps a sender's display name to a destination list id
// (internal/resolver.Resolver satisfies this).
type Resolver interface {
	Resolve(ctx context.Context, senderName string, now time.Time) (string, error)
}

// AuditStore records which envelope produced which task. Redelivery of an
// already-processed envelope is not short-circuited here: it runs the full
// pipeline again, and the duplicate-detection rules are what make a second
// delivery append a comment to the original task rather than create a
// second one. RecordProcessed's unique constraint on envelope_id makes the
// ledger write itself idempotent across redeliveries.
type AuditStore interface {
	RecordProcessed(ctx context.Context, envelopeID, chatID, taskID string, processedAt time.Time) error
}

// Consumer reads envelopes off the dispatch stream and drives them through
// classification, resolution, duplicate detection, and the idempotent
// task-service write.
type Consumer struct {
	client     *redis.Client
	cfg        config.DispatchConfig
	dupCfg     duplicate.Config
	resolver   Resolver
	classifier classifier.Client
	taskSink   taskservice.Client
	audit      AuditStore
	logger     *zap.Logger
}

// NewConsumer builds a Consumer.
func NewConsumer(
	client *redis.Client,
	cfg config.DispatchConfig,
	dupCfg duplicate.Config,
	resolver Resolver,
	classifierClient classifier.Client,
	taskSink taskservice.Client,
	audit AuditStore,
	logger *zap.Logger,
) *Consumer {
	return &Consumer{
		client:     client,
		cfg:        cfg,
		dupCfg:     dupCfg,
		resolver:   resolver,
		classifier: classifierClient,
		taskSink:   taskSink,
		audit:      audit,
		logger:     logger,
	}
}

// EnsureGroup creates the consumer group at the tail of the stream if it
// does not already exist.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.StreamName, c.cfg.ConsumerGroup, "$").Err()
	if err != nil && !isBusyGroupErr(err) {
		return errors.Wrap(err, "failed to create consumer group")
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// Run blocks, reading and processing envelopes until ctx is canceled. It
// is meant to run on its own goroutine from cmd/server.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.ConsumerGroup,
			Consumer: c.cfg.ConsumerName,
			Streams:  []string{c.cfg.StreamName, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			if c.logger != nil {
				c.logger.Error("dispatch consumer read failed", zap.Error(err))
			}
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.handle(ctx, msg)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) {
	deadline, cancel := context.WithTimeout(ctx, c.cfg.ConsumeOverallDeadline)
	defer cancel()

	err := c.process(deadline, msg)
	if err == nil {
		metrics.DispatchOutcomeTotal.WithLabelValues("processed").Inc()
		c.ack(ctx, msg.ID)
		return
	}

	if faults.ClassificationOf(err) == faults.Permanent {
		if c.logger != nil {
			c.logger.Error("poison dispatch message; moving to dead letter",
				zap.String("message_id", msg.ID), zap.Error(err))
		}
		metrics.DispatchOutcomeTotal.WithLabelValues("dead_letter").Inc()
		c.deadLetter(ctx, msg)
		return
	}

	delivered := c.deliveryCount(ctx, msg.ID)
	if delivered >= c.cfg.ConsumeMaxRedeliveries {
		if c.logger != nil {
			c.logger.Error("dispatch message exceeded max redeliveries; moving to dead letter",
				zap.String("message_id", msg.ID), zap.Int("deliveries", delivered), zap.Error(err))
		}
		metrics.DispatchOutcomeTotal.WithLabelValues("dead_letter").Inc()
		c.deadLetter(ctx, msg)
		return
	}

	metrics.DispatchOutcomeTotal.WithLabelValues("redelivery").Inc()
	if c.logger != nil {
		c.logger.Warn("dispatch message processing failed; will be redelivered",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
	// Left unacked: XPENDING + XCLAIM/XAUTOCLAIM machinery (run by the
	// consumer group tooling, or a peer consumer after claim_min_idle_time)
	// will redeliver it.
}

// process runs the full business pipeline for one envelope.
func (c *Consumer) process(ctx context.Context, msg redis.XMessage) error {
	raw, ok := msg.Values["envelope"].(string)
	if !ok {
		return faults.Wrap(faults.Permanent, errors.New("dispatch message missing envelope field"))
	}

	envelope, err := models.DeserializeEnvelope([]byte(raw))
	if err != nil {
		return faults.Wrap(faults.Permanent, err)
	}

	now := time.Now()
	text := envelope.AggregatedText()
	senderName := ""
	if len(envelope.RawPayloads) > 0 {
		senderName = envelope.RawPayloads[len(envelope.RawPayloads)-1].SenderName
	}

	listID, err := c.resolver.Resolve(ctx, senderName, now)
	if err != nil {
		return faults.Wrap(faults.Transient, errors.Wrap(err, "destination resolution failed"))
	}

	result, err := c.classifier.Classify(ctx, text)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("classification failed; falling back to unclassified",
				zap.String("envelope_id", envelope.EnvelopeID), zap.Error(err))
		}
		result = classifier.Result{Category: "unclassified", Subcategory: "unclassified"}
	}

	horizonHours := c.dupCfg.WindowHours
	if c.dupCfg.AsNeededElapsedHours > horizonHours {
		horizonHours = c.dupCfg.AsNeededElapsedHours
	}
	since := now.Add(-time.Duration(horizonHours) * time.Hour)
	recent, err := c.taskSink.RecentTasks(ctx, listID, since)
	if err != nil {
		return faults.Wrap(faults.Transient, errors.Wrap(err, "failed to fetch recent tasks for duplicate check"))
	}

	existing := make([]duplicate.ExistingTask, len(recent))
	for i, t := range recent {
		existing[i] = duplicate.ExistingTask{
			TaskID:      t.ID,
			Category:    t.Category,
			Subcategory: t.Subcategory,
			Text:        t.Description,
			CreatedAt:   t.CreatedAt,

			MonthReference:  t.MonthReference,
			BeneficiaryName: t.BeneficiaryName,
			ServiceID:       t.ServiceID,
			DateMentioned:   t.DateMentioned,
			NamedParty:      t.NamedParty,
		}
	}

	verdict := duplicate.Evaluate(duplicate.Candidate{
		Category:    result.Category,
		Subcategory: result.Subcategory,
		Text:        text,
		CreatedAt:   now,

		MonthReference:  result.MonthReference,
		BeneficiaryName: result.BeneficiaryName,
		ServiceID:       result.ServiceID,
		DateMentioned:   result.DateMentioned,
		NamedParty:      result.NamedParty,
	}, existing, now, c.dupCfg)
	metrics.DuplicateVerdictTotal.WithLabelValues(boolLabel(verdict.IsDuplicate), verdict.Reason).Inc()

	var taskID string
	if verdict.IsDuplicate {
		if err := c.taskSink.AppendComment(ctx, verdict.MatchedTaskID, text); err != nil {
			return faults.Wrap(faults.Transient, errors.Wrap(err, "failed to append duplicate comment"))
		}
		taskID = verdict.MatchedTaskID
	} else {
		taskID, err = c.taskSink.CreateTask(ctx, listID, taskservice.Task{
			Title:       firstLine(text),
			Description: text,
			Category:    result.Category,
			Subcategory: result.Subcategory,
			CreatedAt:   now,

			MonthReference:  result.MonthReference,
			BeneficiaryName: result.BeneficiaryName,
			ServiceID:       result.ServiceID,
			DateMentioned:   result.DateMentioned,
			NamedParty:      result.NamedParty,
		})
		if err != nil {
			return faults.Wrap(faults.Transient, errors.Wrap(err, "failed to create task"))
		}
	}

	if err := c.audit.RecordProcessed(ctx, envelope.EnvelopeID, envelope.ChatID, taskID, now); err != nil {
		return faults.Wrap(faults.Transient, errors.Wrap(err, "failed to record dispatch audit"))
	}

	return nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func firstLine(text string) string {
	for i, r := range text {
		if r == '\n' {
			return text[:i]
		}
	}
	if len(text) > 120 {
		return text[:120]
	}
	return text
}

func (c *Consumer) ack(ctx context.Context, messageID string) {
	if err := c.client.XAck(ctx, c.cfg.StreamName, c.cfg.ConsumerGroup, messageID).Err(); err != nil && c.logger != nil {
		c.logger.Error("failed to ack dispatch message", zap.String("message_id", messageID), zap.Error(err))
	}
}

func (c *Consumer) deliveryCount(ctx context.Context, messageID string) int {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.StreamName,
		Group:  c.cfg.ConsumerGroup,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}
	return int(pending[0].RetryCount)
}

func (c *Consumer) deadLetter(ctx context.Context, msg redis.XMessage) {
	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DeadLetterStream,
		Values: msg.Values,
	}).Err(); err != nil && c.logger != nil {
		c.logger.Error("failed to write dead letter entry", zap.String("message_id", msg.ID), zap.Error(err))
	}
	c.ack(ctx, msg.ID)
}

// ReclaimStale claims messages idle longer than cfg.ClaimMinIdleTime from
// crashed or stalled consumers so they re-enter processing instead of
// waiting forever on a dead consumer.
func (c *Consumer) ReclaimStale(ctx context.Context) error {
	claimed, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.cfg.StreamName,
		Group:    c.cfg.ConsumerGroup,
		Consumer: c.cfg.ConsumerName,
		MinIdle:  c.cfg.ClaimMinIdleTime,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil && err != redis.Nil {
		return errors.Wrap(err, "failed to reclaim stale dispatch messages")
	}
	for _, msg := range claimed {
		c.handle(ctx, msg)
	}
	return nil
}
