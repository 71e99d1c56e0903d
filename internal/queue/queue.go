// Package queue holds the per-chat FIFO message queue: the in-memory
// accumulation stage between the inbound webhook and the dispatch bus. It
// owns no transport; it hands a completed batch to an injected Publisher
// and moves on, so enqueue never blocks on dispatch I/O.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nordja/convobridge/internal/contextmgr"
	"github.com/nordja/convobridge/internal/metrics"
	"github.com/nordja/convobridge/internal/models"
)

// Publisher is the seam between the queue and the dispatch bus. The
// dispatch producer satisfies this interface; QueueMap never imports
// internal/dispatch directly to avoid a cycle.
type Publisher interface {
	Publish(ctx context.Context, envelope models.DispatchEnvelope) error
}

// Config bounds queue behavior, sourced from internal/config.
type Config struct {
	SchedulerInterval time.Duration
	ContextConfig     contextmgr.Config
}

// EnqueueOutcome reports what Enqueue did, for handler-level logging and
// metrics; callers never branch on Reason beyond observability.
type EnqueueOutcome struct {
	Flushed    bool
	Reason     string
	QueueDepth int
}

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	ActiveChats int
	TotalQueued int
}

type chatEntry struct {
	mu    sync.Mutex
	queue models.ChatQueue
}

// QueueMap is the concurrent map of per-chat queues. A chat_id key exists
// in the map only while its queue is non-empty; cross-chat operations
// proceed in parallel, a single chat's operations are strictly serialized
// through its own entry mutex.
type QueueMap struct {
	mapMu  sync.RWMutex
	chats  map[string]*chatEntry
	cfg    Config
	pub    Publisher
	logger *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a QueueMap. pub is invoked from a detached goroutine
// whenever a chat's queue flushes; it must not be nil.
func New(cfg Config, pub Publisher, logger *zap.Logger) *QueueMap {
	return &QueueMap{
		chats:  make(map[string]*chatEntry),
		cfg:    cfg,
		pub:    pub,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Enqueue appends payload to chatID's queue, evaluates the Smart Context
// Manager, and — if it calls for an immediate flush — drains the queue and
// hands the resulting envelope to the Publisher on a detached goroutine.
// Enqueue itself never performs I/O and never blocks on the Publisher.
func (q *QueueMap) Enqueue(chatID string, payload models.Payload, now time.Time) (EnqueueOutcome, error) {
	if chatID == "" {
		return EnqueueOutcome{}, errors.New("chat id is required")
	}
	if err := payload.Validate(); err != nil {
		return EnqueueOutcome{}, errors.Wrap(err, "invalid payload")
	}

	entry := q.lockCurrentEntry(chatID)

	entry.queue.Append(models.QueuedMessage{ChatID: chatID, ArrivalTime: now, Payload: payload})
	decision := contextmgr.Decide(entry.queue.Snapshot(), now, q.cfg.ContextConfig)

	outcome := EnqueueOutcome{QueueDepth: entry.queue.MessageCount(), Reason: decision.Reason}

	if !decision.IsProcessNow() {
		entry.mu.Unlock()
		q.recordStats()
		return outcome, nil
	}

	batch := entry.queue.Snapshot()
	entry.queue = models.ChatQueue{}
	entry.mu.Unlock()
	q.removeIfEmpty(chatID)

	outcome.Flushed = true
	metrics.FlushTotal.WithLabelValues(decision.Reason).Inc()
	q.dispatchBatch(chatID, batch, now)
	q.recordStats()
	return outcome, nil
}

// StartScheduler launches the background ticker that flushes chats whose
// silence or age thresholds elapsed without a new arrival to trigger
// Enqueue's inline check. Call Stop to shut it down.
func (q *QueueMap) StartScheduler() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.cfg.SchedulerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.sweep(time.Now())
			case <-q.stopCh:
				return
			}
		}
	}()
}

// Stop halts the scheduler and waits for it to exit. Queued-but-not-yet-
// flushed messages remain in memory; draining them across a process
// restart is out of scope.
func (q *QueueMap) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

func (q *QueueMap) sweep(now time.Time) {
	q.mapMu.RLock()
	chatIDs := make([]string, 0, len(q.chats))
	for id := range q.chats {
		chatIDs = append(chatIDs, id)
	}
	q.mapMu.RUnlock()

	for _, chatID := range chatIDs {
		q.sweepOne(chatID, now)
	}
}

func (q *QueueMap) sweepOne(chatID string, now time.Time) {
	q.mapMu.RLock()
	entry, ok := q.chats[chatID]
	q.mapMu.RUnlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	if entry.queue.MessageCount() == 0 {
		entry.mu.Unlock()
		return
	}
	decision := contextmgr.Decide(entry.queue.Snapshot(), now, q.cfg.ContextConfig)
	if !decision.IsProcessNow() {
		entry.mu.Unlock()
		return
	}
	batch := entry.queue.Snapshot()
	entry.queue = models.ChatQueue{}
	entry.mu.Unlock()
	q.removeIfEmpty(chatID)

	q.dispatchBatch(chatID, batch, now)
}

// dispatchBatch builds the envelope and hands it to the Publisher on a
// detached goroutine. A publish failure is dropped with a prominent error
// log; there is no in-memory retry queue.
func (q *QueueMap) dispatchBatch(chatID string, batch []models.QueuedMessage, now time.Time) {
	envelope := models.NewDispatchEnvelope(chatID, batch, now)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := q.pub.Publish(ctx, envelope); err != nil {
			q.logger.Error("failed to publish dispatch envelope; batch dropped",
				zap.String("chat_id", chatID),
				zap.String("envelope_id", envelope.EnvelopeID),
				zap.Int("message_count", len(batch)),
				zap.Error(err))
		}
	}()
}

func (q *QueueMap) getOrCreateEntry(chatID string) *chatEntry {
	q.mapMu.RLock()
	entry, ok := q.chats[chatID]
	q.mapMu.RUnlock()
	if ok {
		return entry
	}

	q.mapMu.Lock()
	defer q.mapMu.Unlock()
	entry, ok = q.chats[chatID]
	if ok {
		return entry
	}
	entry = &chatEntry{}
	q.chats[chatID] = entry
	return entry
}

// lockCurrentEntry returns chatID's entry locked, guaranteeing the entry is
// still the one registered in q.chats at the moment the lock is held. A
// concurrent sweepOne can drain and remove an entry between getOrCreateEntry
// returning it and the caller acquiring entry.mu; without this recheck an
// append could land in a detached entry the scheduler will never see again.
func (q *QueueMap) lockCurrentEntry(chatID string) *chatEntry {
	for {
		entry := q.getOrCreateEntry(chatID)
		entry.mu.Lock()

		q.mapMu.RLock()
		current, ok := q.chats[chatID]
		q.mapMu.RUnlock()

		if ok && current == entry {
			return entry
		}
		entry.mu.Unlock()
	}
}

func (q *QueueMap) removeIfEmpty(chatID string) {
	q.mapMu.Lock()
	defer q.mapMu.Unlock()
	entry, ok := q.chats[chatID]
	if !ok {
		return
	}
	entry.mu.Lock()
	empty := entry.queue.MessageCount() == 0
	entry.mu.Unlock()
	if empty {
		delete(q.chats, chatID)
	}
}

// recordStats publishes the current occupancy snapshot to Prometheus.
func (q *QueueMap) recordStats() {
	stats := q.Stats()
	metrics.QueueDepth.Set(float64(stats.TotalQueued))
	metrics.QueueActiveChats.Set(float64(stats.ActiveChats))
}

// Stats reports current occupancy across all chats.
func (q *QueueMap) Stats() Stats {
	q.mapMu.RLock()
	defer q.mapMu.RUnlock()

	stats := Stats{ActiveChats: len(q.chats)}
	for _, entry := range q.chats {
		entry.mu.Lock()
		stats.TotalQueued += entry.queue.MessageCount()
		entry.mu.Unlock()
	}
	return stats
}
