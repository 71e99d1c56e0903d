package contextmgr

import (
	"testing"
	"time"

	"github.com/nordja/convobridge/internal/models"
	"github.com/stretchr/testify/assert"
)

func testConfig() Config {
	return Config{
		MaxMessagesPerChat:      8,
		MaxWaitSeconds:          180,
		SilenceThresholdSeconds: 180,
		ClosureMarkers:          []string{"thanks", "obrigado", "that's all"},
		TopicShiftThreshold:     0.2,
		MinSubstantiveWords:     4,
	}
}

func msgAt(t time.Time, text string) models.QueuedMessage {
	return models.QueuedMessage{
		ChatID:      "chat-1",
		ArrivalTime: t,
		Payload:     models.Payload{SenderID: "u1", Text: text},
	}
}

func TestDecide_EmptyQueueWaits(t *testing.T) {
	d := Decide(nil, time.Now(), testConfig())
	assert.False(t, d.IsProcessNow())
	assert.Equal(t, "empty_queue", d.Reason)
}

func TestDecide_CountThreshold(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	var msgs []models.QueuedMessage
	for i := 0; i < cfg.MaxMessagesPerChat-1; i++ {
		msgs = append(msgs, msgAt(base.Add(time.Duration(i)*time.Second), "hello there"))
	}
	d := Decide(msgs, base.Add(5*time.Second), cfg)
	assert.False(t, d.IsProcessNow(), "one below threshold must wait")

	msgs = append(msgs, msgAt(base.Add(time.Duration(len(msgs))*time.Second), "hello there"))
	d = Decide(msgs, base.Add(6*time.Second), cfg)
	assert.True(t, d.IsProcessNow())
	assert.Equal(t, "count_threshold", d.Reason)
}

func TestDecide_AgeThreshold(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	msgs := []models.QueuedMessage{msgAt(base, "hi")}

	d := Decide(msgs, base.Add(time.Duration(cfg.MaxWaitSeconds-1)*time.Second), cfg)
	assert.False(t, d.IsProcessNow(), "one second below age threshold must wait")

	d = Decide(msgs, base.Add(time.Duration(cfg.MaxWaitSeconds)*time.Second), cfg)
	assert.True(t, d.IsProcessNow())
	assert.Equal(t, "age_threshold", d.Reason)
}

func TestDecide_ClosureSignal(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	msgs := []models.QueuedMessage{
		msgAt(base, "can you look into the invoice"),
		msgAt(base.Add(time.Second), "Obrigado!"),
	}
	d := Decide(msgs, base.Add(2*time.Second), cfg)
	assert.True(t, d.IsProcessNow())
	assert.Equal(t, "closure_signal", d.Reason)
}

func TestDecide_SilenceThreshold(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	// Below MaxWaitSeconds, so the age rule (evaluated first) stays quiet.
	cfg.SilenceThresholdSeconds = 120
	msgs := []models.QueuedMessage{msgAt(base, "one moment please")}

	now := base.Add(time.Duration(cfg.SilenceThresholdSeconds-1) * time.Second)
	d := Decide(msgs, now, cfg)
	assert.False(t, d.IsProcessNow())

	now = base.Add(time.Duration(cfg.SilenceThresholdSeconds) * time.Second)
	d = Decide(msgs, now, cfg)
	assert.True(t, d.IsProcessNow())
	assert.Equal(t, "silence_threshold", d.Reason)
}

func TestDecide_TopicShiftOnSubstantiveMessage(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	msgs := []models.QueuedMessage{
		msgAt(base, "can you update the invoice total"),
		msgAt(base.Add(time.Second), "completely unrelated kitchen renovation estimate request"),
	}
	d := Decide(msgs, base.Add(2*time.Second), cfg)
	assert.True(t, d.IsProcessNow())
	assert.Equal(t, "topic_shift", d.Reason)
}

func TestDecide_ShortFollowUpDoesNotTriggerTopicShift(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	msgs := []models.QueuedMessage{
		msgAt(base, "can you update the invoice total"),
		msgAt(base.Add(time.Second), "also"),
	}
	d := Decide(msgs, base.Add(2*time.Second), cfg)
	assert.False(t, d.IsProcessNow())
	assert.Equal(t, "accumulating", d.Reason)
}

func TestDecide_RelatedFollowUpWaits(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	msgs := []models.QueuedMessage{
		msgAt(base, "can you update the invoice total for the client"),
		msgAt(base.Add(time.Second), "the invoice total should include the client discount"),
	}
	d := Decide(msgs, base.Add(2*time.Second), cfg)
	assert.False(t, d.IsProcessNow())
	assert.Equal(t, "accumulating", d.Reason)
}
