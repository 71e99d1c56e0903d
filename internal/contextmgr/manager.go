// Package contextmgr implements the Smart Context Manager: a pure decision
// function over a chat's accumulated message queue that tells the queue
// layer whether to flush now or keep waiting for more context.
package contextmgr

import (
	"strings"
	"time"
	"unicode"

	"github.com/nordja/convobridge/internal/models"
	"github.com/nordja/convobridge/internal/textnorm"
)

// Config carries every threshold the six ordered rules consult. Values are
// sourced from internal/config at startup; tests construct Config literals
// directly so no rule depends on a package-level default.
type Config struct {
	MaxMessagesPerChat      int
	MaxWaitSeconds          int
	SilenceThresholdSeconds int
	ClosureMarkers          []string
	TopicShiftThreshold     float64
	MinSubstantiveWords     int
}

// Decide evaluates the six rules in order and returns the first one that
// fires. messages must be in arrival order; it is never mutated. now is
// passed in explicitly so the function stays pure and testable without a
// wall clock.
func Decide(messages []models.QueuedMessage, now time.Time, cfg Config) models.ContextDecision {
	if len(messages) == 0 {
		return models.WaitForMore("empty_queue")
	}

	if len(messages) >= cfg.MaxMessagesPerChat {
		return models.ProcessNow("count_threshold")
	}

	first := messages[0].ArrivalTime
	if now.Sub(first) >= time.Duration(cfg.MaxWaitSeconds)*time.Second {
		return models.ProcessNow("age_threshold")
	}

	last := messages[len(messages)-1]
	if matchesClosureMarker(last.Payload.Text, cfg.ClosureMarkers) {
		return models.ProcessNow("closure_signal")
	}

	lastArrival := last.ArrivalTime
	if now.Sub(lastArrival) >= time.Duration(cfg.SilenceThresholdSeconds)*time.Second {
		return models.ProcessNow("silence_threshold")
	}

	if len(messages) > 1 && isTopicShift(messages, cfg) {
		return models.ProcessNow("topic_shift")
	}

	return models.WaitForMore("accumulating")
}

// matchesClosureMarker reports whether text, once folded and stripped of
// trailing punctuation, exactly equals or ends with one of the configured
// closure markers (folded and stripped the same way).
func matchesClosureMarker(text string, markers []string) bool {
	trailing := func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSpace(r) }
	folded := strings.TrimRightFunc(textnorm.Fold(text), trailing)
	if folded == "" {
		return false
	}
	for _, marker := range markers {
		foldedMarker := strings.TrimRightFunc(textnorm.Fold(marker), trailing)
		if foldedMarker == "" {
			continue
		}
		if folded == foldedMarker || strings.HasSuffix(folded, foldedMarker) {
			return true
		}
	}
	return false
}

// isTopicShift reports whether the last message is substantive (has at
// least MinSubstantiveWords tokens) and its lexical overlap with everything
// queued before it falls below TopicShiftThreshold.
func isTopicShift(messages []models.QueuedMessage, cfg Config) bool {
	last := messages[len(messages)-1]
	lastTokens := tokenize(last.Payload.Text)
	if len(lastTokens) < cfg.MinSubstantiveWords {
		return false
	}

	priorTokens := make(map[string]struct{})
	for _, m := range messages[:len(messages)-1] {
		for _, tok := range tokenize(m.Payload.Text) {
			priorTokens[tok] = struct{}{}
		}
	}
	if len(priorTokens) == 0 {
		return false
	}

	score := jaccard(lastTokens, priorTokens)
	return score < cfg.TopicShiftThreshold
}

func tokenize(text string) []string {
	folded := textnorm.Fold(text)
	if folded == "" {
		return nil
	}
	return strings.Fields(folded)
}

// jaccard computes |intersection| / |union| between tokens and the set b.
func jaccard(tokens []string, b map[string]struct{}) float64 {
	a := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		a[t] = struct{}{}
	}
	if len(a) == 0 {
		return 0
	}

	intersection := 0
	union := make(map[string]struct{}, len(a)+len(b))
	for t := range a {
		union[t] = struct{}{}
		if _, ok := b[t]; ok {
			intersection++
		}
	}
	for t := range b {
		union[t] = struct{}{}
	}
	if len(union) == 0 {
		return 0
	}
	return float64(intersection) / float64(len(union))
}
