// Package models defines the data types shared across the conversation
// batching and dispatch pipeline: the inbound message shape, the per-chat
// queue it accumulates in, and the envelope that crosses the dispatch bus.
package models

import (
	"time"

	"github.com/pkg/errors"
)

// MediaReference points at an attached media object on an inbound message.
type MediaReference struct {
	URL       string `json:"url"`
	MediaType string `json:"media_type"`
}

// Payload is the opaque structured content of a single inbound event. The
// queue layer never inspects its fields beyond what the Smart Context
// Manager needs (Text, for closure/topic-shift rules); only the dispatch
// consumer parses it into something classifier-shaped.
type Payload struct {
	SenderID          string            `json:"sender_id"`
	SenderName        string            `json:"sender_name"`
	Text              string            `json:"text"`
	MessageType       string            `json:"message_type"`
	CustomFields      map[string]string `json:"custom_fields,omitempty"`
	Media             *MediaReference   `json:"media,omitempty"`
	TranscriptionText string            `json:"transcription_text,omitempty"`
	Annotated         bool              `json:"annotated,omitempty"`
}

// Validate checks the minimal shape required for a payload to enter the
// pipeline. It is intentionally permissive: an empty Text is legal when
// Media is present.
func (p Payload) Validate() error {
	if p.SenderID == "" {
		return errors.New("payload sender_id is required")
	}
	if p.Text == "" && p.Media == nil {
		return errors.New("payload requires text or media")
	}
	return nil
}

// QueuedMessage is a single inbound event, immutable once created.
type QueuedMessage struct {
	ChatID      string
	ArrivalTime time.Time
	Payload     Payload
}

// ChatQueue is an ordered sequence of QueuedMessage sharing one ChatID. It
// is plain data; the locking and mutation discipline that keeps its
// ordering invariants live in internal/queue, not here.
type ChatQueue struct {
	ChatID       string
	Messages     []QueuedMessage
	FirstArrival time.Time
	LastArrival  time.Time
}

// MessageCount returns the number of messages currently queued.
func (q *ChatQueue) MessageCount() int {
	return len(q.Messages)
}

// Append adds msg to the queue, updating FirstArrival/LastArrival. The
// caller is responsible for ensuring msg.ChatID matches the queue.
func (q *ChatQueue) Append(msg QueuedMessage) {
	if len(q.Messages) == 0 {
		q.ChatID = msg.ChatID
		q.FirstArrival = msg.ArrivalTime
	}
	q.LastArrival = msg.ArrivalTime
	q.Messages = append(q.Messages, msg)
}

// Snapshot returns a copy of the queued messages safe for a caller to read
// without holding the owning lock any longer than the copy itself.
func (q *ChatQueue) Snapshot() []QueuedMessage {
	out := make([]QueuedMessage, len(q.Messages))
	copy(out, q.Messages)
	return out
}

// DecisionKind distinguishes the two ContextDecision variants.
type DecisionKind int

const (
	// DecisionWaitForMore means the queue should keep accumulating.
	DecisionWaitForMore DecisionKind = iota
	// DecisionProcessNow means the queue should flush immediately.
	DecisionProcessNow
)

// ContextDecision is the Smart Context Manager's verdict on a queue
// snapshot. Reason is diagnostic-only and must never influence downstream
// behavior.
type ContextDecision struct {
	Kind   DecisionKind
	Reason string
}

// IsProcessNow reports whether the decision calls for an immediate flush.
func (d ContextDecision) IsProcessNow() bool {
	return d.Kind == DecisionProcessNow
}

// ProcessNow builds a ContextDecision that flushes immediately.
func ProcessNow(reason string) ContextDecision {
	return ContextDecision{Kind: DecisionProcessNow, Reason: reason}
}

// WaitForMore builds a ContextDecision that keeps the queue open.
func WaitForMore(reason string) ContextDecision {
	return ContextDecision{Kind: DecisionWaitForMore, Reason: reason}
}
