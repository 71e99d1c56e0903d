package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DispatchEnvelope is the unit of work published to the dispatch bus. It
// must round-trip losslessly through Serialize/DeserializeEnvelope.
type DispatchEnvelope struct {
	EnvelopeID        string    `json:"envelope_id"`
	ChatID            string    `json:"chat_id"`
	RawPayloads       []Payload `json:"raw_payloads"`
	BatchArrivalSpan  string    `json:"batch_arrival_span"`
	EnvelopeCreatedAt time.Time `json:"envelope_created_at"`
}

// NewDispatchEnvelope builds an envelope from a drained batch of queued
// messages, preserving arrival order.
func NewDispatchEnvelope(chatID string, messages []QueuedMessage, now time.Time) DispatchEnvelope {
	payloads := make([]Payload, len(messages))
	var span time.Duration
	if len(messages) > 0 {
		span = messages[len(messages)-1].ArrivalTime.Sub(messages[0].ArrivalTime)
	}
	for i, m := range messages {
		payloads[i] = m.Payload
	}
	return DispatchEnvelope{
		EnvelopeID:        uuid.NewString(),
		ChatID:            chatID,
		RawPayloads:       payloads,
		BatchArrivalSpan:  span.String(),
		EnvelopeCreatedAt: now,
	}
}

// Serialize encodes the envelope using a self-describing JSON encoding.
func (e DispatchEnvelope) Serialize() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize dispatch envelope")
	}
	return data, nil
}

// DeserializeEnvelope decodes bytes previously produced by Serialize. A
// malformed payload is reported as-is so the caller can classify it as a
// permanent (poison) error.
func DeserializeEnvelope(data []byte) (DispatchEnvelope, error) {
	var e DispatchEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return DispatchEnvelope{}, errors.Wrap(err, "malformed dispatch envelope")
	}
	return e, nil
}

// EffectiveText returns the last payload's transcription when it has one
// (a synthetic single-audio envelope), or the last message's text
// otherwise.
func (e DispatchEnvelope) EffectiveText() string {
	if len(e.RawPayloads) == 0 {
		return ""
	}
	last := e.RawPayloads[len(e.RawPayloads)-1]
	if last.TranscriptionText != "" {
		return last.TranscriptionText
	}
	return last.Text
}

// AggregatedText joins every payload's text in arrival order, the input
// the classifier uses for multi-message batches.
func (e DispatchEnvelope) AggregatedText() string {
	var out string
	for i, p := range e.RawPayloads {
		text := p.Text
		if text == "" {
			text = p.TranscriptionText
		}
		if text == "" {
			continue
		}
		if i > 0 && out != "" {
			out += "\n"
		}
		out += text
	}
	return out
}
