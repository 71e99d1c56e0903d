// Package chatplatform defines the inbound contract from the chat
// platform: the webhook payload shape and its signature verification.
// The chat platform itself is an external collaborator, not reimplemented
// here.
package chatplatform

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// MediaPayload mirrors models.MediaReference at the wire boundary.
type MediaPayload struct {
	URL       string `json:"url"`
	MediaType string `json:"media_type"`
}

// InboundEvent is the webhook body the chat platform posts for every
// message event.
type InboundEvent struct {
	ChatID       string            `json:"chat_id"`
	SenderID     string            `json:"sender_id"`
	SenderName   string            `json:"sender_name"`
	Text         string            `json:"text"`
	MessageType  string            `json:"message_type"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
	Media        *MediaPayload     `json:"media,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Validate checks the minimal required shape of an inbound event:
// chat_id and sender_id are required, and either text or media must be
// present.
func (e InboundEvent) Validate() error {
	if e.ChatID == "" {
		return errors.New("chat_id is required")
	}
	if e.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if e.Text == "" && e.Media == nil {
		return errors.New("text or media is required")
	}
	return nil
}

// ParseInboundEvent decodes a webhook request body.
func ParseInboundEvent(body []byte) (InboundEvent, error) {
	var event InboundEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return InboundEvent{}, errors.Wrap(err, "malformed webhook payload")
	}
	return event, nil
}

// VerifySignature checks an HMAC-SHA256 signature over body against the
// configured webhook secret, the same scheme the chat platform's own
// client-side SDKs use.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
