// Package transcription is the outbound contract to the audio
// transcription service the Fast-Path Media Router calls before deciding
// whether to bypass the queue.
package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Client transcribes a media reference into text.
type Client interface {
	Transcribe(ctx context.Context, mediaURL string) (string, error)
}

// HTTPClient is a REST-backed Client.
type HTTPClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient builds an HTTPClient.
func NewHTTPClient(endpoint, apiKey string, timeout time.Duration) (*HTTPClient, error) {
	if endpoint == "" {
		return nil, errors.New("transcription endpoint is required")
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type transcribeResponse struct {
	Text string `json:"text"`
}

// Transcribe posts mediaURL to the transcription endpoint and returns the
// resulting text. Any response other than 200 OK, or a network failure, is
// returned as an error; the caller (the media router) falls back to queueing the raw
// media reference rather than blocking on retries.
func (c *HTTPClient) Transcribe(ctx context.Context, mediaURL string) (string, error) {
	body, err := json.Marshal(map[string]string{"media_url": mediaURL})
	if err != nil {
		return "", errors.Wrap(err, "marshal transcribe request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/transcribe", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build transcribe request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "transcribe request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("transcription service returned status %d", resp.StatusCode)
	}

	var out transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "decode transcribe response")
	}
	return out.Text, nil
}
