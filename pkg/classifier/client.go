// Package classifier is the outbound contract to the AI classification
// service that shapes a dispatch envelope into a task category and
// subcategory. The classifier itself is an external collaborator, not
// reimplemented here.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Result is the classifier's verdict on a block of conversation text. The
// extracted fields feed the duplicate-detection rules' recurring-allowed
// and as-needed carve-outs; the classifier leaves any it cannot find empty.
type Result struct {
	Category    string  `json:"category"`
	Subcategory string  `json:"subcategory"`
	Confidence  float64 `json:"confidence"`

	MonthReference  string `json:"month_reference,omitempty"`
	BeneficiaryName string `json:"beneficiary_name,omitempty"`
	ServiceID       string `json:"service_id,omitempty"`
	DateMentioned   string `json:"date_mentioned,omitempty"`
	NamedParty      string `json:"named_party,omitempty"`
}

// Client classifies aggregated conversation text.
type Client interface {
	Classify(ctx context.Context, text string) (Result, error)
}

// Options configures an HTTPClient.
type Options struct {
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// HTTPClient is a REST-backed Client with retry/backoff and a
// circuit breaker.
type HTTPClient struct {
	endpoint      string
	apiKey        string
	httpClient    *http.Client
	breaker       *gobreaker.CircuitBreaker
	retryAttempts int
	retryDelay    time.Duration
	logger        *zap.Logger
}

// NewHTTPClient builds an HTTPClient. endpoint and apiKey must be non-empty.
func NewHTTPClient(endpoint, apiKey string, opts Options, logger *zap.Logger) (*HTTPClient, error) {
	if endpoint == "" {
		return nil, errors.New("classifier endpoint is required")
	}
	if apiKey == "" {
		return nil, errors.New("classifier api key is required")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}

	cbSettings := gobreaker.Settings{
		Name:        "classifier-client",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("classifier circuit breaker state change",
					zap.String("from", from.String()), zap.String("to", to.String()))
			}
		},
	}

	return &HTTPClient{
		endpoint:      endpoint,
		apiKey:        apiKey,
		httpClient:    &http.Client{Timeout: opts.Timeout},
		breaker:       gobreaker.NewCircuitBreaker(cbSettings),
		retryAttempts: opts.RetryAttempts,
		retryDelay:    opts.RetryDelay,
		logger:        logger,
	}, nil
}

// Classify posts text to the classifier endpoint and decodes its verdict.
// Callers are responsible for falling back to an "unclassified" verdict on
// error rather than failing the whole envelope.
func (c *HTTPClient) Classify(ctx context.Context, text string) (Result, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retryAttempts; attempt++ {
		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doClassify(ctx, text)
		})
		if err == nil {
			return result.(Result), nil
		}
		lastErr = err
		if attempt < c.retryAttempts {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt+1)):
			}
		}
	}
	return Result{}, errors.Wrap(lastErr, "classifier request failed after retries")
}

func (c *HTTPClient) doClassify(ctx context.Context, text string) (Result, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Result{}, errors.Wrap(err, "marshal classify request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/classify", bytes.NewReader(body))
	if err != nil {
		return Result{}, errors.Wrap(err, "build classify request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, errors.Wrap(err, "classify request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return Result{}, errors.Wrap(errPermanent(resp.StatusCode), "classifier rejected request")
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, errors.Wrap(err, "decode classify response")
	}
	return result, nil
}

type statusError int

func (s statusError) Error() string { return fmt.Sprintf("classifier status %d", int(s)) }

func errPermanent(status int) error { return statusError(status) }
