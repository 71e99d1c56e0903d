// Package taskservice is the outbound contract to the task-management
// backend: the system of record the dispatch pipeline ultimately writes
// to. The task-management backend is an external collaborator, not
// reimplemented here.
package taskservice

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

// ListRef is a destination list within a folder.
type ListRef struct {
	ListID string `json:"list_id"`
	Name   string `json:"name"`
}

// Task is a unit of work created in or appended to the task-management
// backend. The extracted fields persist the classifier's entity extraction
// so a later duplicate-detection comparison can read them back off
// RecentTasks instead of re-extracting from Description.
type Task struct {
	ID          string    `json:"id"`
	ListID      string    `json:"list_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Subcategory string    `json:"subcategory"`
	CreatedAt   time.Time `json:"created_at"`

	MonthReference  string `json:"month_reference,omitempty"`
	BeneficiaryName string `json:"beneficiary_name,omitempty"`
	ServiceID       string `json:"service_id,omitempty"`
	DateMentioned   string `json:"date_mentioned,omitempty"`
	NamedParty      string `json:"named_party,omitempty"`
}

// Client is the narrow surface the dispatch consumer and the resolver
// need against the task-management backend.
type Client interface {
	// FindListsByFolder enumerates the destination lists under a folder,
	// used by the resolver's Tier 3 fallback.
	FindListsByFolder(ctx context.Context, folderID string) ([]ListRef, error)
	// CreateList provisions a new destination list under folderID with the
	// given name, used by the resolver's Tier 3 fallback when no list for
	// the current year-month exists yet.
	CreateList(ctx context.Context, folderID, name string) (ListRef, error)
	// CreateTask creates a new task on listID and returns its id.
	CreateTask(ctx context.Context, listID string, task Task) (string, error)
	// AppendComment appends text to an existing task, used when the
	// duplicate-detection rules resolve to "append, don't create".
	AppendComment(ctx context.Context, taskID, text string) error
	// RecentTasks lists tasks created on listID since since, used as the
	// duplicate-detection candidate pool.
	RecentTasks(ctx context.Context, listID string, since time.Time) ([]Task, error)
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

// NewHTTPClient builds an HTTPClient.
func NewHTTPClient(endpoint, apiKey string, opts Options, logger *zap.Logger) (*HTTPClient, error) {
	if endpoint == "" {
		return nil, errors.New("task service endpoint is required")
	}
	if apiKey == "" {
		return nil, errors.New("task service api key is required")
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
		Name:        "taskservice-client",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("task service circuit breaker state change",
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

func (c *HTTPClient) FindListsByFolder(ctx context.Context, folderID string) ([]ListRef, error) {
	var out []ListRef
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/folders/%s/lists", folderID), nil, &out)
	return out, err
}

func (c *HTTPClient) CreateList(ctx context.Context, folderID, name string) (ListRef, error) {
	var out ListRef
	body := map[string]string{"name": name}
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/folders/%s/lists", folderID), body, &out)
	return out, err
}

func (c *HTTPClient) CreateTask(ctx context.Context, listID string, task Task) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	task.ListID = listID
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/lists/%s/tasks", listID), task, &out)
	return out.ID, err
}

func (c *HTTPClient) AppendComment(ctx context.Context, taskID, text string) error {
	body := map[string]string{"text": text}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/tasks/%s/comments", taskID), body, nil)
}

func (c *HTTPClient) RecentTasks(ctx context.Context, listID string, since time.Time) ([]Task, error) {
	var out []Task
	path := fmt.Sprintf("/lists/%s/tasks?since=%s", listID, since.UTC().Format(time.RFC3339))
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, reqBody, respOut interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.retryAttempts; attempt++ {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.attempt(ctx, method, path, reqBody, respOut)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < c.retryAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt+1)):
			}
		}
	}
	return errors.Wrap(lastErr, "task service request failed after retries")
}

func (c *HTTPClient) attempt(ctx context.Context, method, path string, reqBody, respOut interface{}) error {
	var reader *bytes.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return errors.Wrap(err, "marshal request body")
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errors.Errorf("task service returned status %d for %s %s", resp.StatusCode, method, path)
	}
	if respOut == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respOut); err != nil {
		return errors.Wrap(err, "decode response body")
	}
	return nil
}
