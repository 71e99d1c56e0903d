package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

var (
	adminRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "admin_handler_request_duration_seconds",
			Help:    "Duration of admin handler requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)

	adminRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admin_handler_requests_total",
			Help: "Total number of admin handler requests",
		},
		[]string{"operation", "status"},
	)
)

const adminRequestTimeout = 30 * time.Second

// DeadLetterReplayer re-publishes a dead-lettered entry for manual
// operator recovery (internal/dispatch.Producer.ReplayDeadLetter
// satisfies this).
type DeadLetterReplayer interface {
	ReplayDeadLetter(ctx context.Context, deadLetterEntryID string) error
}

// AdminHandler exposes the one operator action the bridge needs beyond
// the webhook ingress: replaying a dead-lettered envelope. It is rate
// limited and circuit-broken, since an operator script hitting replay in
// a loop should degrade gracefully rather than overwhelm the bus.
type AdminHandler struct {
	replayer    DeadLetterReplayer
	rateLimiter *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
}

// NewAdminHandler builds an AdminHandler.
func NewAdminHandler(replayer DeadLetterReplayer) *AdminHandler {
	cbSettings := gobreaker.Settings{
		Name:        "admin-handler",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	}

	return &AdminHandler{
		replayer:    replayer,
		rateLimiter: rate.NewLimiter(rate.Limit(5), 10),
		breaker:     gobreaker.NewCircuitBreaker(cbSettings),
	}
}

// HandleReplayDeadLetter re-publishes a dead-lettered envelope identified
// by its stream entry id.
func (h *AdminHandler) HandleReplayDeadLetter(c *gin.Context) {
	timer := prometheus.NewTimer(adminRequestDuration.WithLabelValues("replay_dead_letter", ""))
	defer timer.ObserveDuration()

	if err := h.rateLimiter.Wait(c.Request.Context()); err != nil {
		adminRequestTotal.WithLabelValues("replay_dead_letter", "rate_limited").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}

	entryID := c.Param("entry_id")
	if entryID == "" {
		adminRequestTotal.WithLabelValues("replay_dead_letter", "invalid_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "entry_id is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), adminRequestTimeout)
	defer cancel()

	_, err := h.breaker.Execute(func() (interface{}, error) {
		return nil, h.replayer.ReplayDeadLetter(ctx, entryID)
	})
	if err != nil {
		adminRequestTotal.WithLabelValues("replay_dead_letter", "error").Inc()
		status := http.StatusInternalServerError
		if err == gobreaker.ErrOpenState {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	adminRequestTotal.WithLabelValues("replay_dead_letter", "success").Inc()
	c.JSON(http.StatusAccepted, gin.H{"entry_id": entryID, "status": "replayed"})
}
