package handletime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned when the collaborator is unreachable or the
// breaker is open. Callers fall back to their default estimate.
var ErrUnavailable = errors.New("average handle time unavailable")

// DefaultTTL is how long a fetched value is reused
const DefaultTTL = time.Minute

type cached struct {
	minutes   float64
	fetchedAt time.Time
}

// Client fetches average handle times from the metrics collaborator.
// GET {baseURL}/departments/{id} returns {"minutes": x}.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	ttl     time.Duration
	logger  zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cached
	now   func() time.Time
}

// NewClient creates a client. timeout bounds each request.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	logger = logger.With().Str("component", "handletime").Logger()
	settings := gobreaker.Settings{
		Name:        "average-handle-time",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		ttl:     DefaultTTL,
		logger:  logger,
		cache:   make(map[string]cached),
		now:     time.Now,
	}
}

// AverageHandleTime returns the department's average handle time in minutes
func (c *Client) AverageHandleTime(ctx context.Context, departmentID string) (float64, error) {
	if v, ok := c.cached(departmentID); ok {
		return v, nil
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, departmentID)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return 0, err
	}

	minutes := result.(float64)
	c.mu.Lock()
	c.cache[departmentID] = cached{minutes: minutes, fetchedAt: c.now()}
	c.mu.Unlock()
	return minutes, nil
}

func (c *Client) cached(departmentID string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.cache[departmentID]
	if !ok || c.now().Sub(v.fetchedAt) > c.ttl {
		return 0, false
	}
	return v.minutes, true
}

func (c *Client) fetch(ctx context.Context, departmentID string) (float64, error) {
	endpoint := fmt.Sprintf("%s/departments/%s", c.baseURL, url.PathEscape(departmentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d for department %s", ErrUnavailable, resp.StatusCode, departmentID)
	}

	var body struct {
		Minutes float64 `json:"minutes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("failed to decode handle time: %w", err)
	}
	return body.Minutes, nil
}
