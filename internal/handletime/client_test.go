package handletime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAverageHandleTime_FetchesAndCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/departments/sales", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"minutes": 4.5}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zerolog.Nop())
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		minutes, err := c.AverageHandleTime(context.Background(), "sales")
		require.NoError(t, err)
		assert.Equal(t, 4.5, minutes)
	}
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(2 * DefaultTTL)
	_, err := c.AverageHandleTime(context.Background(), "sales")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAverageHandleTime_BreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zerolog.Nop())
	for i := 0; i < 5; i++ {
		_, err := c.AverageHandleTime(context.Background(), "sales")
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	// Three failures trip the breaker; later calls never reach the server.
	assert.Equal(t, int32(3), calls.Load())
}

func TestAverageHandleTime_BadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zerolog.Nop())
	_, err := c.AverageHandleTime(context.Background(), "sales")
	assert.Error(t, err)
}
