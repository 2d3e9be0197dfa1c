package dlmm

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rangewatch/internal/domain"
)

type countingLimiter struct {
	calls atomic.Int32
	key   atomic.Value
	err   error
}

func (l *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (l *countingLimiter) Wait(_ context.Context, key string) error {
	l.calls.Add(1)
	l.key.Store(key)
	return l.err
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /pools/{address}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("address") == "busy" {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":"slow down"}`)
			return
		}
		if r.PathValue("address") != "pool1" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"pool not found"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"address":"pool1","binStep":10}`)
	})
	mux.HandleFunc("GET /pools/{address}/active-bin", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"binId":150,"pricePerToken":"150.25"}`)
	})
	mux.HandleFunc("GET /pools/{address}/bins", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("lower"))
		assert.Equal(t, "102", r.URL.Query().Get("upper"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"bins":[
			{"binId":100,"pricePerToken":"120.5"},
			{"binId":101,"pricePerToken":"121.7"},
			{"binId":102,"pricePerToken":"122.9"}]}`)
	})
	mux.HandleFunc("GET /pools/{address}/positions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "walletA", r.URL.Query().Get("wallet"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"positions":[{
			"lowerBinId":100,"upperBinId":200,
			"totalXAmount":"340282366920938463463374607431768211456",
			"totalYAmount":"5000000",
			"feeX":"12","feeY":0,
			"totalClaimedFeeX":"0","totalClaimedFeeY":"0",
			"rewardOne":"7","rewardTwo":"0",
			"lastUpdatedAt":1714564800}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, limiter domain.RateLimiter) *Client {
	t.Helper()
	srv := newTestServer(t)
	return New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, limiter, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClient_OpenUnknownPool(t *testing.T) {
	c := newTestClient(t, nil)
	_, err := c.Open(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "pool not found")
}

func TestPool_ActiveBinAndRange(t *testing.T) {
	limiter := &countingLimiter{}
	c := newTestClient(t, limiter)
	ctx := context.Background()

	p, err := c.Open(ctx, "pool1")
	require.NoError(t, err)
	assert.Equal(t, "pool1", p.Address())

	active, err := p.ActiveBin(ctx)
	require.NoError(t, err)
	assert.Equal(t, 150, active.ID)
	assert.Equal(t, "150.25", active.PricePerToken.String())

	bins, err := p.BinsInRange(ctx, 100, 102)
	require.NoError(t, err)
	require.Len(t, bins, 3)
	assert.Equal(t, 100, bins[0].ID)
	assert.Equal(t, "122.9", bins[2].PricePerToken.String())

	assert.Equal(t, int32(3), limiter.calls.Load())
	assert.Equal(t, DefaultRateLimitKey, limiter.key.Load())
}

func TestPool_UserPositions(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	p, err := c.Open(ctx, "pool1")
	require.NoError(t, err)

	positions, err := p.UserPositions(ctx, "walletA")
	require.NoError(t, err)
	require.Len(t, positions, 1)

	pos := positions[0]
	assert.Equal(t, 100, pos.LowerBinID)
	assert.Equal(t, 200, pos.UpperBinID)
	assert.Equal(t, "340282366920938463463374607431768211456", pos.TotalXAmount.String())
	assert.Equal(t, "12", pos.FeeX.String())
	assert.True(t, pos.FeeY.IsZero())
	assert.Equal(t, "7", pos.RewardOne.String())
	require.NotNil(t, pos.LastUpdatedAt)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), *pos.LastUpdatedAt)
}

func TestClient_RateLimitErrorAbortsRequest(t *testing.T) {
	limiter := &countingLimiter{err: context.DeadlineExceeded}
	c := newTestClient(t, limiter)

	_, err := c.Open(context.Background(), "pool1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_UpstreamThrottleIsRateLimited(t *testing.T) {
	c := newTestClient(t, nil)

	_, err := c.Open(context.Background(), "busy")
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Contains(t, err.Error(), `retry after "3"`)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}
