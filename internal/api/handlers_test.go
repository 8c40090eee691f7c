package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratlab/optionflow/internal/cache"
	"github.com/stratlab/optionflow/internal/config"
	"github.com/stratlab/optionflow/internal/hub"
	"github.com/stratlab/optionflow/internal/models"
	"github.com/stratlab/optionflow/internal/store"
)

// stubStore serves canned rows and can simulate failure.
type stubStore struct {
	strikes []models.StrikeBarRow
	metrics []models.ExpiryMetricsRow
	points  []store.SeriesPoint
	err     error

	latestCalls int
}

func (s *stubStore) UpsertStrikeBars(context.Context, []models.StrikeBarRow) error     { return nil }
func (s *stubStore) UpsertExpiryMetrics(context.Context, []models.ExpiryMetricsRow) error { return nil }

func (s *stubStore) FetchLatestStrikes(context.Context, string, models.Timeframe, []string, *store.StrikeRange, *time.Time) ([]models.StrikeBarRow, error) {
	s.latestCalls++
	return s.strikes, s.err
}

func (s *stubStore) FetchLatestExpiryMetrics(context.Context, string, models.Timeframe, []string) ([]models.ExpiryMetricsRow, error) {
	return s.metrics, s.err
}

func (s *stubStore) FetchStrikeSeries(context.Context, store.SeriesQuery) ([]store.SeriesPoint, error) {
	return s.points, s.err
}

func (s *stubStore) FetchStrikeHistory(context.Context, string, float64, string, models.Timeframe, time.Time, time.Time) ([]models.StrikeBarRow, error) {
	return s.strikes, s.err
}

func (s *stubStore) LatestBucket(context.Context, string, models.Timeframe) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (s *stubStore) Close() error { return nil }

func newTestServer(t *testing.T, st store.Store) *Server {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	l1 := cache.NewL1Cache(100, 0)
	t.Cleanup(l1.Close)
	tc := cache.NewTieredCache(l1, nil, nil)

	h := hub.New(16, hub.PolicyDropSubscriber, nil)
	t.Cleanup(h.Close)

	return NewServer(cfg, st, tc, h, nil, map[string]HealthFunc{
		"store": func(context.Context) error { return nil },
	})
}

func doGet(s *Server, url string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) (Envelope, json.RawMessage) {
	t.Helper()
	var raw struct {
		Status   string          `json:"status"`
		Data     json.RawMessage `json:"data"`
		Metadata Metadata        `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	return Envelope{Status: raw.Status, Metadata: raw.Metadata}, raw.Data
}

func TestStrikeDistributionEnvelope(t *testing.T) {
	st := &stubStore{
		strikes: []models.StrikeBarRow{{Symbol: "NIFTY", Expiry: "2025-11-06", Strike: 25000, CallVolume: 100}},
		metrics: []models.ExpiryMetricsRow{{Symbol: "NIFTY", Expiry: "2025-11-06", TotalCallVolume: 100}},
	}
	s := newTestServer(t, st)

	rec := doGet(s, "/api/v1/fo/strike-distribution?symbol=NIFTY&timeframe=5min&expiries=2025-11-06")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	env, data := decodeEnvelope(t, rec)
	assert.Equal(t, "success", env.Status)
	assert.False(t, env.Metadata.CacheHit)
	assert.GreaterOrEqual(t, env.Metadata.ElapsedMS, 0.0)

	var payload StrikeDistribution
	require.NoError(t, json.Unmarshal(data, &payload))
	require.Len(t, payload.Strikes, 1)
	assert.Equal(t, 25000.0, payload.Strikes[0].Strike)
	require.Len(t, payload.ExpiryMetrics, 1)
}

func TestStrikeDistributionSecondCallHitsCache(t *testing.T) {
	st := &stubStore{strikes: []models.StrikeBarRow{{Strike: 25000}}}
	s := newTestServer(t, st)
	url := "/api/v1/fo/strike-distribution?symbol=NIFTY&timeframe=5min&expiries=2025-11-06"

	rec := doGet(s, url)
	require.Equal(t, http.StatusOK, rec.Code)
	env, _ := decodeEnvelope(t, rec)
	assert.False(t, env.Metadata.CacheHit)

	rec = doGet(s, url)
	require.Equal(t, http.StatusOK, rec.Code)
	env, _ = decodeEnvelope(t, rec)
	assert.True(t, env.Metadata.CacheHit)
	assert.Equal(t, 1, st.latestCalls, "store consulted once")
}

func TestStrikeDistributionValidation(t *testing.T) {
	s := newTestServer(t, &stubStore{})

	for name, url := range map[string]string{
		"missing symbol":   "/api/v1/fo/strike-distribution?expiries=2025-11-06",
		"missing expiries": "/api/v1/fo/strike-distribution?symbol=NIFTY",
		"bad timeframe":    "/api/v1/fo/strike-distribution?symbol=NIFTY&timeframe=7min&expiries=2025-11-06",
		"inverted strikes": "/api/v1/fo/strike-distribution?symbol=NIFTY&expiries=2025-11-06&strike_low=26000&strike_high=25000",
	} {
		rec := doGet(s, url)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)

		var body ErrorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), name)
		assert.Equal(t, "error", body.Status, name)
		assert.Equal(t, ErrKindValidation, body.Error.Kind, name)
	}
}

func TestUnknownSymbolReturnsEmptySuccess(t *testing.T) {
	s := newTestServer(t, &stubStore{})

	rec := doGet(s, "/api/v1/fo/strike-distribution?symbol=NOSUCH&expiries=2025-11-06")
	require.Equal(t, http.StatusOK, rec.Code)

	env, data := decodeEnvelope(t, rec)
	assert.Equal(t, "success", env.Status)

	var payload StrikeDistribution
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Empty(t, payload.Strikes)
}

func TestStoreUnavailableMapsTo503(t *testing.T) {
	st := &stubStore{err: fmt.Errorf("probe: %w", store.ErrStoreUnavailable)}
	s := newTestServer(t, st)

	rec := doGet(s, "/api/v1/fo/strike-distribution?symbol=NIFTY&expiries=2025-11-06")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ErrKindUnavailable, body.Error.Kind)
	assert.Greater(t, body.Error.RetryAfterMS, int64(0))
}

func TestMoneynessSeriesRejectsUnknownIndicator(t *testing.T) {
	s := newTestServer(t, &stubStore{})

	rec := doGet(s, "/api/v1/fo/moneyness-series?symbol=NIFTY&indicator=price&side=CE&expiries=2025-11-06")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ErrKindValidation, body.Error.Kind)
}

func TestMoneynessSeriesReturnsPoints(t *testing.T) {
	value := 0.21
	st := &stubStore{points: []store.SeriesPoint{{
		BucketTime:      time.Date(2025, 11, 6, 10, 0, 0, 0, time.UTC),
		Expiry:          "2025-11-06",
		MoneynessBucket: "ATM",
		Value:           &value,
	}}}
	s := newTestServer(t, st)

	rec := doGet(s, "/api/v1/fo/moneyness-series?symbol=NIFTY&timeframe=5min&indicator=iv&side=CE&expiries=2025-11-06")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, data := decodeEnvelope(t, rec)
	var payload MoneynessSeries
	require.NoError(t, json.Unmarshal(data, &payload))
	require.Len(t, payload.Points, 1)
	assert.Equal(t, "ATM", payload.Points[0].MoneynessBucket)
	assert.Equal(t, models.SideCall, payload.Side)
}

func TestStrikeHistoryValidation(t *testing.T) {
	s := newTestServer(t, &stubStore{})

	for name, url := range map[string]string{
		"missing strike": "/api/v1/fo/strike-history?symbol=NIFTY&expiry=2025-11-06",
		"bad expiry":     "/api/v1/fo/strike-history?symbol=NIFTY&strike=25000&expiry=nov-6",
	} {
		rec := doGet(s, url)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestStrikeHistoryReturnsBars(t *testing.T) {
	st := &stubStore{strikes: []models.StrikeBarRow{{Strike: 25000, CallVolume: 42}}}
	s := newTestServer(t, st)

	rec := doGet(s, "/api/v1/fo/strike-history?symbol=NIFTY&strike=25000&expiry=2025-11-06&timeframe=1min")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, data := decodeEnvelope(t, rec)
	var payload StrikeHistory
	require.NoError(t, json.Unmarshal(data, &payload))
	require.Len(t, payload.Bars, 1)
	assert.Equal(t, int64(42), payload.Bars[0].CallVolume)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, &stubStore{})

	rec := doGet(s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealthEndpointDegraded(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	l1 := cache.NewL1Cache(10, 0)
	t.Cleanup(l1.Close)
	h := hub.New(4, hub.PolicyDropSubscriber, nil)
	t.Cleanup(h.Close)

	s := NewServer(cfg, &stubStore{}, cache.NewTieredCache(l1, nil, nil), h, nil, map[string]HealthFunc{
		"store": func(context.Context) error { return fmt.Errorf("unreachable") },
	})

	rec := doGet(s, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDHeaderPropagates(t *testing.T) {
	s := newTestServer(t, &stubStore{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	rec = doGet(s, "/healthz")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"), "generated when absent")
}
