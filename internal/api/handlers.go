package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratlab/optionflow/internal/cache"
	"github.com/stratlab/optionflow/internal/models"
	"github.com/stratlab/optionflow/internal/store"
	"github.com/stratlab/optionflow/internal/store/postgres"
)

// recentWindow decides the series TTL: a window ending this close to now
// is still being written, so it caches briefly.
const recentWindow = 10 * time.Minute

// StrikeDistribution is the strike-distribution response payload.
type StrikeDistribution struct {
	Symbol        string                    `json:"symbol"`
	Timeframe     models.Timeframe          `json:"timeframe"`
	Strikes       []models.StrikeBarRow     `json:"strikes"`
	ExpiryMetrics []models.ExpiryMetricsRow `json:"expiry_metrics"`
}

// MoneynessSeries is the moneyness-series response payload.
type MoneynessSeries struct {
	Symbol    string              `json:"symbol"`
	Timeframe models.Timeframe    `json:"timeframe"`
	Indicator string              `json:"indicator"`
	Side      models.OptionSide   `json:"side"`
	Points    []store.SeriesPoint `json:"points"`
}

// StrikeHistory is the strike-history response payload.
type StrikeHistory struct {
	Symbol    string                `json:"symbol"`
	Strike    float64               `json:"strike"`
	Expiry    string                `json:"expiry"`
	Timeframe models.Timeframe      `json:"timeframe"`
	Bars      []models.StrikeBarRow `json:"bars"`
}

// GET /api/v1/fo/strike-distribution
//
// Latest per-strike snapshot for a symbol across the requested expiries,
// with the per-expiry rollup alongside.
func (s *Server) handleStrikeDistribution(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	symbol := strings.ToUpper(strings.TrimSpace(q.Get("symbol")))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, ErrKindValidation, "symbol is required", 0)
		return
	}
	tf, err := parseTimeframe(q.Get("timeframe"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrKindValidation, err.Error(), 0)
		return
	}
	expiries := splitCSV(q.Get("expiries"))
	if len(expiries) == 0 {
		writeError(w, http.StatusBadRequest, ErrKindValidation, "expiries is required", 0)
		return
	}
	sr, err := parseStrikeRange(q.Get("strike_low"), q.Get("strike_high"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrKindValidation, err.Error(), 0)
		return
	}

	indicator := "all"
	if sr != nil {
		indicator = fmt.Sprintf("all:%g-%g", sr.Low, sr.High)
	}
	key := cache.LatestKey(symbol, tf, indicator, expiries)

	var payload StrikeDistribution
	hit, err := s.cache.GetOrFetch(r.Context(), key, s.cfg.Cache.LatestTTL(), &payload,
		func(ctx context.Context) (interface{}, error) {
			strikes, err := s.store.FetchLatestStrikes(ctx, symbol, tf, expiries, sr, nil)
			if err != nil {
				return nil, err
			}
			metrics, err := s.store.FetchLatestExpiryMetrics(ctx, symbol, tf, expiries)
			if err != nil {
				return nil, err
			}
			return StrikeDistribution{
				Symbol:        symbol,
				Timeframe:     tf,
				Strikes:       strikes,
				ExpiryMetrics: metrics,
			}, nil
		})
	if err != nil {
		s.writeStoreError(w, r, "strike-distribution", err)
		return
	}

	s.observeQuery("strike-distribution", hit, start)
	writeSuccess(w, payload, hit, start)
}

// GET /api/v1/fo/moneyness-series
//
// Time series of one indicator for one side, grouped by moneyness bucket.
// The window is rounded to 5-minute boundaries so adjacent requests share
// a cache entry.
func (s *Server) handleMoneynessSeries(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	symbol := strings.ToUpper(strings.TrimSpace(q.Get("symbol")))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, ErrKindValidation, "symbol is required", 0)
		return
	}
	tf, err := parseTimeframe(q.Get("timeframe"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrKindValidation, err.Error(), 0)
		return
	}
	indicator := strings.ToLower(strings.TrimSpace(q.Get("indicator")))
	if !postgres.ValidIndicator(indicator) {
		writeError(w, http.StatusBadRequest, ErrKindValidation,
			fmt.Sprintf("unknown indicator %q", indicator), 0)
		return
	}
	side, ok := models.ParseOptionSide(q.Get("side"))
	if !ok {
		writeError(w, http.StatusBadRequest, ErrKindValidation,
			fmt.Sprintf("unknown side %q", q.Get("side")), 0)
		return
	}
	expiries := splitCSV(q.Get("expiries"))
	if len(expiries) == 0 {
		writeError(w, http.StatusBadRequest, ErrKindValidation, "expiries is required", 0)
		return
	}
	from, to, err := parseWindow(q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrKindValidation, err.Error(), 0)
		return
	}

	from, to = cache.RoundWindow(from, to)
	ttl := s.cfg.Cache.HistoryTTL()
	if time.Since(to) < recentWindow {
		ttl = s.cfg.Cache.RecentTTL()
	}
	key := cache.SeriesKey(symbol, tf, indicator, side, expiries, from, to)

	var payload MoneynessSeries
	hit, err := s.cache.GetOrFetch(r.Context(), key, ttl, &payload,
		func(ctx context.Context) (interface{}, error) {
			points, err := s.store.FetchStrikeSeries(ctx, store.SeriesQuery{
				Symbol:    symbol,
				Timeframe: tf,
				Expiries:  expiries,
				Indicator: indicator,
				Side:      side,
				From:      from,
				To:        to,
			})
			if err != nil {
				return nil, err
			}
			return MoneynessSeries{
				Symbol:    symbol,
				Timeframe: tf,
				Indicator: indicator,
				Side:      side,
				Points:    points,
			}, nil
		})
	if err != nil {
		s.writeStoreError(w, r, "moneyness-series", err)
		return
	}

	s.observeQuery("moneyness-series", hit, start)
	writeSuccess(w, payload, hit, start)
}

// GET /api/v1/fo/strike-history
//
// Raw bars for one strike over a window.
func (s *Server) handleStrikeHistory(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	symbol := strings.ToUpper(strings.TrimSpace(q.Get("symbol")))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, ErrKindValidation, "symbol is required", 0)
		return
	}
	strike, err := strconv.ParseFloat(q.Get("strike"), 64)
	if err != nil || strike <= 0 {
		writeError(w, http.StatusBadRequest, ErrKindValidation, "strike must be a positive number", 0)
		return
	}
	expiry := strings.TrimSpace(q.Get("expiry"))
	if _, err := time.Parse("2006-01-02", expiry); err != nil {
		writeError(w, http.StatusBadRequest, ErrKindValidation, "expiry must be YYYY-MM-DD", 0)
		return
	}
	tf, err := parseTimeframe(q.Get("timeframe"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrKindValidation, err.Error(), 0)
		return
	}
	from, to, err := parseWindow(q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrKindValidation, err.Error(), 0)
		return
	}

	key := cache.HistoryKey(symbol, strike, expiry, tf, from, to)

	var payload StrikeHistory
	hit, err := s.cache.GetOrFetch(r.Context(), key, s.cfg.Cache.HistoryTTL(), &payload,
		func(ctx context.Context) (interface{}, error) {
			bars, err := s.store.FetchStrikeHistory(ctx, symbol, strike, expiry, tf, from, to)
			if err != nil {
				return nil, err
			}
			return StrikeHistory{
				Symbol:    symbol,
				Strike:    strike,
				Expiry:    expiry,
				Timeframe: tf,
				Bars:      bars,
			}, nil
		})
	if err != nil {
		s.writeStoreError(w, r, "strike-history", err)
		return
	}

	s.observeQuery("strike-history", hit, start)
	writeSuccess(w, payload, hit, start)
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	log.Warn().Str("endpoint", endpoint).Str("request_id", requestIDFromContext(r.Context())).
		Err(err).Msg("query failed")
	switch {
	case errors.Is(err, store.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, ErrKindUnavailable,
			"storage is temporarily unavailable", 2*time.Second)
	case errors.Is(err, store.ErrStoreRejected):
		writeError(w, http.StatusBadRequest, ErrKindValidation, "query rejected by storage", 0)
	default:
		writeError(w, http.StatusInternalServerError, ErrKindInternal, "internal error", 0)
	}
}

func (s *Server) observeQuery(endpoint string, hit bool, start time.Time) {
	if s.metrics == nil {
		return
	}
	cacheLabel := "miss"
	if hit {
		cacheLabel = "hit"
	}
	s.metrics.QueryDuration.WithLabelValues(endpoint, cacheLabel).Observe(time.Since(start).Seconds())
}

func parseTimeframe(raw string) (models.Timeframe, error) {
	if raw == "" {
		return models.Timeframe5Min, nil
	}
	tf := models.Timeframe(raw)
	if !tf.Valid() {
		return "", fmt.Errorf("unknown timeframe %q", raw)
	}
	return tf, nil
}

func parseStrikeRange(lowRaw, highRaw string) (*store.StrikeRange, error) {
	if lowRaw == "" && highRaw == "" {
		return nil, nil
	}
	low, err := strconv.ParseFloat(lowRaw, 64)
	if err != nil {
		return nil, fmt.Errorf("strike_low must be a number")
	}
	high, err := strconv.ParseFloat(highRaw, 64)
	if err != nil {
		return nil, fmt.Errorf("strike_high must be a number")
	}
	if high < low {
		return nil, fmt.Errorf("strike_high must be >= strike_low")
	}
	return &store.StrikeRange{Low: low, High: high}, nil
}

func parseWindow(fromRaw, toRaw string) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	to := now
	from := now.Add(-2 * time.Hour)

	var err error
	if fromRaw != "" {
		if from, err = time.Parse(time.RFC3339, fromRaw); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("from must be RFC3339")
		}
	}
	if toRaw != "" {
		if to, err = time.Parse(time.RFC3339, toRaw); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("to must be RFC3339")
		}
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to must be after from")
	}
	return from, to, nil
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
