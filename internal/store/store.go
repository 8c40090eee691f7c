package store

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratlab/optionflow/internal/models"
)

// Error classes for store operations. Callers branch with errors.Is; the
// postgres layer maps driver errors onto these.
var (
	// ErrStoreUnavailable marks transient failures worth retrying.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrStoreRejected marks non-retryable failures (schema, constraint).
	ErrStoreRejected = errors.New("store rejected")
)

// StrikeRange bounds strikes on latest-snapshot reads.
type StrikeRange struct {
	Low  float64
	High float64
}

// SeriesQuery describes a moneyness-bucketed time series read.
type SeriesQuery struct {
	Symbol    string
	Timeframe models.Timeframe
	Expiries  []string
	Indicator string
	Side      models.OptionSide
	From      time.Time
	To        time.Time
}

// SeriesPoint is one aggregated point of a moneyness series.
type SeriesPoint struct {
	BucketTime      time.Time `db:"bucket_time" json:"bucket_time"`
	Expiry          string    `db:"expiry" json:"expiry"`
	MoneynessBucket string    `db:"moneyness_bucket" json:"moneyness_bucket"`
	Value           *float64  `db:"value" json:"value"`
}

// Store is the typed surface over the time-series tables. Reads hit the
// aggregated tables directly; OI is a native column at every timeframe and
// no read path performs a JOIN.
type Store interface {
	UpsertStrikeBars(ctx context.Context, rows []models.StrikeBarRow) error
	UpsertExpiryMetrics(ctx context.Context, rows []models.ExpiryMetricsRow) error

	FetchLatestStrikes(ctx context.Context, symbol string, tf models.Timeframe, expiries []string, sr *StrikeRange, atBucket *time.Time) ([]models.StrikeBarRow, error)
	FetchLatestExpiryMetrics(ctx context.Context, symbol string, tf models.Timeframe, expiries []string) ([]models.ExpiryMetricsRow, error)
	FetchStrikeSeries(ctx context.Context, q SeriesQuery) ([]SeriesPoint, error)
	FetchStrikeHistory(ctx context.Context, symbol string, strike float64, expiry string, tf models.Timeframe, from, to time.Time) ([]models.StrikeBarRow, error)
	LatestBucket(ctx context.Context, symbol string, tf models.Timeframe) (time.Time, bool, error)

	Close() error
}

const (
	retryAttempts = 3
	retryBaseWait = 100 * time.Millisecond
	retryMaxWait  = 2 * time.Second
)

// WithRetry runs fn, retrying transient store errors with exponential
// backoff. Rejections and context cancellation propagate immediately.
func WithRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	wait := retryBaseWait

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrStoreUnavailable) {
			return err
		}
		if attempt == retryAttempts {
			break
		}

		// Jitter keeps concurrent flush workers from retrying in lockstep.
		sleep := wait + time.Duration(rand.Int63n(int64(wait/2+1)))
		log.Warn().Str("op", op).Int("attempt", attempt).Dur("backoff", sleep).Err(err).
			Msg("transient store error, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		wait *= 2
		if wait > retryMaxWait {
			wait = retryMaxWait
		}
	}

	return err
}
