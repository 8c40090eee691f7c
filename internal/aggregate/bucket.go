package aggregate

import (
	"time"

	"github.com/stratlab/optionflow/internal/models"
)

// BucketKey identifies one in-memory strike bucket.
type BucketKey struct {
	Symbol      string
	Expiry      string
	Timeframe   models.Timeframe
	BucketStart time.Time
}

// End returns the bucket close time.
func (k BucketKey) End() time.Time {
	return k.BucketStart.Add(k.Timeframe.Duration())
}

// StrikeState holds both sides plus the liquidity summary for one strike.
type StrikeState struct {
	Call      SideStats
	Put       SideStats
	Liquidity liquidityAgg
}

// StrikeBucket is the aggregation state for one (symbol, expiry, timeframe,
// bucket_start). It is owned exclusively by the shard worker that created
// it; no lock is needed.
type StrikeBucket struct {
	Key     BucketKey
	Strikes map[float64]*StrikeState

	// Underlying samples observed while the bucket was open. The 1-min
	// materialization uses the latest sample, aggregated timeframes the
	// average, matching how stored rollups behave.
	underlyingLast  float64
	underlyingSum   float64
	underlyingCount int64

	LastTouch time.Time

	// Flush retry bookkeeping. Zero retryAt means not pending retry.
	retryAt   time.Time
	retryWait time.Duration
}

// NewStrikeBucket creates an empty bucket for key.
func NewStrikeBucket(key BucketKey) *StrikeBucket {
	return &StrikeBucket{
		Key:     key,
		Strikes: make(map[float64]*StrikeState),
	}
}

// ApplyTick folds an option tick into the bucket. Mock filtering happens
// upstream; by the time a tick reaches here it counts.
func (b *StrikeBucket) ApplyTick(tick *models.OptionTick, underlying float64) {
	state, ok := b.Strikes[tick.Strike]
	if !ok {
		state = &StrikeState{}
		b.Strikes[tick.Strike] = state
	}

	side := &state.Call
	if tick.Side == models.SidePut {
		side = &state.Put
	}
	side.Apply(tick.Weight(), tick.Volume, tick.OI, tick.IV, tick.Delta, tick.Gamma, tick.Theta, tick.Vega)

	if underlying > 0 {
		b.underlyingLast = underlying
		b.underlyingSum += underlying
		b.underlyingCount++
	}

	if lq, ok := evalDepth(tick.LastPrice, tick.Depth); ok {
		state.Liquidity.add(lq)
	} else if tick.Depth != nil {
		// Depth present but unusable still counts toward the tick total.
		state.Liquidity.ticks++
	}

	b.LastTouch = tick.Timestamp
}

// underlyingClose picks the close value for materialized rows.
func (b *StrikeBucket) underlyingClose() *float64 {
	if b.underlyingCount == 0 {
		return nil
	}
	if b.Key.Timeframe == models.Timeframe1Min {
		v := b.underlyingLast
		return &v
	}
	v := b.underlyingSum / float64(b.underlyingCount)
	return &v
}

// Due reports whether the bucket should flush at now: either its close
// time plus grace has elapsed, or a transient failure scheduled a retry
// that has come due.
func (b *StrikeBucket) Due(now time.Time, grace time.Duration) bool {
	if !b.retryAt.IsZero() {
		return !now.Before(b.retryAt)
	}
	return now.After(b.Key.End().Add(grace))
}

// ScheduleRetry backs off the next flush attempt after a transient store
// failure, doubling up to a 60 s ceiling.
func (b *StrikeBucket) ScheduleRetry(now time.Time) {
	if b.retryWait == 0 {
		b.retryWait = time.Second
	} else {
		b.retryWait *= 2
		if b.retryWait > time.Minute {
			b.retryWait = time.Minute
		}
	}
	b.retryAt = now.Add(b.retryWait)
}

// Materialize produces the persisted rows for the bucket. Weighted
// averages divide by the per-field contributing weight; empty denominators
// stay nil. strikeGap drives the moneyness label.
func (b *StrikeBucket) Materialize(strikeGap float64) []models.StrikeBarRow {
	rows := make([]models.StrikeBarRow, 0, len(b.Strikes))
	underlying := b.underlyingClose()

	for strike, state := range b.Strikes {
		row := models.StrikeBarRow{
			BucketTime:      b.Key.BucketStart,
			Timeframe:       b.Key.Timeframe,
			Symbol:          b.Key.Symbol,
			Expiry:          b.Key.Expiry,
			Strike:          strike,
			UnderlyingClose: underlying,

			CallIVAvg:    state.Call.IV.Avg(),
			PutIVAvg:     state.Put.IV.Avg(),
			CallDeltaAvg: state.Call.Delta.Avg(),
			PutDeltaAvg:  state.Put.Delta.Avg(),
			CallGammaAvg: state.Call.Gamma.Avg(),
			PutGammaAvg:  state.Put.Gamma.Avg(),
			CallThetaAvg: state.Call.Theta.Avg(),
			PutThetaAvg:  state.Put.Theta.Avg(),
			CallVegaAvg:  state.Call.Vega.Avg(),
			PutVegaAvg:   state.Put.Vega.Avg(),

			CallVolume: state.Call.SumVolume,
			PutVolume:  state.Put.SumVolume,
			CallCount:  state.Call.Count,
			PutCount:   state.Put.Count,
			CallOISum:  state.Call.LastOI,
			PutOISum:   state.Put.LastOI,
		}

		if underlying != nil {
			row.MoneynessBucket = Moneyness(strike, *underlying, strikeGap)
		}
		state.Liquidity.fill(&row)

		rows = append(rows, row)
	}

	return rows
}
