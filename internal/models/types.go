package models

import (
	"time"
)

// Timeframe identifies the bucket duration for aggregation and storage.
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1min"
	Timeframe5Min  Timeframe = "5min"
	Timeframe15Min Timeframe = "15min"
)

// Duration returns the wall-clock length of one bucket.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1Min:
		return time.Minute
	case Timeframe5Min:
		return 5 * time.Minute
	case Timeframe15Min:
		return 15 * time.Minute
	default:
		return time.Minute
	}
}

// Valid reports whether the timeframe is one of the supported set.
func (tf Timeframe) Valid() bool {
	switch tf {
	case Timeframe1Min, Timeframe5Min, Timeframe15Min:
		return true
	}
	return false
}

// BucketStart floors ts to the containing bucket boundary.
func (tf Timeframe) BucketStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(tf.Duration())
}

// OptionSide is the option type. Wire values are CE/PE; CALL/PUT are
// accepted as aliases on ingest.
type OptionSide string

const (
	SideCall OptionSide = "CE"
	SidePut  OptionSide = "PE"
)

// ParseOptionSide normalizes a wire-format side string.
func ParseOptionSide(s string) (OptionSide, bool) {
	switch s {
	case "CE", "CALL", "call", "ce":
		return SideCall, true
	case "PE", "PUT", "put", "pe":
		return SidePut, true
	}
	return "", false
}

// DepthLevel is a single price level of an L2 book snapshot.
type DepthLevel struct {
	Price      float64 `json:"price"`
	Quantity   int64   `json:"quantity"`
	OrderCount int     `json:"orders"`
}

// Depth is an L2 snapshot attached to an option tick.
type Depth struct {
	Bids []DepthLevel `json:"buy"`
	Asks []DepthLevel `json:"sell"`
}

// OptionTick is a decoded per-tick option quote from the options channel.
// Greeks and OI are optional on the wire; nil means absent, never zero.
type OptionTick struct {
	Symbol    string     `json:"symbol"`
	Expiry    string     `json:"expiry"` // YYYY-MM-DD
	Strike    float64    `json:"strike"`
	Side      OptionSide `json:"option_side"`
	LastPrice float64    `json:"last_price"`
	Volume    int64      `json:"volume"`
	OI        *int64     `json:"oi,omitempty"`
	IV        *float64   `json:"iv,omitempty"`
	Delta     *float64   `json:"delta,omitempty"`
	Gamma     *float64   `json:"gamma,omitempty"`
	Theta     *float64   `json:"theta,omitempty"`
	Vega      *float64   `json:"vega,omitempty"`
	Timestamp time.Time  `json:"ts"`
	IsMock    bool       `json:"is_mock,omitempty"`
	Depth     *Depth     `json:"depth,omitempty"`

	// Count is the contribution weight when re-aggregating stored rows.
	// Zero means a single live tick.
	Count int64 `json:"count,omitempty"`
}

// Weight returns the tick's contribution count for weighted averages.
func (t *OptionTick) Weight() int64 {
	if t.Count > 0 {
		return t.Count
	}
	return 1
}

// UnderlyingBar is a decoded bar from the underlying channel.
type UnderlyingBar struct {
	Symbol    string    `json:"symbol"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"ts"`
	IsMock    bool      `json:"is_mock,omitempty"`
}

// Subscription event types. "removed" and "deleted" are aliases.
const (
	EventSubscriptionCreated = "subscription_created"
	EventSubscriptionRemoved = "subscription_removed"
	EventSubscriptionDeleted = "subscription_deleted"
)

// EventMetadata carries instrument identity on a subscription event.
type EventMetadata struct {
	TradingSymbol string  `json:"tradingsymbol"`
	Segment       string  `json:"segment"`
	Expiry        string  `json:"expiry,omitempty"`
	Strike        float64 `json:"strike,omitempty"`
	OptionSide    string  `json:"option_side,omitempty"`
}

// SubscriptionEvent is a decoded event from the events channel.
type SubscriptionEvent struct {
	EventType       string        `json:"event_type"`
	InstrumentToken int64         `json:"instrument_token"`
	Metadata        EventMetadata `json:"metadata"`
	Timestamp       time.Time     `json:"timestamp"`
}

// IsRemoval reports whether the event unsubscribes an instrument.
func (e *SubscriptionEvent) IsRemoval() bool {
	return e.EventType == EventSubscriptionRemoved || e.EventType == EventSubscriptionDeleted
}

// StrikeBarRow is one persisted per-strike bar, the unit of upsert and of
// broadcast. Pointer fields are nullable columns.
type StrikeBarRow struct {
	BucketTime time.Time `db:"bucket_time" json:"bucket_time"`
	Timeframe  Timeframe `db:"timeframe" json:"timeframe"`
	Symbol     string    `db:"symbol" json:"symbol"`
	Expiry     string    `db:"expiry" json:"expiry"`
	Strike     float64   `db:"strike" json:"strike"`

	UnderlyingClose *float64 `db:"underlying_close" json:"underlying_close,omitempty"`

	CallIVAvg    *float64 `db:"call_iv_avg" json:"call_iv_avg,omitempty"`
	PutIVAvg     *float64 `db:"put_iv_avg" json:"put_iv_avg,omitempty"`
	CallDeltaAvg *float64 `db:"call_delta_avg" json:"call_delta_avg,omitempty"`
	PutDeltaAvg  *float64 `db:"put_delta_avg" json:"put_delta_avg,omitempty"`
	CallGammaAvg *float64 `db:"call_gamma_avg" json:"call_gamma_avg,omitempty"`
	PutGammaAvg  *float64 `db:"put_gamma_avg" json:"put_gamma_avg,omitempty"`
	CallThetaAvg *float64 `db:"call_theta_avg" json:"call_theta_avg,omitempty"`
	PutThetaAvg  *float64 `db:"put_theta_avg" json:"put_theta_avg,omitempty"`
	CallVegaAvg  *float64 `db:"call_vega_avg" json:"call_vega_avg,omitempty"`
	PutVegaAvg   *float64 `db:"put_vega_avg" json:"put_vega_avg,omitempty"`

	CallVolume int64 `db:"call_volume" json:"call_volume"`
	PutVolume  int64 `db:"put_volume" json:"put_volume"`
	CallCount  int64 `db:"call_count" json:"call_count"`
	PutCount   int64 `db:"put_count" json:"put_count"`

	// OI is carried natively at every timeframe.
	CallOISum *int64 `db:"call_oi_sum" json:"call_oi_sum,omitempty"`
	PutOISum  *int64 `db:"put_oi_sum" json:"put_oi_sum,omitempty"`

	MoneynessBucket string `db:"moneyness_bucket" json:"moneyness_bucket"`

	LiquidityScoreAvg    *float64 `db:"liquidity_score_avg" json:"liquidity_score_avg,omitempty"`
	LiquidityScoreMin    *float64 `db:"liquidity_score_min" json:"liquidity_score_min,omitempty"`
	LiquidityTier        *string  `db:"liquidity_tier" json:"liquidity_tier,omitempty"`
	SpreadAbsAvg         *float64 `db:"spread_abs_avg" json:"spread_abs_avg,omitempty"`
	SpreadPctAvg         *float64 `db:"spread_pct_avg" json:"spread_pct_avg,omitempty"`
	SpreadPctMax         *float64 `db:"spread_pct_max" json:"spread_pct_max,omitempty"`
	DepthImbalancePctAvg *float64 `db:"depth_imbalance_pct_avg" json:"depth_imbalance_pct_avg,omitempty"`
	BookPressureAvg      *float64 `db:"book_pressure_avg" json:"book_pressure_avg,omitempty"`
	TotalBidQtyAvg       *float64 `db:"total_bid_qty_avg" json:"total_bid_qty_avg,omitempty"`
	TotalAskQtyAvg       *float64 `db:"total_ask_qty_avg" json:"total_ask_qty_avg,omitempty"`
	IsIlliquid           bool     `db:"is_illiquid" json:"is_illiquid"`
	IlliquidTickCount    int64    `db:"illiquid_tick_count" json:"illiquid_tick_count"`
	TotalTickCount       int64    `db:"total_tick_count" json:"total_tick_count"`

	CreatedAt time.Time `db:"created_at" json:"created_at,omitempty"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// ExpiryMetricsRow is the per-expiry rollup persisted alongside strike bars.
type ExpiryMetricsRow struct {
	BucketTime      time.Time `db:"bucket_time" json:"bucket_time"`
	Timeframe       Timeframe `db:"timeframe" json:"timeframe"`
	Symbol          string    `db:"symbol" json:"symbol"`
	Expiry          string    `db:"expiry" json:"expiry"`
	TotalCallVolume int64     `db:"total_call_volume" json:"total_call_volume"`
	TotalPutVolume  int64     `db:"total_put_volume" json:"total_put_volume"`
	PCR             *float64  `db:"pcr" json:"pcr,omitempty"`
	MaxPainStrike   *float64  `db:"max_pain_strike" json:"max_pain_strike,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at,omitempty"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// BucketSnapshot is the hub payload emitted after a successful flush.
type BucketSnapshot struct {
	Type          string            `json:"type"` // "bucket"
	Symbol        string            `json:"symbol"`
	Expiry        string            `json:"expiry"`
	Timeframe     Timeframe         `json:"timeframe"`
	BucketStart   time.Time         `json:"bucket_start"`
	Strikes       []StrikeBarRow    `json:"strikes"`
	ExpiryMetrics *ExpiryMetricsRow `json:"expiry_metrics,omitempty"`
}

// HistoryBar is one bar returned by the upstream history API.
type HistoryBar struct {
	Timestamp time.Time `json:"ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
	OI        *int64    `json:"oi,omitempty"`
}
