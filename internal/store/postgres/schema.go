package postgres

import (
	"fmt"
	"strings"

	"github.com/stratlab/optionflow/internal/models"
)

// Table naming. One bar table and one expiry-metrics table per timeframe;
// the 5-min and 15-min tables carry OI natively so read paths never join
// back to the 1-min base.
func strikeBarTable(tf models.Timeframe) string {
	return "fo_option_strike_bars_" + string(tf)
}

func expiryMetricsTable(tf models.Timeframe) string {
	return "fo_option_expiry_metrics_" + string(tf)
}

const strikeBarColumns = `bucket_time, timeframe, symbol, expiry, strike,
	underlying_close,
	call_iv_avg, put_iv_avg, call_delta_avg, put_delta_avg,
	call_gamma_avg, put_gamma_avg, call_theta_avg, put_theta_avg,
	call_vega_avg, put_vega_avg,
	call_volume, put_volume, call_count, put_count,
	call_oi_sum, put_oi_sum,
	moneyness_bucket,
	liquidity_score_avg, liquidity_score_min, liquidity_tier,
	spread_abs_avg, spread_pct_avg, spread_pct_max,
	depth_imbalance_pct_avg, book_pressure_avg,
	total_bid_qty_avg, total_ask_qty_avg,
	is_illiquid, illiquid_tick_count, total_tick_count,
	created_at, updated_at`

func strikeBarDDL(tf models.Timeframe) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	bucket_time TIMESTAMPTZ NOT NULL,
	timeframe TEXT NOT NULL,
	symbol TEXT NOT NULL,
	expiry DATE NOT NULL,
	strike NUMERIC NOT NULL,
	underlying_close DOUBLE PRECISION,
	call_iv_avg DOUBLE PRECISION,
	put_iv_avg DOUBLE PRECISION,
	call_delta_avg DOUBLE PRECISION,
	put_delta_avg DOUBLE PRECISION,
	call_gamma_avg DOUBLE PRECISION,
	put_gamma_avg DOUBLE PRECISION,
	call_theta_avg DOUBLE PRECISION,
	put_theta_avg DOUBLE PRECISION,
	call_vega_avg DOUBLE PRECISION,
	put_vega_avg DOUBLE PRECISION,
	call_volume BIGINT NOT NULL DEFAULT 0,
	put_volume BIGINT NOT NULL DEFAULT 0,
	call_count BIGINT NOT NULL DEFAULT 0,
	put_count BIGINT NOT NULL DEFAULT 0,
	call_oi_sum BIGINT,
	put_oi_sum BIGINT,
	moneyness_bucket TEXT NOT NULL DEFAULT '',
	liquidity_score_avg DOUBLE PRECISION,
	liquidity_score_min DOUBLE PRECISION,
	liquidity_tier TEXT,
	spread_abs_avg DOUBLE PRECISION,
	spread_pct_avg DOUBLE PRECISION,
	spread_pct_max DOUBLE PRECISION,
	depth_imbalance_pct_avg DOUBLE PRECISION,
	book_pressure_avg DOUBLE PRECISION,
	total_bid_qty_avg DOUBLE PRECISION,
	total_ask_qty_avg DOUBLE PRECISION,
	is_illiquid BOOLEAN NOT NULL DEFAULT FALSE,
	illiquid_tick_count BIGINT NOT NULL DEFAULT 0,
	total_tick_count BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (symbol, expiry, timeframe, bucket_time, strike)
);
CREATE INDEX IF NOT EXISTS idx_%s_symbol_time ON %s (symbol, bucket_time DESC);
CREATE INDEX IF NOT EXISTS idx_%s_moneyness ON %s (symbol, moneyness_bucket, bucket_time DESC);`,
		strikeBarTable(tf),
		strikeBarTable(tf), strikeBarTable(tf),
		strikeBarTable(tf), strikeBarTable(tf))
}

func expiryMetricsDDL(tf models.Timeframe) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	bucket_time TIMESTAMPTZ NOT NULL,
	timeframe TEXT NOT NULL,
	symbol TEXT NOT NULL,
	expiry DATE NOT NULL,
	total_call_volume BIGINT NOT NULL DEFAULT 0,
	total_put_volume BIGINT NOT NULL DEFAULT 0,
	pcr DOUBLE PRECISION,
	max_pain_strike DOUBLE PRECISION,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (symbol, expiry, timeframe, bucket_time)
);
CREATE INDEX IF NOT EXISTS idx_%s_symbol_time ON %s (symbol, bucket_time DESC);`,
		expiryMetricsTable(tf),
		expiryMetricsTable(tf), expiryMetricsTable(tf))
}

// RollupSQL re-derives an aggregated timeframe from the 1-min base with OI
// materialized natively. The live path writes every timeframe directly; this
// statement exists as a repair path when aggregated rows need rebuilding.
// Count and volume are sums, IV/Greeks are count-weighted averages, OI is
// the value from the latest contributing 1-min bar, and underlying_close is
// the average of the 1-min samples.
func RollupSQL(tf models.Timeframe) string {
	minutes := int(tf.Duration().Minutes())
	return fmt.Sprintf(`INSERT INTO %s (
	bucket_time, timeframe, symbol, expiry, strike,
	underlying_close,
	call_iv_avg, put_iv_avg, call_delta_avg, put_delta_avg,
	call_gamma_avg, put_gamma_avg, call_theta_avg, put_theta_avg,
	call_vega_avg, put_vega_avg,
	call_volume, put_volume, call_count, put_count,
	call_oi_sum, put_oi_sum,
	moneyness_bucket,
	is_illiquid, illiquid_tick_count, total_tick_count)
SELECT
	to_timestamp(floor(extract(epoch FROM bucket_time) / (%d * 60)) * %d * 60) AS bt,
	'%s', symbol, expiry, strike,
	avg(underlying_close),
	sum(call_iv_avg * call_count) / NULLIF(sum(call_count) FILTER (WHERE call_iv_avg IS NOT NULL), 0),
	sum(put_iv_avg * put_count) / NULLIF(sum(put_count) FILTER (WHERE put_iv_avg IS NOT NULL), 0),
	sum(call_delta_avg * call_count) / NULLIF(sum(call_count) FILTER (WHERE call_delta_avg IS NOT NULL), 0),
	sum(put_delta_avg * put_count) / NULLIF(sum(put_count) FILTER (WHERE put_delta_avg IS NOT NULL), 0),
	sum(call_gamma_avg * call_count) / NULLIF(sum(call_count) FILTER (WHERE call_gamma_avg IS NOT NULL), 0),
	sum(put_gamma_avg * put_count) / NULLIF(sum(put_count) FILTER (WHERE put_gamma_avg IS NOT NULL), 0),
	sum(call_theta_avg * call_count) / NULLIF(sum(call_count) FILTER (WHERE call_theta_avg IS NOT NULL), 0),
	sum(put_theta_avg * put_count) / NULLIF(sum(put_count) FILTER (WHERE put_theta_avg IS NOT NULL), 0),
	sum(call_vega_avg * call_count) / NULLIF(sum(call_count) FILTER (WHERE call_vega_avg IS NOT NULL), 0),
	sum(put_vega_avg * put_count) / NULLIF(sum(put_count) FILTER (WHERE put_vega_avg IS NOT NULL), 0),
	sum(call_volume), sum(put_volume), sum(call_count), sum(put_count),
	(array_agg(call_oi_sum ORDER BY bucket_time DESC))[1],
	(array_agg(put_oi_sum ORDER BY bucket_time DESC))[1],
	(array_agg(moneyness_bucket ORDER BY bucket_time DESC))[1],
	sum(illiquid_tick_count) > sum(total_tick_count) / 2,
	sum(illiquid_tick_count), sum(total_tick_count)
FROM %s
WHERE symbol = $1 AND bucket_time >= $2 AND bucket_time < $3
GROUP BY bt, symbol, expiry, strike
ON CONFLICT (symbol, expiry, timeframe, bucket_time, strike) DO UPDATE SET
	call_volume = EXCLUDED.call_volume,
	put_volume = EXCLUDED.put_volume,
	call_count = EXCLUDED.call_count,
	put_count = EXCLUDED.put_count,
	call_oi_sum = EXCLUDED.call_oi_sum,
	put_oi_sum = EXCLUDED.put_oi_sum,
	updated_at = now()`,
		strikeBarTable(tf), minutes, minutes, tf, strikeBarTable(models.Timeframe1Min))
}

// Schema returns the full DDL for every timeframe, suitable for the
// `optionflow schema` subcommand.
func Schema() string {
	var b strings.Builder
	for _, tf := range []models.Timeframe{models.Timeframe1Min, models.Timeframe5Min, models.Timeframe15Min} {
		b.WriteString(strikeBarDDL(tf))
		b.WriteString("\n\n")
		b.WriteString(expiryMetricsDDL(tf))
		b.WriteString("\n\n")
	}
	return b.String()
}
