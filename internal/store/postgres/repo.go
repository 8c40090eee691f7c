package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/stratlab/optionflow/internal/models"
	"github.com/stratlab/optionflow/internal/store"
	"github.com/stratlab/optionflow/internal/telemetry"
)

// Repo implements store.Store on Postgres via sqlx. Writes are bounded by
// a semaphore so aggregation bursts cannot exhaust the pool that query
// reads share.
type Repo struct {
	db           *sqlx.DB
	readTimeout  time.Duration
	writeTimeout time.Duration
	writeSem     chan struct{}
	metrics      *telemetry.Metrics
}

// NewRepo creates the repository. maxInflight bounds concurrent writes.
func NewRepo(db *sqlx.DB, readTimeout, writeTimeout time.Duration, maxInflight int, metrics *telemetry.Metrics) *Repo {
	if maxInflight <= 0 {
		maxInflight = 32
	}
	return &Repo{
		db:           db,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		writeSem:     make(chan struct{}, maxInflight),
		metrics:      metrics,
	}
}

// EnsureSchema applies the DDL for all timeframes.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema()); err != nil {
		return classify("ensure schema", err)
	}
	log.Info().Msg("store schema ensured")
	return nil
}

func (r *Repo) acquireWrite(ctx context.Context) error {
	select {
	case r.writeSem <- struct{}{}:
		if r.metrics != nil {
			r.metrics.InflightWrites.Inc()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Repo) releaseWrite() {
	<-r.writeSem
	if r.metrics != nil {
		r.metrics.InflightWrites.Dec()
	}
}

const upsertStrikeBarSQL = `INSERT INTO %s (` + strikeBarColumns + `)
VALUES (:bucket_time, :timeframe, :symbol, :expiry, :strike,
	:underlying_close,
	:call_iv_avg, :put_iv_avg, :call_delta_avg, :put_delta_avg,
	:call_gamma_avg, :put_gamma_avg, :call_theta_avg, :put_theta_avg,
	:call_vega_avg, :put_vega_avg,
	:call_volume, :put_volume, :call_count, :put_count,
	:call_oi_sum, :put_oi_sum,
	:moneyness_bucket,
	:liquidity_score_avg, :liquidity_score_min, :liquidity_tier,
	:spread_abs_avg, :spread_pct_avg, :spread_pct_max,
	:depth_imbalance_pct_avg, :book_pressure_avg,
	:total_bid_qty_avg, :total_ask_qty_avg,
	:is_illiquid, :illiquid_tick_count, :total_tick_count,
	now(), now())
ON CONFLICT (symbol, expiry, timeframe, bucket_time, strike) DO UPDATE SET
	underlying_close = EXCLUDED.underlying_close,
	call_iv_avg = EXCLUDED.call_iv_avg,
	put_iv_avg = EXCLUDED.put_iv_avg,
	call_delta_avg = EXCLUDED.call_delta_avg,
	put_delta_avg = EXCLUDED.put_delta_avg,
	call_gamma_avg = EXCLUDED.call_gamma_avg,
	put_gamma_avg = EXCLUDED.put_gamma_avg,
	call_theta_avg = EXCLUDED.call_theta_avg,
	put_theta_avg = EXCLUDED.put_theta_avg,
	call_vega_avg = EXCLUDED.call_vega_avg,
	put_vega_avg = EXCLUDED.put_vega_avg,
	call_volume = EXCLUDED.call_volume,
	put_volume = EXCLUDED.put_volume,
	call_count = EXCLUDED.call_count,
	put_count = EXCLUDED.put_count,
	call_oi_sum = EXCLUDED.call_oi_sum,
	put_oi_sum = EXCLUDED.put_oi_sum,
	moneyness_bucket = EXCLUDED.moneyness_bucket,
	liquidity_score_avg = EXCLUDED.liquidity_score_avg,
	liquidity_score_min = EXCLUDED.liquidity_score_min,
	liquidity_tier = EXCLUDED.liquidity_tier,
	spread_abs_avg = EXCLUDED.spread_abs_avg,
	spread_pct_avg = EXCLUDED.spread_pct_avg,
	spread_pct_max = EXCLUDED.spread_pct_max,
	depth_imbalance_pct_avg = EXCLUDED.depth_imbalance_pct_avg,
	book_pressure_avg = EXCLUDED.book_pressure_avg,
	total_bid_qty_avg = EXCLUDED.total_bid_qty_avg,
	total_ask_qty_avg = EXCLUDED.total_ask_qty_avg,
	is_illiquid = EXCLUDED.is_illiquid,
	illiquid_tick_count = EXCLUDED.illiquid_tick_count,
	total_tick_count = EXCLUDED.total_tick_count,
	updated_at = now()`

// UpsertStrikeBars writes rows idempotently keyed by
// (symbol, expiry, timeframe, bucket_time, strike). Rows may span
// timeframes; they are grouped per target table inside one transaction.
func (r *Repo) UpsertStrikeBars(ctx context.Context, rows []models.StrikeBarRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := r.acquireWrite(ctx); err != nil {
		return err
	}
	defer r.releaseWrite()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("begin strike bars tx", err)
	}
	defer tx.Rollback()

	byTF := make(map[models.Timeframe][]models.StrikeBarRow)
	for _, row := range rows {
		if !row.Timeframe.Valid() {
			return fmt.Errorf("upsert strike bars: %w: invalid timeframe %q", store.ErrStoreRejected, row.Timeframe)
		}
		byTF[row.Timeframe] = append(byTF[row.Timeframe], row)
	}

	for tf, group := range byTF {
		query := fmt.Sprintf(upsertStrikeBarSQL, strikeBarTable(tf))
		for _, row := range group {
			if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
				r.observeWrite("strike_bars", "error", start)
				return classify("upsert strike bars", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		r.observeWrite("strike_bars", "error", start)
		return classify("commit strike bars", err)
	}

	r.observeWrite("strike_bars", "ok", start)
	return nil
}

const upsertExpiryMetricsSQL = `INSERT INTO %s (
	bucket_time, timeframe, symbol, expiry,
	total_call_volume, total_put_volume, pcr, max_pain_strike,
	created_at, updated_at)
VALUES (:bucket_time, :timeframe, :symbol, :expiry,
	:total_call_volume, :total_put_volume, :pcr, :max_pain_strike,
	now(), now())
ON CONFLICT (symbol, expiry, timeframe, bucket_time) DO UPDATE SET
	total_call_volume = EXCLUDED.total_call_volume,
	total_put_volume = EXCLUDED.total_put_volume,
	pcr = EXCLUDED.pcr,
	max_pain_strike = EXCLUDED.max_pain_strike,
	updated_at = now()`

// UpsertExpiryMetrics writes per-expiry rollups with the same conflict
// semantics as strike bars.
func (r *Repo) UpsertExpiryMetrics(ctx context.Context, rows []models.ExpiryMetricsRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := r.acquireWrite(ctx); err != nil {
		return err
	}
	defer r.releaseWrite()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("begin expiry metrics tx", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		if !row.Timeframe.Valid() {
			return fmt.Errorf("upsert expiry metrics: %w: invalid timeframe %q", store.ErrStoreRejected, row.Timeframe)
		}
		query := fmt.Sprintf(upsertExpiryMetricsSQL, expiryMetricsTable(row.Timeframe))
		if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
			r.observeWrite("expiry_metrics", "error", start)
			return classify("upsert expiry metrics", err)
		}
	}

	if err := tx.Commit(); err != nil {
		r.observeWrite("expiry_metrics", "error", start)
		return classify("commit expiry metrics", err)
	}

	r.observeWrite("expiry_metrics", "ok", start)
	return nil
}

func (r *Repo) observeWrite(table, result string, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.StoreWrites.WithLabelValues(table, result).Inc()
	r.metrics.StoreDuration.WithLabelValues("upsert_" + table).Observe(time.Since(start).Seconds())
}

// Close releases the underlying pool.
func (r *Repo) Close() error {
	return r.db.Close()
}
