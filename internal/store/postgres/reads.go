package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/stratlab/optionflow/internal/models"
	"github.com/stratlab/optionflow/internal/store"
)

// Indicator whitelist for series reads. Each entry maps to the SQL
// aggregation expression per side; user input never reaches the query text
// except through this table.
var seriesExprs = map[string]map[models.OptionSide]string{
	"iv": {
		models.SideCall: "sum(call_iv_avg * call_count) / NULLIF(sum(call_count) FILTER (WHERE call_iv_avg IS NOT NULL), 0)",
		models.SidePut:  "sum(put_iv_avg * put_count) / NULLIF(sum(put_count) FILTER (WHERE put_iv_avg IS NOT NULL), 0)",
	},
	"delta": {
		models.SideCall: "sum(call_delta_avg * call_count) / NULLIF(sum(call_count) FILTER (WHERE call_delta_avg IS NOT NULL), 0)",
		models.SidePut:  "sum(put_delta_avg * put_count) / NULLIF(sum(put_count) FILTER (WHERE put_delta_avg IS NOT NULL), 0)",
	},
	"gamma": {
		models.SideCall: "sum(call_gamma_avg * call_count) / NULLIF(sum(call_count) FILTER (WHERE call_gamma_avg IS NOT NULL), 0)",
		models.SidePut:  "sum(put_gamma_avg * put_count) / NULLIF(sum(put_count) FILTER (WHERE put_gamma_avg IS NOT NULL), 0)",
	},
	"theta": {
		models.SideCall: "sum(call_theta_avg * call_count) / NULLIF(sum(call_count) FILTER (WHERE call_theta_avg IS NOT NULL), 0)",
		models.SidePut:  "sum(put_theta_avg * put_count) / NULLIF(sum(put_count) FILTER (WHERE put_theta_avg IS NOT NULL), 0)",
	},
	"vega": {
		models.SideCall: "sum(call_vega_avg * call_count) / NULLIF(sum(call_count) FILTER (WHERE call_vega_avg IS NOT NULL), 0)",
		models.SidePut:  "sum(put_vega_avg * put_count) / NULLIF(sum(put_count) FILTER (WHERE put_vega_avg IS NOT NULL), 0)",
	},
	"volume": {
		models.SideCall: "sum(call_volume)::float8",
		models.SidePut:  "sum(put_volume)::float8",
	},
	"oi": {
		models.SideCall: "sum(call_oi_sum)::float8",
		models.SidePut:  "sum(put_oi_sum)::float8",
	},
}

// ValidIndicator reports whether the indicator is queryable.
func ValidIndicator(indicator string) bool {
	_, ok := seriesExprs[indicator]
	return ok
}

// FetchLatestStrikes returns the rows of the latest available bucket per
// expiry (or of atBucket when pinned). One max-bucket probe plus one row
// select per expiry; no joins.
func (r *Repo) FetchLatestStrikes(ctx context.Context, symbol string, tf models.Timeframe, expiries []string, sr *store.StrikeRange, atBucket *time.Time) ([]models.StrikeBarRow, error) {
	if !tf.Valid() {
		return nil, fmt.Errorf("fetch latest strikes: %w: invalid timeframe %q", store.ErrStoreRejected, tf)
	}
	ctx, cancel := context.WithTimeout(ctx, r.readTimeout)
	defer cancel()

	table := strikeBarTable(tf)
	var out []models.StrikeBarRow

	for _, expiry := range expiries {
		bucket := atBucket
		if bucket == nil {
			var latest sql.NullTime
			probe := fmt.Sprintf(`SELECT max(bucket_time) FROM %s WHERE symbol = $1 AND expiry = $2`, table)
			if err := r.db.QueryRowxContext(ctx, probe, symbol, expiry).Scan(&latest); err != nil {
				return nil, classify("probe latest bucket", err)
			}
			if !latest.Valid {
				continue // unknown expiry: empty, not an error
			}
			bucket = &latest.Time
		}

		query := fmt.Sprintf(`SELECT %s FROM %s
			WHERE symbol = $1 AND expiry = $2 AND bucket_time = $3`, strikeBarColumns, table)
		args := []interface{}{symbol, expiry, *bucket}
		if sr != nil {
			query += ` AND strike >= $4 AND strike <= $5`
			args = append(args, sr.Low, sr.High)
		}
		query += ` ORDER BY strike`

		var rows []models.StrikeBarRow
		if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
			return nil, classify("fetch latest strikes", err)
		}
		out = append(out, rows...)
	}

	return out, nil
}

// FetchLatestExpiryMetrics returns the latest rollup row per expiry.
func (r *Repo) FetchLatestExpiryMetrics(ctx context.Context, symbol string, tf models.Timeframe, expiries []string) ([]models.ExpiryMetricsRow, error) {
	if !tf.Valid() {
		return nil, fmt.Errorf("fetch expiry metrics: %w: invalid timeframe %q", store.ErrStoreRejected, tf)
	}
	ctx, cancel := context.WithTimeout(ctx, r.readTimeout)
	defer cancel()

	table := expiryMetricsTable(tf)
	var out []models.ExpiryMetricsRow

	for _, expiry := range expiries {
		query := fmt.Sprintf(`SELECT bucket_time, timeframe, symbol, expiry,
			total_call_volume, total_put_volume, pcr, max_pain_strike, created_at, updated_at
			FROM %s WHERE symbol = $1 AND expiry = $2
			ORDER BY bucket_time DESC LIMIT 1`, table)

		var row models.ExpiryMetricsRow
		err := r.db.GetContext(ctx, &row, query, symbol, expiry)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, classify("fetch expiry metrics", err)
		}
		out = append(out, row)
	}

	return out, nil
}

// FetchStrikeSeries runs the store-side moneyness aggregation:
// GROUP BY bucket_time, expiry, moneyness_bucket with the expression chosen
// by indicator and side from the static whitelist.
func (r *Repo) FetchStrikeSeries(ctx context.Context, q store.SeriesQuery) ([]store.SeriesPoint, error) {
	if !q.Timeframe.Valid() {
		return nil, fmt.Errorf("fetch strike series: %w: invalid timeframe %q", store.ErrStoreRejected, q.Timeframe)
	}
	sideExprs, ok := seriesExprs[q.Indicator]
	if !ok {
		return nil, fmt.Errorf("fetch strike series: %w: unknown indicator %q", store.ErrStoreRejected, q.Indicator)
	}
	expr, ok := sideExprs[q.Side]
	if !ok {
		return nil, fmt.Errorf("fetch strike series: %w: unknown side %q", store.ErrStoreRejected, q.Side)
	}

	ctx, cancel := context.WithTimeout(ctx, r.readTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT bucket_time, expiry, moneyness_bucket, %s AS value
		FROM %s
		WHERE symbol = $1 AND expiry = ANY($2) AND bucket_time >= $3 AND bucket_time <= $4
		GROUP BY bucket_time, expiry, moneyness_bucket
		ORDER BY bucket_time, expiry, moneyness_bucket`,
		expr, strikeBarTable(q.Timeframe))

	var points []store.SeriesPoint
	if err := r.db.SelectContext(ctx, &points, query, q.Symbol, pq.Array(q.Expiries), q.From, q.To); err != nil {
		return nil, classify("fetch strike series", err)
	}
	return points, nil
}

// FetchStrikeHistory returns the candle-like per-strike rows for a window.
func (r *Repo) FetchStrikeHistory(ctx context.Context, symbol string, strike float64, expiry string, tf models.Timeframe, from, to time.Time) ([]models.StrikeBarRow, error) {
	if !tf.Valid() {
		return nil, fmt.Errorf("fetch strike history: %w: invalid timeframe %q", store.ErrStoreRejected, tf)
	}
	ctx, cancel := context.WithTimeout(ctx, r.readTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE symbol = $1 AND expiry = $2 AND strike = $3
		AND bucket_time >= $4 AND bucket_time <= $5
		ORDER BY bucket_time`, strikeBarColumns, strikeBarTable(tf))

	var rows []models.StrikeBarRow
	if err := r.db.SelectContext(ctx, &rows, query, symbol, expiry, strike, from, to); err != nil {
		return nil, classify("fetch strike history", err)
	}
	return rows, nil
}

// LatestBucket returns the newest persisted bucket for a symbol, used by
// the backfill gap detector. ok is false when the symbol has no rows.
func (r *Repo) LatestBucket(ctx context.Context, symbol string, tf models.Timeframe) (time.Time, bool, error) {
	if !tf.Valid() {
		return time.Time{}, false, fmt.Errorf("latest bucket: %w: invalid timeframe %q", store.ErrStoreRejected, tf)
	}
	ctx, cancel := context.WithTimeout(ctx, r.readTimeout)
	defer cancel()

	var latest sql.NullTime
	query := fmt.Sprintf(`SELECT max(bucket_time) FROM %s WHERE symbol = $1`, strikeBarTable(tf))
	if err := r.db.QueryRowxContext(ctx, query, symbol).Scan(&latest); err != nil {
		return time.Time{}, false, classify("latest bucket", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time, true, nil
}
