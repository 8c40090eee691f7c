package aggregate

import (
	"sort"

	"github.com/stratlab/optionflow/internal/models"
)

// ComputeExpiryMetrics derives the per-expiry rollup from the materialized
// strike rows of one completed bucket: total volumes, put/call ratio, and
// max-pain strike. PCR is nil when call volume is zero; max-pain is nil
// when no strikes were observed.
func ComputeExpiryMetrics(key BucketKey, rows []models.StrikeBarRow) models.ExpiryMetricsRow {
	out := models.ExpiryMetricsRow{
		BucketTime: key.BucketStart,
		Timeframe:  key.Timeframe,
		Symbol:     key.Symbol,
		Expiry:     key.Expiry,
	}

	strikes := make([]float64, 0, len(rows))
	callVol := make(map[float64]int64, len(rows))
	putVol := make(map[float64]int64, len(rows))

	for _, row := range rows {
		strikes = append(strikes, row.Strike)
		callVol[row.Strike] = row.CallVolume
		putVol[row.Strike] = row.PutVolume
		out.TotalCallVolume += row.CallVolume
		out.TotalPutVolume += row.PutVolume
	}

	if out.TotalCallVolume > 0 {
		pcr := float64(out.TotalPutVolume) / float64(out.TotalCallVolume)
		out.PCR = &pcr
	}
	out.MaxPainStrike = maxPain(strikes, callVol, putVol)

	return out
}

// maxPain evaluates the pain function at each observed strike and returns
// the argmin. Iterating strikes in ascending order and requiring a strict
// improvement makes ties resolve to the lowest strike.
func maxPain(strikes []float64, callVol, putVol map[float64]int64) *float64 {
	if len(strikes) == 0 {
		return nil
	}
	sort.Float64s(strikes)

	var best float64
	var bestPain float64
	for i, candidate := range strikes {
		var pain float64
		for _, s := range strikes {
			if s > candidate {
				pain += (s - candidate) * float64(callVol[s])
			} else if s < candidate {
				pain += (candidate - s) * float64(putVol[s])
			}
		}
		if i == 0 || pain < bestPain {
			bestPain = pain
			best = candidate
		}
	}
	return &best
}
