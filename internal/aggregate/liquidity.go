package aggregate

import (
	"github.com/stratlab/optionflow/internal/models"
)

// Per-tick liquidity scoring thresholds. The composite score is on a 0-100
// scale; ticks under illiquidScoreFloor or wider than illiquidSpreadPct
// count as illiquid.
const (
	spreadPenaltyPerPct = 20.0
	depthNormQty        = 1000.0
	illiquidScoreFloor  = 30.0
	illiquidSpreadPct   = 5.0
)

// tickLiquidity is the liquidity view of a single tick's depth snapshot.
type tickLiquidity struct {
	spreadAbs       float64
	spreadPct       float64
	totalBidQty     float64
	totalAskQty     float64
	depthImbalance  float64 // percent, positive = bid-heavy
	bookPressure    float64 // bid share of resting qty, 0..1
	score           float64
	illiquid        bool
}

// evalDepth computes per-tick liquidity from an L2 snapshot. Returns false
// when the book is one-sided or empty.
func evalDepth(lastPrice float64, depth *models.Depth) (tickLiquidity, bool) {
	if depth == nil || len(depth.Bids) == 0 || len(depth.Asks) == 0 {
		return tickLiquidity{}, false
	}

	bestBid := depth.Bids[0].Price
	bestAsk := depth.Asks[0].Price
	if bestBid <= 0 || bestAsk <= 0 || bestAsk < bestBid {
		return tickLiquidity{}, false
	}

	var bidQty, askQty float64
	for _, l := range depth.Bids {
		bidQty += float64(l.Quantity)
	}
	for _, l := range depth.Asks {
		askQty += float64(l.Quantity)
	}

	mid := (bestBid + bestAsk) / 2
	if lastPrice > 0 {
		mid = lastPrice
	}

	lq := tickLiquidity{
		spreadAbs:   bestAsk - bestBid,
		totalBidQty: bidQty,
		totalAskQty: askQty,
	}
	if mid > 0 {
		lq.spreadPct = lq.spreadAbs / mid * 100
	}
	if total := bidQty + askQty; total > 0 {
		lq.depthImbalance = (bidQty - askQty) / total * 100
		lq.bookPressure = bidQty / total
	}

	spreadScore := 100 - lq.spreadPct*spreadPenaltyPerPct
	if spreadScore < 0 {
		spreadScore = 0
	}
	depthScore := (bidQty + askQty) / depthNormQty * 100
	if depthScore > 100 {
		depthScore = 100
	}
	lq.score = 0.6*spreadScore + 0.4*depthScore
	lq.illiquid = lq.score < illiquidScoreFloor || lq.spreadPct > illiquidSpreadPct

	return lq, true
}

// liquidityAgg folds per-tick liquidity into the per-bucket summary.
type liquidityAgg struct {
	ticks          int64
	illiquidTicks  int64
	spreadAbsSum   float64
	spreadPctSum   float64
	spreadPctMax   float64
	imbalanceSum   float64
	pressureSum    float64
	bidQtySum      float64
	askQtySum      float64
	scoreSum       float64
	scoreMin       float64
	tierCounts     map[string]int64
}

func (a *liquidityAgg) add(lq tickLiquidity) {
	if a.tierCounts == nil {
		a.tierCounts = make(map[string]int64, 3)
		a.scoreMin = lq.score
	}
	if lq.score < a.scoreMin {
		a.scoreMin = lq.score
	}

	a.ticks++
	if lq.illiquid {
		a.illiquidTicks++
	}
	a.spreadAbsSum += lq.spreadAbs
	a.spreadPctSum += lq.spreadPct
	if lq.spreadPct > a.spreadPctMax {
		a.spreadPctMax = lq.spreadPct
	}
	a.imbalanceSum += lq.depthImbalance
	a.pressureSum += lq.bookPressure
	a.bidQtySum += lq.totalBidQty
	a.askQtySum += lq.totalAskQty
	a.scoreSum += lq.score
	a.tierCounts[scoreTier(lq.score)]++
}

func scoreTier(score float64) string {
	switch {
	case score >= 70:
		return "TIER1"
	case score >= 40:
		return "TIER2"
	default:
		return "TIER3"
	}
}

// fill writes the bucket summary onto a materialized row. A bucket is
// illiquid when more than half of its depth-bearing ticks were.
func (a *liquidityAgg) fill(row *models.StrikeBarRow) {
	row.TotalTickCount = a.ticks
	row.IlliquidTickCount = a.illiquidTicks
	if a.ticks == 0 {
		return
	}

	n := float64(a.ticks)
	row.SpreadAbsAvg = f64(a.spreadAbsSum / n)
	row.SpreadPctAvg = f64(a.spreadPctSum / n)
	row.SpreadPctMax = f64(a.spreadPctMax)
	row.DepthImbalancePctAvg = f64(a.imbalanceSum / n)
	row.BookPressureAvg = f64(a.pressureSum / n)
	row.TotalBidQtyAvg = f64(a.bidQtySum / n)
	row.TotalAskQtyAvg = f64(a.askQtySum / n)
	row.LiquidityScoreAvg = f64(a.scoreSum / n)
	row.LiquidityScoreMin = f64(a.scoreMin)
	row.IsIlliquid = a.illiquidTicks*2 > a.ticks

	var mode string
	var best int64 = -1
	for _, tier := range []string{"TIER1", "TIER2", "TIER3"} {
		if c := a.tierCounts[tier]; c > best {
			best = c
			mode = tier
		}
	}
	row.LiquidityTier = &mode
}

func f64(v float64) *float64 { return &v }
