package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratlab/optionflow/internal/models"
)

func f(v float64) *float64 { return &v }
func i64(v int64) *int64   { return &v }

func testKey(tf models.Timeframe) BucketKey {
	return BucketKey{
		Symbol:      "NIFTY",
		Expiry:      "2025-11-06",
		Timeframe:   tf,
		BucketStart: time.Date(2025, 11, 6, 10, 0, 0, 0, time.UTC),
	}
}

func TestBucketWeightedIVAverage(t *testing.T) {
	bucket := NewStrikeBucket(testKey(models.Timeframe1Min))

	ticks := []*models.OptionTick{
		{Symbol: "NIFTY", Expiry: "2025-11-06", Strike: 25000, Side: models.SideCall, IV: f(0.20), Count: 3},
		{Symbol: "NIFTY", Expiry: "2025-11-06", Strike: 25000, Side: models.SideCall, IV: f(0.22), Count: 2},
		{Symbol: "NIFTY", Expiry: "2025-11-06", Strike: 25000, Side: models.SideCall, IV: nil, Count: 1},
	}
	for _, tick := range ticks {
		tick.Timestamp = bucket.Key.BucketStart.Add(10 * time.Second)
		bucket.ApplyTick(tick, 0)
	}

	rows := bucket.Materialize(50)
	require.Len(t, rows, 1)

	row := rows[0]
	require.NotNil(t, row.CallIVAvg)
	assert.InDelta(t, 0.2080, *row.CallIVAvg, 1e-9)
	assert.Equal(t, int64(6), row.CallCount)
	assert.Equal(t, int64(0), row.PutCount)
}

func TestBucketSidesAccumulateIndependently(t *testing.T) {
	bucket := NewStrikeBucket(testKey(models.Timeframe5Min))
	ts := bucket.Key.BucketStart.Add(time.Minute)

	bucket.ApplyTick(&models.OptionTick{
		Symbol: "NIFTY", Expiry: "2025-11-06", Strike: 24800, Side: models.SideCall,
		Volume: 100, OI: i64(5000), Delta: f(0.6), Timestamp: ts,
	}, 24650)
	bucket.ApplyTick(&models.OptionTick{
		Symbol: "NIFTY", Expiry: "2025-11-06", Strike: 24800, Side: models.SidePut,
		Volume: 40, OI: i64(3000), Delta: f(-0.4), Timestamp: ts,
	}, 24650)

	rows := bucket.Materialize(50)
	require.Len(t, rows, 1)
	row := rows[0]

	assert.Equal(t, int64(100), row.CallVolume)
	assert.Equal(t, int64(40), row.PutVolume)
	require.NotNil(t, row.CallOISum)
	assert.Equal(t, int64(5000), *row.CallOISum)
	require.NotNil(t, row.PutOISum)
	assert.Equal(t, int64(3000), *row.PutOISum)
	require.NotNil(t, row.CallDeltaAvg)
	assert.InDelta(t, 0.6, *row.CallDeltaAvg, 1e-9)
	require.NotNil(t, row.PutDeltaAvg)
	assert.InDelta(t, -0.4, *row.PutDeltaAvg, 1e-9)
}

func TestBucketOILastWriteWins(t *testing.T) {
	bucket := NewStrikeBucket(testKey(models.Timeframe1Min))
	ts := bucket.Key.BucketStart

	bucket.ApplyTick(&models.OptionTick{
		Symbol: "NIFTY", Expiry: "2025-11-06", Strike: 25000, Side: models.SideCall,
		OI: i64(1000), Timestamp: ts,
	}, 0)
	bucket.ApplyTick(&models.OptionTick{
		Symbol: "NIFTY", Expiry: "2025-11-06", Strike: 25000, Side: models.SideCall,
		OI: nil, Timestamp: ts.Add(time.Second),
	}, 0)
	bucket.ApplyTick(&models.OptionTick{
		Symbol: "NIFTY", Expiry: "2025-11-06", Strike: 25000, Side: models.SideCall,
		OI: i64(1200), Timestamp: ts.Add(2 * time.Second),
	}, 0)

	rows := bucket.Materialize(50)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].CallOISum)
	assert.Equal(t, int64(1200), *rows[0].CallOISum)
}

func TestBucketUnderlyingCloseByTimeframe(t *testing.T) {
	for _, tc := range []struct {
		tf   models.Timeframe
		want float64
	}{
		{models.Timeframe1Min, 24700},       // latest sample
		{models.Timeframe5Min, 24650},       // average of samples
	} {
		bucket := NewStrikeBucket(testKey(tc.tf))
		ts := bucket.Key.BucketStart

		bucket.ApplyTick(&models.OptionTick{
			Symbol: "NIFTY", Expiry: "2025-11-06", Strike: 25000, Side: models.SideCall, Timestamp: ts,
		}, 24600)
		bucket.ApplyTick(&models.OptionTick{
			Symbol: "NIFTY", Expiry: "2025-11-06", Strike: 25000, Side: models.SideCall, Timestamp: ts.Add(time.Second),
		}, 24700)

		rows := bucket.Materialize(50)
		require.Len(t, rows, 1, "timeframe %s", tc.tf)
		require.NotNil(t, rows[0].UnderlyingClose, "timeframe %s", tc.tf)
		assert.InDelta(t, tc.want, *rows[0].UnderlyingClose, 1e-9, "timeframe %s", tc.tf)
	}
}

func TestBucketDueRespectsGrace(t *testing.T) {
	bucket := NewStrikeBucket(testKey(models.Timeframe1Min))
	end := bucket.Key.End()
	grace := 15 * time.Second

	assert.False(t, bucket.Due(end, grace))
	assert.False(t, bucket.Due(end.Add(14*time.Second), grace))
	assert.True(t, bucket.Due(end.Add(16*time.Second), grace))
}

func TestBucketRetryBackoffDoublesAndCaps(t *testing.T) {
	bucket := NewStrikeBucket(testKey(models.Timeframe1Min))
	now := time.Now()

	bucket.ScheduleRetry(now)
	assert.Equal(t, time.Second, bucket.retryWait)
	assert.False(t, bucket.Due(now, 0))
	assert.True(t, bucket.Due(now.Add(time.Second), 0))

	for i := 0; i < 10; i++ {
		bucket.ScheduleRetry(now)
	}
	assert.Equal(t, time.Minute, bucket.retryWait)
}

func TestMoneynessLabels(t *testing.T) {
	const underlying = 24650.0
	const gap = 50.0

	for _, tc := range []struct {
		strike float64
		want   string
	}{
		{24650, "ATM"},
		{24660, "ATM"},
		{24675, "OTM1"}, // exactly half a gap is no longer ATM
		{24700, "OTM1"},
		{24600, "ITM1"},
		{24900, "OTM5"},
		{24400, "ITM5"},
		{30000, "OTM10"}, // clamped
		{20000, "ITM10"}, // clamped
	} {
		got := Moneyness(tc.strike, underlying, gap)
		assert.Equal(t, tc.want, got, "strike %g", tc.strike)
	}
}
