package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBucketStartFloorsToBoundary(t *testing.T) {
	ts := time.Date(2025, 11, 6, 10, 7, 42, 0, time.UTC)

	for _, tc := range []struct {
		tf   Timeframe
		want time.Time
	}{
		{Timeframe1Min, time.Date(2025, 11, 6, 10, 7, 0, 0, time.UTC)},
		{Timeframe5Min, time.Date(2025, 11, 6, 10, 5, 0, 0, time.UTC)},
		{Timeframe15Min, time.Date(2025, 11, 6, 10, 0, 0, 0, time.UTC)},
	} {
		assert.Equal(t, tc.want, tc.tf.BucketStart(ts), string(tc.tf))
	}
}

func TestBucketStartNormalizesZone(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	local := time.Date(2025, 11, 6, 15, 37, 30, 0, ist) // 10:07:30 UTC

	got := Timeframe5Min.BucketStart(local)
	assert.Equal(t, time.Date(2025, 11, 6, 10, 5, 0, 0, time.UTC), got)
}

func TestTimeframeValid(t *testing.T) {
	assert.True(t, Timeframe1Min.Valid())
	assert.True(t, Timeframe5Min.Valid())
	assert.True(t, Timeframe15Min.Valid())
	assert.False(t, Timeframe("7min").Valid())
	assert.False(t, Timeframe("").Valid())
}

func TestParseOptionSide(t *testing.T) {
	for raw, want := range map[string]OptionSide{
		"CE": SideCall, "CALL": SideCall, "ce": SideCall,
		"PE": SidePut, "PUT": SidePut, "pe": SidePut,
	} {
		got, ok := ParseOptionSide(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}

	_, ok := ParseOptionSide("STRANGLE")
	assert.False(t, ok)
	_, ok = ParseOptionSide("")
	assert.False(t, ok)
}

func TestTickWeightDefaultsToOne(t *testing.T) {
	assert.Equal(t, int64(1), (&OptionTick{}).Weight())
	assert.Equal(t, int64(5), (&OptionTick{Count: 5}).Weight())
}

func TestSubscriptionEventIsRemoval(t *testing.T) {
	assert.False(t, (&SubscriptionEvent{EventType: EventSubscriptionCreated}).IsRemoval())
	assert.True(t, (&SubscriptionEvent{EventType: EventSubscriptionRemoved}).IsRemoval())
	assert.True(t, (&SubscriptionEvent{EventType: EventSubscriptionDeleted}).IsRemoval())
}
