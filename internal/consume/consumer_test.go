package consume

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratlab/optionflow/internal/models"
)

func newTestConsumer(handle Handlers) *Consumer {
	return New(nil, "ticker:live", 16, true, nil, handle)
}

func TestProcessTickDecodesAndDispatches(t *testing.T) {
	var got *models.OptionTick
	c := newTestConsumer(Handlers{OnTick: func(tick *models.OptionTick) { got = tick }})

	c.processTick(`{
		"symbol": "NIFTY",
		"expiry": "2025-11-06",
		"strike": 25000,
		"option_side": "CE",
		"last_price": 123.45,
		"volume": 100,
		"oi": 5000,
		"iv": 0.21,
		"ts": "2025-11-06T10:00:12Z"
	}`)

	require.NotNil(t, got)
	assert.Equal(t, "NIFTY", got.Symbol)
	assert.Equal(t, models.SideCall, got.Side)
	assert.Equal(t, 25000.0, got.Strike)
	require.NotNil(t, got.OI)
	assert.Equal(t, int64(5000), *got.OI)
	require.NotNil(t, got.IV)
	assert.InDelta(t, 0.21, *got.IV, 1e-9)
	assert.Nil(t, got.Delta, "absent greek stays nil")
}

func TestProcessTickAcceptsSideAliases(t *testing.T) {
	for alias, want := range map[string]models.OptionSide{
		"CE":   models.SideCall,
		"CALL": models.SideCall,
		"PE":   models.SidePut,
		"PUT":  models.SidePut,
	} {
		var got *models.OptionTick
		c := newTestConsumer(Handlers{OnTick: func(tick *models.OptionTick) { got = tick }})
		c.processTick(`{"symbol":"NIFTY","expiry":"2025-11-06","strike":25000,"option_side":"` + alias + `","last_price":1,"ts":"2025-11-06T10:00:00Z"}`)
		require.NotNil(t, got, "alias %s", alias)
		assert.Equal(t, want, got.Side, "alias %s", alias)
	}
}

func TestProcessTickRejectsInvalid(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":       `{`,
		"missing symbol": `{"expiry":"2025-11-06","strike":25000,"option_side":"CE","last_price":1,"ts":"2025-11-06T10:00:00Z"}`,
		"bad expiry":     `{"symbol":"NIFTY","expiry":"06-11-2025","strike":25000,"option_side":"CE","last_price":1,"ts":"2025-11-06T10:00:00Z"}`,
		"zero strike":    `{"symbol":"NIFTY","expiry":"2025-11-06","strike":0,"option_side":"CE","last_price":1,"ts":"2025-11-06T10:00:00Z"}`,
		"bad side":       `{"symbol":"NIFTY","expiry":"2025-11-06","strike":25000,"option_side":"STRADDLE","last_price":1,"ts":"2025-11-06T10:00:00Z"}`,
		"negative price": `{"symbol":"NIFTY","expiry":"2025-11-06","strike":25000,"option_side":"CE","last_price":-1,"ts":"2025-11-06T10:00:00Z"}`,
		"iv too high":    `{"symbol":"NIFTY","expiry":"2025-11-06","strike":25000,"option_side":"CE","last_price":1,"iv":42,"ts":"2025-11-06T10:00:00Z"}`,
	} {
		called := false
		c := newTestConsumer(Handlers{OnTick: func(*models.OptionTick) { called = true }})
		c.processTick(payload)
		assert.False(t, called, "payload %q dispatched: %s", name, payload)
	}
}

func TestProcessUnderlying(t *testing.T) {
	var got *models.UnderlyingBar
	c := newTestConsumer(Handlers{OnUnderlying: func(bar *models.UnderlyingBar) { got = bar }})

	c.processUnderlying(`{"symbol":"NIFTY","open":24600,"high":24720,"low":24580,"close":24710,"volume":12345,"ts":"2025-11-06T10:00:00Z"}`)
	require.NotNil(t, got)
	assert.Equal(t, 24710.0, got.Close)
	assert.Equal(t, time.Date(2025, 11, 6, 10, 0, 0, 0, time.UTC), got.Timestamp.UTC())

	got = nil
	c.processUnderlying(`{"symbol":"","close":24710,"ts":"2025-11-06T10:00:00Z"}`)
	assert.Nil(t, got, "missing symbol rejected")

	c.processUnderlying(`{"symbol":"NIFTY","close":0,"ts":"2025-11-06T10:00:00Z"}`)
	assert.Nil(t, got, "zero close rejected")
}

func TestProcessEvent(t *testing.T) {
	var got *models.SubscriptionEvent
	c := newTestConsumer(Handlers{OnEvent: func(ev *models.SubscriptionEvent) { got = ev }})

	c.processEvent(`{
		"event_type": "subscription_created",
		"instrument_token": 13660418,
		"metadata": {
			"tradingsymbol": "NIFTY25NOV24500CE",
			"segment": "NFO-OPT",
			"expiry": "2025-11-28",
			"strike": 24500,
			"option_side": "CE"
		},
		"timestamp": "2025-11-06T10:00:00Z"
	}`)

	require.NotNil(t, got)
	assert.Equal(t, int64(13660418), got.InstrumentToken)
	assert.Equal(t, "NFO-OPT", got.Metadata.Segment)
	assert.False(t, got.IsRemoval())

	got = nil
	c.processEvent(`{"event_type":"portfolio_rebalanced","instrument_token":1}`)
	assert.Nil(t, got, "unknown event type rejected")

	c.processEvent(`{"event_type":"subscription_created","instrument_token":0}`)
	assert.Nil(t, got, "missing token rejected")
}

func TestRemovalEventAliases(t *testing.T) {
	for _, eventType := range []string{"subscription_removed", "subscription_deleted"} {
		var got *models.SubscriptionEvent
		c := newTestConsumer(Handlers{OnEvent: func(ev *models.SubscriptionEvent) { got = ev }})
		c.processEvent(`{"event_type":"` + eventType + `","instrument_token":42}`)
		require.NotNil(t, got, eventType)
		assert.True(t, got.IsRemoval(), eventType)
	}
}
