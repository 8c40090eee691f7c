package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratlab/optionflow/internal/models"
)

func snapshot(symbol, expiry string, strikes ...float64) *models.BucketSnapshot {
	snap := &models.BucketSnapshot{
		Type:      "bucket",
		Symbol:    symbol,
		Expiry:    expiry,
		Timeframe: models.Timeframe5Min,
	}
	for _, s := range strikes {
		snap.Strikes = append(snap.Strikes, models.StrikeBarRow{Strike: s})
	}
	return snap
}

func recvOne(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestBroadcastFanOut(t *testing.T) {
	h := New(16, PolicyDropSubscriber, nil)
	defer h.Close()

	a := h.Subscribe(Filter{})
	b := h.Subscribe(Filter{})
	assert.Equal(t, 2, h.SubscriberCount())

	h.Broadcast(snapshot("NIFTY", "2025-11-06", 25000))

	for _, sub := range []*Subscription{a, b} {
		msg := recvOne(t, sub)
		snap, ok := msg.(*models.BucketSnapshot)
		require.True(t, ok)
		assert.Equal(t, "NIFTY", snap.Symbol)
	}
}

func TestSymbolAndExpiryFilters(t *testing.T) {
	h := New(16, PolicyDropSubscriber, nil)
	defer h.Close()

	sub := h.Subscribe(Filter{Symbols: []string{"NIFTY"}, Expiries: []string{"2025-11-06"}})

	h.Broadcast(snapshot("BANKNIFTY", "2025-11-06", 52000))
	h.Broadcast(snapshot("NIFTY", "2025-11-13", 25000))
	h.Broadcast(snapshot("NIFTY", "2025-11-06", 25000))

	msg := recvOne(t, sub)
	snap := msg.(*models.BucketSnapshot)
	assert.Equal(t, "NIFTY", snap.Symbol)
	assert.Equal(t, "2025-11-06", snap.Expiry)
	assert.Empty(t, sub.C, "filtered messages never queued")
}

func TestStrikeRangeFilterTrimsRows(t *testing.T) {
	low, high := 24900.0, 25100.0
	h := New(16, PolicyDropSubscriber, nil)
	defer h.Close()

	sub := h.Subscribe(Filter{StrikeLow: &low, StrikeHigh: &high})

	h.Broadcast(snapshot("NIFTY", "2025-11-06", 24800, 24900, 25000, 25100, 25200))

	msg := recvOne(t, sub)
	snap := msg.(*models.BucketSnapshot)
	require.Len(t, snap.Strikes, 3)
	for _, row := range snap.Strikes {
		assert.GreaterOrEqual(t, row.Strike, low)
		assert.LessOrEqual(t, row.Strike, high)
	}
}

func TestStrikeRangeFilterDropsEmptySnapshots(t *testing.T) {
	low, high := 30000.0, 31000.0
	h := New(16, PolicyDropSubscriber, nil)
	defer h.Close()

	sub := h.Subscribe(Filter{StrikeLow: &low, StrikeHigh: &high})
	h.Broadcast(snapshot("NIFTY", "2025-11-06", 25000))

	assert.Empty(t, sub.C)
}

func TestSlowConsumerDropSubscriberPolicy(t *testing.T) {
	h := New(2, PolicyDropSubscriber, nil)
	defer h.Close()

	slow := h.Subscribe(Filter{})
	healthy := h.Subscribe(Filter{})

	// The healthy subscriber drains each message; the stalled one lets its
	// queue fill and overflow.
	for i := 0; i < 3; i++ {
		h.Broadcast(snapshot("NIFTY", "2025-11-06", 25000))
		recvOne(t, healthy)
	}

	assert.Equal(t, 1, h.SubscriberCount(), "slow subscriber removed")

	// Its channel ends after the buffered messages.
	got := 0
	for range slow.C {
		got++
	}
	assert.Equal(t, 2, got)

	// The healthy subscriber keeps receiving.
	h.Broadcast(snapshot("NIFTY", "2025-11-06", 25100))
	recvOne(t, healthy)
}

func TestSlowConsumerDropOldestPolicy(t *testing.T) {
	h := New(2, PolicyDropOldest, nil)
	defer h.Close()

	sub := h.Subscribe(Filter{})

	h.Broadcast(snapshot("NIFTY", "2025-11-06", 1))
	h.Broadcast(snapshot("NIFTY", "2025-11-06", 2))
	h.Broadcast(snapshot("NIFTY", "2025-11-06", 3))

	assert.Equal(t, 1, h.SubscriberCount(), "subscriber survives under drop_oldest")

	first := recvOne(t, sub).(*models.BucketSnapshot)
	second := recvOne(t, sub).(*models.BucketSnapshot)
	assert.Equal(t, 2.0, first.Strikes[0].Strike, "oldest message shed")
	assert.Equal(t, 3.0, second.Strikes[0].Strike)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	h := New(4, PolicyDropSubscriber, nil)
	defer h.Close()

	sub := h.Subscribe(Filter{})
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, h.SubscriberCount())

	_, ok := <-sub.C
	assert.False(t, ok, "channel closed on unsubscribe")
}

func TestHubCloseClosesAllSubscribers(t *testing.T) {
	h := New(4, PolicyDropSubscriber, nil)
	a := h.Subscribe(Filter{})
	b := h.Subscribe(Filter{})

	h.Close()

	for _, sub := range []*Subscription{a, b} {
		_, ok := <-sub.C
		assert.False(t, ok)
	}

	// Subscribing after close yields an already-closed handle.
	late := h.Subscribe(Filter{})
	_, ok := <-late.C
	assert.False(t, ok)
}

func TestEventMessagePassesFiltersUntouched(t *testing.T) {
	h := New(4, PolicyDropSubscriber, nil)
	defer h.Close()

	sub := h.Subscribe(Filter{Symbols: []string{"NIFTY"}})
	h.Broadcast(EventMessage{Type: "event", Event: &models.SubscriptionEvent{
		EventType:       models.EventSubscriptionCreated,
		InstrumentToken: 13660418,
	}})

	msg := recvOne(t, sub)
	ev, ok := msg.(EventMessage)
	require.True(t, ok)
	assert.Equal(t, models.EventSubscriptionCreated, ev.Event.EventType)
}
