package hub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stratlab/optionflow/internal/models"
	"github.com/stratlab/optionflow/internal/telemetry"
)

// Slow-consumer policies.
const (
	PolicyDropSubscriber = "drop_subscriber"
	PolicyDropOldest     = "drop_oldest"
)

// Message is a hub payload: either an EventMessage or a
// *models.BucketSnapshot.
type Message interface{}

// EventMessage relays subscription events to auditing consumers.
type EventMessage struct {
	Type  string                    `json:"type"` // "event"
	Event *models.SubscriptionEvent `json:"event"`
}

// Filter narrows what a subscriber receives. Zero-valued fields match
// everything.
type Filter struct {
	Symbols    []string
	Expiries   []string
	StrikeLow  *float64
	StrikeHigh *float64
}

func (f *Filter) matchSymbol(symbol string) bool {
	if len(f.Symbols) == 0 {
		return true
	}
	for _, s := range f.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

func (f *Filter) matchExpiry(expiry string) bool {
	if len(f.Expiries) == 0 {
		return true
	}
	for _, e := range f.Expiries {
		if e == expiry {
			return true
		}
	}
	return false
}

// Apply returns the message trimmed to the filter, or nil when nothing
// survives. Bucket snapshots with a strike-range filter get a copy holding
// only the in-range rows.
func (f *Filter) Apply(msg Message) Message {
	switch m := msg.(type) {
	case *models.BucketSnapshot:
		if !f.matchSymbol(m.Symbol) || !f.matchExpiry(m.Expiry) {
			return nil
		}
		if f.StrikeLow == nil && f.StrikeHigh == nil {
			return m
		}
		trimmed := *m
		trimmed.Strikes = nil
		for _, row := range m.Strikes {
			if f.StrikeLow != nil && row.Strike < *f.StrikeLow {
				continue
			}
			if f.StrikeHigh != nil && row.Strike > *f.StrikeHigh {
				continue
			}
			trimmed.Strikes = append(trimmed.Strikes, row)
		}
		if len(trimmed.Strikes) == 0 {
			return nil
		}
		return &trimmed
	default:
		return msg
	}
}

// Subscription is a live hub handle. Receive from C; call Close when done.
// C is closed by the hub on Close and when the slow-consumer policy drops
// the subscriber.
type Subscription struct {
	C chan Message

	id     string
	filter Filter
	hub    *Hub

	mu     sync.Mutex
	closed bool
}

// Close deregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.hub.remove(s.id)
}

// Hub fans aggregated snapshots and relayed events out to subscribers with
// bounded per-subscriber queues. The lock covers only the subscriber set;
// sends never hold it beyond the O(1) channel operation.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	bufSize int
	policy  string
	metrics *telemetry.Metrics
	closed  bool
}

// New creates a hub with the given per-subscriber buffer and slow-consumer
// policy.
func New(bufSize int, policy string, metrics *telemetry.Metrics) *Hub {
	if bufSize <= 0 {
		bufSize = 256
	}
	if policy != PolicyDropOldest {
		policy = PolicyDropSubscriber
	}
	return &Hub{
		subs:    make(map[string]*Subscription),
		bufSize: bufSize,
		policy:  policy,
		metrics: metrics,
	}
}

// Subscribe registers a new subscriber with a filter.
func (h *Hub) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		C:      make(chan Message, h.bufSize),
		id:     uuid.New().String(),
		filter: filter,
		hub:    h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.C)
		sub.closed = true
		return sub
	}
	h.subs[sub.id] = sub
	if h.metrics != nil {
		h.metrics.HubSubscribers.Set(float64(len(h.subs)))
	}
	return sub
}

// Broadcast delivers msg to every matching subscriber, applying the slow
// consumer policy when a queue is full.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	var dropped []*Subscription

	for _, sub := range subs {
		filtered := sub.filter.Apply(msg)
		if filtered == nil {
			continue
		}

		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		select {
		case sub.C <- filtered:
			sub.mu.Unlock()
			if h.metrics != nil {
				h.metrics.BroadcastDelivered.Inc()
			}
			continue
		default:
		}

		// Queue full: slow consumer.
		switch h.policy {
		case PolicyDropOldest:
			select {
			case <-sub.C:
			default:
			}
			select {
			case sub.C <- filtered:
			default:
			}
			sub.mu.Unlock()
			if h.metrics != nil {
				h.metrics.BroadcastDropped.WithLabelValues("oldest").Inc()
			}
		default: // PolicyDropSubscriber
			sub.mu.Unlock()
			dropped = append(dropped, sub)
			if h.metrics != nil {
				h.metrics.BroadcastDropped.WithLabelValues("slow").Inc()
			}
		}
	}

	for _, sub := range dropped {
		log.Warn().Str("subscriber", sub.id).Msg("dropping slow hub subscriber")
		h.remove(sub.id)
	}
}

// Close shuts the hub down and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.C)
		}
		sub.mu.Unlock()
		delete(h.subs, id)
	}
	if h.metrics != nil {
		h.metrics.HubSubscribers.Set(0)
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.C)
	}
	sub.mu.Unlock()
	if h.metrics != nil {
		h.metrics.HubSubscribers.Set(float64(len(h.subs)))
	}
}
