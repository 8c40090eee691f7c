package consume

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/stratlab/optionflow/internal/models"
	"github.com/stratlab/optionflow/internal/telemetry"
)

// Logical channel names; the wire channel is "{prefix}:{name}".
const (
	ChannelOptions    = "options"
	ChannelUnderlying = "underlying"
	ChannelEvents     = "events"
)

// Handlers receives validated, typed messages. Dispatch happens on the
// per-channel processor goroutine; handlers must not block for long.
type Handlers struct {
	OnTick       func(*models.OptionTick)
	OnUnderlying func(*models.UnderlyingBar)
	OnEvent      func(*models.SubscriptionEvent)
}

// Consumer subscribes to the three bus channels, decodes and validates
// each message, and dispatches it. Each channel carries a bounded buffer
// with drop-oldest overflow so a slow downstream never blocks the bus
// reader.
type Consumer struct {
	rdb     *redis.Client
	prefix  string
	bufLen  int
	events  bool
	metrics *telemetry.Metrics
	handle  Handlers
}

// New creates a consumer. enableEvents gates the events channel.
func New(rdb *redis.Client, prefix string, bufLen int, enableEvents bool, metrics *telemetry.Metrics, handle Handlers) *Consumer {
	if bufLen <= 0 {
		bufLen = 10000
	}
	return &Consumer{
		rdb:     rdb,
		prefix:  prefix,
		bufLen:  bufLen,
		events:  enableEvents,
		metrics: metrics,
		handle:  handle,
	}
}

// Run blocks until ctx is cancelled, consuming all subscribed channels.
func (c *Consumer) Run(ctx context.Context) {
	channels := []string{ChannelOptions, ChannelUnderlying}
	if c.events {
		channels = append(channels, ChannelEvents)
	}

	var wg sync.WaitGroup
	for _, name := range channels {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			c.consumeChannel(ctx, name)
		}(name)
	}
	wg.Wait()
	log.Info().Msg("pub/sub consumer stopped")
}

func (c *Consumer) consumeChannel(ctx context.Context, name string) {
	wire := fmt.Sprintf("%s:%s", c.prefix, name)
	buf := make(chan string, c.bufLen)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.process(ctx, name, buf)
	}()

	for {
		if err := c.readLoop(ctx, name, wire, buf); err == nil || ctx.Err() != nil {
			break
		}
		// Subscription dropped: back off and resubscribe.
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
			continue
		}
		break
	}

	close(buf)
	wg.Wait()
}

func (c *Consumer) readLoop(ctx context.Context, name, wire string, buf chan string) error {
	sub := c.rdb.Subscribe(ctx, wire)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		log.Warn().Str("channel", wire).Err(err).Msg("subscribe failed")
		return err
	}
	log.Info().Str("channel", wire).Msg("subscribed")

	msgCh := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgCh:
			if !ok {
				return fmt.Errorf("subscription closed: %s", wire)
			}
			if c.metrics != nil {
				c.metrics.MessagesReceived.WithLabelValues(name).Inc()
			}
			select {
			case buf <- msg.Payload:
			default:
				// Buffer full: shed the oldest message, keep the newest.
				select {
				case <-buf:
				default:
				}
				select {
				case buf <- msg.Payload:
				default:
				}
				if c.metrics != nil {
					c.metrics.MessagesDropped.WithLabelValues(name).Inc()
				}
			}
		}
	}
}

func (c *Consumer) process(ctx context.Context, name string, buf <-chan string) {
	for payload := range buf {
		if ctx.Err() != nil {
			// Drain without dispatching once shutdown has begun.
			continue
		}
		switch name {
		case ChannelOptions:
			c.processTick(payload)
		case ChannelUnderlying:
			c.processUnderlying(payload)
		case ChannelEvents:
			c.processEvent(payload)
		}
	}
}

func (c *Consumer) processTick(payload string) {
	var raw struct {
		models.OptionTick
		Side string `json:"option_side"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		c.decodeError(ChannelOptions)
		return
	}

	side, ok := models.ParseOptionSide(raw.Side)
	if !ok {
		c.validationError(ChannelOptions, "option_side", raw.Side)
		return
	}
	tick := raw.OptionTick
	tick.Side = side

	if err := validateTick(&tick); err != nil {
		c.validationError(ChannelOptions, "tick", err.Error())
		return
	}
	if c.handle.OnTick != nil {
		c.handle.OnTick(&tick)
	}
}

func (c *Consumer) processUnderlying(payload string) {
	var bar models.UnderlyingBar
	if err := json.Unmarshal([]byte(payload), &bar); err != nil {
		c.decodeError(ChannelUnderlying)
		return
	}
	if bar.Symbol == "" || bar.Close <= 0 || bar.Timestamp.IsZero() {
		c.validationError(ChannelUnderlying, "bar", bar.Symbol)
		return
	}
	if c.handle.OnUnderlying != nil {
		c.handle.OnUnderlying(&bar)
	}
}

func (c *Consumer) processEvent(payload string) {
	var ev models.SubscriptionEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		c.decodeError(ChannelEvents)
		return
	}
	switch ev.EventType {
	case models.EventSubscriptionCreated, models.EventSubscriptionRemoved, models.EventSubscriptionDeleted:
	default:
		c.validationError(ChannelEvents, "event_type", ev.EventType)
		return
	}
	if ev.InstrumentToken <= 0 {
		c.validationError(ChannelEvents, "instrument_token", ev.Metadata.TradingSymbol)
		return
	}
	if c.handle.OnEvent != nil {
		c.handle.OnEvent(&ev)
	}
}

func validateTick(t *models.OptionTick) error {
	if t.Symbol == "" {
		return fmt.Errorf("missing symbol")
	}
	if _, err := time.Parse("2006-01-02", t.Expiry); err != nil {
		return fmt.Errorf("bad expiry %q", t.Expiry)
	}
	if t.Strike <= 0 {
		return fmt.Errorf("bad strike %g", t.Strike)
	}
	if t.LastPrice < 0 {
		return fmt.Errorf("negative last_price")
	}
	if t.Volume < 0 {
		return fmt.Errorf("negative volume")
	}
	if t.IV != nil && (*t.IV < 0 || *t.IV > 10) {
		return fmt.Errorf("iv out of range: %g", *t.IV)
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("missing ts")
	}
	return nil
}

func (c *Consumer) decodeError(channel string) {
	if c.metrics != nil {
		c.metrics.DecodeErrors.WithLabelValues(channel).Inc()
	}
}

func (c *Consumer) validationError(channel, field, value string) {
	if c.metrics != nil {
		c.metrics.ValidationErrors.WithLabelValues(channel).Inc()
	}
	log.Warn().Str("channel", channel).Str("field", field).Str("value", value).
		Msg("message failed validation")
}
