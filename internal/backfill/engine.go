package backfill

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/stratlab/optionflow/internal/aggregate"
	"github.com/stratlab/optionflow/internal/models"
	"github.com/stratlab/optionflow/internal/store"
	"github.com/stratlab/optionflow/internal/telemetry"
)

// Instrument kinds derived from the exchange segment.
const (
	kindUnderlying = "underlying"
	kindFutures    = "futures"
	kindOptions    = "options"
)

// Instrument is one tracked subscription the engine can repair.
type Instrument struct {
	Token         int64
	TradingSymbol string
	Segment       string
	Symbol        string
	Expiry        string
	Strike        float64
	Side          models.OptionSide
}

// Kind classifies the instrument by its segment.
func (i Instrument) Kind() string {
	switch {
	case strings.EqualFold(i.Segment, "INDICES"):
		return kindUnderlying
	case strings.HasSuffix(strings.ToUpper(i.Segment), "-FUT"):
		return kindFutures
	default:
		return kindOptions
	}
}

// rootSymbol extracts the underlying name from a trading symbol: the
// leading run of letters, e.g. NIFTY from NIFTY2590224650CE.
func rootSymbol(tradingSymbol string) string {
	for i, r := range tradingSymbol {
		if r >= '0' && r <= '9' {
			return tradingSymbol[:i]
		}
	}
	return tradingSymbol
}

func instrumentFromEvent(ev *models.SubscriptionEvent) Instrument {
	inst := Instrument{
		Token:         ev.InstrumentToken,
		TradingSymbol: ev.Metadata.TradingSymbol,
		Segment:       ev.Metadata.Segment,
		Symbol:        rootSymbol(ev.Metadata.TradingSymbol),
		Expiry:        ev.Metadata.Expiry,
		Strike:        ev.Metadata.Strike,
	}
	if side, ok := models.ParseOptionSide(ev.Metadata.OptionSide); ok {
		inst.Side = side
	}
	return inst
}

type task struct {
	inst Instrument
	from time.Time
	to   time.Time
	mode string // "scheduled" | "immediate"
}

// Options configures the engine.
type Options struct {
	Window       time.Duration // lookback for immediate backfill
	GapThreshold time.Duration // minimum stale gap before a scheduled fill
	Schedule     string        // cron expression for the sweep
	Workers      int
	StrikeGap    func(symbol string) float64
	// Underlying provides the latest known underlying close for moneyness
	// labels on replayed rows. May be nil.
	Underlying func(symbol string) float64
	// OnUnderlying receives replayed index bars so live state warms up
	// after a restart. May be nil.
	OnUnderlying func(*models.UnderlyingBar)
}

// Engine repairs gaps in the aggregated tables: a cron sweep refills any
// instrument whose stored data has fallen behind, and subscription_created
// events trigger an immediate fill so a fresh instrument starts with
// history already in place. All writes go through the same upsert path the
// live aggregator uses, so replaying a window is safe to repeat.
type Engine struct {
	store   store.Store
	history HistoryClient
	opts    Options
	metrics *telemetry.Metrics

	mu       sync.Mutex
	tracked  map[int64]Instrument
	inflight map[string]struct{}

	tasks chan task
	cron  *cron.Cron
	wg    sync.WaitGroup
}

// New builds an engine. Defaults: 2 h window, 120 s gap threshold, a
// 5-minute sweep, 4 workers.
func New(st store.Store, history HistoryClient, opts Options, metrics *telemetry.Metrics) *Engine {
	if opts.Window <= 0 {
		opts.Window = 2 * time.Hour
	}
	if opts.GapThreshold <= 0 {
		opts.GapThreshold = 2 * time.Minute
	}
	if opts.Schedule == "" {
		opts.Schedule = "*/5 * * * *"
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.StrikeGap == nil {
		opts.StrikeGap = func(string) float64 { return 50 }
	}
	return &Engine{
		store:    st,
		history:  history,
		opts:     opts,
		metrics:  metrics,
		tracked:  make(map[int64]Instrument),
		inflight: make(map[string]struct{}),
		tasks:    make(chan task, 256),
	}
}

// Run starts the worker pool and the cron sweep, blocking until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.workerLoop(ctx)
		}()
	}

	e.cron = cron.New()
	_, err := e.cron.AddFunc(e.opts.Schedule, func() { e.sweep(ctx) })
	if err != nil {
		return fmt.Errorf("invalid backfill schedule %q: %w", e.opts.Schedule, err)
	}
	e.cron.Start()
	log.Info().Str("schedule", e.opts.Schedule).Int("workers", e.opts.Workers).
		Msg("backfill engine started")

	<-ctx.Done()
	stopped := e.cron.Stop()
	<-stopped.Done()
	e.wg.Wait()
	log.Info().Msg("backfill engine stopped")
	return nil
}

// HandleEvent tracks or untracks an instrument. A creation kicks off an
// immediate fire-and-forget fill of the lookback window.
func (e *Engine) HandleEvent(ev *models.SubscriptionEvent) {
	if ev.IsRemoval() {
		e.mu.Lock()
		delete(e.tracked, ev.InstrumentToken)
		e.mu.Unlock()
		log.Debug().Int64("token", ev.InstrumentToken).Msg("instrument untracked")
		return
	}

	inst := instrumentFromEvent(ev)
	e.mu.Lock()
	e.tracked[inst.Token] = inst
	e.mu.Unlock()

	now := time.Now().UTC()
	e.enqueue(task{inst: inst, from: now.Add(-e.opts.Window), to: now, mode: "immediate"})
}

// TrackedCount returns the number of instruments under management.
func (e *Engine) TrackedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracked)
}

// sweep checks every tracked instrument's symbol for staleness and
// enqueues fills where the stored data has fallen behind.
func (e *Engine) sweep(ctx context.Context) {
	e.mu.Lock()
	insts := make([]Instrument, 0, len(e.tracked))
	for _, inst := range e.tracked {
		insts = append(insts, inst)
	}
	e.mu.Unlock()

	now := time.Now().UTC()
	gapFrom := make(map[string]time.Time)

	for _, inst := range insts {
		from, ok := gapFrom[inst.Symbol]
		if !ok {
			from = e.gapStart(ctx, inst.Symbol, now)
			gapFrom[inst.Symbol] = from
		}
		if from.IsZero() {
			continue
		}
		e.enqueue(task{inst: inst, from: from, to: now, mode: "scheduled"})
	}
}

// gapStart returns the fill window start for a symbol, or zero when the
// stored data is fresh enough.
func (e *Engine) gapStart(ctx context.Context, symbol string, now time.Time) time.Time {
	probe, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	latest, found, err := e.store.LatestBucket(probe, symbol, models.Timeframe1Min)
	if err != nil {
		log.Warn().Str("symbol", symbol).Err(err).Msg("gap probe failed")
		return time.Time{}
	}
	if !found || now.Sub(latest) > e.opts.Window {
		return now.Add(-e.opts.Window)
	}
	if now.Sub(latest) <= e.opts.GapThreshold {
		return time.Time{}
	}
	return latest
}

func (e *Engine) enqueue(t task) {
	key := fmt.Sprintf("%d:%d", t.inst.Token, t.from.Truncate(time.Minute).Unix())
	e.mu.Lock()
	if _, dup := e.inflight[key]; dup {
		e.mu.Unlock()
		return
	}
	e.inflight[key] = struct{}{}
	e.mu.Unlock()

	select {
	case e.tasks <- t:
	default:
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
		log.Warn().Int64("token", t.inst.Token).Str("mode", t.mode).
			Msg("backfill queue full, dropping task")
		if e.metrics != nil {
			e.metrics.BackfillFailures.Inc()
		}
	}
}

func (e *Engine) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-e.tasks:
			e.runTask(ctx, t)
		}
	}
}

func (e *Engine) runTask(ctx context.Context, t task) {
	key := fmt.Sprintf("%d:%d", t.inst.Token, t.from.Truncate(time.Minute).Unix())
	defer func() {
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
	}()

	if e.metrics != nil {
		e.metrics.BackfillRuns.WithLabelValues(t.mode).Inc()
	}

	bars, err := e.history.FetchBars(ctx, t.inst.Token, t.from, t.to, "minute")
	if err != nil {
		log.Warn().Int64("token", t.inst.Token).Str("symbol", t.inst.TradingSymbol).
			Str("mode", t.mode).Err(err).Msg("history fetch failed")
		if e.metrics != nil {
			e.metrics.BackfillFailures.Inc()
		}
		return
	}
	if len(bars) == 0 {
		return
	}
	if e.metrics != nil {
		e.metrics.BackfillBars.Add(float64(len(bars)))
	}

	switch t.inst.Kind() {
	case kindOptions:
		err = e.replayOption(ctx, t.inst, bars)
	case kindUnderlying:
		e.replayUnderlying(t.inst, bars)
	default:
		// Futures bars have no aggregated table; the fetch still validates
		// the instrument and keeps the breaker state honest.
		log.Debug().Int64("token", t.inst.Token).Int("bars", len(bars)).
			Msg("futures backfill fetched, nothing to persist")
	}
	if err != nil {
		log.Error().Int64("token", t.inst.Token).Str("symbol", t.inst.TradingSymbol).
			Err(err).Msg("backfill replay failed")
		if e.metrics != nil {
			e.metrics.BackfillFailures.Inc()
		}
		return
	}

	log.Info().Int64("token", t.inst.Token).Str("symbol", t.inst.TradingSymbol).
		Str("mode", t.mode).Int("bars", len(bars)).
		Time("from", t.from).Time("to", t.to).Msg("backfill complete")
}

// replayOption folds fetched bars through the same bucket machinery the
// live path uses and upserts the result, one bucket per timeframe. Each
// bar contributes weight one, matching a live minute of ticks collapsed
// into a single sample.
func (e *Engine) replayOption(ctx context.Context, inst Instrument, bars []models.HistoryBar) error {
	if inst.Expiry == "" || inst.Strike <= 0 || inst.Side == "" {
		return fmt.Errorf("instrument %d missing option identity", inst.Token)
	}

	underlying := 0.0
	if e.opts.Underlying != nil {
		underlying = e.opts.Underlying(inst.Symbol)
	}

	timeframes := []models.Timeframe{models.Timeframe1Min, models.Timeframe5Min, models.Timeframe15Min}
	buckets := make(map[aggregate.BucketKey]*aggregate.StrikeBucket)

	for _, bar := range bars {
		tick := &models.OptionTick{
			Symbol:    inst.Symbol,
			Expiry:    inst.Expiry,
			Strike:    inst.Strike,
			Side:      inst.Side,
			LastPrice: bar.Close,
			Volume:    bar.Volume,
			OI:        bar.OI,
			Timestamp: bar.Timestamp,
			Count:     1,
		}
		for _, tf := range timeframes {
			key := aggregate.BucketKey{
				Symbol:      inst.Symbol,
				Expiry:      inst.Expiry,
				Timeframe:   tf,
				BucketStart: tf.BucketStart(bar.Timestamp),
			}
			bucket, ok := buckets[key]
			if !ok {
				bucket = aggregate.NewStrikeBucket(key)
				buckets[key] = bucket
			}
			bucket.ApplyTick(tick, underlying)
		}
	}

	rows := make([]models.StrikeBarRow, 0, len(buckets))
	gap := e.opts.StrikeGap(inst.Symbol)
	for _, bucket := range buckets {
		rows = append(rows, bucket.Materialize(gap)...)
	}

	return store.WithRetry(ctx, "backfill upsert", func() error {
		return e.store.UpsertStrikeBars(ctx, rows)
	})
}

// replayUnderlying pushes the newest fetched index bar into live state so
// moneyness labels recover quickly after a restart.
func (e *Engine) replayUnderlying(inst Instrument, bars []models.HistoryBar) {
	if e.opts.OnUnderlying == nil {
		return
	}
	last := bars[len(bars)-1]
	e.opts.OnUnderlying(&models.UnderlyingBar{
		Symbol:    inst.Symbol,
		Open:      last.Open,
		High:      last.High,
		Low:       last.Low,
		Close:     last.Close,
		Volume:    last.Volume,
		Timestamp: last.Timestamp,
	})
}
