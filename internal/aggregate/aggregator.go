package aggregate

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratlab/optionflow/internal/cache"
	"github.com/stratlab/optionflow/internal/hub"
	"github.com/stratlab/optionflow/internal/models"
	"github.com/stratlab/optionflow/internal/store"
	"github.com/stratlab/optionflow/internal/telemetry"
)

const (
	workerQueueLen   = 1024
	scanInterval     = time.Second
	shutdownFlushTTL = 5 * time.Second
)

// Options configures the aggregator.
type Options struct {
	Workers    int
	Grace      time.Duration
	Timeframes []models.Timeframe
	StrikeGap  func(symbol string) float64
}

// Aggregator owns all in-memory strike buckets. Ticks are sharded by
// (symbol, expiry, strike) so every bucket key has exactly one writer: the
// worker that hashes to it.
type Aggregator struct {
	opts    Options
	store   store.Store
	cache   *cache.TieredCache // may be nil
	hub     *hub.Hub
	metrics *telemetry.Metrics

	workers []*worker

	underMu    sync.RWMutex
	underlying map[string]float64

	wg sync.WaitGroup
}

// New builds an aggregator. Defaults: 4 workers, 15 s grace, all three
// timeframes.
func New(opts Options, st store.Store, tc *cache.TieredCache, h *hub.Hub, metrics *telemetry.Metrics) *Aggregator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Grace <= 0 {
		opts.Grace = 15 * time.Second
	}
	if len(opts.Timeframes) == 0 {
		opts.Timeframes = []models.Timeframe{models.Timeframe1Min, models.Timeframe5Min, models.Timeframe15Min}
	}
	if opts.StrikeGap == nil {
		opts.StrikeGap = func(string) float64 { return 50 }
	}

	a := &Aggregator{
		opts:       opts,
		store:      st,
		cache:      tc,
		hub:        h,
		metrics:    metrics,
		underlying: make(map[string]float64),
	}
	for i := 0; i < opts.Workers; i++ {
		a.workers = append(a.workers, &worker{
			id:      i,
			agg:     a,
			tickCh:  make(chan *models.OptionTick, workerQueueLen),
			scanCh:  make(chan time.Time, 1),
			buckets: make(map[BucketKey]*StrikeBucket),
		})
	}
	return a
}

// Run starts the shard workers and the flush scheduler, blocking until ctx
// is cancelled and the workers have drained.
func (a *Aggregator) Run(ctx context.Context) {
	for _, w := range a.workers {
		a.wg.Add(1)
		go func(w *worker) {
			defer a.wg.Done()
			w.run(ctx)
		}(w)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.scheduleLoop(ctx)
	}()

	a.wg.Wait()
	log.Info().Msg("aggregator stopped")
}

// Ingest routes one option tick to its shard worker. Mock ticks are
// dropped here, before any state is touched.
func (a *Aggregator) Ingest(tick *models.OptionTick) {
	if tick.IsMock {
		if a.metrics != nil {
			a.metrics.MockTicksDropped.Inc()
		}
		return
	}

	w := a.workers[a.shard(tick.Symbol, tick.Expiry, tick.Strike)]
	select {
	case w.tickCh <- tick:
	default:
		// Worker saturated: shed the tick rather than stall the consumer.
		if a.metrics != nil {
			a.metrics.MessagesDropped.WithLabelValues("aggregator").Inc()
		}
	}
}

// ApplyUnderlying records the latest underlying close for a symbol. Mock
// bars never touch state.
func (a *Aggregator) ApplyUnderlying(bar *models.UnderlyingBar) {
	if bar.IsMock {
		if a.metrics != nil {
			a.metrics.MockTicksDropped.Inc()
		}
		return
	}
	a.underMu.Lock()
	a.underlying[bar.Symbol] = bar.Close
	a.underMu.Unlock()
}

// LastUnderlying returns the most recent underlying close seen for symbol,
// or zero when none has arrived yet.
func (a *Aggregator) LastUnderlying(symbol string) float64 {
	a.underMu.RLock()
	defer a.underMu.RUnlock()
	return a.underlying[symbol]
}

func (a *Aggregator) shard(symbol, expiry string, strike float64) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	h.Write([]byte{0})
	h.Write([]byte(expiry))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(strike, 'g', -1, 64)))
	return int(h.Sum32() % uint32(len(a.workers)))
}

func (a *Aggregator) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, w := range a.workers {
				select {
				case w.scanCh <- now:
				default: // worker already has a pending scan
				}
			}
		}
	}
}

// worker is one aggregation shard. It is the single writer for every
// bucket key that hashes to it.
type worker struct {
	id      int
	agg     *Aggregator
	tickCh  chan *models.OptionTick
	scanCh  chan time.Time
	buckets map[BucketKey]*StrikeBucket
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case tick := <-w.tickCh:
			w.apply(ctx, tick)
		case now := <-w.scanCh:
			w.scan(ctx, now)
		}
	}
}

func (w *worker) apply(ctx context.Context, tick *models.OptionTick) {
	underlying := w.agg.LastUnderlying(tick.Symbol)

	for _, tf := range w.agg.opts.Timeframes {
		key := BucketKey{
			Symbol:      tick.Symbol,
			Expiry:      tick.Expiry,
			Timeframe:   tf,
			BucketStart: tf.BucketStart(tick.Timestamp),
		}

		bucket, ok := w.buckets[key]
		if !ok {
			// A newer bucket starting supersedes older ones for the same
			// tuple; flush them now rather than waiting out the grace.
			w.flushSuperseded(ctx, key)
			bucket = NewStrikeBucket(key)
			w.buckets[key] = bucket
			if w.agg.metrics != nil {
				w.agg.metrics.OpenBuckets.Inc()
			}
		}
		bucket.ApplyTick(tick, underlying)
	}

	if w.agg.metrics != nil {
		w.agg.metrics.TicksAggregated.Inc()
	}
}

func (w *worker) flushSuperseded(ctx context.Context, newKey BucketKey) {
	for key, bucket := range w.buckets {
		if key.Symbol == newKey.Symbol && key.Expiry == newKey.Expiry &&
			key.Timeframe == newKey.Timeframe && key.BucketStart.Before(newKey.BucketStart) {
			w.flush(ctx, bucket)
		}
	}
}

func (w *worker) scan(ctx context.Context, now time.Time) {
	for _, bucket := range w.buckets {
		if bucket.Due(now, w.agg.opts.Grace) {
			w.flush(ctx, bucket)
		}
	}
}

// drain flushes buckets whose window has already closed, under a bounded
// write budget. Still-open buckets are dropped; backfill repairs them.
func (w *worker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTTL)
	defer cancel()

	now := time.Now()
	for key, bucket := range w.buckets {
		if now.After(key.End()) {
			w.flush(ctx, bucket)
		}
	}
	log.Debug().Int("worker", w.id).Int("remaining", len(w.buckets)).Msg("aggregation worker drained")
}

// flush materializes the bucket, writes it through the store, invalidates
// cache patterns, and broadcasts the snapshot. Transient store failures
// keep the bucket with a backoff; rejections drop it.
func (w *worker) flush(ctx context.Context, bucket *StrikeBucket) {
	start := time.Now()
	key := bucket.Key

	rows := bucket.Materialize(w.agg.opts.StrikeGap(key.Symbol))
	if len(rows) == 0 {
		w.discard(key)
		return
	}
	expiryRow := ComputeExpiryMetrics(key, rows)

	err := store.WithRetry(ctx, "flush strike bars", func() error {
		return w.agg.store.UpsertStrikeBars(ctx, rows)
	})
	if err == nil {
		err = store.WithRetry(ctx, "flush expiry metrics", func() error {
			return w.agg.store.UpsertExpiryMetrics(ctx, []models.ExpiryMetricsRow{expiryRow})
		})
	}

	if err != nil {
		if errors.Is(err, store.ErrStoreRejected) {
			log.Error().Str("symbol", key.Symbol).Str("expiry", key.Expiry).
				Str("timeframe", string(key.Timeframe)).Time("bucket", key.BucketStart).
				Err(err).Msg("bucket rejected by store, dropping state")
			w.discard(key)
			if w.agg.metrics != nil {
				w.agg.metrics.FlushFailures.WithLabelValues("rejected").Inc()
			}
			return
		}

		bucket.ScheduleRetry(time.Now())
		log.Warn().Str("symbol", key.Symbol).Str("timeframe", string(key.Timeframe)).
			Time("bucket", key.BucketStart).Err(err).Msg("bucket flush failed, will retry")
		if w.agg.metrics != nil {
			w.agg.metrics.FlushFailures.WithLabelValues("transient").Inc()
		}
		return
	}

	// Invalidate before broadcasting so readers racing the push see at
	// worst a TTL-bounded stale entry.
	if w.agg.cache != nil {
		for _, pattern := range cache.InvalidationPatterns(key.Symbol, key.Timeframe) {
			w.agg.cache.InvalidatePattern(ctx, pattern)
		}
	}

	if w.agg.hub != nil {
		w.agg.hub.Broadcast(&models.BucketSnapshot{
			Type:          "bucket",
			Symbol:        key.Symbol,
			Expiry:        key.Expiry,
			Timeframe:     key.Timeframe,
			BucketStart:   key.BucketStart,
			Strikes:       rows,
			ExpiryMetrics: &expiryRow,
		})
	}

	w.discard(key)

	if w.agg.metrics != nil {
		w.agg.metrics.BucketsFlushed.WithLabelValues(string(key.Timeframe)).Inc()
		w.agg.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}
}

func (w *worker) discard(key BucketKey) {
	if _, ok := w.buckets[key]; !ok {
		return
	}
	delete(w.buckets, key)
	if w.agg.metrics != nil {
		w.agg.metrics.OpenBuckets.Dec()
	}
}
