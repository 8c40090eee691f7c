package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/stratlab/optionflow/internal/aggregate"
	"github.com/stratlab/optionflow/internal/api"
	"github.com/stratlab/optionflow/internal/backfill"
	"github.com/stratlab/optionflow/internal/cache"
	"github.com/stratlab/optionflow/internal/config"
	"github.com/stratlab/optionflow/internal/consume"
	"github.com/stratlab/optionflow/internal/hub"
	"github.com/stratlab/optionflow/internal/models"
	"github.com/stratlab/optionflow/internal/store/postgres"
	"github.com/stratlab/optionflow/internal/telemetry"
)

const shutdownGrace = 15 * time.Second

// App is the assembled pipeline: consumer, aggregator, backfill, cache,
// hub, and the query surface, wired around one Postgres pool and one
// Redis client.
type App struct {
	cfg *config.Config

	rdb        *redis.Client
	repo       *postgres.Repo
	tiered     *cache.TieredCache
	hub        *hub.Hub
	aggregator *aggregate.Aggregator
	consumer   *consume.Consumer
	backfill   *backfill.Engine
	server     *api.Server
	metrics    *telemetry.Metrics
}

// New builds the app from configuration. Postgres must be reachable;
// Redis failures degrade (no L2 cache) rather than abort.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	metrics := telemetry.NewMetrics()

	db, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	repo := postgres.NewRepo(db, cfg.Timeouts.Read(), cfg.Timeouts.Write(), cfg.Database.MaxInflight, metrics)
	if err := repo.EnsureSchema(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	})
	cacheRedis := rdb
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Str("addr", cfg.Redis.Addr).Err(err).
			Msg("redis unreachable at startup, L2 cache disabled until pub/sub reconnects")
		cacheRedis = nil
	}
	cancel()

	l1 := cache.NewL1Cache(cfg.Cache.L1MaxEntries, cfg.Cache.L1MaxBytes)
	tiered := cache.NewTieredCache(l1, cacheRedis, metrics)

	broadcast := hub.New(cfg.Buffers.Subscriber, cfg.Hub.SlowConsumerPolicy, metrics)

	aggregator := aggregate.New(aggregate.Options{
		Workers:   cfg.Pools.Aggregators,
		Grace:     cfg.Ingest.Grace(),
		StrikeGap: cfg.StrikeGap,
	}, repo, tiered, broadcast, metrics)

	history := backfill.NewRestHistoryClient(cfg.Backfill.HistoryBaseURL, cfg.Timeouts.History())
	engine := backfill.New(repo, history, backfill.Options{
		Window:       cfg.Backfill.Window(),
		GapThreshold: cfg.Backfill.GapThreshold(),
		Schedule:     cfg.Backfill.Schedule,
		Workers:      cfg.Pools.Backfillers,
		StrikeGap:    cfg.StrikeGap,
		Underlying:   aggregator.LastUnderlying,
		OnUnderlying: aggregator.ApplyUnderlying,
	}, metrics)

	consumer := consume.New(rdb, cfg.Redis.ChannelPrefix, cfg.Buffers.Channel,
		cfg.Ingest.EnableSubscriptionEvents, metrics, consume.Handlers{
			OnTick:       aggregator.Ingest,
			OnUnderlying: aggregator.ApplyUnderlying,
			OnEvent: func(ev *models.SubscriptionEvent) {
				engine.HandleEvent(ev)
				broadcast.Broadcast(hub.EventMessage{Type: "event", Event: ev})
			},
		})

	checks := map[string]api.HealthFunc{
		"postgres": func(ctx context.Context) error { return db.PingContext(ctx) },
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
	server := api.NewServer(cfg, repo, tiered, broadcast, metrics, checks)

	return &App{
		cfg:        cfg,
		rdb:        rdb,
		repo:       repo,
		tiered:     tiered,
		hub:        broadcast,
		aggregator: aggregator,
		consumer:   consumer,
		backfill:   engine,
		server:     server,
		metrics:    metrics,
	}, nil
}

// Run starts every component and blocks until SIGINT/SIGTERM or a fatal
// server error, then shuts down in dependency order: ingest first so no
// new state forms, aggregator drain, then the outward surfaces.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)

	var workers sync.WaitGroup
	workers.Add(3)
	go func() {
		defer workers.Done()
		a.consumer.Run(runCtx)
	}()
	go func() {
		defer workers.Done()
		a.aggregator.Run(runCtx)
	}()
	go func() {
		defer workers.Done()
		if err := a.backfill.Run(runCtx); err != nil {
			log.Error().Err(err).Msg("backfill engine failed")
		}
	}()
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- err
		}
	}()

	log.Info().Msg("optionflow pipeline running")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("fatal server error")
		cancel()
		a.waitWorkers(&workers)
		a.shutdown()
		return err
	}

	cancel()
	a.waitWorkers(&workers)
	a.shutdown()
	return nil
}

// waitWorkers lets the aggregator drain closed buckets before the store
// goes away, bounded so a wedged worker cannot hang shutdown.
func (a *App) waitWorkers(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Warn().Msg("workers did not drain in time")
	}
}

func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown failed")
	}
	a.hub.Close()
	a.tiered.Close()
	if err := a.repo.Close(); err != nil {
		log.Warn().Err(err).Msg("postgres close failed")
	}
	if err := a.rdb.Close(); err != nil {
		log.Warn().Err(err).Msg("redis close failed")
	}
	log.Info().Msg("optionflow stopped")
}
