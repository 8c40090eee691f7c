package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration loaded from YAML with
// environment variable overrides applied on top.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Cache    CacheConfig    `yaml:"cache"`
	Backfill BackfillConfig `yaml:"backfill"`
	Pools    PoolConfig     `yaml:"pool"`
	Buffers  BufferConfig   `yaml:"buffers"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Hub      HubConfig      `yaml:"hub"`
	HTTP     HTTPConfig     `yaml:"http"`
	Symbols  []SymbolConfig `yaml:"symbols"`
}

// DatabaseConfig holds Postgres/Timescale connection settings.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MaxInflight     int           `yaml:"max_inflight_writes"`
}

// RedisConfig holds settings shared by the L2 cache and the pub/sub bus.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	DB            int    `yaml:"db"`
	Password      string `yaml:"password"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// IngestConfig controls the aggregation path.
type IngestConfig struct {
	GraceMS                  int  `yaml:"grace_ms"`
	EnableSubscriptionEvents bool `yaml:"enable_subscription_events"`
}

// Grace returns the late-tick tolerance applied at bucket close.
func (c IngestConfig) Grace() time.Duration {
	return time.Duration(c.GraceMS) * time.Millisecond
}

// CacheConfig holds the TTL matrix and L1 bounds.
type CacheConfig struct {
	TTL struct {
		LatestSec           int `yaml:"latest"`
		SeriesRecentSec     int `yaml:"series_recent"`
		SeriesHistoricalSec int `yaml:"series_historical"`
		StaticSec           int `yaml:"static"`
	} `yaml:"cache_ttl"`
	L1MaxEntries int   `yaml:"l1_max_entries"`
	L1MaxBytes   int64 `yaml:"l1_max_bytes"`
}

func (c CacheConfig) LatestTTL() time.Duration  { return secs(c.TTL.LatestSec) }
func (c CacheConfig) RecentTTL() time.Duration  { return secs(c.TTL.SeriesRecentSec) }
func (c CacheConfig) HistoryTTL() time.Duration { return secs(c.TTL.SeriesHistoricalSec) }
func (c CacheConfig) StaticTTL() time.Duration  { return secs(c.TTL.StaticSec) }

// BackfillConfig controls scheduled and immediate backfill.
type BackfillConfig struct {
	WindowHours     int    `yaml:"backfill_window_hours"`
	GapThresholdSec int    `yaml:"backfill_gap_threshold_sec"`
	Schedule        string `yaml:"schedule"` // cron expression
	HistoryBaseURL  string `yaml:"history_base_url"`
}

func (c BackfillConfig) Window() time.Duration {
	return time.Duration(c.WindowHours) * time.Hour
}

func (c BackfillConfig) GapThreshold() time.Duration {
	return secs(c.GapThresholdSec)
}

// PoolConfig sizes the long-lived worker sets.
type PoolConfig struct {
	Consumers   int `yaml:"consumers"`
	Aggregators int `yaml:"aggregators"`
	Backfillers int `yaml:"backfillers"`
}

// BufferConfig bounds the in-memory queues.
type BufferConfig struct {
	Channel    int `yaml:"channel"`
	Subscriber int `yaml:"subscriber"`
}

// TimeoutConfig carries the per-call I/O budgets in milliseconds.
type TimeoutConfig struct {
	ReadMS    int `yaml:"read"`
	WriteMS   int `yaml:"write"`
	HistoryMS int `yaml:"history"`
}

func (c TimeoutConfig) Read() time.Duration    { return ms(c.ReadMS) }
func (c TimeoutConfig) Write() time.Duration   { return ms(c.WriteMS) }
func (c TimeoutConfig) History() time.Duration { return ms(c.HistoryMS) }

// HubConfig controls the broadcast hub.
type HubConfig struct {
	SlowConsumerPolicy string `yaml:"slow_consumer_policy"` // drop_subscriber | drop_oldest
}

// HTTPConfig holds the query-surface server settings.
type HTTPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// SymbolConfig is the per-symbol strike step used for moneyness labels.
type SymbolConfig struct {
	Symbol    string  `yaml:"symbol"`
	StrikeGap float64 `yaml:"strike_gap"`
}

// StrikeGap returns the configured gap for a symbol, defaulting to 50.
func (c *Config) StrikeGap(symbol string) float64 {
	for _, s := range c.Symbols {
		if s.Symbol == symbol {
			return s.StrikeGap
		}
	}
	return 50
}

// Load reads configuration from path (if present), applies env overrides,
// then fills defaults. A missing file is not an error; env and defaults
// still apply.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if port := os.Getenv("HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.HTTP.Port = p
		}
	}
	if url := os.Getenv("HISTORY_BASE_URL"); url != "" {
		cfg.Backfill.HistoryBaseURL = url
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 100
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.Database.MaxInflight == 0 {
		cfg.Database.MaxInflight = 32
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.ChannelPrefix == "" {
		cfg.Redis.ChannelPrefix = "ticker:live"
	}
	if cfg.Ingest.GraceMS == 0 {
		cfg.Ingest.GraceMS = 15000
	}
	if cfg.Cache.TTL.LatestSec == 0 {
		cfg.Cache.TTL.LatestSec = 5
	}
	if cfg.Cache.TTL.SeriesRecentSec == 0 {
		cfg.Cache.TTL.SeriesRecentSec = 5
	}
	if cfg.Cache.TTL.SeriesHistoricalSec == 0 {
		cfg.Cache.TTL.SeriesHistoricalSec = 60
	}
	if cfg.Cache.TTL.StaticSec == 0 {
		cfg.Cache.TTL.StaticSec = 60
	}
	if cfg.Cache.L1MaxEntries == 0 {
		cfg.Cache.L1MaxEntries = 10000
	}
	if cfg.Cache.L1MaxBytes == 0 {
		cfg.Cache.L1MaxBytes = 64 << 20
	}
	if cfg.Backfill.WindowHours == 0 {
		cfg.Backfill.WindowHours = 2
	}
	if cfg.Backfill.GapThresholdSec == 0 {
		cfg.Backfill.GapThresholdSec = 120
	}
	if cfg.Backfill.Schedule == "" {
		cfg.Backfill.Schedule = "*/5 * * * *"
	}
	if cfg.Pools.Consumers == 0 {
		cfg.Pools.Consumers = 1
	}
	if cfg.Pools.Aggregators == 0 {
		cfg.Pools.Aggregators = defaultAggregators()
	}
	if cfg.Pools.Backfillers == 0 {
		cfg.Pools.Backfillers = 4
	}
	if cfg.Buffers.Channel == 0 {
		cfg.Buffers.Channel = 10000
	}
	if cfg.Buffers.Subscriber == 0 {
		cfg.Buffers.Subscriber = 256
	}
	if cfg.Timeouts.ReadMS == 0 {
		cfg.Timeouts.ReadMS = 5000
	}
	if cfg.Timeouts.WriteMS == 0 {
		cfg.Timeouts.WriteMS = 10000
	}
	if cfg.Timeouts.HistoryMS == 0 {
		cfg.Timeouts.HistoryMS = 30000
	}
	if cfg.Hub.SlowConsumerPolicy == "" {
		cfg.Hub.SlowConsumerPolicy = "drop_subscriber"
	}
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "127.0.0.1"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 10 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 10 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
}

func defaultAggregators() int {
	n := runtime.GOMAXPROCS(0)
	if n < 4 {
		return 4
	}
	return n
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }
func ms(n int) time.Duration   { return time.Duration(n) * time.Millisecond }
