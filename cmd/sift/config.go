package main

import (
	"time"

	"github.com/tinytelemetry/sift/internal/analysis"
	"github.com/tinytelemetry/sift/internal/broadcast"
	"github.com/tinytelemetry/sift/internal/duckdb"
	"github.com/tinytelemetry/sift/internal/inference"
	"github.com/tinytelemetry/sift/internal/model"
	"github.com/tinytelemetry/sift/internal/resilience"
)

const (
	defaultAPIAddr             = "127.0.0.1:3000"
	defaultQueryTimeout        = duckdb.DefaultQueryTimeout
	defaultInsertBatchSize     = duckdb.DefaultInsertBatchSize
	defaultInsertFlushInterval = duckdb.DefaultInsertFlushInterval
	defaultInsertFlushQueue    = duckdb.DefaultFlushQueueSize
	defaultLogRetention        = duckdb.DefaultRetentionDays // days, 0 = disabled
	defaultBufferSize          = model.DefaultBufferSize
	defaultBatchTimeout        = model.DefaultBatchTimeout
	defaultCacheCapacity       = resilience.DefaultCacheCapacity
	defaultCacheTTL            = resilience.DefaultCacheTTL
	defaultBreakerThreshold    = resilience.DefaultBreakerThreshold
	defaultBreakerCooldown     = resilience.DefaultBreakerCooldown
	defaultRunTimeout          = model.DefaultRunTimeout
	defaultRunRetention        = broadcast.DefaultRetention
	defaultHeartbeatInterval   = broadcast.DefaultHeartbeatInterval
	defaultSlimThreshold       = analysis.DefaultSlimThreshold
	defaultSlimChunks          = analysis.DefaultSlimChunks
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	DBPath              string                     `mapstructure:"db-path"`
	APIEnabled          bool                       `mapstructure:"api-enabled"`
	APIAddr             string                     `mapstructure:"api-addr"`
	SocketPath          string                     `mapstructure:"socket-path"`
	SourcesFile         string                     `mapstructure:"sources-file"`
	QueryTimeout        time.Duration              `mapstructure:"query-timeout"`
	InsertBatchSize     int                        `mapstructure:"insert-batch-size"`
	InsertFlushInterval time.Duration              `mapstructure:"insert-flush-interval"`
	InsertFlushQueue    int                        `mapstructure:"insert-flush-queue-size"`
	LogRetention        int                        `mapstructure:"log-retention"`
	DefaultBufferSize   int                        `mapstructure:"default-buffer-size"`
	DefaultBatchTimeout time.Duration              `mapstructure:"default-batch-timeout"`
	CacheCapacity       int                        `mapstructure:"cache-capacity"`
	CacheTTL            time.Duration              `mapstructure:"cache-ttl"`
	CacheSliding        bool                       `mapstructure:"cache-sliding"`
	BreakerThreshold    int                        `mapstructure:"breaker-threshold"`
	BreakerCooldown     time.Duration              `mapstructure:"breaker-cooldown"`
	RunTimeout          time.Duration              `mapstructure:"run-timeout"`
	RunRetention        time.Duration              `mapstructure:"run-retention"`
	HeartbeatInterval   time.Duration              `mapstructure:"heartbeat-interval"`
	SlimThreshold       int                        `mapstructure:"slim-threshold"`
	SlimChunks          int                        `mapstructure:"slim-chunks"`
	Providers           []inference.ProviderConfig `mapstructure:"providers"`
	DefaultProvider     string                     `mapstructure:"default-provider"`
	ConfigPath          string                     `mapstructure:"-"` // not from config file
}
