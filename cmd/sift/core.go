package main

import (
	"context"
	"fmt"
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tinytelemetry/sift/internal/analysis"
	"github.com/tinytelemetry/sift/internal/duckdb"
	"github.com/tinytelemetry/sift/internal/inference"
	"github.com/tinytelemetry/sift/internal/model"
	"github.com/tinytelemetry/sift/internal/resilience"
	"github.com/tinytelemetry/sift/internal/supervisor"
)

// controller joins the source registry and the analysis engine into the
// single surface the transports serve.
type controller struct {
	*supervisor.Registry
	*analysis.Engine
}

var _ model.Controller = controller{}

// core is the storage, ingestion and analysis stack shared by the serve
// and embedded mcp modes.
type core struct {
	metrics   *prometheus.Registry
	store     *duckdb.Store
	inserts   *duckdb.InsertBuffer
	retention *duckdb.RetentionCleaner
	router    *batchRouter
	registry  *supervisor.Registry
	engine    *analysis.Engine
	trigger   *analysis.StreamTrigger
	ctrl      controller
}

// newCore opens the store and wires the pipeline. Sources are not created.
func newCore(cfg appConfig) (*core, error) {
	c := &core{metrics: prometheus.NewRegistry()}
	c.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	c.store = store

	c.inserts = duckdb.NewInsertBuffer(store, duckdb.InsertBufferConfig{
		BatchSize:      cfg.InsertBatchSize,
		FlushInterval:  cfg.InsertFlushInterval,
		FlushQueueSize: cfg.InsertFlushQueue,
	})
	c.retention = duckdb.NewRetentionCleaner(store, duckdb.RetentionConfig{
		RetentionDays: cfg.LogRetention,
	})

	engine, err := newEngine(cfg, c.metrics, store)
	if err != nil {
		c.close(context.Background())
		return nil, err
	}
	c.engine = engine
	c.trigger = analysis.NewStreamTrigger(engine)
	c.router = newBatchRouter(c.inserts.Sink, c.trigger.Sink)

	registry, err := supervisor.NewRegistry(supervisor.Config{
		Sink:                c.router.Sink,
		Store:               store,
		OnChange:            c.trigger.SourceChanged,
		Registerer:          c.metrics,
		DefaultBufferSize:   cfg.DefaultBufferSize,
		DefaultBatchTimeout: cfg.DefaultBatchTimeout,
	})
	if err != nil {
		c.close(context.Background())
		return nil, err
	}
	c.registry = registry
	c.ctrl = controller{Registry: registry, Engine: engine}
	return c, nil
}

// newEngine builds the provider table, the resilience guard and the
// engine. store may be nil for one-shot runs.
func newEngine(cfg appConfig, reg prometheus.Registerer, store *duckdb.Store) (*analysis.Engine, error) {
	providers, err := inference.Build(cfg.Providers, cfg.DefaultProvider)
	if err != nil {
		return nil, err
	}
	guard, err := resilience.NewGuard[model.AnalysisResult](resilience.Config{
		Cache: resilience.CacheConfig{
			Capacity: cfg.CacheCapacity,
			TTL:      cfg.CacheTTL,
			Sliding:  cfg.CacheSliding,
		},
		Breaker: resilience.BreakerConfig{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		},
		Registerer: reg,
	})
	if err != nil {
		return nil, err
	}
	ecfg := analysis.Config{
		Providers:         providers,
		Guard:             guard,
		Registerer:        reg,
		DefaultTimeout:    cfg.RunTimeout,
		SlimThreshold:     cfg.SlimThreshold,
		SlimChunks:        cfg.SlimChunks,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Retention:         cfg.RunRetention,
	}
	if store != nil {
		ecfg.Lines = store
		ecfg.Runs = store
		ecfg.Notifier = analysis.StoreNotifier{Store: store}
	}
	return analysis.NewEngine(ecfg)
}

// close tears the stack down in dependency order: sources first so their
// final batches reach the insert buffer, then runs, then storage.
func (c *core) close(ctx context.Context) {
	if c.registry != nil {
		if err := c.registry.Shutdown(ctx); err != nil {
			log.Printf("server: %v", err)
		}
	}
	if c.router != nil {
		c.router.Stop()
	}
	if c.engine != nil {
		if err := c.engine.Shutdown(ctx); err != nil {
			log.Printf("server: %v", err)
		}
	}
	if c.inserts != nil {
		c.inserts.Stop()
	}
	c.retention.Stop()
	if c.store != nil {
		c.store.Close()
	}
}
