// Package storage assembles a storage core from configuration: a kv
// backend, a transaction manager, the schema cache and the row engine.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jrife/grouse/config"
	"github.com/jrife/grouse/storage/engine"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/kv/plugins"
	"github.com/jrife/grouse/storage/schemacache"
	"github.com/jrife/grouse/storage/session"
	"github.com/jrife/grouse/utils/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Core is an open storage core
type Core struct {
	config   config.Config
	logger   *zap.Logger
	store    kv.Store
	sessions *session.Manager
	schema   *schemacache.Cache
	engine   *engine.Engine
}

// Open opens the configured backend and loads its schema.
// Metrics are registered with registerer unless it is nil.
func Open(ctx context.Context, cfg config.Config, registerer prometheus.Registerer) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := log.New(cfg.Log.Level, cfg.Log.Development)

	if err != nil {
		return nil, err
	}

	plugin := plugins.Plugin(cfg.Backend)

	if plugin == nil {
		return nil, fmt.Errorf("no kv plugin named %s, expected one of %s", cfg.Backend, strings.Join(plugins.Names(), ", "))
	}

	store, err := plugin.NewStore(storeOptions(cfg))

	if err != nil {
		return nil, fmt.Errorf("could not open %s store: %w", cfg.Backend, err)
	}

	checks, err := engine.ParseCheckMode(cfg.Engine.UniqueChecks)

	if err != nil {
		store.Close()

		return nil, err
	}

	cache, err := schemacache.New(schemacache.Config{
		Logger:          logger.With(zap.String("component", "schemacache")),
		Metrics:         schemacache.NewMetrics(registerer),
		ReclaimInterval: cfg.Schema.ReclaimInterval,
		Workers:         cfg.Schema.Workers,
	})

	if err != nil {
		store.Close()

		return nil, err
	}

	rowEngine, err := engine.New(engine.Config{
		Logger:       logger.With(zap.String("component", "engine")),
		Schema:       cache,
		Metrics:      engine.NewMetrics(registerer),
		UniqueChecks: checks,
		RowFormat:    cfg.Engine.RowFormat,
		Store:        store,
	})

	if err != nil {
		cache.Close()
		store.Close()

		return nil, err
	}

	core := &Core{
		config: cfg,
		logger: logger,
		store:  store,
		sessions: session.NewManager(session.Config{
			Logger:     logger.With(zap.String("component", "session")),
			Store:      store,
			MaxRetries: cfg.Session.MaxRetries,
		}),
		schema: cache,
		engine: rowEngine,
	}

	var generation int64

	if err := core.sessions.Run(ctx, false, func(txn *session.Txn) error {
		snapshot, err := cache.Snapshot(txn)

		if err != nil {
			return err
		}

		generation = snapshot.Generation()

		return nil
	}); err != nil {
		core.Close()

		return nil, fmt.Errorf("could not load schema: %w", err)
	}

	logger.Info("storage core opened",
		zap.String("backend", cfg.Backend),
		zap.String("rowFormat", rowEngine.Codec().Name()),
		zap.Int64("generation", generation))

	return core, nil
}

func storeOptions(cfg config.Config) kv.PluginOptions {
	switch cfg.Backend {
	case "bbolt":
		return kv.PluginOptions{"path": cfg.Bbolt.Path}
	case "etcd":
		return kv.PluginOptions{
			"endpoints":   cfg.Etcd.Endpoints,
			"prefix":      cfg.Etcd.Prefix,
			"dialTimeout": cfg.Etcd.DialTimeout,
			"maxTxnOps":   cfg.Etcd.MaxTxnOps,
		}
	}

	return kv.PluginOptions{}
}

// Engine returns the row engine
func (core *Core) Engine() *engine.Engine {
	return core.engine
}

// Sessions returns the transaction manager
func (core *Core) Sessions() *session.Manager {
	return core.sessions
}

// Schema returns the schema cache
func (core *Core) Schema() *schemacache.Cache {
	return core.schema
}

// Logger returns the root logger
func (core *Core) Logger() *zap.Logger {
	return core.logger
}

// RebuildIndexes rebuilds targets in batches of the configured size,
// or of the backend's maximum if that is smaller
func (core *Core) RebuildIndexes(ctx context.Context, targets ...engine.IndexTarget) error {
	return core.engine.RebuildIndexes(ctx, core.sessions, engine.RebuildOptions{BatchSize: core.config.Bulk.BatchSize}, targets...)
}

// Close stops background work and closes the store
func (core *Core) Close() error {
	core.schema.Close()
	err := core.store.Close()
	core.logger.Sync()

	return err
}
