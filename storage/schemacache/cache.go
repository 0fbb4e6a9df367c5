// Package schemacache resolves the schema snapshot each transaction
// runs against. Snapshots are immutable and numbered by generation.
// The cache keeps the latest one, plus every older generation still
// referenced by an open transaction, and installs schema changes
// through the transaction that makes them.
package schemacache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jrife/grouse/schema"
	"github.com/jrife/grouse/storage/engine"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/session"
	"github.com/jrife/grouse/utils/log"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultWorkers is used when Config.Workers is zero
const DefaultWorkers = 2

var (
	// ErrVersionRace is returned when a schema change finds a table
	// version that another change already advanced
	ErrVersionRace = errors.New("table version was changed concurrently")
	// ErrClosed is returned by calls made after Close
	ErrClosed = errors.New("schema cache was closed")
)

// Config configures a Cache
type Config struct {
	Logger  *zap.Logger
	Metrics *Metrics
	// ReclaimInterval is the period of background reclamation.
	// Zero disables it; Reclaim can still be called directly.
	ReclaimInterval time.Duration
	// Workers bounds the pool running background tasks
	Workers int
}

type entry struct {
	snapshot *schema.Snapshot
	refs     atomic.Int32
}

type attachmentKey struct {
	cache *Cache
}

var _ engine.SchemaSource = (*Cache)(nil)

// Cache resolves and installs schema snapshots
type Cache struct {
	logger      *zap.Logger
	metrics     *Metrics
	pool        *ants.Pool
	reloads     singleflight.Group
	mu          sync.RWMutex
	retained    map[int64]*entry
	versions    map[int32]int64
	latest      atomic.Pointer[schema.Snapshot]
	outstanding atomic.Int32
	stop        chan struct{}
	stopped     sync.WaitGroup
	closed      atomic.Bool
}

// New creates a cache and starts its background reclaimer
func New(config Config) (*Cache, error) {
	cache := &Cache{
		logger:   config.Logger,
		metrics:  config.Metrics,
		retained: map[int64]*entry{},
		versions: map[int32]int64{},
		stop:     make(chan struct{}),
	}

	if cache.logger == nil {
		cache.logger = zap.L()
	}

	if cache.metrics == nil {
		cache.metrics = NewMetrics(nil)
	}

	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}

	pool, err := ants.NewPool(config.Workers, ants.WithPanicHandler(func(v interface{}) {
		cache.logger.Error("schema cache task panicked", zap.Any("panic", v))
	}))

	if err != nil {
		return nil, fmt.Errorf("could not create task pool: %w", err)
	}

	cache.pool = pool

	if config.ReclaimInterval > 0 {
		cache.stopped.Add(1)
		go cache.reclaimLoop(config.ReclaimInterval)
	}

	return cache, nil
}

func (cache *Cache) reclaimLoop(interval time.Duration) {
	defer cache.stopped.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cache.stop:
			return
		case <-ticker.C:
			if err := cache.pool.Submit(func() { cache.Reclaim() }); err != nil {
				cache.logger.Warn("could not schedule reclamation", zap.Error(err))
			}
		}
	}
}

// Close stops background work. Snapshots already attached to
// transactions stay valid.
func (cache *Cache) Close() error {
	if !cache.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(cache.stop)
	cache.stopped.Wait()

	return cache.pool.ReleaseTimeout(3 * time.Second)
}

// Snapshot returns the snapshot txn runs against. The first call
// resolves the generation visible to txn and attaches its snapshot
// to txn until txn ends. Later calls return the attached snapshot.
func (cache *Cache) Snapshot(txn *session.Txn) (*schema.Snapshot, error) {
	if value, ok := txn.Attachment(attachmentKey{cache: cache}); ok {
		cache.metrics.Resolutions.WithLabelValues(pathAttached).Inc()

		return value.(*schema.Snapshot), nil
	}

	if cache.closed.Load() {
		return nil, ErrClosed
	}

	generation, err := readGeneration(txn.KV())

	if err != nil {
		return nil, wrapError("could not read schema generation", err)
	}

	snapshot, path, err := cache.resolve(txn, generation)

	if err != nil {
		return nil, err
	}

	cache.metrics.Resolutions.WithLabelValues(path).Inc()
	txn.Attach(attachmentKey{cache: cache}, snapshot)
	txn.AfterEnd(func() { cache.release(generation) })

	return snapshot, nil
}

// resolve finds the snapshot of generation and takes a reference to it
func (cache *Cache) resolve(txn *session.Txn, generation int64) (*schema.Snapshot, string, error) {
	if latest := cache.latest.Load(); latest != nil && latest.Generation() == generation {
		if snapshot := cache.acquire(generation); snapshot != nil {
			return snapshot, pathLatest, nil
		}
	}

	if snapshot := cache.acquire(generation); snapshot != nil {
		cache.updateLatest(snapshot)

		return snapshot, pathRetained, nil
	}

	value, err, _ := cache.reloads.Do(strconv.FormatInt(generation, 10), func() (interface{}, error) {
		log.WithContext(txn.Context(), cache.logger).Debug("loading schema", zap.Int64("generation", generation))

		snapshot, err := load(txn.KV())

		if err != nil {
			return nil, err
		}

		if snapshot.Generation() != generation {
			return nil, fmt.Errorf("schema image is at generation %d but the counter is at %d", snapshot.Generation(), generation)
		}

		return snapshot, nil
	})

	if err != nil {
		return nil, "", wrapError("could not load schema", err)
	}

	snapshot := cache.retain(value.(*schema.Snapshot), 1)
	cache.updateLatest(snapshot)

	return snapshot, pathReload, nil
}

// acquire takes a reference to a retained generation or returns nil
func (cache *Cache) acquire(generation int64) *schema.Snapshot {
	cache.mu.RLock()
	defer cache.mu.RUnlock()

	e, ok := cache.retained[generation]

	if !ok {
		return nil
	}

	e.refs.Add(1)

	return e.snapshot
}

// retain inserts snapshot into the retained map unless its generation
// is already there, adds refs references, and returns the retained copy
func (cache *Cache) retain(snapshot *schema.Snapshot, refs int32) *schema.Snapshot {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	e, ok := cache.retained[snapshot.Generation()]

	if !ok {
		e = &entry{snapshot: snapshot}
		cache.retained[snapshot.Generation()] = e
		cache.metrics.Retained.Set(float64(len(cache.retained)))
	}

	e.refs.Add(refs)

	return e.snapshot
}

func (cache *Cache) release(generation int64) {
	cache.mu.RLock()
	defer cache.mu.RUnlock()

	if e, ok := cache.retained[generation]; ok {
		e.refs.Add(-1)
	}
}

// updateLatest installs snapshot as the latest one if it is newer.
// Updates are refused while a schema change is outstanding: a reader
// could otherwise install a generation that change is replacing.
func (cache *Cache) updateLatest(snapshot *schema.Snapshot) {
	if cache.outstanding.Load() > 0 {
		cache.metrics.LatestUpdates.WithLabelValues("refused").Inc()

		return
	}

	for {
		current := cache.latest.Load()

		if current != nil && current.Generation() >= snapshot.Generation() {
			return
		}

		if cache.latest.CompareAndSwap(current, snapshot) {
			cache.metrics.LatestUpdates.WithLabelValues("installed").Inc()

			return
		}
	}
}

// Latest returns the latest installed snapshot or nil
func (cache *Cache) Latest() *schema.Snapshot {
	return cache.latest.Load()
}

// Retained returns the retained generations in increasing order
func (cache *Cache) Retained() []int64 {
	cache.mu.RLock()
	defer cache.mu.RUnlock()

	generations := make([]int64, 0, len(cache.retained))

	for generation := range cache.retained {
		generations = append(generations, generation)
	}

	sort.Slice(generations, func(i, j int) bool { return generations[i] < generations[j] })

	return generations
}

// Reclaim drops retained snapshots that no transaction references,
// except the latest one, and returns how many it dropped
func (cache *Cache) Reclaim() int {
	latest := cache.latest.Load()

	cache.mu.Lock()
	defer cache.mu.Unlock()

	reclaimed := 0

	for generation, e := range cache.retained {
		if e.refs.Load() > 0 || (latest != nil && latest.Generation() == generation) {
			continue
		}

		delete(cache.retained, generation)
		reclaimed++
	}

	cache.metrics.Reclaimed.Add(float64(reclaimed))
	cache.metrics.Retained.Set(float64(len(cache.retained)))

	if reclaimed > 0 {
		cache.logger.Info("reclaimed schema snapshots", zap.Int("count", reclaimed), zap.Int("retained", len(cache.retained)))
	}

	return reclaimed
}

// TableChanged returns true if the durable version of the table
// visible to txn differs from the version in txn's snapshot
func (cache *Cache) TableChanged(txn *session.Txn, tableID int32) (bool, error) {
	snapshot, err := cache.Snapshot(txn)

	if err != nil {
		return false, err
	}

	version, err := readVersion(txn.KV(), tableID)

	if err != nil {
		return false, wrapError("could not read table version", err)
	}

	table := snapshot.TableByID(tableID)

	if table == nil {
		return version != 0, nil
	}

	return version != table.Version, nil
}

// TableVersion returns the last committed version of a table
// known to this cache
func (cache *Cache) TableVersion(tableID int32) (int64, bool) {
	cache.mu.RLock()
	defer cache.mu.RUnlock()

	version, ok := cache.versions[tableID]

	return version, ok
}

// Change applies fn to a builder derived from txn's snapshot and
// writes the resulting generation through txn. The new snapshot is
// attached to txn at once. Other transactions see it once txn commits.
func (cache *Cache) Change(ctx context.Context, txn *session.Txn, fn func(builder *schema.Builder) error) (*schema.Snapshot, *schema.Changes, error) {
	logger := log.WithContext(ctx, cache.logger).With(zap.String("operation", "Change"))

	logger.Debug("start Change()")
	defer logger.Debug("end Change()")

	base, err := cache.Snapshot(txn)

	if err != nil {
		return nil, nil, err
	}

	builder, err := schema.NewBuilder(base)

	if err != nil {
		return nil, nil, err
	}

	if err := fn(builder); err != nil {
		return nil, nil, err
	}

	snapshot, changes, err := builder.Build()

	if err != nil {
		logger.Debug("error", zap.Error(err))

		return nil, nil, err
	}

	snapshot.Freeze()

	if err := cache.install(txn, base, snapshot, changes); err != nil {
		logger.Debug("error", zap.Error(err))

		return nil, nil, err
	}

	cache.outstanding.Add(1)
	txn.Attach(attachmentKey{cache: cache}, snapshot)
	txn.AfterCommit(func() { cache.committed(snapshot, changes) })
	txn.AfterEnd(func() { cache.outstanding.Add(-1) })

	logger.Info("schema changed", zap.Int64("generation", snapshot.Generation()), zap.Int("tables", len(changes.Tables)), zap.Int("dropped", len(changes.DroppedTables)))

	return snapshot, changes, nil
}

func (cache *Cache) install(txn *session.Txn, base, snapshot *schema.Snapshot, changes *schema.Changes) error {
	catalog := kv.AcquireHandle(txn.KV(), kv.SpaceSchema, treeCatalog)
	defer kv.ReleaseHandle(catalog)

	if err := catalog.Lock(generationKey); err != nil {
		return wrapError("could not lock schema generation", err)
	}

	current, err := readInt64(catalog, generationKey)

	if err != nil {
		return wrapError("could not read schema generation", err)
	}

	if current != base.Generation() {
		return fmt.Errorf("%w: generation is %d, expected %d", ErrVersionRace, current, base.Generation())
	}

	if err := bumpVersions(txn.KV(), snapshot, changes); err != nil {
		return wrapError("could not bump table versions", err)
	}

	if err := persist(txn.KV(), snapshot, changes); err != nil {
		return wrapError("could not persist schema", err)
	}

	return nil
}

// committed publishes an installed change. The latest snapshot is
// cleared so the next reader installs the new generation.
func (cache *Cache) committed(snapshot *schema.Snapshot, changes *schema.Changes) {
	cache.latest.Store(nil)
	cache.retain(snapshot, 0)

	cache.mu.Lock()
	defer cache.mu.Unlock()

	for _, id := range changes.Tables {
		cache.versions[id] = snapshot.TableByID(id).Version
	}

	for _, id := range changes.DroppedTables {
		delete(cache.versions, id)
	}
}

func wrapError(wrap string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrVersionRace) || errors.Is(err, ErrClosed) || kv.IsRetryable(err) {
		return err
	}

	return fmt.Errorf("%s: %w", wrap, err)
}
