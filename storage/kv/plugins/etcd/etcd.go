// Package etcd implements a kv store on top of an etcd cluster.
//
// A transaction reads from the revision that was current when it began.
// Writes are buffered locally and applied in a single etcd transaction
// at commit, guarded by comparisons that fail if any key the transaction
// read, or any range it scanned, changed since that revision. A failed
// guard surfaces as kv.ErrConflict.
package etcd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/google/uuid"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/kv/keys"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// DriverName is the name of this plugin
	DriverName = "etcd"
	// RowFormat is the preferred row encoding of this plugin
	RowFormat = "protobuf"
	// EndpointsEnv names the environment variable NewTempStore
	// reads a comma separated list of endpoints from
	EndpointsEnv = "GROUSE_ETCD_ENDPOINTS"

	// DefaultMaxTxnOps is the etcd server's default limit on the
	// operations of one transaction
	DefaultMaxTxnOps = 128

	defaultDialTimeout = 5 * time.Second
)

// Plugins returns the etcd plugin
func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&Plugin{},
	}
}

// Plugin is the etcd kv plugin
type Plugin struct {
}

// Name implements kv.Plugin.Name
func (plugin *Plugin) Name() string {
	return DriverName
}

// NewStore implements kv.Plugin.NewStore. Options:
//   endpoints       []string or comma separated string (required)
//   prefix          string prepended to every key
//   dialTimeout     time.Duration or duration string
//   requestTimeout  time.Duration or duration string
//   maxTxnOps       int, the server's --max-txn-ops
func (plugin *Plugin) NewStore(options kv.PluginOptions) (kv.Store, error) {
	var config StoreConfig

	switch endpoints := options["endpoints"].(type) {
	case []string:
		config.Endpoints = endpoints
	case string:
		config.Endpoints = splitEndpoints(endpoints)
	case nil:
		return nil, fmt.Errorf("\"endpoints\" is required")
	default:
		return nil, fmt.Errorf("\"endpoints\" must be a string or a list of strings")
	}

	if len(config.Endpoints) == 0 {
		return nil, fmt.Errorf("\"endpoints\" must not be empty")
	}

	if prefix, ok := options["prefix"]; ok {
		prefixString, ok := prefix.(string)

		if !ok {
			return nil, fmt.Errorf("\"prefix\" must be a string")
		}

		config.Prefix = prefixString
	}

	var err error

	if config.DialTimeout, err = durationOption(options, "dialTimeout"); err != nil {
		return nil, err
	}

	if config.RequestTimeout, err = durationOption(options, "requestTimeout"); err != nil {
		return nil, err
	}

	switch maxTxnOps := options["maxTxnOps"].(type) {
	case nil:
	case int:
		if maxTxnOps < 0 {
			return nil, fmt.Errorf("\"maxTxnOps\" must not be negative")
		}

		config.MaxTxnOps = maxTxnOps
	default:
		return nil, fmt.Errorf("\"maxTxnOps\" must be an int")
	}

	return New(config)
}

// NewTempStore implements kv.Plugin.NewTempStore. It needs a
// cluster to talk to and returns kv.ErrPluginUnavailable unless
// EndpointsEnv is set. Each temp store gets its own key prefix.
func (plugin *Plugin) NewTempStore() (kv.Store, error) {
	endpoints := splitEndpoints(os.Getenv(EndpointsEnv))

	if len(endpoints) == 0 {
		return nil, kv.ErrPluginUnavailable
	}

	return plugin.NewStore(kv.PluginOptions{
		"endpoints": endpoints,
		"prefix":    fmt.Sprintf("grouse-temp/%s/", uuid.New().String()),
	})
}

func splitEndpoints(s string) []string {
	var endpoints []string

	for _, endpoint := range strings.Split(s, ",") {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			endpoints = append(endpoints, endpoint)
		}
	}

	return endpoints
}

func durationOption(options kv.PluginOptions, name string) (time.Duration, error) {
	switch v := options[name].(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(v)

		if err != nil {
			return 0, fmt.Errorf("\"%s\" is not a valid duration: %s", name, err)
		}

		return d, nil
	default:
		return 0, fmt.Errorf("\"%s\" must be a duration", name)
	}
}

// StoreConfig configures an etcd store
type StoreConfig struct {
	Endpoints      []string
	Prefix         string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	// MaxTxnOps must not exceed the server's limit. Zero means
	// DefaultMaxTxnOps.
	MaxTxnOps int
}

var (
	_ kv.Store        = (*Store)(nil)
	_ kv.BatchLimiter = (*Store)(nil)
)

// Store is a kv.Store backed by etcd
type Store struct {
	client         *clientv3.Client
	ownsClient     bool
	prefix         []byte
	requestTimeout time.Duration
	maxTxnOps      int
	mu             sync.RWMutex
	closed         bool
	active         sync.WaitGroup
}

// New connects to the cluster described by config
func New(config StoreConfig) (*Store, error) {
	dialTimeout := config.DialTimeout

	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: dialTimeout,
	})

	if err != nil {
		return nil, fmt.Errorf("could not create etcd client: %s", err)
	}

	store := NewFromClient(client, config.Prefix)
	store.ownsClient = true
	store.requestTimeout = config.RequestTimeout

	if config.MaxTxnOps > 0 {
		store.maxTxnOps = config.MaxTxnOps
	}

	return store, nil
}

// NewFromClient creates a store that uses an existing client. Closing
// the store does not close the client.
func NewFromClient(client *clientv3.Client, prefix string) *Store {
	return &Store{client: client, prefix: []byte(prefix), maxTxnOps: DefaultMaxTxnOps}
}

// RowFormat implements kv.RowFormatter
func (store *Store) RowFormat() string {
	return RowFormat
}

// MaxBatchSize implements kv.BatchLimiter. One batched row may cost
// several guards and writes, so a batch is a quarter of the
// per-transaction limit.
func (store *Store) MaxBatchSize() int {
	if n := store.maxTxnOps / 4; n > 0 {
		return n
	}

	return 1
}

// pageSize is the number of keys a scan fetches per request
func (store *Store) pageSize() int {
	return store.MaxBatchSize()
}

func (store *Store) key(key []byte) string {
	return string(keys.Join(store.prefix, key))
}

// rangeStart returns the absolute start of a relative range bound.
// etcd rejects the empty key so the lowest bound is "\x00".
func (store *Store) rangeStart(min []byte) string {
	if start := store.key(min); start != "" {
		return start
	}

	return "\x00"
}

// rangeEnd returns the absolute end of a relative range bound. A nil
// max maps to the end of the store's prefix, or to the end of the
// keyspace when there is no prefix.
func (store *Store) rangeEnd(max []byte) string {
	if max != nil {
		return store.key(max)
	}

	if end := keys.Inc(store.prefix); end != nil {
		return string(end)
	}

	return "\x00"
}

func (store *Store) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if store.requestTimeout == 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, store.requestTimeout)
}

// Begin implements kv.Store.Begin. It fixes the transaction's
// snapshot at the cluster's current revision.
func (store *Store) Begin(ctx context.Context, writable bool) (kv.Transaction, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	if store.closed {
		return nil, kv.ErrClosed
	}

	reqCtx, cancel := store.requestContext(ctx)
	defer cancel()

	resp, err := store.client.Get(reqCtx, store.key([]byte{0}), clientv3.WithCountOnly())

	if err != nil {
		return nil, wrapError(fmt.Errorf("could not read current revision: %w", err))
	}

	store.active.Add(1)

	return &transaction{
		store:    store,
		ctx:      ctx,
		revision: resp.Header.Revision,
		writable: writable,
		writes:   treemap.NewWith(compareKeys),
		reads:    map[string]int64{},
	}, nil
}

// Close implements kv.Store.Close
func (store *Store) Close() error {
	store.mu.Lock()

	if store.closed {
		store.mu.Unlock()

		return nil
	}

	store.closed = true
	store.mu.Unlock()
	store.active.Wait()

	if store.ownsClient {
		return store.client.Close()
	}

	return nil
}

// Delete implements kv.Store.Delete. It removes every key
// under the store's prefix.
func (store *Store) Delete() error {
	store.mu.RLock()
	closed := store.closed
	store.mu.RUnlock()

	if !closed {
		if _, err := store.client.Delete(context.Background(), store.rangeStart(nil), clientv3.WithRange(store.rangeEnd(nil))); err != nil {
			return fmt.Errorf("could not delete keys: %s", err)
		}
	}

	return store.Close()
}

func compareKeys(a, b interface{}) int {
	return bytes.Compare(a.([]byte), b.([]byte))
}

type tombstone struct{}

type scannedRange struct {
	start string
	end   string
}

var _ kv.Transaction = (*transaction)(nil)

type transaction struct {
	store    *Store
	ctx      context.Context
	revision int64
	writable bool
	writes   *treemap.Map
	mu       sync.Mutex
	reads    map[string]int64
	scanned  []scannedRange
	futures  []kv.Future
	done     bool
}

func (txn *transaction) check(key []byte, mutating bool) error {
	if txn.done {
		return kv.ErrTxnDone
	}

	if mutating && !txn.writable {
		return kv.ErrReadOnly
	}

	if key != nil && len(key) == 0 {
		return kv.ErrEmptyKey
	}

	return nil
}

func (txn *transaction) recordRead(key string, modRevision int64) {
	if !txn.writable {
		return
	}

	txn.mu.Lock()
	defer txn.mu.Unlock()

	if _, ok := txn.reads[key]; !ok {
		txn.reads[key] = modRevision
	}
}

func (txn *transaction) buffered(key []byte) ([]byte, bool) {
	v, ok := txn.writes.Get(key)

	if !ok {
		return nil, false
	}

	if _, deleted := v.(tombstone); deleted {
		return nil, true
	}

	return v.([]byte), true
}

func (txn *transaction) read(key []byte) ([]byte, error) {
	ctx, cancel := txn.store.requestContext(txn.ctx)
	defer cancel()

	absolute := txn.store.key(key)
	resp, err := txn.store.client.Get(ctx, absolute, clientv3.WithRev(txn.revision))

	if err != nil {
		return nil, wrapError(err)
	}

	if len(resp.Kvs) == 0 {
		txn.recordRead(absolute, 0)

		return nil, nil
	}

	txn.recordRead(absolute, resp.Kvs[0].ModRevision)

	return resp.Kvs[0].Value, nil
}

// Get implements kv.Transaction.Get
func (txn *transaction) Get(key []byte) ([]byte, error) {
	if err := txn.check(key, false); err != nil {
		return nil, err
	}

	if len(key) == 0 {
		return nil, kv.ErrEmptyKey
	}

	if value, ok := txn.buffered(key); ok {
		return value, nil
	}

	return txn.read(key)
}

// GetFuture implements kv.Transaction.GetFuture. The read is issued
// in the background and is waited for at the latest by Commit.
func (txn *transaction) GetFuture(key []byte) kv.Future {
	if len(key) == 0 {
		return kv.Resolved(nil, kv.ErrEmptyKey)
	}

	if err := txn.check(key, false); err != nil {
		return kv.Resolved(nil, err)
	}

	if value, ok := txn.buffered(key); ok {
		return kv.Resolved(value, nil)
	}

	key = append([]byte(nil), key...)
	future := kv.Async(func() ([]byte, error) {
		return txn.read(key)
	})

	txn.futures = append(txn.futures, future)

	return future
}

// Put implements kv.Transaction.Put
func (txn *transaction) Put(key, value []byte) error {
	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	if err := txn.check(key, true); err != nil {
		return err
	}

	if value == nil {
		value = []byte{}
	}

	txn.writes.Put(append([]byte(nil), key...), append([]byte(nil), value...))

	return nil
}

// Delete implements kv.Transaction.Delete
func (txn *transaction) Delete(key []byte) error {
	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	if err := txn.check(key, true); err != nil {
		return err
	}

	txn.writes.Put(append([]byte(nil), key...), tombstone{})

	return nil
}

// Lock implements kv.Transaction.Lock. The key is read at the
// snapshot revision and written back unchanged, which bumps its
// revision so any other locker fails its commit guard.
func (txn *transaction) Lock(key []byte) error {
	if err := txn.check(key, true); err != nil {
		return err
	}

	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	if _, ok := txn.buffered(key); ok {
		return nil
	}

	value, err := txn.read(key)

	if err != nil {
		return err
	}

	return txn.Put(key, value)
}

// Keys implements kv.Transaction.Keys. The range is read lazily in
// pages at the snapshot revision and merged with the writes buffered
// before Keys was called. Only the pages actually fetched are guarded
// at commit.
func (txn *transaction) Keys(keyRange keys.Range, order kv.SortOrder) (kv.Iterator, error) {
	if err := txn.check(nil, false); err != nil {
		return nil, err
	}

	var local []bufferedWrite
	iter := txn.writes.Iterator()

	for iter.Next() {
		key := iter.Key().([]byte)

		if !keyRange.Contains(key) {
			continue
		}

		if _, deleted := iter.Value().(tombstone); deleted {
			local = append(local, bufferedWrite{KV: kv.KV{Key: key}, deleted: true})
		} else {
			local = append(local, bufferedWrite{KV: kv.KV{Key: key, Value: iter.Value().([]byte)}})
		}
	}

	if order == kv.SortOrderDesc {
		for i, j := 0, len(local)-1; i < j; i, j = i+1, j-1 {
			local[i], local[j] = local[j], local[i]
		}
	}

	return &iterator{
		txn:   txn,
		desc:  order == kv.SortOrderDesc,
		start: txn.store.rangeStart(keyRange.Min),
		end:   txn.store.rangeEnd(keyRange.Max),
		local: local,
	}, nil
}

// page fetches the next page of the remote range
func (iter *iterator) page() error {
	txn := iter.txn
	ctx, cancel := txn.store.requestContext(txn.ctx)
	defer cancel()

	limit := txn.store.pageSize()
	sortOrder := clientv3.SortAscend

	if iter.desc {
		sortOrder = clientv3.SortDescend
	}

	resp, err := txn.store.client.Get(ctx, iter.start,
		clientv3.WithRange(iter.end),
		clientv3.WithRev(txn.revision),
		clientv3.WithSort(clientv3.SortByKey, sortOrder),
		clientv3.WithLimit(int64(limit)),
	)

	if err != nil {
		return wrapError(err)
	}

	iter.remote = iter.remote[:0]

	for _, kvPair := range resp.Kvs {
		txn.recordRead(string(kvPair.Key), kvPair.ModRevision)
		iter.remote = append(iter.remote, kv.KV{Key: kvPair.Key[len(txn.store.prefix):], Value: kvPair.Value})
	}

	// the guarded range covers exactly the keys this page could
	// have returned
	guarded := scannedRange{start: iter.start, end: iter.end}
	iter.exhausted = len(resp.Kvs) < limit

	if !iter.exhausted {
		last := string(resp.Kvs[len(resp.Kvs)-1].Key)

		if iter.desc {
			guarded.start = last
			iter.end = last
		} else {
			guarded.end = last + "\x00"
			iter.start = last + "\x00"
		}
	}

	if txn.writable {
		txn.mu.Lock()
		txn.scanned = append(txn.scanned, guarded)
		txn.mu.Unlock()
	}

	return nil
}

func (txn *transaction) end() {
	txn.done = true
	txn.store.active.Done()
}

// Commit implements kv.Transaction.Commit
func (txn *transaction) Commit() error {
	if txn.done {
		return kv.ErrTxnDone
	}

	defer txn.end()

	for _, future := range txn.futures {
		if _, err := future.Get(); err != nil {
			return err
		}
	}

	if !txn.writable || txn.writes.Size() == 0 {
		return nil
	}

	ctx, cancel := txn.store.requestContext(txn.ctx)
	defer cancel()

	resp, err := txn.store.client.Txn(ctx).If(txn.guards()...).Then(txn.ops()...).Commit()

	if err != nil {
		return wrapError(fmt.Errorf("could not commit: %w", err))
	}

	if !resp.Succeeded {
		return kv.ErrConflict
	}

	return nil
}

// guards returns the comparisons that must hold for the buffered
// writes to apply: every key read is unchanged and no scanned range
// gained a key after the snapshot revision.
func (txn *transaction) guards() []clientv3.Cmp {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	readKeys := make([]string, 0, len(txn.reads))

	for key := range txn.reads {
		readKeys = append(readKeys, key)
	}

	sort.Strings(readKeys)

	cmps := make([]clientv3.Cmp, 0, len(readKeys)+len(txn.scanned))

	for _, key := range readKeys {
		cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(key), "=", txn.reads[key]))
	}

	for _, r := range txn.scanned {
		cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(r.start), "<", txn.revision+1).WithRange(r.end))
	}

	return cmps
}

func (txn *transaction) ops() []clientv3.Op {
	ops := make([]clientv3.Op, 0, txn.writes.Size())
	iter := txn.writes.Iterator()

	for iter.Next() {
		key := txn.store.key(iter.Key().([]byte))

		if _, deleted := iter.Value().(tombstone); deleted {
			ops = append(ops, clientv3.OpDelete(key))
		} else {
			ops = append(ops, clientv3.OpPut(key, string(iter.Value().([]byte))))
		}
	}

	return ops
}

// Rollback implements kv.Transaction.Rollback
func (txn *transaction) Rollback() error {
	if txn.done {
		return kv.ErrTxnDone
	}

	txn.end()

	return nil
}

type bufferedWrite struct {
	kv.KV
	deleted bool
}

// iterator merges the remote range, fetched a page at a time, with
// the buffered writes of the transaction
type iterator struct {
	txn       *transaction
	desc      bool
	start     string
	end       string
	remote    []kv.KV
	exhausted bool
	fetched   bool
	local     []bufferedWrite
	current   kv.KV
	done      bool
	err       error
}

// remoteHead returns the next remote pair, fetching a page if needed
func (iter *iterator) remoteHead() (kv.KV, bool) {
	for len(iter.remote) == 0 {
		if iter.fetched && iter.exhausted {
			return kv.KV{}, false
		}

		if err := iter.page(); err != nil {
			iter.err = err

			return kv.KV{}, false
		}

		iter.fetched = true
	}

	return iter.remote[0], true
}

// before returns true if a is visited before b
func (iter *iterator) before(a, b []byte) bool {
	if iter.desc {
		return bytes.Compare(a, b) > 0
	}

	return bytes.Compare(a, b) < 0
}

func (iter *iterator) Next() bool {
	for !iter.done {
		remote, hasRemote := iter.remoteHead()

		if iter.err != nil {
			iter.done = true

			break
		}

		hasLocal := len(iter.local) > 0

		switch {
		case !hasRemote && !hasLocal:
			iter.done = true
		case hasLocal && (!hasRemote || !iter.before(remote.Key, iter.local[0].Key)):
			local := iter.local[0]
			iter.local = iter.local[1:]

			if hasRemote && bytes.Equal(remote.Key, local.Key) {
				iter.remote = iter.remote[1:]
			}

			if local.deleted {
				continue
			}

			iter.current = local.KV

			return true
		default:
			iter.remote = iter.remote[1:]
			iter.current = remote

			return true
		}
	}

	iter.current = kv.KV{}

	return false
}

func (iter *iterator) Key() []byte {
	return iter.current.Key
}

func (iter *iterator) Value() []byte {
	return iter.current.Value
}

func (iter *iterator) Error() error {
	return iter.err
}

// transientError marks an etcd error the caller can
// recover from by retrying its transaction
type transientError struct {
	err error
}

func (err transientError) Error() string {
	return err.err.Error()
}

func (err transientError) Unwrap() error {
	return err.err
}

func (err transientError) Retryable() bool {
	return true
}

// wrapError classifies errors returned by the client. Reading a
// compacted revision means the snapshot is gone, which is a conflict.
func wrapError(err error) error {
	if errors.Is(err, rpctypes.ErrCompacted) || errors.Is(err, rpctypes.ErrFutureRev) {
		return fmt.Errorf("%w: %s", kv.ErrConflict, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return transientError{err}
	}

	var grpcErr interface{ GRPCStatus() *status.Status }

	if errors.As(err, &grpcErr) {
		switch grpcErr.GRPCStatus().Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
			return transientError{err}
		}
	}

	if errors.Is(err, rpctypes.ErrNoLeader) || errors.Is(err, rpctypes.ErrTimeout) || errors.Is(err, rpctypes.ErrLeaderChanged) {
		return transientError{err}
	}

	return err
}
