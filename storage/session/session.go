// Package session wraps backend transactions with the bookkeeping the
// storage layers hang off a transaction: an identity, a start timestamp,
// attachments and commit/rollback callbacks. Manager.Run is the
// caller-side retry loop for retryable backend errors.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
)

// DefaultMaxRetries is used when Config.MaxRetries is zero
const DefaultMaxRetries = 10

var (
	// ErrDone is returned when a transaction is used after
	// it committed or rolled back
	ErrDone = errors.New("transaction already committed or rolled back")
)

// Config configures a Manager
type Config struct {
	Logger     *zap.Logger
	Store      kv.Store
	MaxRetries int
}

// Manager begins transactions against a store
type Manager struct {
	logger     *zap.Logger
	store      kv.Store
	maxRetries int
	clock      uint64
}

// NewManager creates a manager
func NewManager(config Config) *Manager {
	manager := &Manager{
		logger:     config.Logger,
		store:      config.Store,
		maxRetries: config.MaxRetries,
	}

	if manager.logger == nil {
		manager.logger = zap.L()
	}

	if manager.maxRetries == 0 {
		manager.maxRetries = DefaultMaxRetries
	}

	return manager
}

// Store returns the store this manager opens transactions on
func (manager *Manager) Store() kv.Store {
	return manager.store
}

// Now returns the current logical time. Every transaction that
// begins afterwards has a larger start timestamp.
func (manager *Manager) Now() uint64 {
	return atomic.LoadUint64(&manager.clock)
}

// Begin starts a transaction
func (manager *Manager) Begin(ctx context.Context, writable bool) (*Txn, error) {
	transaction, err := manager.store.Begin(ctx, writable)

	if err != nil {
		return nil, err
	}

	txn := &Txn{
		ctx:         ctx,
		transaction: transaction,
		id:          uuid.New(),
		start:       atomic.AddUint64(&manager.clock, 1),
		writable:    writable,
		attachments: map[interface{}]interface{}{},
	}

	return txn, nil
}

// Run runs fn inside a transaction and commits it. If fn or the commit
// fails with a retryable error the whole function is run again in a
// fresh transaction, up to the configured number of retries.
func (manager *Manager) Run(ctx context.Context, writable bool, fn func(txn *Txn) error) error {
	logger := log.WithContext(ctx, manager.logger).With(zap.String("operation", "Run"))

	var err error

	for attempt := 0; attempt <= manager.maxRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}

			return err
		}

		err = manager.run(ctx, writable, fn)

		if err == nil || !kv.IsRetryable(err) {
			return err
		}

		logger.Debug("retrying transaction", zap.Int("attempt", attempt), zap.Error(err))
	}

	return fmt.Errorf("gave up after %d retries: %w", manager.maxRetries, err)
}

func (manager *Manager) run(ctx context.Context, writable bool, fn func(txn *Txn) error) error {
	txn, err := manager.Begin(ctx, writable)

	if err != nil {
		return err
	}

	defer txn.Rollback()

	if err := fn(txn); err != nil {
		return err
	}

	return txn.Commit()
}

// Txn is one transaction. Like the backend transaction it wraps it
// must only be used by one goroutine at a time.
type Txn struct {
	ctx           context.Context
	transaction   kv.Transaction
	id            uuid.UUID
	start         uint64
	writable      bool
	attachments   map[interface{}]interface{}
	beforeCommit  []func() error
	afterCommit   []func()
	afterRollback []func()
	afterEnd      []func()
	done          bool
}

// KV returns the backend transaction
func (txn *Txn) KV() kv.Transaction {
	return txn.transaction
}

// Context returns the context the transaction was started with
func (txn *Txn) Context() context.Context {
	return txn.ctx
}

// ID returns the transaction's unique id
func (txn *Txn) ID() uuid.UUID {
	return txn.id
}

// Start returns the transaction's start timestamp
func (txn *Txn) Start() uint64 {
	return txn.start
}

// Writable returns true for read-write transactions
func (txn *Txn) Writable() bool {
	return txn.writable
}

// Done returns true once the transaction committed or rolled back
func (txn *Txn) Done() bool {
	return txn.done
}

// Attach associates value with key for the life of the transaction
func (txn *Txn) Attach(key, value interface{}) {
	txn.attachments[key] = value
}

// Attachment returns the value associated with key
func (txn *Txn) Attachment(key interface{}) (interface{}, bool) {
	value, ok := txn.attachments[key]

	return value, ok
}

// Detach removes the value associated with key
func (txn *Txn) Detach(key interface{}) {
	delete(txn.attachments, key)
}

// BeforeCommit registers fn to run before the backend commit. An error
// aborts the commit and rolls the transaction back.
func (txn *Txn) BeforeCommit(fn func() error) {
	txn.beforeCommit = append(txn.beforeCommit, fn)
}

// AfterCommit registers fn to run after a successful commit
func (txn *Txn) AfterCommit(fn func()) {
	txn.afterCommit = append(txn.afterCommit, fn)
}

// AfterRollback registers fn to run after a rollback or failed commit
func (txn *Txn) AfterRollback(fn func()) {
	txn.afterRollback = append(txn.afterRollback, fn)
}

// AfterEnd registers fn to run once the transaction ends either way
func (txn *Txn) AfterEnd(fn func()) {
	txn.afterEnd = append(txn.afterEnd, fn)
}

// Commit runs the before-commit callbacks then commits
func (txn *Txn) Commit() error {
	if txn.done {
		return ErrDone
	}

	// callbacks may register more callbacks
	for i := 0; i < len(txn.beforeCommit); i++ {
		if err := txn.beforeCommit[i](); err != nil {
			txn.rollback()

			return err
		}
	}

	if err := txn.transaction.Commit(); err != nil {
		txn.finish(txn.afterRollback)

		return err
	}

	txn.finish(txn.afterCommit)

	return nil
}

// Rollback rolls the transaction back. It does nothing if the
// transaction already ended so it is safe to defer.
func (txn *Txn) Rollback() error {
	if txn.done {
		return nil
	}

	return txn.rollback()
}

func (txn *Txn) rollback() error {
	err := txn.transaction.Rollback()
	txn.finish(txn.afterRollback)

	return err
}

func (txn *Txn) finish(callbacks []func()) {
	txn.done = true

	for _, fn := range callbacks {
		fn()
	}

	for _, fn := range txn.afterEnd {
		fn()
	}

	txn.attachments = map[interface{}]interface{}{}
}
