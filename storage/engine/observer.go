package engine

import (
	"context"
	"fmt"

	"github.com/jrife/grouse/schema"
	"github.com/jrife/grouse/storage/hkey"
	"github.com/jrife/grouse/storage/row"
)

// RowObserver is notified around row mutations. Returning an error
// aborts the operation. The error reaches the caller wrapped in a
// ConstraintError.
type RowObserver interface {
	BeforeInsert(ctx context.Context, table *schema.Table, key hkey.HKey, r *row.Row) error
	AfterInsert(ctx context.Context, table *schema.Table, key hkey.HKey, r *row.Row) error
	BeforeUpdate(ctx context.Context, table *schema.Table, key hkey.HKey, old, new *row.Row) error
	AfterUpdate(ctx context.Context, table *schema.Table, key hkey.HKey, old, new *row.Row) error
	BeforeDelete(ctx context.Context, table *schema.Table, key hkey.HKey, r *row.Row) error
}

// ObserverFuncs implements RowObserver with optional functions.
// Nil functions accept every mutation.
type ObserverFuncs struct {
	Name             string
	BeforeInsertFunc func(ctx context.Context, table *schema.Table, key hkey.HKey, r *row.Row) error
	AfterInsertFunc  func(ctx context.Context, table *schema.Table, key hkey.HKey, r *row.Row) error
	BeforeUpdateFunc func(ctx context.Context, table *schema.Table, key hkey.HKey, old, new *row.Row) error
	AfterUpdateFunc  func(ctx context.Context, table *schema.Table, key hkey.HKey, old, new *row.Row) error
	BeforeDeleteFunc func(ctx context.Context, table *schema.Table, key hkey.HKey, r *row.Row) error
}

var _ RowObserver = (*ObserverFuncs)(nil)

// BeforeInsert implements RowObserver.BeforeInsert
func (funcs *ObserverFuncs) BeforeInsert(ctx context.Context, table *schema.Table, key hkey.HKey, r *row.Row) error {
	if funcs.BeforeInsertFunc == nil {
		return nil
	}

	return funcs.BeforeInsertFunc(ctx, table, key, r)
}

// AfterInsert implements RowObserver.AfterInsert
func (funcs *ObserverFuncs) AfterInsert(ctx context.Context, table *schema.Table, key hkey.HKey, r *row.Row) error {
	if funcs.AfterInsertFunc == nil {
		return nil
	}

	return funcs.AfterInsertFunc(ctx, table, key, r)
}

// BeforeUpdate implements RowObserver.BeforeUpdate
func (funcs *ObserverFuncs) BeforeUpdate(ctx context.Context, table *schema.Table, key hkey.HKey, old, new *row.Row) error {
	if funcs.BeforeUpdateFunc == nil {
		return nil
	}

	return funcs.BeforeUpdateFunc(ctx, table, key, old, new)
}

// AfterUpdate implements RowObserver.AfterUpdate
func (funcs *ObserverFuncs) AfterUpdate(ctx context.Context, table *schema.Table, key hkey.HKey, old, new *row.Row) error {
	if funcs.AfterUpdateFunc == nil {
		return nil
	}

	return funcs.AfterUpdateFunc(ctx, table, key, old, new)
}

// BeforeDelete implements RowObserver.BeforeDelete
func (funcs *ObserverFuncs) BeforeDelete(ctx context.Context, table *schema.Table, key hkey.HKey, r *row.Row) error {
	if funcs.BeforeDeleteFunc == nil {
		return nil
	}

	return funcs.BeforeDeleteFunc(ctx, table, key, r)
}

func observerName(observer RowObserver) string {
	if funcs, ok := observer.(*ObserverFuncs); ok && funcs.Name != "" {
		return funcs.Name
	}

	if named, ok := observer.(interface{ Name() string }); ok {
		return named.Name()
	}

	return fmt.Sprintf("%T", observer)
}

// notify calls fn for every observer in order and stops
// at the first error
func (engine *Engine) notify(fn func(observer RowObserver) error) error {
	for _, observer := range engine.observers {
		if err := fn(observer); err != nil {
			return &ConstraintError{Observer: observerName(observer), Err: err}
		}
	}

	return nil
}
