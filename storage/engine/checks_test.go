package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/schema"
	"github.com/jrife/grouse/schema/schematest"
	"github.com/jrife/grouse/storage/engine"
	"github.com/jrife/grouse/storage/hkey"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/kv/plugins"
	"github.com/jrife/grouse/storage/row"
	"github.com/jrife/grouse/storage/session"
)

func TestUniqueChecks(t *testing.T) {
	testCases := map[string]struct {
		existing [][]interface{}
		// written together in one transaction
		written [][]interface{}
		err     *engine.DuplicateKeyError
	}{
		"distinct": {
			existing: [][]interface{}{{nil, 1, "a", 1}},
			written:  [][]interface{}{{nil, 2, "b", 1}},
		},
		"duplicate-sku": {
			existing: [][]interface{}{{nil, 1, "a", 1}},
			written:  [][]interface{}{{nil, 2, "a", 1}},
			err:      &engine.DuplicateKeyError{Index: "items.sku", Key: `("a")`},
		},
		"null-skus": {
			existing: [][]interface{}{{nil, 1, nil, 1}},
			written:  [][]interface{}{{nil, 2, nil, 1}, {nil, 3, nil, 1}},
		},
		"duplicate-primary-key": {
			existing: [][]interface{}{{nil, 1, "a", 1}},
			written:  [][]interface{}{{nil, 1, "z", 1}},
			err:      &engine.DuplicateKeyError{Index: "items.PRIMARY", Key: "(1)"},
		},
		"duplicate-in-one-transaction": {
			written: [][]interface{}{{nil, 1, "a", 1}, {nil, 2, "a", 1}},
			err:     &engine.DuplicateKeyError{Index: "items.sku", Key: `("a")`},
		},
	}

	for _, mode := range []engine.CheckMode{engine.ChecksImmediate, engine.ChecksDeferred} {
		mode := mode

		t.Run(mode.String(), func(t *testing.T) {
			forEachPlugin(t, func(t *testing.T, plugin kv.Plugin) {
				for name, testCase := range testCases {
					t.Run(name, func(t *testing.T) {
						h := newHarness(t, plugin, schematest.OrdersItems(t), engine.Config{UniqueChecks: mode})

						for _, values := range testCase.existing {
							h.write(h.row("items", values...))
						}

						err := h.run(func(ctx context.Context, txn *session.Txn) error {
							for _, values := range testCase.written {
								if _, err := h.engine.WriteRow(ctx, txn, h.row("items", values...)); err != nil {
									return err
								}
							}

							return nil
						})

						if testCase.err == nil {
							if err != nil {
								t.Fatalf("expected err to be nil, got %#v", err)
							}

							return
						}

						var duplicate *engine.DuplicateKeyError

						if !errors.As(err, &duplicate) {
							t.Fatalf("expected err to be %#v, got %#v", testCase.err, err)
						}

						if diff := cmp.Diff(testCase.err, duplicate); diff != "" {
							t.Fatal(diff)
						}
					})
				}
			})
		})
	}
}

func TestSyncChecks(t *testing.T) {
	h := newHarness(t, plugins.Plugin("memory"), schematest.OrdersItems(t), engine.Config{UniqueChecks: engine.ChecksDeferred})

	h.write(h.row("items", nil, 1, "a", 1))

	err := h.run(func(ctx context.Context, txn *session.Txn) error {
		if _, err := h.engine.WriteRow(ctx, txn, h.row("items", nil, 2, "a", 1)); err != nil {
			t.Fatalf("expected deferred check not to fail the write, got %#v", err)
		}

		err := h.engine.SyncChecks(ctx, txn)

		if _, ok := err.(*engine.DuplicateKeyError); !ok {
			t.Fatalf("expected a duplicate key error, got %#v", err)
		}

		// resolved checks leave the queue
		if err := h.engine.SyncChecks(ctx, txn); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		return err
	})

	if _, ok := err.(*engine.DuplicateKeyError); !ok {
		t.Fatalf("expected a duplicate key error, got %#v", err)
	}

	if diff := cmp.Diff([]string{`("a") -> {1,(NULL)}/{2,(1)}`}, h.tableIndex("items", "sku")); diff != "" {
		t.Fatal(diff)
	}
}

func TestParseCheckMode(t *testing.T) {
	testCases := map[string]struct {
		mode engine.CheckMode
		err  bool
	}{
		"immediate": {mode: engine.ChecksImmediate},
		"deferred":  {mode: engine.ChecksDeferred},
		"":          {mode: engine.ChecksImmediate},
		"later":     {err: true},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			mode, err := engine.ParseCheckMode(name)

			if testCase.err {
				if err == nil {
					t.Fatalf("expected err to be non-nil")
				}

				return
			}

			if err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			if mode != testCase.mode {
				t.Fatalf("expected mode %s, got %s", testCase.mode, mode)
			}
		})
	}
}

type recorder struct {
	events []string
}

func (r *recorder) observer() *engine.ObserverFuncs {
	return &engine.ObserverFuncs{
		Name: "recorder",
		BeforeInsertFunc: func(ctx context.Context, table *schema.Table, key hkey.HKey, new *row.Row) error {
			r.events = append(r.events, fmt.Sprintf("BeforeInsert %s", new))

			return nil
		},
		AfterInsertFunc: func(ctx context.Context, table *schema.Table, key hkey.HKey, new *row.Row) error {
			r.events = append(r.events, fmt.Sprintf("AfterInsert %s %s", new, hkey.Format(table.Group(), key)))

			return nil
		},
		BeforeUpdateFunc: func(ctx context.Context, table *schema.Table, key hkey.HKey, old, new *row.Row) error {
			r.events = append(r.events, fmt.Sprintf("BeforeUpdate %s -> %s", old, new))

			return nil
		},
		AfterUpdateFunc: func(ctx context.Context, table *schema.Table, key hkey.HKey, old, new *row.Row) error {
			r.events = append(r.events, fmt.Sprintf("AfterUpdate %s -> %s", old, new))

			return nil
		},
		BeforeDeleteFunc: func(ctx context.Context, table *schema.Table, key hkey.HKey, old *row.Row) error {
			r.events = append(r.events, fmt.Sprintf("BeforeDelete %s", old))

			return nil
		},
	}
}

func TestObservers(t *testing.T) {
	forEachPlugin(t, func(t *testing.T, plugin kv.Plugin) {
		rec := &recorder{}
		h := newHarness(t, plugin, schematest.OrdersItems(t), engine.Config{Observers: []engine.RowObserver{rec.observer()}})

		h.write(h.row("orders", 5, "open"), h.row("items", 5, 1, "a", 2))
		h.mustRun(func(ctx context.Context, txn *session.Txn) error {
			_, err := h.engine.UpdateRow(ctx, txn, h.row("items", 5, 1), h.row("items", 5, 1, "a", 3), nil)

			return err
		})
		h.mustRun(func(ctx context.Context, txn *session.Txn) error {
			return h.engine.DeleteRow(ctx, txn, h.row("orders", 5), engine.DeleteCascade)
		})

		expected := []string{
			`BeforeInsert orders(5, "open")`,
			`AfterInsert orders(5, "open") {1,(5)}`,
			`BeforeInsert items(5, 1, "a", 2)`,
			`AfterInsert items(5, 1, "a", 2) {1,(5)}/{2,(1)}`,
			`BeforeUpdate items(5, 1, "a", 2) -> items(5, 1, "a", 3)`,
			`AfterUpdate items(5, 1, "a", 2) -> items(5, 1, "a", 3)`,
			`BeforeDelete orders(5, "open")`,
			`BeforeDelete items(5, 1, "a", 3)`,
		}

		if diff := cmp.Diff(expected, rec.events); diff != "" {
			t.Fatal(diff)
		}
	})
}

func TestObserverRejects(t *testing.T) {
	errSkuRequired := errors.New("sku is required")
	rejectMissingSku := &engine.ObserverFuncs{
		Name: "sku-required",
		BeforeInsertFunc: func(ctx context.Context, table *schema.Table, key hkey.HKey, new *row.Row) error {
			if table.Name == "items" && new.Get("sku") == nil {
				return errSkuRequired
			}

			return nil
		},
	}

	forEachPlugin(t, func(t *testing.T, plugin kv.Plugin) {
		h := newHarness(t, plugin, schematest.OrdersItems(t), engine.Config{Observers: []engine.RowObserver{rejectMissingSku}})

		err := h.run(func(ctx context.Context, txn *session.Txn) error {
			_, err := h.engine.WriteRow(ctx, txn, h.row("items", nil, 1, nil, 2))

			return err
		})

		if !errors.Is(err, errSkuRequired) {
			t.Fatalf("expected err to wrap %#v, got %#v", errSkuRequired, err)
		}

		var constraint *engine.ConstraintError

		if !errors.As(err, &constraint) {
			t.Fatalf("expected a constraint error, got %#v", err)
		}

		if constraint.Observer != "sku-required" {
			t.Fatalf("expected observer sku-required, got %s", constraint.Observer)
		}

		if diff := cmp.Diff([]string{}, h.rows("orders")); diff != "" {
			t.Fatal(diff)
		}
	})
}

type changedSchema struct {
	snapshot *schema.Snapshot
	changed  int32
}

func (source changedSchema) Snapshot(txn *session.Txn) (*schema.Snapshot, error) {
	return source.snapshot, nil
}

func (source changedSchema) TableChanged(txn *session.Txn, tableID int32) (bool, error) {
	return tableID == source.changed, nil
}

func TestStaleRows(t *testing.T) {
	base := schematest.OrdersItems(t)
	withIndex := schematest.Build(t, base, func(builder *schema.Builder) error {
		return builder.CreateIndex(schema.IndexDef{Name: "sku_qty", Table: "items", Columns: []string{"sku", "qty"}})
	})
	withoutItems := schematest.Build(t, base, func(builder *schema.Builder) error {
		return builder.DropTable("items")
	})

	testCases := map[string]struct {
		source engine.SchemaSource
		err    error
	}{
		"current": {
			source: engine.StaticSchema(base),
		},
		"table-version-changed": {
			source: engine.StaticSchema(withIndex),
			err:    engine.ErrSchemaStale,
		},
		"table-dropped": {
			source: engine.StaticSchema(withoutItems),
			err:    engine.ErrNoSuchTable,
		},
		"table-changed-in-transaction": {
			source: changedSchema{snapshot: base, changed: base.Table("items").ID},
			err:    engine.ErrSchemaStale,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, plugins.Plugin("memory"), base, engine.Config{Schema: testCase.source})

			err := h.run(func(ctx context.Context, txn *session.Txn) error {
				_, err := h.engine.WriteRow(ctx, txn, row.Must(base.Table("items"), nil, 1, "a", 1))

				return err
			})

			if err != testCase.err {
				t.Fatalf("expected err to be %#v, got %#v", testCase.err, err)
			}
		})
	}
}
