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
	"github.com/jrife/grouse/storage/kv/keys"
	"github.com/jrife/grouse/storage/kv/plugins"
	"github.com/jrife/grouse/storage/row"
	"github.com/jrife/grouse/storage/session"
	"github.com/jrife/grouse/storage/tuple"
)

type harness struct {
	t        *testing.T
	sessions *session.Manager
	engine   *engine.Engine
	snapshot *schema.Snapshot
}

func newHarness(t *testing.T, plugin kv.Plugin, snapshot *schema.Snapshot, config engine.Config) *harness {
	t.Helper()

	store, err := plugin.NewTempStore()

	if errors.Is(err, kv.ErrPluginUnavailable) {
		t.Skipf("plugin %s is not available: %s", plugin.Name(), err)
	}

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	t.Cleanup(func() { store.Delete() })

	if config.Schema == nil {
		config.Schema = engine.StaticSchema(snapshot)
	}

	config.Store = store
	e, err := engine.New(config)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	return &harness{
		t:        t,
		sessions: session.NewManager(session.Config{Store: store}),
		engine:   e,
		snapshot: snapshot,
	}
}

// forEachPlugin runs fn once per storage plugin
func forEachPlugin(t *testing.T, fn func(t *testing.T, plugin kv.Plugin)) {
	for _, plugin := range plugins.Plugins() {
		plugin := plugin

		t.Run(plugin.Name(), func(t *testing.T) {
			fn(t, plugin)
		})
	}
}

func (h *harness) run(fn func(ctx context.Context, txn *session.Txn) error) error {
	return h.sessions.Run(context.Background(), true, func(txn *session.Txn) error {
		return fn(txn.Context(), txn)
	})
}

func (h *harness) mustRun(fn func(ctx context.Context, txn *session.Txn) error) {
	h.t.Helper()

	if err := h.run(fn); err != nil {
		h.t.Fatalf("expected err to be nil, got %#v", err)
	}
}

func (h *harness) row(table string, values ...interface{}) *row.Row {
	return row.Must(h.snapshot.Table(table), values...)
}

func (h *harness) write(rows ...*row.Row) {
	h.t.Helper()

	h.mustRun(func(ctx context.Context, txn *session.Txn) error {
		for _, r := range rows {
			if _, err := h.engine.WriteRow(ctx, txn, r); err != nil {
				return err
			}
		}

		return nil
	})
}

// rows lists every row of group as "<hkey> <row>" in key order
func (h *harness) rows(groupName string) []string {
	h.t.Helper()

	group := h.snapshot.Group(groupName)
	result := []string{}

	h.mustRun(func(ctx context.Context, txn *session.Txn) error {
		rows, err := h.engine.ScanGroup(ctx, txn, group, nil, false)

		if err != nil {
			return err
		}

		for rows.Next() {
			r := rows.Value().(*row.Row)
			_, key, err := h.engine.Lookup(ctx, txn, r.Table, r.Project(r.Table.PrimaryKey.Columns)...)

			if err != nil {
				return err
			}

			result = append(result, fmt.Sprintf("%s %s", hkey.Format(group, key), r))
		}

		return rows.Error()
	})

	return result
}

// tableIndex lists the entries of a table index as "<values> -> <hkey>"
func (h *harness) tableIndex(tableName, indexName string) []string {
	h.t.Helper()

	table := h.snapshot.Table(tableName)
	result := []string{}

	h.mustRun(func(ctx context.Context, txn *session.Txn) error {
		entries, err := h.engine.ScanIndex(ctx, txn, table.Index(indexName), keys.All(), false)

		if err != nil {
			return err
		}

		for entries.Next() {
			entry := entries.Value().(engine.IndexEntry)
			result = append(result, fmt.Sprintf("%s -> %s", tuple.Format(entry.Values...), hkey.Format(table.Group(), entry.HKey)))
		}

		return entries.Error()
	})

	return result
}

// groupIndex lists the entries of a group index as
// "<values> -> <hkey> [<present bitmap>]"
func (h *harness) groupIndex(groupName, indexName string) []string {
	h.t.Helper()

	group := h.snapshot.Group(groupName)
	result := []string{}

	h.mustRun(func(ctx context.Context, txn *session.Txn) error {
		entries, err := h.engine.ScanGroupIndex(ctx, txn, group.Index(indexName), keys.All(), false)

		if err != nil {
			return err
		}

		for entries.Next() {
			entry := entries.Value().(engine.IndexEntry)
			result = append(result, fmt.Sprintf("%s -> %s [%b]", tuple.Format(entry.Values...), hkey.Format(group, entry.HKey), entry.Present))
		}

		return entries.Error()
	})

	return result
}

func TestAdoptAndOrphan(t *testing.T) {
	forEachPlugin(t, func(t *testing.T, plugin kv.Plugin) {
		h := newHarness(t, plugin, schematest.OrdersItems(t), engine.Config{})

		h.write(h.row("items", 5, 1, "a", 2))

		if diff := cmp.Diff([]string{`{1,(NULL)}/{2,(1)} items(5, 1, "a", 2)`}, h.rows("orders")); diff != "" {
			t.Fatal(diff)
		}

		if diff := cmp.Diff([]string{`(NULL, "a") -> {1,(NULL)}/{2,(1)} [10]`}, h.groupIndex("orders", "status_sku")); diff != "" {
			t.Fatal(diff)
		}

		h.write(h.row("orders", 5, "open"))

		if diff := cmp.Diff([]string{
			`{1,(5)} orders(5, "open")`,
			`{1,(5)}/{2,(1)} items(5, 1, "a", 2)`,
		}, h.rows("orders")); diff != "" {
			t.Fatal(diff)
		}

		if diff := cmp.Diff([]string{`("open", "a") -> {1,(5)}/{2,(1)} [11]`}, h.groupIndex("orders", "status_sku")); diff != "" {
			t.Fatal(diff)
		}

		if diff := cmp.Diff([]string{`("a") -> {1,(5)}/{2,(1)}`}, h.tableIndex("items", "sku")); diff != "" {
			t.Fatal(diff)
		}

		h.mustRun(func(ctx context.Context, txn *session.Txn) error {
			return h.engine.DeleteRow(ctx, txn, h.row("orders", 5), engine.DeleteOrphan)
		})

		if diff := cmp.Diff([]string{`{1,(NULL)}/{2,(1)} items(5, 1, "a", 2)`}, h.rows("orders")); diff != "" {
			t.Fatal(diff)
		}

		if diff := cmp.Diff([]string{`(NULL, "a") -> {1,(NULL)}/{2,(1)} [10]`}, h.groupIndex("orders", "status_sku")); diff != "" {
			t.Fatal(diff)
		}

		if diff := cmp.Diff([]string{`("a") -> {1,(NULL)}/{2,(1)}`}, h.tableIndex("items", "sku")); diff != "" {
			t.Fatal(diff)
		}
	})
}

func TestDeleteModes(t *testing.T) {
	testCases := map[string]struct {
		mode       engine.DeleteMode
		err        error
		rows       []string
		skus       []string
		groupIndex []string
	}{
		"orphan": {
			mode: engine.DeleteOrphan,
			rows: []string{
				`{1,(NULL)}/{2,(1)} items(5, 1, "a", 2)`,
				`{1,(NULL)}/{2,(2)} items(5, 2, "b", 3)`,
				`{1,(6)} orders(6, "closed")`,
				`{1,(6)}/{2,(3)} items(6, 3, "c", 1)`,
			},
			skus: []string{
				`("a") -> {1,(NULL)}/{2,(1)}`,
				`("b") -> {1,(NULL)}/{2,(2)}`,
				`("c") -> {1,(6)}/{2,(3)}`,
			},
			groupIndex: []string{
				`(NULL, "a") -> {1,(NULL)}/{2,(1)} [10]`,
				`(NULL, "b") -> {1,(NULL)}/{2,(2)} [10]`,
				`("closed", "c") -> {1,(6)}/{2,(3)} [11]`,
			},
		},
		"cascade": {
			mode: engine.DeleteCascade,
			rows: []string{
				`{1,(6)} orders(6, "closed")`,
				`{1,(6)}/{2,(3)} items(6, 3, "c", 1)`,
			},
			skus: []string{
				`("c") -> {1,(6)}/{2,(3)}`,
			},
			groupIndex: []string{
				`("closed", "c") -> {1,(6)}/{2,(3)} [11]`,
			},
		},
		"restrict": {
			mode: engine.DeleteRestrict,
			err:  &engine.ReferencedRowError{Table: "orders", Child: "items"},
			rows: []string{
				`{1,(5)} orders(5, "open")`,
				`{1,(5)}/{2,(1)} items(5, 1, "a", 2)`,
				`{1,(5)}/{2,(2)} items(5, 2, "b", 3)`,
				`{1,(6)} orders(6, "closed")`,
				`{1,(6)}/{2,(3)} items(6, 3, "c", 1)`,
			},
			skus: []string{
				`("a") -> {1,(5)}/{2,(1)}`,
				`("b") -> {1,(5)}/{2,(2)}`,
				`("c") -> {1,(6)}/{2,(3)}`,
			},
			groupIndex: []string{
				`("closed", "c") -> {1,(6)}/{2,(3)} [11]`,
				`("open", "a") -> {1,(5)}/{2,(1)} [11]`,
				`("open", "b") -> {1,(5)}/{2,(2)} [11]`,
			},
		},
	}

	forEachPlugin(t, func(t *testing.T, plugin kv.Plugin) {
		for name, testCase := range testCases {
			t.Run(name, func(t *testing.T) {
				h := newHarness(t, plugin, schematest.OrdersItems(t), engine.Config{})

				h.write(
					h.row("orders", 5, "open"),
					h.row("items", 5, 1, "a", 2),
					h.row("items", 5, 2, "b", 3),
					h.row("orders", 6, "closed"),
					h.row("items", 6, 3, "c", 1),
				)

				err := h.run(func(ctx context.Context, txn *session.Txn) error {
					return h.engine.DeleteRow(ctx, txn, h.row("orders", 5), testCase.mode)
				})

				if testCase.err == nil && err != nil {
					t.Fatalf("expected err to be nil, got %#v", err)
				}

				if testCase.err != nil {
					var referenced *engine.ReferencedRowError

					if !errors.As(err, &referenced) {
						t.Fatalf("expected err to be %#v, got %#v", testCase.err, err)
					}

					if diff := cmp.Diff(testCase.err, referenced); diff != "" {
						t.Fatal(diff)
					}
				}

				if diff := cmp.Diff(testCase.rows, h.rows("orders")); diff != "" {
					t.Fatal(diff)
				}

				if diff := cmp.Diff(testCase.skus, h.tableIndex("items", "sku")); diff != "" {
					t.Fatal(diff)
				}

				if diff := cmp.Diff(testCase.groupIndex, h.groupIndex("orders", "status_sku")); diff != "" {
					t.Fatal(diff)
				}
			})
		}
	})
}

func TestDeleteAbsentRow(t *testing.T) {
	forEachPlugin(t, func(t *testing.T, plugin kv.Plugin) {
		h := newHarness(t, plugin, schematest.OrdersItems(t), engine.Config{})

		h.write(h.row("orders", 5, "open"))

		deleteOrder := func(ctx context.Context, txn *session.Txn) error {
			return h.engine.DeleteRow(ctx, txn, h.row("orders", 5), engine.DeleteOrphan)
		}

		h.mustRun(deleteOrder)

		if err := h.run(deleteOrder); err != engine.ErrNoSuchRow {
			t.Fatalf("expected err to be %#v, got %#v", engine.ErrNoSuchRow, err)
		}

		err := h.run(func(ctx context.Context, txn *session.Txn) error {
			_, err := h.engine.UpdateRow(ctx, txn, h.row("orders", 5), h.row("orders", 5, "closed"), nil)

			return err
		})

		if err != engine.ErrNoSuchRow {
			t.Fatalf("expected err to be %#v, got %#v", engine.ErrNoSuchRow, err)
		}
	})
}

func TestRoundTrip(t *testing.T) {
	forEachPlugin(t, func(t *testing.T, plugin kv.Plugin) {
		h := newHarness(t, plugin, schematest.OrdersItems(t), engine.Config{})
		item := h.row("items", nil, 1, "a", 2)
		var written hkey.HKey

		h.mustRun(func(ctx context.Context, txn *session.Txn) error {
			var err error

			written, err = h.engine.WriteRow(ctx, txn, item)

			return err
		})

		h.mustRun(func(ctx context.Context, txn *session.Txn) error {
			stored, err := h.engine.Fetch(ctx, txn, item.Table, written)

			if err != nil {
				return err
			}

			want, err := h.engine.Codec().Encode(item)

			if err != nil {
				return err
			}

			got, err := h.engine.Codec().Encode(stored)

			if err != nil {
				return err
			}

			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatal(diff)
			}

			looked, key, err := h.engine.Lookup(ctx, txn, item.Table, 1)

			if err != nil {
				return err
			}

			if diff := cmp.Diff(item.Values, looked.Values); diff != "" {
				t.Fatal(diff)
			}

			if diff := cmp.Diff(written, key); diff != "" {
				t.Fatal(diff)
			}

			if _, _, err := h.engine.Lookup(ctx, txn, item.Table, 2); err != engine.ErrNoSuchRow {
				t.Fatalf("expected err to be %#v, got %#v", engine.ErrNoSuchRow, err)
			}

			return nil
		})
	})
}

func TestUpdateRow(t *testing.T) {
	onlyQty := func(position int) bool { return position == 3 }

	testCases := map[string]struct {
		old        []interface{}
		new        []interface{}
		selector   func(position int) bool
		table      string
		rows       []string
		qtys       []string
		groupIndex []string
	}{
		"in-place": {
			table: "items",
			old:   []interface{}{5, 1},
			new:   []interface{}{5, 1, "a", 7},
			rows: []string{
				`{1,(5)} orders(5, "open")`,
				`{1,(5)}/{2,(1)} items(5, 1, "a", 7)`,
				`{1,(6)} orders(6, "closed")`,
			},
			qtys: []string{
				`(7) -> {1,(5)}/{2,(1)}`,
			},
			groupIndex: []string{
				`("open", "a") -> {1,(5)}/{2,(1)} [11]`,
			},
		},
		"selector": {
			table:    "items",
			old:      []interface{}{5, 1},
			new:      []interface{}{6, 1, "ignored", 9},
			selector: onlyQty,
			rows: []string{
				`{1,(5)} orders(5, "open")`,
				`{1,(5)}/{2,(1)} items(5, 1, "a", 9)`,
				`{1,(6)} orders(6, "closed")`,
			},
			qtys: []string{
				`(9) -> {1,(5)}/{2,(1)}`,
			},
			groupIndex: []string{
				`("open", "a") -> {1,(5)}/{2,(1)} [11]`,
			},
		},
		"group-index-column": {
			table: "orders",
			old:   []interface{}{5},
			new:   []interface{}{5, "shipped"},
			rows: []string{
				`{1,(5)} orders(5, "shipped")`,
				`{1,(5)}/{2,(1)} items(5, 1, "a", 2)`,
				`{1,(6)} orders(6, "closed")`,
			},
			qtys: []string{
				`(2) -> {1,(5)}/{2,(1)}`,
			},
			groupIndex: []string{
				`("shipped", "a") -> {1,(5)}/{2,(1)} [11]`,
			},
		},
		"move-to-other-parent": {
			table: "items",
			old:   []interface{}{5, 1},
			new:   []interface{}{6, 1, "a", 2},
			rows: []string{
				`{1,(5)} orders(5, "open")`,
				`{1,(6)} orders(6, "closed")`,
				`{1,(6)}/{2,(1)} items(6, 1, "a", 2)`,
			},
			qtys: []string{
				`(2) -> {1,(6)}/{2,(1)}`,
			},
			groupIndex: []string{
				`("closed", "a") -> {1,(6)}/{2,(1)} [11]`,
			},
		},
		"parent-key-change": {
			table: "orders",
			old:   []interface{}{5},
			new:   []interface{}{7, "open"},
			rows: []string{
				`{1,(NULL)}/{2,(1)} items(5, 1, "a", 2)`,
				`{1,(6)} orders(6, "closed")`,
				`{1,(7)} orders(7, "open")`,
			},
			qtys: []string{
				`(2) -> {1,(NULL)}/{2,(1)}`,
			},
			groupIndex: []string{
				`(NULL, "a") -> {1,(NULL)}/{2,(1)} [10]`,
			},
		},
	}

	forEachPlugin(t, func(t *testing.T, plugin kv.Plugin) {
		for name, testCase := range testCases {
			t.Run(name, func(t *testing.T) {
				h := newHarness(t, plugin, schematest.OrdersItems(t), engine.Config{})

				h.write(
					h.row("orders", 5, "open"),
					h.row("orders", 6, "closed"),
					h.row("items", 5, 1, "a", 2),
				)

				h.mustRun(func(ctx context.Context, txn *session.Txn) error {
					_, err := h.engine.UpdateRow(ctx, txn, h.row(testCase.table, testCase.old...), h.row(testCase.table, testCase.new...), testCase.selector)

					return err
				})

				if diff := cmp.Diff(testCase.rows, h.rows("orders")); diff != "" {
					t.Fatal(diff)
				}

				if diff := cmp.Diff(testCase.qtys, h.tableIndex("items", "qty")); diff != "" {
					t.Fatal(diff)
				}

				if diff := cmp.Diff(testCase.groupIndex, h.groupIndex("orders", "status_sku")); diff != "" {
					t.Fatal(diff)
				}
			})
		}
	})
}

func TestScanTable(t *testing.T) {
	forEachPlugin(t, func(t *testing.T, plugin kv.Plugin) {
		h := newHarness(t, plugin, schematest.OrdersItems(t), engine.Config{})

		h.write(
			h.row("orders", 1, "open"),
			h.row("items", 1, 10, "a", 1),
			h.row("items", nil, 11, "b", 2),
			h.row("items", 1, 12, "c", 3),
		)

		testCases := map[string]struct {
			limit    int
			expected []string
		}{
			"limited": {
				limit:    2,
				expected: []string{`items(NULL, 11, "b", 2)`, `items(1, 10, "a", 1)`},
			},
			"unlimited": {
				expected: []string{`items(NULL, 11, "b", 2)`, `items(1, 10, "a", 1)`, `items(1, 12, "c", 3)`},
			},
		}

		for name, testCase := range testCases {
			t.Run(name, func(t *testing.T) {
				scanned := []string{}

				err := h.run(func(ctx context.Context, txn *session.Txn) error {
					rows, err := h.engine.ScanTable(ctx, txn, h.snapshot.Table("items"), testCase.limit)

					if err != nil {
						return err
					}

					for rows.Next() {
						scanned = append(scanned, rows.Value().(*row.Row).String())
					}

					return rows.Error()
				})

				if err != nil {
					t.Fatalf("expected err to be nil, got %#v", err)
				}

				if diff := cmp.Diff(testCase.expected, scanned); diff != "" {
					t.Fatal(diff)
				}
			})
		}
	})
}
