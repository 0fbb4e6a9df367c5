// Package schematest provides schemas shared by tests
package schematest

import (
	"testing"

	"github.com/jrife/grouse/schema"
)

// Build applies fn to a builder derived from base and returns
// the frozen result
func Build(t testing.TB, base *schema.Snapshot, fn func(builder *schema.Builder) error) *schema.Snapshot {
	t.Helper()

	builder, err := schema.NewBuilder(base)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := fn(builder); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	snapshot, _, err := builder.Build()

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	snapshot.Freeze()

	return snapshot
}

// OrdersItemsDefs defines two tables:
//   orders(id PK, status)
//   items(order_id -> orders.id, id PK, sku UNIQUE, qty)
// plus a non-unique index on items.qty and a group index
// on (orders.status, items.sku)
func OrdersItemsDefs(builder *schema.Builder) error {
	steps := []func() error{
		func() error {
			return builder.CreateTable(schema.TableDef{
				Name: "orders",
				Columns: []schema.ColumnDef{
					{Name: "id", Type: schema.TypeInt},
					{Name: "status", Type: schema.TypeString, Nullable: true},
				},
				PrimaryKey: []string{"id"},
			})
		},
		func() error {
			return builder.CreateTable(schema.TableDef{
				Name: "items",
				Columns: []schema.ColumnDef{
					{Name: "order_id", Type: schema.TypeInt, Nullable: true},
					{Name: "id", Type: schema.TypeInt},
					{Name: "sku", Type: schema.TypeString, Nullable: true},
					{Name: "qty", Type: schema.TypeInt, Nullable: true},
				},
				PrimaryKey:  []string{"id"},
				Parent:      "orders",
				JoinColumns: []string{"order_id"},
			})
		},
		func() error {
			return builder.CreateIndex(schema.IndexDef{Name: "sku", Table: "items", Columns: []string{"sku"}, Unique: true})
		},
		func() error {
			return builder.CreateIndex(schema.IndexDef{Name: "qty", Table: "items", Columns: []string{"qty"}})
		},
		func() error {
			return builder.CreateGroupIndex(schema.GroupIndexDef{
				Name:    "status_sku",
				Group:   "orders",
				Columns: []schema.ColumnRef{{Table: "orders", Column: "status"}, {Table: "items", Column: "sku"}},
			})
		},
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	return nil
}

// OrdersItems returns a snapshot containing the tables of OrdersItemsDefs
func OrdersItems(t testing.TB) *schema.Snapshot {
	return Build(t, schema.Empty(), OrdersItemsDefs)
}

// CustomersOrdersItems returns a three level group:
//   customers(id PK, name)
//   orders(id PK, customer_id -> customers.id, total)
//   items(id PK, order_id -> orders.id, sku)
// with a group index on (customers.name, items.sku)
func CustomersOrdersItems(t testing.TB) *schema.Snapshot {
	return Build(t, schema.Empty(), func(builder *schema.Builder) error {
		steps := []func() error{
			func() error {
				return builder.CreateTable(schema.TableDef{
					Name: "customers",
					Columns: []schema.ColumnDef{
						{Name: "id", Type: schema.TypeInt},
						{Name: "name", Type: schema.TypeString, Nullable: true},
					},
					PrimaryKey: []string{"id"},
				})
			},
			func() error {
				return builder.CreateTable(schema.TableDef{
					Name: "orders",
					Columns: []schema.ColumnDef{
						{Name: "id", Type: schema.TypeInt},
						{Name: "customer_id", Type: schema.TypeInt, Nullable: true},
						{Name: "total", Type: schema.TypeFloat, Nullable: true},
					},
					PrimaryKey:  []string{"id"},
					Parent:      "customers",
					JoinColumns: []string{"customer_id"},
				})
			},
			func() error {
				return builder.CreateTable(schema.TableDef{
					Name: "items",
					Columns: []schema.ColumnDef{
						{Name: "id", Type: schema.TypeInt},
						{Name: "order_id", Type: schema.TypeInt, Nullable: true},
						{Name: "sku", Type: schema.TypeString, Nullable: true},
					},
					PrimaryKey:  []string{"id"},
					Parent:      "orders",
					JoinColumns: []string{"order_id"},
				})
			},
			func() error {
				return builder.CreateGroupIndex(schema.GroupIndexDef{
					Name:    "name_sku",
					Group:   "customers",
					Columns: []schema.ColumnRef{{Table: "customers", Column: "name"}, {Table: "items", Column: "sku"}},
				})
			},
		}

		for _, step := range steps {
			if err := step(); err != nil {
				return err
			}
		}

		return nil
	})
}

// Places returns a single table with an auto-increment key and a
// spatial index over (x, y) in [0, 100] x [0, 100]:
//   places(id PK AUTO_INCREMENT, x, y, name)
func Places(t testing.TB) *schema.Snapshot {
	return Build(t, schema.Empty(), func(builder *schema.Builder) error {
		if err := builder.CreateTable(schema.TableDef{
			Name: "places",
			Columns: []schema.ColumnDef{
				{Name: "id", Type: schema.TypeInt, AutoIncrement: true},
				{Name: "x", Type: schema.TypeFloat, Nullable: true},
				{Name: "y", Type: schema.TypeFloat, Nullable: true},
				{Name: "name", Type: schema.TypeString, Nullable: true},
			},
			PrimaryKey: []string{"id"},
		}); err != nil {
			return err
		}

		return builder.CreateIndex(schema.IndexDef{
			Name:    "location",
			Table:   "places",
			Columns: []string{"x", "y", "name"},
			Spatial: &schema.SpatialDef{First: 0, Dimensions: 2, Min: []float64{0, 0}, Max: []float64{100, 100}},
		})
	})
}
