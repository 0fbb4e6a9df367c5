// Package row binds typed column values to a table and
// encodes them for storage.
package row

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/jrife/grouse/schema"
	"github.com/jrife/grouse/storage/tuple"
)

var (
	// ErrWrongTable is returned when a stored row belongs
	// to a different table than the one decoding it
	ErrWrongTable = errors.New("row belongs to a different table")
	// ErrUnknownCodec is returned when no codec has the requested name
	ErrUnknownCodec = errors.New("unknown row codec")
)

// Row is one row of a table. Values holds one
// entry per column, in column position order.
type Row struct {
	Table  *schema.Table
	Values []interface{}
}

// New creates a row of table from values. Missing trailing values are
// null. Values are normalized to their column's canonical Go type.
func New(table *schema.Table, values ...interface{}) (*Row, error) {
	if len(values) > len(table.Columns) {
		return nil, fmt.Errorf("table %s has %d columns, got %d values", table.Name, len(table.Columns), len(values))
	}

	normalized := make([]interface{}, len(table.Columns))

	for i, value := range values {
		column := table.Columns[i]
		v, err := column.Type.Normalize(value)

		if err != nil {
			return nil, fmt.Errorf("column %s: %s", column, err)
		}

		normalized[i] = v
	}

	return &Row{Table: table, Values: normalized}, nil
}

// Must is like New but panics on error
func Must(table *schema.Table, values ...interface{}) *Row {
	r, err := New(table, values...)

	if err != nil {
		panic(err)
	}

	return r
}

// FromMap creates a row from a map of column names to values
func FromMap(table *schema.Table, values map[string]interface{}) (*Row, error) {
	ordered := make([]interface{}, len(table.Columns))

	for name, value := range values {
		column := table.Column(name)

		if column == nil {
			return nil, fmt.Errorf("table %s has no column %s", table.Name, name)
		}

		ordered[column.Position] = value
	}

	return New(table, ordered...)
}

// Value returns the value of the column at position
func (r *Row) Value(position int) interface{} {
	return r.Values[position]
}

// Get returns the value of the named column
func (r *Row) Get(name string) interface{} {
	column := r.Table.Column(name)

	if column == nil {
		return nil
	}

	return r.Values[column.Position]
}

// Project returns the values of the given columns. Columns must
// belong to this row's table.
func (r *Row) Project(columns []*schema.Column) []interface{} {
	values := make([]interface{}, len(columns))

	for i, column := range columns {
		values[i] = r.Values[column.Position]
	}

	return values
}

// HasNull returns true if any of the given columns is null
func (r *Row) HasNull(columns []*schema.Column) bool {
	for _, column := range columns {
		if r.Values[column.Position] == nil {
			return true
		}
	}

	return false
}

// Clone returns a copy of the row
func (r *Row) Clone() *Row {
	return &Row{Table: r.Table, Values: append([]interface{}(nil), r.Values...)}
}

// Validate checks nullability of every column
func (r *Row) Validate() error {
	if len(r.Values) != len(r.Table.Columns) {
		return fmt.Errorf("table %s has %d columns, row has %d values", r.Table.Name, len(r.Table.Columns), len(r.Values))
	}

	for _, column := range r.Table.Columns {
		if r.Values[column.Position] == nil && !column.Nullable {
			return fmt.Errorf("column %s cannot be null", column)
		}
	}

	return nil
}

// Merge returns a copy of r where every column for which selected
// returns true takes its value from other. A nil selector selects
// every column.
func (r *Row) Merge(other *Row, selected func(position int) bool) *Row {
	merged := r.Clone()

	for i := range merged.Values {
		if selected == nil || selected(i) {
			merged.Values[i] = other.Values[i]
		}
	}

	return merged
}

// Changed returns the positions of the columns whose encodings differ
// between r and other
func (r *Row) Changed(other *Row) []int {
	var changed []int

	for i := range r.Values {
		if !bytes.Equal(tuple.Append(nil, r.Values[i]), tuple.Append(nil, other.Values[i])) {
			changed = append(changed, i)
		}
	}

	return changed
}

func (r *Row) String() string {
	return r.Table.Name + tuple.Format(r.Values...)
}
