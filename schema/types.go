package schema

import (
	"fmt"
)

// Type is the value type of a column
type Type int32

const (
	// TypeInt columns hold int64 values
	TypeInt Type = iota + 1
	// TypeFloat columns hold float64 values
	TypeFloat
	// TypeString columns hold string values
	TypeString
	// TypeBytes columns hold []byte values
	TypeBytes
	// TypeBool columns hold bool values
	TypeBool
)

func (t Type) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	case TypeBool:
		return "bool"
	}

	return fmt.Sprintf("Type(%d)", int32(t))
}

func (t Type) valid() bool {
	return t >= TypeInt && t <= TypeBool
}

// Normalize converts v to the canonical Go representation
// for this type. nil is always accepted.
func (t Type) Normalize(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}

	switch t {
	case TypeInt:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case uint32:
			return int64(n), nil
		}
	case TypeFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case int:
			return float64(n), nil
		}
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeBytes:
		if b, ok := v.([]byte); ok {
			return b, nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	}

	return nil, fmt.Errorf("%T is not assignable to %s", v, t)
}

// Column is a column of a table
type Column struct {
	Name          string
	Position      int
	Type          Type
	Nullable      bool
	AutoIncrement bool
	table         *Table
}

// Table returns the table this column belongs to
func (column *Column) Table() *Table {
	return column.table
}

func (column *Column) String() string {
	return column.table.Name + "." + column.Name
}

// Join links a child table to its parent. ChildColumns[i]
// references ParentColumns[i], and ParentColumns is the
// parent's primary key.
type Join struct {
	Parent        *Table
	ChildColumns  []*Column
	ParentColumns []*Column
}

// Segment is one segment of a table's hierarchical key layout:
// the ordinal of Table followed by its primary key columns.
type Segment struct {
	Table   *Table
	Columns []*Column
}

// Spatial describes a run of coordinate columns inside an
// index that are replaced by a single z-value.
type Spatial struct {
	// First is the position of the first coordinate among
	// the index columns
	First      int
	Dimensions int
	Min        []float64
	Max        []float64
}

// Index is a table index. The primary key index is
// always unique and never covers a nullable column.
type Index struct {
	ID      int32
	Name    string
	Table   *Table
	Columns []*Column
	Unique  bool
	Primary bool
	Spatial *Spatial
	TreeID  uint32
}

// Nullable returns true if this is a unique index with at least
// one nullable key column. Entries of such indexes carry a null
// separator so rows with null keys never collide.
func (index *Index) Nullable() bool {
	if !index.Unique {
		return false
	}

	for _, column := range index.Columns {
		if column.Nullable {
			return true
		}
	}

	return false
}

func (index *Index) String() string {
	return index.Table.Name + "." + index.Name
}

// GroupIndex is an index whose key columns come from several tables
// along one ancestor chain of a group. It has one entry per row of its
// leaf table.
type GroupIndex struct {
	ID      int32
	Name    string
	Group   *Group
	Columns []*Column
	Spatial *Spatial
	TreeID  uint32
	// Chain lists the tables spanned by the index from the
	// rootmost to the leafmost
	Chain   []*Table
}

// Leaf returns the leafmost table of the index chain
func (index *GroupIndex) Leaf() *Table {
	return index.Chain[len(index.Chain)-1]
}

// Rootmost returns the rootmost table of the index chain
func (index *GroupIndex) Rootmost() *Table {
	return index.Chain[0]
}

// ChainPosition returns the position of table in the chain
// or -1 if the table is not spanned by this index
func (index *GroupIndex) ChainPosition(table *Table) int {
	for i, t := range index.Chain {
		if t == table {
			return i
		}
	}

	return -1
}

// Overlaps returns true if any of the given column positions of
// table is one of this index's key columns
func (index *GroupIndex) Overlaps(table *Table, positions []int) bool {
	for _, column := range index.Columns {
		if column.table != table {
			continue
		}

		for _, position := range positions {
			if column.Position == position {
				return true
			}
		}
	}

	return false
}

func (index *GroupIndex) String() string {
	return index.Group.Name + "." + index.Name
}

// Group is a root table and every table transitively joined
// beneath it. All rows of a group share one keyspace.
type Group struct {
	Name    string
	Root    *Table
	TreeID  uint32
	Indexes []*GroupIndex
	// Tables lists the group's tables in depth-first order
	Tables  []*Table

	ordinals map[int32]*Table
}

// TableByOrdinal returns the table with this ordinal or nil
func (group *Group) TableByOrdinal(ordinal int32) *Table {
	return group.ordinals[ordinal]
}

// Index returns the group index with this name or nil
func (group *Group) Index(name string) *GroupIndex {
	for _, index := range group.Indexes {
		if index.Name == name {
			return index
		}
	}

	return nil
}

// Table is a table and its derived physical layout
type Table struct {
	ID         int32
	Name       string
	Columns    []*Column
	PrimaryKey *Index
	// Indexes lists every table index, including the primary key
	Indexes    []*Index
	// Version is the table's change counter as of this snapshot
	Version    int64

	join         *Join
	children     []*Table
	group        *Group
	ordinal      int32
	depth        int
	hkey         []Segment
	groupIndexes []*GroupIndex
}

// Column returns the column with this name or nil
func (table *Table) Column(name string) *Column {
	for _, column := range table.Columns {
		if column.Name == name {
			return column
		}
	}

	return nil
}

// Index returns the table index with this name or nil
func (table *Table) Index(name string) *Index {
	for _, index := range table.Indexes {
		if index.Name == name {
			return index
		}
	}

	return nil
}

// Join returns the join to the parent table or nil for a root
func (table *Table) Join() *Join {
	return table.join
}

// Parent returns the parent table or nil for a root
func (table *Table) Parent() *Table {
	if table.join == nil {
		return nil
	}

	return table.join.Parent
}

// Children returns the tables joined directly beneath this one
func (table *Table) Children() []*Table {
	return table.children
}

// HasChildren returns true if any table is joined beneath this one
func (table *Table) HasChildren() bool {
	return len(table.children) > 0
}

// Group returns this table's group
func (table *Table) Group() *Group {
	return table.group
}

// Ordinal returns the table's ordinal within its group
func (table *Table) Ordinal() int32 {
	return table.ordinal
}

// Depth returns the number of ancestors of this table
func (table *Table) Depth() int {
	return table.depth
}

// HKey returns the table's hierarchical key layout from root to self
func (table *Table) HKey() []Segment {
	return table.hkey
}

// GroupIndexes returns the group indexes spanning this table
func (table *Table) GroupIndexes() []*GroupIndex {
	return table.groupIndexes
}

// AutoIncrement returns the auto-increment column or nil
func (table *Table) AutoIncrement() *Column {
	for _, column := range table.Columns {
		if column.AutoIncrement {
			return column
		}
	}

	return nil
}

// IsAncestorOf returns true if table is a proper ancestor of other
func (table *Table) IsAncestorOf(other *Table) bool {
	for t := other.Parent(); t != nil; t = t.Parent() {
		if t == table {
			return true
		}
	}

	return false
}

// Descendants returns every table beneath this one in depth-first order
func (table *Table) Descendants() []*Table {
	var descendants []*Table

	for _, child := range table.children {
		descendants = append(descendants, child)
		descendants = append(descendants, child.Descendants()...)
	}

	return descendants
}

// DescendantOrdinals returns the ordinals of every table beneath this one
func (table *Table) DescendantOrdinals() map[int32]bool {
	ordinals := map[int32]bool{}

	for _, descendant := range table.Descendants() {
		ordinals[descendant.ordinal] = true
	}

	return ordinals
}

// KeyColumns returns the positions of the primary key and
// parent join columns
func (table *Table) KeyColumns() []int {
	positions := []int{}
	seen := map[int]bool{}

	for _, column := range table.PrimaryKey.Columns {
		positions = append(positions, column.Position)
		seen[column.Position] = true
	}

	if table.join != nil {
		for _, column := range table.join.ChildColumns {
			if !seen[column.Position] {
				positions = append(positions, column.Position)
			}
		}
	}

	return positions
}

func (table *Table) String() string {
	return table.Name
}
