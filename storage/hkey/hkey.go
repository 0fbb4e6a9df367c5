// Package hkey builds hierarchical keys. A row's hierarchical key is the
// concatenation of one segment per table on the path from its group's root
// table down to its own table. Each segment holds the table's ordinal
// followed by that table's primary key values, so a row's key is a byte
// prefix of the keys of all rows stored beneath it.
//
// Ancestor segments are copied from the parent row's stored key. When the
// parent does not exist every ancestor segment is null and the row is an
// orphan.
package hkey

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jrife/grouse/schema"
	"github.com/jrife/grouse/storage/row"
	"github.com/jrife/grouse/storage/tuple"
)

// HKey is an encoded hierarchical key
type HKey []byte

// Segment is a decoded key segment
type Segment struct {
	Ordinal int32
	Values  []interface{}
}

// Encode encodes segments into a key
func Encode(segments ...Segment) HKey {
	var key HKey

	for _, segment := range segments {
		key = appendSegment(key, segment.Ordinal, segment.Values)
	}

	return key
}

func appendSegment(key HKey, ordinal int32, values []interface{}) HKey {
	key = tuple.Append(key, int64(ordinal))

	return tuple.Append(key, values...)
}

// Decode splits key into segments using the layout of group
func Decode(group *schema.Group, key HKey) ([]Segment, error) {
	var segments []Segment

	for b := []byte(key); len(b) > 0; {
		element, rest, err := tuple.DecodeOne(b)

		if err != nil {
			return nil, err
		}

		ordinal, ok := element.(int64)

		if !ok {
			return nil, fmt.Errorf("%w: segment does not start with an ordinal", tuple.ErrCorrupt)
		}

		table := group.TableByOrdinal(int32(ordinal))

		if table == nil {
			return nil, fmt.Errorf("%w: group %s has no table with ordinal %d", tuple.ErrCorrupt, group.Name, ordinal)
		}

		segment := Segment{Ordinal: int32(ordinal), Values: make([]interface{}, len(table.PrimaryKey.Columns))}

		for i := range segment.Values {
			if segment.Values[i], rest, err = tuple.DecodeOne(rest); err != nil {
				return nil, err
			}
		}

		segments = append(segments, segment)
		b = rest
	}

	return segments, nil
}

// Table returns the table whose rows are stored at key, which
// is the table of the key's last segment
func Table(group *schema.Group, key HKey) (*schema.Table, error) {
	segments, err := Decode(group, key)

	if err != nil {
		return nil, err
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: empty key", tuple.ErrCorrupt)
	}

	return group.TableByOrdinal(segments[len(segments)-1].Ordinal), nil
}

// Truncate returns the prefix of key that consists of its first n
// segments
func Truncate(group *schema.Group, key HKey, n int) (HKey, error) {
	b := []byte(key)
	length := 0

	for i := 0; i < n; i++ {
		element, rest, err := tuple.DecodeOne(b[length:])

		if err != nil {
			return nil, err
		}

		ordinal, ok := element.(int64)

		if !ok {
			return nil, fmt.Errorf("%w: segment does not start with an ordinal", tuple.ErrCorrupt)
		}

		table := group.TableByOrdinal(int32(ordinal))

		if table == nil {
			return nil, fmt.Errorf("%w: unknown ordinal %v", tuple.ErrCorrupt, element)
		}

		skip, err := tuple.Skip(rest, len(table.PrimaryKey.Columns))

		if err != nil {
			return nil, err
		}

		length = len(b) - len(rest) + skip
	}

	return key[:length:length], nil
}

// Orphan returns the key prefix shared by every orphan row stored
// directly beneath a row of table. It is table's key layout with every
// value null.
func Orphan(table *schema.Table) HKey {
	var key HKey

	for _, segment := range table.HKey() {
		key = appendSegment(key, segment.Table.Ordinal(), make([]interface{}, len(segment.Columns)))
	}

	return key
}

// HasPrefix returns true if prefix is a prefix of key
func (key HKey) HasPrefix(prefix HKey) bool {
	return bytes.HasPrefix(key, prefix)
}

// Format renders key for humans, e.g. {1,(5)}/{2,(1)}
func Format(group *schema.Group, key HKey) string {
	segments, err := Decode(group, key)

	if err != nil {
		return fmt.Sprintf("%x", []byte(key))
	}

	parts := make([]string, len(segments))

	for i, segment := range segments {
		parts[i] = fmt.Sprintf("{%d,%s}", segment.Ordinal, tuple.Format(segment.Values...))
	}

	return strings.Join(parts, "/")
}

// ParentLookup finds the stored key of a parent row
type ParentLookup interface {
	// ParentKey returns the key of the row of table whose primary
	// key is pk, or nil if no such row exists
	ParentKey(table *schema.Table, pk []interface{}) (HKey, error)
}

// ParentLookupFunc adapts a function to ParentLookup
type ParentLookupFunc func(table *schema.Table, pk []interface{}) (HKey, error)

// ParentKey implements ParentLookup.ParentKey
func (f ParentLookupFunc) ParentKey(table *schema.Table, pk []interface{}) (HKey, error) {
	return f(table, pk)
}

// Builder builds the keys of rows
type Builder struct {
	lookup ParentLookup
}

// NewBuilder creates a builder that finds parents with lookup
func NewBuilder(lookup ParentLookup) *Builder {
	return &Builder{lookup: lookup}
}

// Build returns the key of r. A root table's key is its own segment.
// A child's ancestor segments are copied from its parent's key,
// looked up once through the join columns. A missing parent, or a
// null join column, yields null ancestor segments rather than an error.
func (builder *Builder) Build(r *row.Row) (HKey, error) {
	table := r.Table
	join := table.Join()
	own := r.Project(table.PrimaryKey.Columns)

	if join == nil {
		return appendSegment(nil, table.Ordinal(), own), nil
	}

	var parentKey HKey

	if !r.HasNull(join.ChildColumns) {
		var err error

		if parentKey, err = builder.lookup.ParentKey(join.Parent, r.Project(join.ChildColumns)); err != nil {
			return nil, fmt.Errorf("could not look up parent of %s: %w", r, err)
		}
	}

	var key HKey

	if parentKey == nil {
		key = Orphan(join.Parent)
	} else {
		key = append(HKey(nil), parentKey...)
	}

	return appendSegment(key, table.Ordinal(), own), nil
}
