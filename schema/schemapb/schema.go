// Package schemapb contains the durable image of a schema snapshot.
// Messages are plain structs carrying protobuf field tags and are encoded
// with gogo/protobuf's reflection-based marshaler.
package schemapb

import (
	proto "github.com/gogo/protobuf/proto"
)

// Catalog holds the schema-wide counters of one generation
type Catalog struct {
	Generation  int64  `protobuf:"varint,1,opt,name=generation,proto3" json:"generation,omitempty"`
	NextTableId int32  `protobuf:"varint,2,opt,name=next_table_id,json=nextTableId,proto3" json:"next_table_id,omitempty"`
	NextTreeId  uint32 `protobuf:"varint,3,opt,name=next_tree_id,json=nextTreeId,proto3" json:"next_tree_id,omitempty"`
	NextIndexId int32  `protobuf:"varint,4,opt,name=next_index_id,json=nextIndexId,proto3" json:"next_index_id,omitempty"`
}

func (m *Catalog) Reset()         { *m = Catalog{} }
func (m *Catalog) String() string { return proto.CompactTextString(m) }
func (*Catalog) ProtoMessage()    {}

// Column describes one table column
type Column struct {
	Name          string `protobuf:"bytes,1,opt,name=name,proto3" json:"name,omitempty"`
	Type          int32  `protobuf:"varint,2,opt,name=type,proto3" json:"type,omitempty"`
	Nullable      bool   `protobuf:"varint,3,opt,name=nullable,proto3" json:"nullable,omitempty"`
	AutoIncrement bool   `protobuf:"varint,4,opt,name=auto_increment,json=autoIncrement,proto3" json:"auto_increment,omitempty"`
}

func (m *Column) Reset()         { *m = Column{} }
func (m *Column) String() string { return proto.CompactTextString(m) }
func (*Column) ProtoMessage()    {}

// Spatial describes the coordinate run of a spatial index
type Spatial struct {
	First      int32     `protobuf:"varint,1,opt,name=first,proto3" json:"first,omitempty"`
	Dimensions int32     `protobuf:"varint,2,opt,name=dimensions,proto3" json:"dimensions,omitempty"`
	Min        []float64 `protobuf:"fixed64,3,rep,packed,name=min,proto3" json:"min,omitempty"`
	Max        []float64 `protobuf:"fixed64,4,rep,packed,name=max,proto3" json:"max,omitempty"`
}

func (m *Spatial) Reset()         { *m = Spatial{} }
func (m *Spatial) String() string { return proto.CompactTextString(m) }
func (*Spatial) ProtoMessage()    {}

// ColumnRef names a column of a table
type ColumnRef struct {
	Table  string `protobuf:"bytes,1,opt,name=table,proto3" json:"table,omitempty"`
	Column string `protobuf:"bytes,2,opt,name=column,proto3" json:"column,omitempty"`
}

func (m *ColumnRef) Reset()         { *m = ColumnRef{} }
func (m *ColumnRef) String() string { return proto.CompactTextString(m) }
func (*ColumnRef) ProtoMessage()    {}

// Index describes a table index or a group index. Group indexes
// reference columns of several tables, table indexes only their own.
type Index struct {
	Id      int32        `protobuf:"varint,1,opt,name=id,proto3" json:"id,omitempty"`
	Name    string       `protobuf:"bytes,2,opt,name=name,proto3" json:"name,omitempty"`
	Columns []*ColumnRef `protobuf:"bytes,3,rep,name=columns,proto3" json:"columns,omitempty"`
	Unique  bool         `protobuf:"varint,4,opt,name=unique,proto3" json:"unique,omitempty"`
	Primary bool         `protobuf:"varint,5,opt,name=primary,proto3" json:"primary,omitempty"`
	Spatial *Spatial     `protobuf:"bytes,6,opt,name=spatial,proto3" json:"spatial,omitempty"`
	TreeId  uint32       `protobuf:"varint,7,opt,name=tree_id,json=treeId,proto3" json:"tree_id,omitempty"`
}

func (m *Index) Reset()         { *m = Index{} }
func (m *Index) String() string { return proto.CompactTextString(m) }
func (*Index) ProtoMessage()    {}

// Table is the durable image of one table
type Table struct {
	Id          int32     `protobuf:"varint,1,opt,name=id,proto3" json:"id,omitempty"`
	Name        string    `protobuf:"bytes,2,opt,name=name,proto3" json:"name,omitempty"`
	Columns     []*Column `protobuf:"bytes,3,rep,name=columns,proto3" json:"columns,omitempty"`
	PrimaryKey  []string  `protobuf:"bytes,4,rep,name=primary_key,json=primaryKey,proto3" json:"primary_key,omitempty"`
	Parent      string    `protobuf:"bytes,5,opt,name=parent,proto3" json:"parent,omitempty"`
	JoinColumns []string  `protobuf:"bytes,6,rep,name=join_columns,json=joinColumns,proto3" json:"join_columns,omitempty"`
	Ordinal     int32     `protobuf:"varint,7,opt,name=ordinal,proto3" json:"ordinal,omitempty"`
	Version     int64     `protobuf:"varint,8,opt,name=version,proto3" json:"version,omitempty"`
	Indexes     []*Index  `protobuf:"bytes,9,rep,name=indexes,proto3" json:"indexes,omitempty"`
}

func (m *Table) Reset()         { *m = Table{} }
func (m *Table) String() string { return proto.CompactTextString(m) }
func (*Table) ProtoMessage()    {}

// Group is the durable image of one group
type Group struct {
	Name    string   `protobuf:"bytes,1,opt,name=name,proto3" json:"name,omitempty"`
	Root    string   `protobuf:"bytes,2,opt,name=root,proto3" json:"root,omitempty"`
	TreeId  uint32   `protobuf:"varint,3,opt,name=tree_id,json=treeId,proto3" json:"tree_id,omitempty"`
	Indexes []*Index `protobuf:"bytes,4,rep,name=indexes,proto3" json:"indexes,omitempty"`
}

func (m *Group) Reset()         { *m = Group{} }
func (m *Group) String() string { return proto.CompactTextString(m) }
func (*Group) ProtoMessage()    {}

// Schema is the complete image of one generation
type Schema struct {
	Catalog *Catalog `protobuf:"bytes,1,opt,name=catalog,proto3" json:"catalog,omitempty"`
	Tables  []*Table `protobuf:"bytes,2,rep,name=tables,proto3" json:"tables,omitempty"`
	Groups  []*Group `protobuf:"bytes,3,rep,name=groups,proto3" json:"groups,omitempty"`
}

func (m *Schema) Reset()         { *m = Schema{} }
func (m *Schema) String() string { return proto.CompactTextString(m) }
func (*Schema) ProtoMessage()    {}
