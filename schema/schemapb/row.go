package schemapb

import (
	proto "github.com/gogo/protobuf/proto"
)

// Value kinds. KindNull is the zero value so an
// empty Value decodes as null.
const (
	KindNull int32 = iota
	KindInt
	KindFloat
	KindString
	KindBytes
	KindBool
)

// Value is one column value of a row frame
type Value struct {
	Kind    int32   `protobuf:"varint,1,opt,name=kind,proto3" json:"kind,omitempty"`
	Int     int64   `protobuf:"zigzag64,2,opt,name=int,proto3" json:"int,omitempty"`
	Float   float64 `protobuf:"fixed64,3,opt,name=float,proto3" json:"float,omitempty"`
	String_ string  `protobuf:"bytes,4,opt,name=string,proto3" json:"string,omitempty"`
	Bytes   []byte  `protobuf:"bytes,5,opt,name=bytes,proto3" json:"bytes,omitempty"`
	Bool    bool    `protobuf:"varint,6,opt,name=bool,proto3" json:"bool,omitempty"`
}

func (m *Value) Reset()         { *m = Value{} }
func (m *Value) String() string { return proto.CompactTextString(m) }
func (*Value) ProtoMessage()    {}

// RowFrame is the stored form of a row on backends that
// prefer protobuf values
type RowFrame struct {
	TableId int32    `protobuf:"varint,1,opt,name=table_id,json=tableId,proto3" json:"table_id,omitempty"`
	Values  []*Value `protobuf:"bytes,2,rep,name=values,proto3" json:"values,omitempty"`
}

func (m *RowFrame) Reset()         { *m = RowFrame{} }
func (m *RowFrame) String() string { return proto.CompactTextString(m) }
func (*RowFrame) ProtoMessage()    {}
