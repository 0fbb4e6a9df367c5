package row

import (
	"fmt"

	proto "github.com/gogo/protobuf/proto"
	"github.com/jrife/grouse/schema"
	"github.com/jrife/grouse/schema/schemapb"
	"github.com/jrife/grouse/storage/tuple"
)

const (
	// FormatTuple names the tuple codec
	FormatTuple = "tuple"
	// FormatProtobuf names the protobuf codec
	FormatProtobuf = "protobuf"
)

// Codec converts rows to and from their stored form
type Codec interface {
	// Name returns the name of the row format
	Name() string
	// Encode encodes a row
	Encode(r *Row) ([]byte, error)
	// Decode decodes a stored row of table
	Decode(table *schema.Table, b []byte) (*Row, error)
}

// CodecByName returns the codec with this name
func CodecByName(name string) (Codec, error) {
	switch name {
	case FormatTuple:
		return TupleCodec{}, nil
	case FormatProtobuf:
		return ProtobufCodec{}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, name)
}

// pad extends values to the column count of table
func pad(table *schema.Table, values []interface{}) ([]interface{}, error) {
	if len(values) > len(table.Columns) {
		return nil, fmt.Errorf("stored row of %s has %d values but the table has %d columns", table.Name, len(values), len(table.Columns))
	}

	for len(values) < len(table.Columns) {
		values = append(values, nil)
	}

	return values, nil
}

// TupleCodec stores a row as a tuple: the table id
// followed by every column value
type TupleCodec struct{}

// Name implements Codec.Name
func (TupleCodec) Name() string {
	return FormatTuple
}

// Encode implements Codec.Encode
func (TupleCodec) Encode(r *Row) ([]byte, error) {
	b := tuple.Append(nil, int64(r.Table.ID))

	return tuple.AppendChecked(b, r.Values...)
}

// Decode implements Codec.Decode
func (TupleCodec) Decode(table *schema.Table, b []byte) (*Row, error) {
	t, err := tuple.Decode(b)

	if err != nil {
		return nil, err
	}

	if len(t) == 0 {
		return nil, tuple.ErrCorrupt
	}

	if id, ok := t[0].(int64); !ok || id != int64(table.ID) {
		return nil, fmt.Errorf("%w: expected %s (%d), got %v", ErrWrongTable, table.Name, table.ID, t[0])
	}

	values, err := pad(table, t[1:])

	if err != nil {
		return nil, err
	}

	return &Row{Table: table, Values: values}, nil
}

// ProtobufCodec stores a row as a schemapb.RowFrame
type ProtobufCodec struct{}

// Name implements Codec.Name
func (ProtobufCodec) Name() string {
	return FormatProtobuf
}

// Encode implements Codec.Encode
func (ProtobufCodec) Encode(r *Row) ([]byte, error) {
	frame := &schemapb.RowFrame{TableId: r.Table.ID, Values: make([]*schemapb.Value, len(r.Values))}

	for i, v := range r.Values {
		value := &schemapb.Value{}

		switch x := v.(type) {
		case nil:
			value.Kind = schemapb.KindNull
		case int64:
			value.Kind = schemapb.KindInt
			value.Int = x
		case float64:
			value.Kind = schemapb.KindFloat
			value.Float = x
		case string:
			value.Kind = schemapb.KindString
			value.String_ = x
		case []byte:
			value.Kind = schemapb.KindBytes
			value.Bytes = x
		case bool:
			value.Kind = schemapb.KindBool
			value.Bool = x
		default:
			return nil, fmt.Errorf("%w: %T", tuple.ErrUnsupportedType, v)
		}

		frame.Values[i] = value
	}

	return proto.Marshal(frame)
}

// Decode implements Codec.Decode
func (ProtobufCodec) Decode(table *schema.Table, b []byte) (*Row, error) {
	var frame schemapb.RowFrame

	if err := proto.Unmarshal(b, &frame); err != nil {
		return nil, fmt.Errorf("could not unmarshal row frame: %s", err)
	}

	if frame.TableId != table.ID {
		return nil, fmt.Errorf("%w: expected %s (%d), got %d", ErrWrongTable, table.Name, table.ID, frame.TableId)
	}

	values := make([]interface{}, len(frame.Values))

	for i, value := range frame.Values {
		switch value.Kind {
		case schemapb.KindNull:
			values[i] = nil
		case schemapb.KindInt:
			values[i] = value.Int
		case schemapb.KindFloat:
			values[i] = value.Float
		case schemapb.KindString:
			values[i] = value.String_
		case schemapb.KindBytes:
			if value.Bytes == nil {
				values[i] = []byte{}
			} else {
				values[i] = value.Bytes
			}
		case schemapb.KindBool:
			values[i] = value.Bool
		default:
			return nil, fmt.Errorf("unknown value kind %d in column %d", value.Kind, i)
		}
	}

	values, err := pad(table, values)

	if err != nil {
		return nil, err
	}

	return &Row{Table: table, Values: values}, nil
}
