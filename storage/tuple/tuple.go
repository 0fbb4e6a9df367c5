// Package tuple implements an order-preserving encoding for tuples of
// typed values. Encoded tuples compare byte-wise in the same order as
// their values compare element-wise, and every element is self-delimiting,
// so the encoding of a tuple is a byte-prefix of the encoding of any tuple
// that extends it.
//
// Supported element types are nil (null), int64, float64, string, []byte
// and bool. Values of int, int32 and uint32 are widened to int64 on encode.
// Elements of different types order by type tag: null sorts first.
package tuple

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	tagNull   byte = 0x00
	tagBytes  byte = 0x01
	tagString byte = 0x02
	tagInt    byte = 0x15
	tagFloat  byte = 0x21
	tagFalse  byte = 0x26
	tagTrue   byte = 0x27

	escape     byte = 0xff
	terminator byte = 0x00
)

var (
	// ErrCorrupt is returned when an encoded tuple cannot be decoded
	ErrCorrupt = errors.New("corrupt tuple encoding")
	// ErrUnsupportedType is returned when an element has a type the
	// encoding does not support
	ErrUnsupportedType = errors.New("unsupported tuple element type")
)

// Tuple is an ordered list of elements
type Tuple []interface{}

// Encode encodes the tuple
func (t Tuple) Encode() []byte {
	return Append(nil, t...)
}

// String formats the tuple for humans, e.g. (5, 'abc', NULL)
func (t Tuple) String() string {
	return Format(t...)
}

// Append appends the encoding of elements to b. It panics on
// unsupported element types; callers validate values against
// column types before they reach the key layer.
func Append(b []byte, elements ...interface{}) []byte {
	for _, element := range elements {
		var err error

		b, err = appendElement(b, element)

		if err != nil {
			panic(fmt.Sprintf("tuple: %s: %T", err, element))
		}
	}

	return b
}

// AppendChecked is like Append but returns an error for unsupported types
func AppendChecked(b []byte, elements ...interface{}) ([]byte, error) {
	for _, element := range elements {
		var err error

		if b, err = appendElement(b, element); err != nil {
			return nil, fmt.Errorf("%w: %T", err, element)
		}
	}

	return b, nil
}

func appendElement(b []byte, element interface{}) ([]byte, error) {
	switch v := element.(type) {
	case nil:
		return append(b, tagNull), nil
	case []byte:
		return appendEscaped(append(b, tagBytes), v), nil
	case string:
		return appendEscaped(append(b, tagString), []byte(v)), nil
	case int64:
		return appendInt(b, v), nil
	case int:
		return appendInt(b, int64(v)), nil
	case int32:
		return appendInt(b, int64(v)), nil
	case uint32:
		return appendInt(b, int64(v)), nil
	case float64:
		return appendFloat(b, v), nil
	case bool:
		if v {
			return append(b, tagTrue), nil
		}

		return append(b, tagFalse), nil
	}

	return nil, ErrUnsupportedType
}

func appendEscaped(b []byte, v []byte) []byte {
	for _, c := range v {
		b = append(b, c)

		if c == terminator {
			b = append(b, escape)
		}
	}

	return append(b, terminator)
}

func appendInt(b []byte, v int64) []byte {
	var buf [8]byte

	binary.BigEndian.PutUint64(buf[:], uint64(v)^(1<<63))

	return append(append(b, tagInt), buf[:]...)
}

func appendFloat(b []byte, v float64) []byte {
	var buf [8]byte

	bits := math.Float64bits(v)

	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}

	binary.BigEndian.PutUint64(buf[:], bits)

	return append(append(b, tagFloat), buf[:]...)
}

// Decode decodes every element in b
func Decode(b []byte) (Tuple, error) {
	var t Tuple

	for len(b) > 0 {
		element, rest, err := DecodeOne(b)

		if err != nil {
			return nil, err
		}

		t = append(t, element)
		b = rest
	}

	return t, nil
}

// DecodeOne decodes the first element in b and returns
// the remaining bytes
func DecodeOne(b []byte) (interface{}, []byte, error) {
	if len(b) == 0 {
		return nil, nil, ErrCorrupt
	}

	switch b[0] {
	case tagNull:
		return nil, b[1:], nil
	case tagBytes, tagString:
		v, rest, err := decodeEscaped(b[1:])

		if err != nil {
			return nil, nil, err
		}

		if b[0] == tagString {
			return string(v), rest, nil
		}

		return v, rest, nil
	case tagInt:
		if len(b) < 9 {
			return nil, nil, ErrCorrupt
		}

		return int64(binary.BigEndian.Uint64(b[1:9]) ^ (1 << 63)), b[9:], nil
	case tagFloat:
		if len(b) < 9 {
			return nil, nil, ErrCorrupt
		}

		bits := binary.BigEndian.Uint64(b[1:9])

		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}

		return math.Float64frombits(bits), b[9:], nil
	case tagFalse:
		return false, b[1:], nil
	case tagTrue:
		return true, b[1:], nil
	}

	return nil, nil, fmt.Errorf("%w: unknown tag %#x", ErrCorrupt, b[0])
}

// Skip returns the length in bytes of the first n elements of b
func Skip(b []byte, n int) (int, error) {
	total := 0

	for i := 0; i < n; i++ {
		_, rest, err := DecodeOne(b[total:])

		if err != nil {
			return 0, err
		}

		total = len(b) - len(rest)
	}

	return total, nil
}

func decodeEscaped(b []byte) ([]byte, []byte, error) {
	var v []byte

	for i := 0; i < len(b); i++ {
		if b[i] != terminator {
			v = append(v, b[i])

			continue
		}

		if i+1 < len(b) && b[i+1] == escape {
			v = append(v, terminator)
			i++

			continue
		}

		if v == nil {
			v = []byte{}
		}

		return v, b[i+1:], nil
	}

	return nil, nil, fmt.Errorf("%w: unterminated byte string", ErrCorrupt)
}

// Compare compares two elements using the same order as
// their encodings
func Compare(a, b interface{}) int {
	return bytes.Compare(Append(nil, a), Append(nil, b))
}

// Format renders elements for error messages
func Format(elements ...interface{}) string {
	parts := make([]string, len(elements))

	for i, element := range elements {
		parts[i] = FormatElement(element)
	}

	return "(" + strings.Join(parts, ", ") + ")"
}

// FormatElement renders a single element
func FormatElement(element interface{}) string {
	switch v := element.(type) {
	case nil:
		return "NULL"
	case string:
		return strconv.Quote(v)
	case []byte:
		return fmt.Sprintf("x'%x'", v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	}

	return fmt.Sprintf("%v", element)
}
