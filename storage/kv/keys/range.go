package keys

import (
	"bytes"
)

// All returns a new key range matching all keys
func All() Range {
	return Range{}
}

// Range represents all keys such that
//   k >= Min and k < Max
// If Min = nil that indicates the start of all keys
// If Max = nil that indicatese the end of all keys
// If multiple modifiers are called on a range the end
// result is effectively the same as ANDing all the
// restrictions.
type Range struct {
	Min []byte
	Max []byte
	ns  []byte
}

// Eq confines the range to just key k
func (r Range) Eq(k []byte) Range {
	return r.Gte(k).Lte(k)
}

// Gt confines the range to keys that are
// greater than k
func (r Range) Gt(k []byte) Range {
	return r.refineMin(after(k))
}

// Gte confines the range to keys that are
// greater than or equal to k
func (r Range) Gte(k []byte) Range {
	return r.refineMin(k)
}

// Lt confines the range to keys that are
// less than k
func (r Range) Lt(k []byte) Range {
	return r.refineMax(k)
}

// Lte confines the range to keys that are
// less than or equal to k
func (r Range) Lte(k []byte) Range {
	return r.refineMax(after(k))
}

// Prefix confines the range to keys that
// have the prefix k, excluding k itself
func (r Range) Prefix(k []byte) Range {
	return r.Gt(k).refineMax(inc(copyKey(k)))
}

// HasPrefix confines the range to keys that
// have the prefix k, including k itself
func (r Range) HasPrefix(k []byte) Range {
	return r.Gte(k).refineMax(inc(copyKey(k)))
}

// Contains returns true if k lies inside the range.
// Namespaced ranges expect k to include the namespace.
func (r Range) Contains(k []byte) bool {
	if r.Min != nil && bytes.Compare(k, r.Min) < 0 {
		return false
	}

	return r.Max == nil || bytes.Compare(k, r.Max) < 0
}

// Namespace namespaces keys in the range with
// to keys with the prefix ns. Subsequent modifier
// methods will keep keys within this namespace.
func (r Range) Namespace(ns []byte) Range {
	r.Min = prefix(r.Min, ns)

	if r.Max == nil {
		r.Max = inc(copyKey(ns))
	} else {
		r.Max = prefix(r.Max, ns)
	}

	r.ns = append(copyKey(r.ns), ns...)

	return r
}

func (r Range) refineMin(min []byte) Range {
	if len(r.ns) > 0 {
		min = prefix(min, r.ns)
	}

	if compare(min, r.Min) <= 0 {
		return r
	}

	r.Min = min

	return r
}

// refineMax treats max = nil as the end of the
// keyspace, or the end of the namespace if there is one
func (r Range) refineMax(max []byte) Range {
	if len(r.ns) > 0 {
		if max == nil {
			max = inc(copyKey(r.ns))
		} else {
			max = prefix(max, r.ns)
		}
	}

	if max == nil {
		return r
	}

	if r.Max != nil && compare(max, r.Max) >= 0 {
		return r
	}

	r.Max = max

	return r
}

func compare(a []byte, b []byte) int {
	if a == nil {
		if b == nil {
			return 0
		}

		return -1
	}

	if b == nil {
		return 1
	}

	return bytes.Compare(a, b)
}

// after returns the key directly after k such that
// there can exist no other key that comes between
// k and after(k)
func after(k []byte) []byte {
	afterK := make([]byte, len(k)+1)

	copy(afterK, k)
	afterK[len(k)] = 0

	return afterK
}

// inc treats k as a big-endian unsigned integer
// and adds 1 to it, then drops trailing bytes that
// overflowed so the result is the first key that
// does not have k as a prefix
func inc(k []byte) []byte {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] < 0xff {
			k[i]++

			return k[:i+1]
		}
	}

	// every byte of k was 0xff. The range should just go
	// all the way to the end of the real key range.
	return nil
}

func copyKey(k []byte) []byte {
	return append([]byte(nil), k...)
}

// prefix appends k to p
func prefix(k []byte, p []byte) []byte {
	if len(k) == 0 && len(p) == 0 {
		return k
	}

	prefixedK := make([]byte, 0, len(p)+len(k))
	prefixedK = append(prefixedK, p...)
	prefixedK = append(prefixedK, k...)

	return prefixedK
}
