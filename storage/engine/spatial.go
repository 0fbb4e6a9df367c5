package engine

import (
	"math"

	"github.com/jrife/grouse/schema"
)

// ZValue maps coordinates to a Morton-order z-value. Each coordinate is
// scaled over its dimension's bounds into 63/d bits and the bits are
// interleaved round-robin starting with the most significant bit of the
// first dimension. Values outside the bounds are clamped. A null
// coordinate makes the z-value null.
func ZValue(spatial *schema.Spatial, coordinates []interface{}) interface{} {
	bits := uint(63 / spatial.Dimensions)
	scaled := make([]uint64, spatial.Dimensions)

	for d := 0; d < spatial.Dimensions; d++ {
		var f float64

		switch v := coordinates[d].(type) {
		case nil:
			return nil
		case float64:
			f = v
		case int64:
			f = float64(v)
		default:
			return nil
		}

		scaled[d] = scale(f, spatial.Min[d], spatial.Max[d], bits)
	}

	var z uint64

	for b := int(bits) - 1; b >= 0; b-- {
		for d := 0; d < spatial.Dimensions; d++ {
			z = z<<1 | (scaled[d]>>uint(b))&1
		}
	}

	return int64(z)
}

func scale(v, min, max float64, bits uint) uint64 {
	top := uint64(1)<<bits - 1

	if math.IsNaN(v) || v <= min {
		return 0
	}

	if v >= max {
		return top
	}

	scaled := uint64((v - min) / (max - min) * float64(top))

	if scaled > top {
		return top
	}

	return scaled
}

// spatialize replaces the coordinate run of a spatial index with its
// z-value. Non-spatial values are returned unchanged.
func spatialize(spatial *schema.Spatial, values []interface{}) []interface{} {
	if spatial == nil {
		return values
	}

	out := make([]interface{}, 0, len(values)-spatial.Dimensions+1)
	out = append(out, values[:spatial.First]...)
	out = append(out, ZValue(spatial, values[spatial.First:spatial.First+spatial.Dimensions]))

	return append(out, values[spatial.First+spatial.Dimensions:]...)
}
