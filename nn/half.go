package nn

import (
	"context"
	"math"
)

// Float16 is an IEEE 754 half precision value.
// 1 sign bit, 5 exponent bits, 10 mantissa bits; max 65504.
type Float16 uint16

// Float32ToFloat16 converts with round-half-up on the dropped mantissa bits.
// Values past the half range become infinity, values below the smallest
// normal flush to signed zero.
func Float32ToFloat16(f float32) Float16 {
	if math.IsNaN(float64(f)) {
		return 0x7E00
	}

	bits := math.Float32bits(f)
	sign := Float16((bits >> 16) & 0x8000)
	bits &= 0x7FFFFFFF

	if bits >= 0x477FF000 { // rounds to >= 65520
		return sign | 0x7C00
	}
	if bits < 0x38800000 { // < 2^-14
		return sign
	}

	// Rebias the exponent (127 -> 15) and round; a mantissa carry bumps the exponent.
	half := (bits - (112 << 23) + 0x1000) >> 13
	return sign | Float16(half)
}

// Float16ToFloat32 widens h exactly
func Float16ToFloat32(h Float16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h&0x7C00) >> 10
	mantissa := uint32(h & 0x3FF)

	switch exp {
	case 0x1F:
		if mantissa == 0 {
			return math.Float32frombits(sign | 0x7F800000)
		}
		return math.Float32frombits(sign | 0x7FC00000)
	case 0:
		return math.Float32frombits(sign)
	}
	return math.Float32frombits(sign | (exp+112)<<23 | mantissa<<13)
}

// RoundToHalf rounds f to the nearest representable float16
func RoundToHalf(f float32) float32 {
	return Float16ToFloat32(Float32ToFloat16(f))
}

type autocastKey struct{}

// Autocast returns a context under which layer outputs are rounded to float16.
// Master weights and gradients stay float32.
func Autocast(ctx context.Context) context.Context {
	return context.WithValue(ctx, autocastKey{}, true)
}

// AutocastEnabled reports whether ctx carries an autocast scope
func AutocastEnabled(ctx context.Context) bool {
	on, _ := ctx.Value(autocastKey{}).(bool)
	return on
}
