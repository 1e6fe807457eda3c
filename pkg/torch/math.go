// Package torch contains the numeric kernels used by the GPT-2 model.
package torch

import (
	"math"

	"gonum.org/v1/gonum/blas/blas32"
)

var (
	GELUSCALEFACTOR = Sqrt(2.0 / math.Pi)
)

// Cosh returns the hyperbolic cosine of x.
func Cosh(x float32) float32 {
	return float32(math.Cosh(float64(x)))
}

// Tanh returns the hyperbolic tangent of x.
func Tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// Exp returns e**x.
func Exp(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// Inf returns positive infinity if sign >= 0, negative infinity if sign < 0.
func Inf(sign int) float32 {
	return float32(math.Inf(sign))
}

// Log returns the natural logarithm of x.
func Log(x float32) float32 {
	return float32(math.Log(float64(x)))
}

// IsNaN returns true if f is not a number.
func IsNaN(f float32) bool {
	return math.IsNaN(float64(f))
}

// IsFinite reports whether f is neither infinite nor NaN.
func IsFinite(f float32) bool {
	return !IsNaN(f) && !math.IsInf(float64(f), 0)
}

// Pow returns x**y.
func Pow(x, y float32) float32 {
	return float32(math.Pow(float64(x), float64(y)))
}

// Sqrt returns the square root of x.
func Sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

// RoundBF16 rounds x to the nearest bfloat16 value (round half to even) and
// returns it widened back to float32. Infinities and NaN pass through.
func RoundBF16(x float32) float32 {
	bits := math.Float32bits(x)
	if bits&0x7f800000 == 0x7f800000 {
		return x
	}
	bits += 0x7fff + (bits>>16)&1
	return math.Float32frombits(bits & 0xffff0000)
}

// CastBF16 writes the bfloat16 rounding of src into dst.
func CastBF16(dst, src []float32) {
	for i, v := range src {
		dst[i] = RoundBF16(v)
	}
}

// ClipGradNorm scales grads in place so that their global L2 norm does not
// exceed maxNorm and returns the norm measured before clipping.
func ClipGradNorm(grads []float32, maxNorm float32) float32 {
	vec := blas32.Vector{N: len(grads), Inc: 1, Data: grads}
	if vec.N == 0 {
		return 0
	}
	norm := blas32.Nrm2(vec)
	if coef := maxNorm / (norm + 1e-6); coef < 1 {
		blas32.Scal(coef, vec)
	}
	return norm
}
