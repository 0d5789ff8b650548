package utils

import "math"

// Dot returns the inner product of a and b, accumulated in float64.
// Only the common prefix is used when lengths differ; callers check dimensions first.
func Dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// L2Norm returns the Euclidean norm of x.
func L2Norm(x []float32) float64 {
	return math.Sqrt(Dot(x, x))
}

// NormalizeL2 normalizes the slice in place to unit L2 norm and reports whether it did.
// A zero (or non-finite) norm leaves the slice unchanged and returns false.
func NormalizeL2(x []float32) bool {
	norm := L2Norm(x)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return false
	}
	inv := 1.0 / norm
	for i := range x {
		x[i] = float32(float64(x[i]) * inv)
	}
	return true
}
