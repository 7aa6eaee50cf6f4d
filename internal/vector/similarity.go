package vector

// SquaredL2 returns the sum of squared per-dimension differences, accumulated in float64.
// Vectors of different length yield -1.
func SquaredL2(a, b []float32) float64 {
	if len(a) != len(b) {
		return -1
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
