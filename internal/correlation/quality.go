package correlation

import "math"

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// std is the sample standard deviation (ddof 1).
func std(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func absMean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += math.Abs(x)
	}
	return s / float64(len(xs))
}

// MaxZeroRun is the longest run of zero daily returns after the first nonzero one.
// Days before the alpha starts trading are ignored.
func MaxZeroRun(values []float64) int {
	start := -1
	for i, v := range values {
		if v != 0 {
			start = i
			break
		}
	}
	if start < 0 {
		return 0
	}
	longest, run := 0, 0
	for _, v := range values[start:] {
		if v == 0 {
			run++
			longest = max(longest, run)
			continue
		}
		run = 0
	}
	return longest
}
