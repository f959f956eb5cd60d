package correlation

import "math"

// Pearson returns the sample correlation of x and y, false when either side is constant.
func Pearson(x, y []float64) (float64, bool) {
	n := len(x)
	if n != len(y) || n < 2 {
		return 0, false
	}
	var mx, my float64
	for i := 0; i < n; i++ {
		mx += x[i]
		my += y[i]
	}
	mx /= float64(n)
	my /= float64(n)

	var sxy, sxx, syy float64
	for i := 0; i < n; i++ {
		dx, dy := x[i]-mx, y[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0, false
	}
	r := sxy / math.Sqrt(sxx*syy)
	// clamp rounding noise
	return math.Max(-1, math.Min(1, r)), true
}

// Overlap aligns two date-ordered series on their common dates.
func Overlap(a, b Returns) ([]float64, []float64) {
	var xs, ys []float64
	i, j := 0, 0
	for i < len(a.Dates) && j < len(b.Dates) {
		switch {
		case a.Dates[i] == b.Dates[j]:
			xs = append(xs, a.Values[i])
			ys = append(ys, b.Values[j])
			i++
			j++
		case a.Dates[i] < b.Dates[j]:
			i++
		default:
			j++
		}
	}
	return xs, ys
}

// PoolResult is the maximum correlation of a candidate against one pool.
type PoolResult struct {
	Max        float64
	Compared   int
	Skipped    int
	Sufficient bool
}

// MaxCorrelation compares candidate with every pool member sharing at least minOverlap dates.
// An empty pool is sufficient with max 0; a non-empty pool where every member was skipped is not.
func MaxCorrelation(candidate Returns, pool []Returns, minOverlap int) PoolResult {
	res := PoolResult{Sufficient: true}
	if len(pool) == 0 {
		return res
	}
	best := math.Inf(-1)
	for _, other := range pool {
		if other.AlphaID != "" && other.AlphaID == candidate.AlphaID {
			continue
		}
		xs, ys := Overlap(candidate, other)
		if len(xs) < minOverlap {
			res.Skipped++
			continue
		}
		r, ok := Pearson(xs, ys)
		if !ok {
			res.Skipped++
			continue
		}
		res.Compared++
		if r > best {
			best = r
		}
	}
	if res.Compared == 0 {
		res.Sufficient = res.Skipped == 0
		return res
	}
	res.Max = best
	return res
}
