package correlation

import "math"

type AggressiveRule struct {
	MinPoints    int
	LongSeries   int
	SplitLong    float64
	SplitShort   float64
	ZeroFraction float64
	GrowthRatio  float64
}

// IsAggressive flags the "flat for years, then a sharp rally" shape.
func (rule AggressiveRule) IsAggressive(values []float64) bool {
	n := len(values)
	if n < rule.MinPoints || n < 2 {
		return false
	}
	split := rule.SplitShort
	if n > rule.LongSeries {
		split = rule.SplitLong
	}
	cut := int(float64(n) * split)
	if cut <= 0 || cut >= n {
		return false
	}
	early, recent := values[:cut], values[cut:]

	zeros := 0
	for _, v := range early {
		if math.Abs(v) < 1e-6 {
			zeros++
		}
	}
	if float64(zeros)/float64(len(early)) <= rule.ZeroFraction {
		return false
	}

	recentStd := std(recent)
	if !(recentStd > 0) {
		return false
	}
	// cumulative last > cumulative first
	var rally float64
	for _, v := range recent[1:] {
		rally += v
	}
	if rally <= 0 {
		return false
	}

	moreActive := absMean(recent) > absMean(early)*rule.GrowthRatio
	earlyStd := std(early)
	var moreVolatile bool
	if earlyStd > 0 {
		moreVolatile = recentStd > earlyStd*rule.GrowthRatio
	} else {
		moreVolatile = recentStd > 1e-6
	}
	return moreActive || moreVolatile
}
