package correlation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wq_miner/configs"
	"wq_miner/internal/constant"
)

func defaultThresholds() Thresholds {
	return ThresholdsFromConf(configs.CorrelationConf{
		TimeWindowYears:         4,
		MinOverlapDays:          120,
		SelfThreshold:           0.7,
		PoolThreshold:           0.5,
		SelfMinSharpe:           1.58,
		SelfMinFitness:          1.0,
		PoolMinSharpe:           1.0,
		PoolMinFitness:          1.0,
		PoolMaxOperators:        8,
		MaxZeroRunDays:          5,
		AggressiveMinPoints:     100,
		AggressiveLongSeries:    1000,
		AggressiveSplitLong:     0.8,
		AggressiveSplitShort:    0.7,
		AggressiveZeroFraction:  0.6,
		AggressiveGrowthRatio:   1.5,
		AggressiveExtendedYears: 6,
	})
}

// selfOnly is eligible for the self pool but carries too many operators for the competitive one.
func selfOnly(id string, rets []float64) Candidate {
	return Candidate{AlphaID: id, Region: "USA", Sharpe: 2.0, Fitness: 1.3, OperatorCount: 12, Points: cumulative(day0, rets)}
}

func TestCheckerRejectsSelfCorrelation085(t *testing.T) {
	x, z := orthogonal(800)
	checker := NewChecker(defaultThresholds())
	submitted := DailyReturns("S1", cumulative(day0, correlatedWith(x, z, 0.85)), 4)

	res := checker.Check(selfOnly("C1", x), Pools{Self: []Returns{submitted}})
	assert.Equal(t, RejectCorrelation, res.Decision)
	require.NotNil(t, res.SelfCorr)
	assert.InDelta(t, 0.85, *res.SelfCorr, 1e-6)
	assert.Nil(t, res.PoolCorr)
	assert.Equal(t, constant.ColorRed, res.Decision.Color())
	assert.Equal(t, constant.AlphaRejected, res.Decision.Status())
	assert.True(t, res.Decision.Final())
}

func TestCheckerAcceptsNormal(t *testing.T) {
	x, z := orthogonal(800)
	checker := NewChecker(defaultThresholds())
	submitted := DailyReturns("S1", cumulative(day0, correlatedWith(x, z, 0.3)), 4)

	res := checker.Check(selfOnly("C1", x), Pools{Self: []Returns{submitted}})
	assert.Equal(t, AcceptNormal, res.Decision)
	assert.InDelta(t, 0.3, *res.SelfCorr, 1e-6)
	assert.Equal(t, constant.ColorGreen, res.Decision.Color())
	assert.Equal(t, constant.AlphaCheckedNormal, res.Decision.Status())
}

func TestCheckerEmptyPoolsPass(t *testing.T) {
	x, _ := orthogonal(800)
	res := NewChecker(defaultThresholds()).Check(selfOnly("C1", x), Pools{})
	assert.Equal(t, AcceptNormal, res.Decision)
	require.NotNil(t, res.SelfCorr)
	assert.Equal(t, 0.0, *res.SelfCorr)
}

func TestCheckerInsufficientData(t *testing.T) {
	x, _ := orthogonal(800)
	checker := NewChecker(defaultThresholds())
	// 50 common dates only
	late := DailyReturns("S1", cumulative(day0.AddDate(0, 0, 750), x), 4)

	res := checker.Check(selfOnly("C1", x), Pools{Self: []Returns{late}})
	assert.Equal(t, RejectInsufficient, res.Decision)
	assert.Nil(t, res.SelfCorr)
	assert.False(t, res.Decision.Final())
	assert.Equal(t, constant.AlphaPending, res.Decision.Status())
}

func TestCheckerPremiumFallback(t *testing.T) {
	x, z := orthogonal(800)
	checker := NewChecker(defaultThresholds())
	cand := Candidate{AlphaID: "C1", Region: "USA", Sharpe: 1.8, Fitness: 1.2, OperatorCount: 5, Points: cumulative(day0, x)}
	pools := Pools{
		Self:        []Returns{DailyReturns("S1", cumulative(day0, correlatedWith(x, z, 0.9)), 4)},
		Competitive: []Returns{DailyReturns("P1", cumulative(day0, correlatedWith(x, z, 0.4)), 4)},
	}
	res := checker.Check(cand, pools)
	assert.Equal(t, AcceptPremium, res.Decision)
	assert.InDelta(t, 0.9, *res.SelfCorr, 1e-6)
	assert.InDelta(t, 0.4, *res.PoolCorr, 1e-6)
	assert.Equal(t, constant.ColorBlue, res.Decision.Color())

	// below the self floor only the competitive pool is consulted
	cand.Sharpe = 1.2
	res = checker.Check(cand, pools)
	assert.Equal(t, AcceptPremium, res.Decision)
	assert.Nil(t, res.SelfCorr)
}

func TestCheckerPrefilter(t *testing.T) {
	x, _ := orthogonal(800)
	cand := selfOnly("C1", x)
	cand.Sharpe = 1.3
	res := NewChecker(defaultThresholds()).Check(cand, Pools{})
	assert.Equal(t, RejectPrefilter, res.Decision)
	assert.Equal(t, "", res.Decision.Color())
}

func TestCheckerQuality(t *testing.T) {
	checker := NewChecker(defaultThresholds())

	res := checker.Check(selfOnly("C1", nil), Pools{})
	assert.Equal(t, PendingRetry, res.Decision)

	res = checker.Check(selfOnly("C1", make([]float64, 400)), Pools{})
	assert.Equal(t, RejectQuality, res.Decision)
	assert.Equal(t, constant.ColorPurple, res.Decision.Color())

	gappy, _ := orthogonal(400)
	for i := 100; i < 110; i++ {
		gappy[i] = 0
	}
	res = checker.Check(selfOnly("C1", gappy), Pools{})
	assert.Equal(t, RejectQuality, res.Decision)
	assert.Contains(t, res.Reason, "10 days")

	th := defaultThresholds()
	th.MaxZeroRunDays = 0
	res = NewChecker(th).Check(selfOnly("C1", gappy), Pools{})
	assert.Equal(t, AcceptNormal, res.Decision)
}

func TestCheckerThresholdMonotonic(t *testing.T) {
	x, z := orthogonal(800)
	submitted := DailyReturns("S1", cumulative(day0, correlatedWith(x, z, 0.85)), 4)
	accepted := false
	for _, threshold := range []float64{0.3, 0.5, 0.7, 0.84, 0.86, 0.9, 0.99} {
		th := defaultThresholds()
		th.SelfThreshold = threshold
		res := NewChecker(th).Check(selfOnly("C1", x), Pools{Self: []Returns{submitted}})
		if accepted {
			assert.Equal(t, AcceptNormal, res.Decision, "threshold %.2f", threshold)
		}
		accepted = res.Decision == AcceptNormal
		assert.Equal(t, threshold > 0.85, accepted, "threshold %.2f", threshold)
	}
}

func TestCheckerFlagsAggressive(t *testing.T) {
	checker := NewChecker(defaultThresholds())
	res := checker.Check(selfOnly("C1", aggressiveShape(1000, 700)), Pools{})
	assert.Equal(t, AcceptNormal, res.Decision)
	assert.True(t, res.Aggressive)

	x, _ := orthogonal(1000)
	res = checker.Check(selfOnly("C2", x), Pools{})
	assert.False(t, res.Aggressive)
}
