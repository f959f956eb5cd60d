package correlation

import (
	"fmt"

	"wq_miner/configs"
	"wq_miner/internal/constant"
	"wq_miner/internal/svc"
)

type Decision string

const (
	AcceptNormal       Decision = "accept-normal"
	AcceptPremium      Decision = "accept-premium"
	RejectPrefilter    Decision = "reject-prefilter"
	RejectQuality      Decision = "reject-quality"
	RejectCorrelation  Decision = "reject-correlation"
	RejectInsufficient Decision = "reject-insufficient-data"
	PendingRetry       Decision = "pending-retry"
)

// Final decisions leave the pending set.
func (d Decision) Final() bool {
	return d != RejectInsufficient && d != PendingRetry
}

func (d Decision) Status() string {
	switch d {
	case AcceptNormal:
		return constant.AlphaCheckedNormal
	case AcceptPremium:
		return constant.AlphaCheckedPPAC
	case RejectPrefilter, RejectQuality, RejectCorrelation:
		return constant.AlphaRejected
	default:
		return constant.AlphaPending
	}
}

func (d Decision) Color() string {
	switch d {
	case AcceptNormal:
		return constant.ColorGreen
	case AcceptPremium:
		return constant.ColorBlue
	case RejectCorrelation:
		return constant.ColorRed
	case RejectQuality:
		return constant.ColorPurple
	default:
		return ""
	}
}

type Thresholds struct {
	TimeWindowYears  int
	MinOverlapDays   int
	SelfThreshold    float64
	PoolThreshold    float64
	SelfMinSharpe    float64
	SelfMinFitness   float64
	PoolMinSharpe    float64
	PoolMinFitness   float64
	PoolMaxOperators int
	MaxZeroRunDays   int
	ExtendedYears    int
	Aggressive       AggressiveRule
}

func ThresholdsFromConf(conf configs.CorrelationConf) Thresholds {
	return Thresholds{
		TimeWindowYears:  conf.TimeWindowYears,
		MinOverlapDays:   conf.MinOverlapDays,
		SelfThreshold:    conf.SelfThreshold,
		PoolThreshold:    conf.PoolThreshold,
		SelfMinSharpe:    conf.SelfMinSharpe,
		SelfMinFitness:   conf.SelfMinFitness,
		PoolMinSharpe:    conf.PoolMinSharpe,
		PoolMinFitness:   conf.PoolMinFitness,
		PoolMaxOperators: conf.PoolMaxOperators,
		MaxZeroRunDays:   conf.MaxZeroRunDays,
		ExtendedYears:    conf.AggressiveExtendedYears,
		Aggressive: AggressiveRule{
			MinPoints:    conf.AggressiveMinPoints,
			LongSeries:   conf.AggressiveLongSeries,
			SplitLong:    conf.AggressiveSplitLong,
			SplitShort:   conf.AggressiveSplitShort,
			ZeroFraction: conf.AggressiveZeroFraction,
			GrowthRatio:  conf.AggressiveGrowthRatio,
		},
	}
}

// QueryMinSharpe is the loosest sharpe floor either pool accepts.
func (t Thresholds) QueryMinSharpe() float64 {
	return min(t.SelfMinSharpe, t.PoolMinSharpe)
}

type Candidate struct {
	AlphaID       string
	Region        string
	Sharpe        float64
	Fitness       float64
	OperatorCount int
	Points        []svc.PnlPoint
}

// Pools are the submitted alphas' returns in the candidate's region, already windowed.
type Pools struct {
	Self        []Returns
	Competitive []Returns
}

type Result struct {
	AlphaID    string
	Decision   Decision
	SelfCorr   *float64
	PoolCorr   *float64
	Aggressive bool
	Reason     string
}

type Checker struct {
	th Thresholds
}

func NewChecker(th Thresholds) *Checker {
	if th.ExtendedYears <= 0 {
		th.ExtendedYears = 6
	}
	return &Checker{th: th}
}

func (c *Checker) Thresholds() Thresholds {
	return c.th
}

func (c *Checker) eligibleSelf(cand Candidate) bool {
	return cand.Sharpe >= c.th.SelfMinSharpe && cand.Fitness >= c.th.SelfMinFitness
}

func (c *Checker) eligiblePool(cand Candidate) bool {
	return cand.Sharpe >= c.th.PoolMinSharpe && cand.Fitness >= c.th.PoolMinFitness &&
		cand.OperatorCount <= c.th.PoolMaxOperators
}

func (c *Checker) Check(cand Candidate, pools Pools) Result {
	res := Result{AlphaID: cand.AlphaID}
	selfOk, poolOk := c.eligibleSelf(cand), c.eligiblePool(cand)
	if !selfOk && !poolOk {
		res.Decision = RejectPrefilter
		res.Reason = fmt.Sprintf("sharpe %.2f fitness %.2f operators %d below both pools", cand.Sharpe, cand.Fitness, cand.OperatorCount)
		return res
	}

	if len(cand.Points) == 0 {
		res.Decision = PendingRetry
		res.Reason = "empty pnl series"
		return res
	}
	full := DailyReturns(cand.AlphaID, cand.Points, 0)
	if full.Len() == 0 {
		res.Decision = PendingRetry
		res.Reason = "no usable returns"
		return res
	}
	if std(full.Values) == 0 {
		res.Decision = RejectQuality
		res.Reason = "flat returns"
		return res
	}
	if c.th.MaxZeroRunDays > 0 {
		if run := MaxZeroRun(full.Values); run > c.th.MaxZeroRunDays {
			res.Decision = RejectQuality
			res.Reason = fmt.Sprintf("zero coverage run of %d days", run)
			return res
		}
	}

	extended := max(c.th.ExtendedYears, c.th.TimeWindowYears+2)
	res.Aggressive = c.th.Aggressive.IsAggressive(DailyReturns(cand.AlphaID, cand.Points, extended).Values)

	rets := DailyReturns(cand.AlphaID, cand.Points, c.th.TimeWindowYears)
	insufficient := false
	selfPass, poolPass := false, false
	if selfOk {
		self := MaxCorrelation(rets, pools.Self, c.th.MinOverlapDays)
		if self.Sufficient {
			v := self.Max
			res.SelfCorr = &v
			selfPass = v < c.th.SelfThreshold
		} else {
			insufficient = true
		}
	}
	if poolOk {
		pool := MaxCorrelation(rets, pools.Competitive, c.th.MinOverlapDays)
		if pool.Sufficient {
			v := pool.Max
			res.PoolCorr = &v
			poolPass = v < c.th.PoolThreshold
		} else {
			insufficient = true
		}
	}

	switch {
	case selfPass:
		res.Decision = AcceptNormal
	case poolPass:
		res.Decision = AcceptPremium
	case insufficient:
		res.Decision = RejectInsufficient
		res.Reason = "not enough overlapping dates"
	default:
		res.Decision = RejectCorrelation
		res.Reason = "correlation above threshold"
	}
	return res
}
