package correlation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"wq_miner/internal/constant"
	"wq_miner/internal/metrics"
	"wq_miner/internal/model"
	"wq_miner/internal/repo"
)

type AlphaStore interface {
	FindPending(ctx context.Context, minSharpe float64, limit int) ([]model.Alpha, error)
	ApplyVerdicts(ctx context.Context, verdicts []repo.Verdict) (int64, error)
	MarkRemoved(ctx context.Context, alphaIDs []string) (int64, error)
}

// Marker colors alphas on the platform and returns the ids it managed to mark.
type Marker interface {
	SetColors(ctx context.Context, colors map[string]string, order []string, batchSize int) []string
}

type CycleReport struct {
	Pending   int
	Checked   int
	Accepted  int
	Rejected  int
	Deferred  int
	Removed   int64
	Marked    int
	Submitted int
	Duration  time.Duration
}

type ProcessorOptions struct {
	Interval      time.Duration
	BatchSize     int
	MarkBatchSize int
	Logger        *log.Entry
	Metrics       *metrics.Metrics
	// OnCycle observes every finished cycle, including failed ones.
	OnCycle func(CycleReport, error)
}

type Processor struct {
	alphas  AlphaStore
	cache   *Cache
	checker *Checker
	marker  Marker
	opts    ProcessorOptions
	log     *log.Entry

	mutex  sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewProcessor(alphas AlphaStore, cache *Cache, checker *Checker, marker Marker, opts ProcessorOptions) *Processor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.MarkBatchSize <= 0 {
		opts.MarkBatchSize = 30
	}
	entry := opts.Logger
	if entry == nil {
		entry = log.WithField("script", constant.ScriptCorrelation)
	}
	return &Processor{
		alphas:  alphas,
		cache:   cache,
		checker: checker,
		marker:  marker,
		opts:    opts,
		log:     entry,
	}
}

// RunCycle checks every pending alpha once. Stop is honoured between batches.
func (p *Processor) RunCycle(ctx context.Context) (CycleReport, error) {
	start := time.Now()
	var report CycleReport
	defer func() {
		report.Duration = time.Since(start)
		p.opts.Metrics.ObserveCycle(report.Duration.Seconds())
	}()

	submitted, err := p.cache.RefreshPools(ctx)
	if err != nil {
		return report, fmt.Errorf("refresh pools: %w", err)
	}
	report.Submitted = len(submitted)
	if len(submitted) > 0 {
		n, err := p.alphas.MarkRemoved(ctx, submitted)
		if err != nil {
			return report, fmt.Errorf("drop submitted from pending: %w", err)
		}
		report.Removed += n
	}

	th := p.checker.Thresholds()
	pending, err := p.alphas.FindPending(ctx, th.QueryMinSharpe(), 0)
	if err != nil {
		return report, fmt.Errorf("find pending: %w", err)
	}
	report.Pending = len(pending)
	p.opts.Metrics.SetPending(len(pending))
	selfSize, poolSize := p.cache.PoolSizes()
	p.log.WithFields(log.Fields{"pending": len(pending), "self_pool": selfSize, "competitive_pool": poolSize}).Info("correlation cycle started")

	regionPools := make(map[string]Pools)
	var keep []string
	for start := 0; start < len(pending); start += p.opts.BatchSize {
		if ctx.Err() != nil {
			break
		}
		batch := pending[start:min(start+p.opts.BatchSize, len(pending))]
		kept, err := p.runBatch(ctx, batch, regionPools, &report)
		keep = append(keep, kept...)
		if err != nil {
			return report, err
		}
	}

	if ctx.Err() == nil {
		if _, err := p.cache.Cleanup(ctx, keep); err != nil {
			p.log.Warnf("series cleanup failed: %v", err)
		}
	}
	p.log.WithFields(log.Fields{
		"checked":  report.Checked,
		"accepted": report.Accepted,
		"rejected": report.Rejected,
		"deferred": report.Deferred,
		"marked":   report.Marked,
	}).Info("correlation cycle finished")
	return report, nil
}

func (p *Processor) runBatch(ctx context.Context, batch []model.Alpha, regionPools map[string]Pools, report *CycleReport) ([]string, error) {
	ids := make([]string, len(batch))
	for i := range batch {
		ids[i] = batch[i].AlphaID
	}
	series := p.cache.GetMany(ctx, ids)
	years := p.checker.Thresholds().TimeWindowYears

	var keep []string
	var verdicts []repo.Verdict
	colors := make(map[string]string)
	var order, removed []string
	for i := range batch {
		a := &batch[i]
		s, ok := series[a.AlphaID]
		if !ok {
			report.Deferred++
			keep = append(keep, a.AlphaID)
			continue
		}
		pools, ok := regionPools[a.Region]
		if !ok {
			pools = p.cache.Pools(a.Region, years)
			regionPools[a.Region] = pools
		}
		res := p.checker.Check(Candidate{
			AlphaID:       a.AlphaID,
			Region:        a.Region,
			Sharpe:        a.Sharpe,
			Fitness:       a.Fitness,
			OperatorCount: a.OperatorCount,
			Points:        s.Points,
		}, pools)
		report.Checked++
		p.opts.Metrics.Verdict(string(res.Decision))
		p.log.WithFields(log.Fields{"alpha": a.AlphaID, "decision": res.Decision, "aggressive": res.Aggressive}).Debug(res.Reason)

		if !res.Decision.Final() {
			report.Deferred++
			keep = append(keep, a.AlphaID)
			continue
		}
		verdicts = append(verdicts, repo.Verdict{
			AlphaID:        a.AlphaID,
			Status:         res.Decision.Status(),
			Color:          orNone(res.Decision.Color()),
			SelfCorr:       res.SelfCorr,
			PoolCorr:       res.PoolCorr,
			AggressiveMode: res.Aggressive,
		})
		switch res.Decision {
		case AcceptNormal, AcceptPremium:
			report.Accepted++
			keep = append(keep, a.AlphaID)
		default:
			report.Rejected++
		}
		if color := res.Decision.Color(); color != "" {
			colors[a.AlphaID] = color
			order = append(order, a.AlphaID)
		}
		if res.Decision == RejectCorrelation || res.Decision == RejectQuality {
			removed = append(removed, a.AlphaID)
		}
	}

	if len(verdicts) > 0 {
		if _, err := p.alphas.ApplyVerdicts(ctx, verdicts); err != nil {
			return keep, fmt.Errorf("apply verdicts: %w", err)
		}
	}
	if len(order) > 0 {
		report.Marked += len(p.marker.SetColors(ctx, colors, order, p.opts.MarkBatchSize))
	}
	if len(removed) > 0 {
		n, err := p.alphas.MarkRemoved(ctx, removed)
		if err != nil {
			return keep, fmt.Errorf("remove rejected: %w", err)
		}
		report.Removed += n
	}
	return keep, nil
}

func orNone(color string) string {
	if color == "" {
		return constant.ColorNone
	}
	return color
}

// Start runs one cycle immediately and then every Interval. Cycles never overlap.
func (p *Processor) Start(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.cron != nil {
		return fmt.Errorf("processor already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	cronLogger := cron.PrintfLogger(log.StandardLogger())
	job := cron.NewChain(cron.SkipIfStillRunning(cronLogger)).Then(cron.FuncJob(func() {
		if runCtx.Err() != nil {
			return
		}
		report, err := p.RunCycle(runCtx)
		if err != nil {
			p.log.Errorf("correlation cycle failed: %v", err)
		}
		if p.opts.OnCycle != nil {
			p.opts.OnCycle(report, err)
		}
	}))

	c := cron.New(cron.WithLogger(cronLogger))
	if _, err := c.AddJob("@every "+p.opts.Interval.String(), job); err != nil {
		cancel()
		return fmt.Errorf("schedule correlation cycle: %w", err)
	}
	p.cron = c
	p.cancel = cancel
	c.Start()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		job.Run()
	}()
	return nil
}

// Stop halts the schedule. A graceful stop lets the running cycle finish,
// a forced one cancels it first.
func (p *Processor) Stop(force bool) {
	p.mutex.Lock()
	c, cancel := p.cron, p.cancel
	p.cron, p.cancel = nil, nil
	p.mutex.Unlock()
	if c == nil {
		return
	}
	if force {
		cancel()
	}
	<-c.Stop().Done()
	p.wg.Wait()
	cancel()
}
