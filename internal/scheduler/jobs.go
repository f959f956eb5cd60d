package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"wq_miner/configs"
	"wq_miner/internal/constant"
	"wq_miner/internal/correlation"
	"wq_miner/internal/factory"
	"wq_miner/internal/metrics"
	"wq_miner/internal/miner"
	"wq_miner/internal/notify"
	"wq_miner/internal/repo"
	"wq_miner/internal/store"
	"wq_miner/internal/svc"
)

// Deps are the process wide services jobs are built from.
type Deps struct {
	Conf     *configs.GlobalConfig
	Brain    *svc.BrainService
	Exprs    *store.ExpressionStore
	Alphas   *repo.AlphaRepo
	Cache    *correlation.Cache
	Catalog  factory.Catalog
	Metrics  *metrics.Metrics
	Notifier notify.Notifier
}

func NewBuilder(d Deps) Builder {
	return func(req StartRequest, logger *log.Entry, report func(Progress)) (Job, error) {
		switch req.ScriptType {
		case constant.ScriptMining:
			return d.miningJob(req, logger, report)
		case constant.ScriptCorrelation:
			return d.correlationJob(logger, report), nil
		}
		return nil, fmt.Errorf("unknown script type %q", req.ScriptType)
	}
}

func (d Deps) miningJob(req StartRequest, logger *log.Entry, report func(Progress)) (Job, error) {
	cfg, err := miner.NewStageConfig(d.Conf, req.Dataset, req.Stage, req.NJobs)
	if err != nil {
		return nil, err
	}
	mining := d.Conf.MiningConfig
	mining.NJobs = cfg.NJobs
	client := svc.NewSimulationClient(d.Brain, mining)
	m, err := miner.New(cfg, d.Brain, client, d.Exprs, d.Alphas, miner.Options{
		Catalog:  d.Catalog,
		Logger:   logger,
		Metrics:  d.Metrics,
		Notifier: d.Notifier,
		OnUpdate: func(s miner.Status) {
			report(Progress{
				State:     string(s.State),
				Tag:       s.Tag,
				Processed: s.Processed,
				Accepted:  s.Accepted,
				Failed:    s.Failed,
				LastError: s.LastError,
			})
		},
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (d Deps) correlationJob(logger *log.Entry, report func(Progress)) Job {
	conf := d.Conf.CorrelationConfig
	job := &processorJob{stopCh: make(chan struct{})}
	job.processor = correlation.NewProcessor(d.Alphas, d.Cache, correlation.NewChecker(correlation.ThresholdsFromConf(conf)), d.Brain,
		correlation.ProcessorOptions{
			Interval:      configs.Duration(conf.Interval, 5*time.Minute),
			BatchSize:     conf.BatchSize,
			MarkBatchSize: conf.MarkBatchSize,
			Logger:        logger,
			Metrics:       d.Metrics,
			OnCycle:       job.onCycle(report),
		})
	return job
}

// processorJob runs the correlation processor until it is stopped.
type processorJob struct {
	processor *correlation.Processor

	mutex    sync.Mutex
	force    bool
	progress Progress
	stopCh   chan struct{}
	stopOnce sync.Once
}

func (j *processorJob) onCycle(report func(Progress)) func(correlation.CycleReport, error) {
	return func(r correlation.CycleReport, err error) {
		j.mutex.Lock()
		j.progress.State = "CHECKING"
		j.progress.Processed += int64(r.Checked)
		j.progress.Accepted += int64(r.Accepted)
		j.progress.Failed += int64(r.Rejected)
		j.progress.LastError = ""
		if err != nil {
			j.progress.LastError = err.Error()
		}
		p := j.progress
		j.mutex.Unlock()
		report(p)
	}
}

func (j *processorJob) Run(ctx context.Context) error {
	if err := j.processor.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-j.stopCh:
	}
	j.mutex.Lock()
	force := j.force || ctx.Err() != nil
	j.mutex.Unlock()
	j.processor.Stop(force)
	return nil
}

func (j *processorJob) Stop(force bool) {
	j.mutex.Lock()
	j.force = j.force || force
	j.mutex.Unlock()
	j.stopOnce.Do(func() { close(j.stopCh) })
}
