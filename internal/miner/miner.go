// Package miner runs one mining stage of one dataset: it loads fields or survivors,
// generates candidates, keeps n_jobs simulations in flight and records every result.
package miner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"wq_miner/internal/factory"
	"wq_miner/internal/metrics"
	"wq_miner/internal/model"
	"wq_miner/internal/notify"
	"wq_miner/internal/retry"
	"wq_miner/internal/submitter"
	"wq_miner/internal/svc"
)

type State string

const (
	StateInit          State = "INIT"
	StateLoadingFields State = "LOADING_FIELDS"
	StateGenerating    State = "GENERATING"
	StateDispatching   State = "DISPATCHING"
	StateAwaiting      State = "AWAITING_RESULTS"
	StateComplete      State = "COMPLETE"
	StateAborted       State = "ABORTED"
	StateError         State = "ERROR"
)

func (s State) Terminal() bool {
	return s == StateComplete || s == StateAborted || s == StateError
}

var ErrAlreadyStarted = errors.New("miner already started")

// Platform is the part of the BRAIN api the miner talks to directly.
type Platform interface {
	FetchDataFields(ctx context.Context, query svc.DataFieldQuery) ([]svc.DataField, error)
	GetOperators(ctx context.Context) ([]svc.OperatorInfo, error)
	SetProperties(ctx context.Context, alphaId, name string, tags []string) error
	GetAlpha(ctx context.Context, alphaId string) (*svc.AlphaDetail, error)
}

type Simulator interface {
	submitter.Simulator
	BatchSize() int
}

type Expressions interface {
	Preload(ctx context.Context, dataset, region string, stage int) (int, error)
	IsKnown(expr, dataset, region string, stage int) bool
	RecordGenerated(ctx context.Context, expr, dataset, region string, stage int) (bool, error)
	RecordFailure(ctx context.Context, expr, dataset, region string, stage int, reason, detail string) (bool, error)
	MarkSimulated(ctx context.Context, expr, dataset, region string, stage int, alphaID string) error
	Release(ctx context.Context, expr, dataset, region string, stage int) error
}

type Alphas interface {
	Add(ctx context.Context, alpha *model.Alpha) (bool, error)
	FindSurvivors(ctx context.Context, dataset, region string, stage int, minSharpe, minFitness float64, limit int) ([]model.Alpha, error)
}

type Options struct {
	Catalog  factory.Catalog
	Logger   *log.Entry
	Metrics  *metrics.Metrics
	Notifier notify.Notifier
	// OnUpdate receives a snapshot after every state change and resolved batch.
	OnUpdate func(Status)
}

// Status is a snapshot of a run. Completed and Total describe the current pass; Total is
// an estimate of the pass's candidates before pruning. Processed, Accepted and Failed
// accumulate over the whole run.
type Status struct {
	State     State     `json:"state"`
	Stage     int       `json:"stage"`
	Dataset   string    `json:"dataset"`
	Tag       string    `json:"tag"`
	Completed int64     `json:"completed"`
	Total     int64     `json:"total"`
	Processed int64     `json:"processed"`
	Accepted  int64     `json:"accepted"`
	Failed    int64     `json:"failed"`
	LastError string    `json:"last_error"`
	StartedAt time.Time `json:"started_at"`
}

func (s Status) Rate() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Completed) * 100 / float64(s.Total)
}

type Miner struct {
	cfg      StageConfig
	tag      string
	platform Platform
	sim      Simulator
	exprs    Expressions
	alphas   Alphas
	opts     Options
	logger   *log.Entry

	mutex      sync.Mutex
	status     Status
	started    bool
	stopReq    bool
	force      bool
	sub        *submitter.Submitter
	milestones *notify.Milestones

	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(cfg StageConfig, platform Platform, sim Simulator, exprs Expressions, alphas Alphas, opts Options) (*Miner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if opts.Notifier == nil {
		opts.Notifier = &notify.Multi{}
	}
	tag := cfg.Tag()
	logger = logger.WithFields(log.Fields{"dataset": cfg.Dataset, "stage": cfg.Stage})
	return &Miner{
		cfg:      cfg,
		tag:      tag,
		platform: platform,
		sim:      sim,
		exprs:    exprs,
		alphas:   alphas,
		opts:     opts,
		logger:   logger,
		status:   Status{State: StateInit, Stage: cfg.Stage, Dataset: cfg.Dataset, Tag: tag},
		stopCh:   make(chan struct{}),
	}, nil
}

func (m *Miner) Status() Status {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.status
}

// Stop lets in-flight batches finish and dispatches nothing new. With force the
// in-flight simulations are cancelled as well. Rows already written stay.
func (m *Miner) Stop(force bool) {
	m.mutex.Lock()
	m.stopReq = true
	m.force = m.force || force
	sub := m.sub
	m.mutex.Unlock()

	m.stopOnce.Do(func() { close(m.stopCh) })
	if sub != nil {
		sub.Stop(force)
	}
}

func (m *Miner) stopping() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.stopReq
}

// Run drives the stage to a terminal state. Only ERROR returns an error.
func (m *Miner) Run(ctx context.Context) error {
	m.mutex.Lock()
	if m.started {
		m.mutex.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.status.StartedAt = time.Now()
	m.mutex.Unlock()

	m.logger.Infof("mining %s started", m.tag)
	m.setState(StateLoadingFields)
	fac := factory.New(m.availableCatalog(ctx), m.cfg.Limits, m.cfg.Settings.Decay)
	if n, err := m.exprs.Preload(ctx, m.cfg.Dataset, m.cfg.Settings.Region, m.cfg.Stage); err != nil {
		m.logger.Warnf("preload expressions: %v", err)
	} else {
		m.logger.Infof("%d expressions already generated", n)
	}

	for {
		if m.stopping() || ctx.Err() != nil {
			return m.finish(ctx, StateAborted)
		}
		m.setState(StateLoadingFields)
		seq, total, err := m.candidates(ctx, fac)
		if err != nil {
			if ctx.Err() != nil || m.stopping() {
				return m.finish(ctx, StateAborted)
			}
			if !m.cfg.Continuous() {
				return m.fail(ctx, "field_fetch", err)
			}
			m.recordError(err)
			m.logger.Errorf("load stage %d survivors: %v", m.cfg.Stage-1, err)
			if m.wait(ctx, m.cfg.ErrorWait) != nil {
				return m.finish(ctx, StateAborted)
			}
			continue
		}
		if seq == nil {
			m.logger.Infof("no stage %d survivors yet, next check in %s", m.cfg.Stage-1, m.cfg.IdleWait)
			if m.wait(ctx, m.cfg.IdleWait) != nil {
				return m.finish(ctx, StateAborted)
			}
			continue
		}

		m.setState(StateGenerating)
		m.beginPass(ctx, total)
		if err := m.dispatch(ctx, seq); err != nil {
			if !m.cfg.Continuous() {
				return m.fail(ctx, "dispatch", err)
			}
			m.recordError(err)
			m.logger.Errorf("dispatch: %v", err)
			if m.wait(ctx, m.cfg.ErrorWait) != nil {
				return m.finish(ctx, StateAborted)
			}
			continue
		}
		if m.stopping() || ctx.Err() != nil {
			return m.finish(ctx, StateAborted)
		}
		if !m.cfg.Continuous() {
			return m.finish(ctx, StateComplete)
		}

		st := m.Status()
		m.logger.Infof("pass done: %d/%d, next check in %s", st.Completed, st.Total, m.cfg.BatchWait)
		if m.wait(ctx, m.cfg.BatchWait) != nil {
			return m.finish(ctx, StateAborted)
		}
	}
}

// availableCatalog intersects the catalog with the operators the account may use.
func (m *Miner) availableCatalog(ctx context.Context) factory.Catalog {
	catalog := m.opts.Catalog
	ops, err := m.platform.GetOperators(ctx)
	if err != nil || len(ops) == 0 {
		m.logger.Warnf("operator list unavailable, keeping the full catalog: %v", err)
		return catalog
	}
	available := make(map[string]bool, len(ops))
	for _, op := range ops {
		available[op.Name] = true
	}
	return catalog.Filter(available)
}

// candidates returns the stage's sequence and its estimated size, or a nil sequence
// when a continuous stage has no survivors.
func (m *Miner) candidates(ctx context.Context, fac *factory.Factory) (iter.Seq[factory.Candidate], int64, error) {
	if m.cfg.Stage == 1 {
		fields, err := m.fields(ctx)
		if err != nil {
			return nil, 0, err
		}
		return fac.Stage(1, fields, nil), fac.Estimate(1, fields, nil), nil
	}
	survivors, err := m.alphas.FindSurvivors(ctx, m.cfg.Dataset, m.cfg.Settings.Region, m.cfg.Stage-1,
		m.cfg.SurvivorMinSharpe, m.cfg.SurvivorMinFitness, m.cfg.SurvivorLimit)
	if err != nil {
		return nil, 0, err
	}
	if len(survivors) == 0 {
		return nil, 0, nil
	}
	parents := make([]string, 0, len(survivors))
	for _, a := range survivors {
		parents = append(parents, a.Expression)
	}
	m.logger.Infof("%d stage %d survivors", len(parents), m.cfg.Stage-1)
	return fac.Stage(m.cfg.Stage, nil, parents), fac.Estimate(m.cfg.Stage, nil, parents), nil
}

func (m *Miner) fields(ctx context.Context) ([]factory.Field, error) {
	query := svc.DataFieldQuery{
		InstrumentType: m.cfg.Settings.InstrumentType,
		Region:         m.cfg.Settings.Region,
		Delay:          m.cfg.Settings.Delay,
		Universe:       m.cfg.Settings.Universe,
		DatasetId:      m.cfg.Dataset,
	}
	policy := retry.NewPolicy("fetch data fields", m.cfg.FieldRetries, m.cfg.FieldRetryDelay)
	raw, err := retry.Do(ctx, policy, func() ([]svc.DataField, error) {
		return m.platform.FetchDataFields(ctx, query)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch data fields of %s: %w", m.cfg.Dataset, err)
	}

	seen := make(map[string]bool, len(raw)+len(m.cfg.Recommended))
	fields := make([]factory.Field, 0, len(raw)+len(m.cfg.Recommended))
	for _, df := range raw {
		if seen[df.Id] {
			continue
		}
		seen[df.Id] = true
		fields = append(fields, factory.Field{Id: df.Id, Type: factory.FieldType(df.Type)})
	}
	for _, id := range m.cfg.Recommended {
		if !seen[id] {
			seen[id] = true
			fields = append(fields, factory.Field{Id: id, Type: factory.Matrix})
		}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("dataset %s has no data fields", m.cfg.Dataset)
	}
	m.logger.Infof("%d data fields loaded", len(fields))
	return fields, nil
}

// beginPass resets pass progress. Completed starts at the partition's generated count,
// capped at the estimate, so nothing is expanded ahead of dispatch.
func (m *Miner) beginPass(ctx context.Context, total int64) {
	var known int64
	if n, err := m.exprs.Preload(ctx, m.cfg.Dataset, m.cfg.Settings.Region, m.cfg.Stage); err != nil {
		m.logger.Warnf("count generated expressions: %v", err)
	} else {
		known = min(int64(n), total)
	}
	m.mutex.Lock()
	m.status.Total = total
	m.status.Completed = known
	m.milestones = notify.NewMilestones(m.cfg.Milestones)
	m.mutex.Unlock()
	m.logger.Infof("about %d candidates, %d already generated", total, known)
}

func (m *Miner) dispatch(ctx context.Context, seq iter.Seq[factory.Candidate]) error {
	next, stop := iter.Pull(seq)
	defer stop()

	sim := simulatorFunc(func(ctx context.Context, batch []factory.Candidate, settings svc.Settings) []svc.Outcome {
		begin := time.Now()
		outcomes := m.sim.SubmitBatch(ctx, batch, settings)
		m.opts.Metrics.ObserveBatch(m.cfg.stageLabel(), time.Since(begin).Seconds())
		return outcomes
	})
	sub, err := submitter.NewSubmitter(ctx, sim, m.source(ctx, next), &resultHandler{m: m}, submitter.Options{
		Concurrency: m.cfg.NJobs,
		ChannelLen:  m.cfg.ChannelLen,
		RetryNum:    m.cfg.RetryNum,
		Settings:    m.cfg.Settings,
	})
	if err != nil {
		return err
	}
	defer sub.Close()

	m.mutex.Lock()
	m.sub = sub
	stopReq, force := m.stopReq, m.force
	m.mutex.Unlock()
	defer func() {
		m.mutex.Lock()
		m.sub = nil
		m.mutex.Unlock()
	}()
	if stopReq {
		sub.Stop(force)
	}

	m.setState(StateDispatching)
	if err := sub.Run(); err != nil {
		sub.Stop(true)
		<-sub.Done()
		return err
	}
	<-sub.Done()
	return nil
}

// source pulls unseen candidates into batches of the simulator's size.
// It is only ever called by one goroutine at a time.
func (m *Miner) source(ctx context.Context, next func() (factory.Candidate, bool)) submitter.Source {
	region := m.cfg.Settings.Region
	return func() ([]factory.Candidate, bool) {
		size := max(m.sim.BatchSize(), 1)
		batch := make([]factory.Candidate, 0, size)
		for len(batch) < size && ctx.Err() == nil {
			cand, ok := next()
			if !ok {
				break
			}
			if m.exprs.IsKnown(cand.Expression, m.cfg.Dataset, region, m.cfg.Stage) {
				continue
			}
			isNew, err := m.exprs.RecordGenerated(ctx, cand.Expression, m.cfg.Dataset, region, m.cfg.Stage)
			if err != nil {
				m.logger.Errorf("record %s: %v", cand.Expression, err)
				continue
			}
			if !isNew {
				continue
			}
			m.opts.Metrics.ExpressionGenerated(m.cfg.Dataset, m.cfg.stageLabel())
			batch = append(batch, cand)
		}
		if len(batch) == 0 {
			return nil, false
		}
		m.setQuietState(StateDispatching)
		return batch, true
	}
}

// wait sleeps d unless the run is stopped or ctx ends first.
func (m *Miner) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopCh:
		return context.Canceled
	case <-timer.C:
		return nil
	}
}

func (m *Miner) setQuietState(state State) {
	m.mutex.Lock()
	m.status.State = state
	m.mutex.Unlock()
}

func (m *Miner) setState(state State) {
	m.setQuietState(state)
	m.publish()
}

func (m *Miner) publish() {
	if m.opts.OnUpdate != nil {
		m.opts.OnUpdate(m.Status())
	}
}

func (m *Miner) recordError(err error) {
	m.mutex.Lock()
	m.status.LastError = err.Error()
	m.mutex.Unlock()
}

func (m *Miner) progress() notify.Progress {
	st := m.Status()
	return notify.Progress{
		Dataset:   st.Dataset,
		Region:    m.cfg.Settings.Region,
		Universe:  m.cfg.Settings.Universe,
		Stage:     st.Stage,
		Completed: st.Completed,
		Total:     st.Total,
		Accepted:  st.Accepted,
		Failed:    st.Failed,
		StartedAt: st.StartedAt,
	}
}

func (m *Miner) finish(ctx context.Context, state State) error {
	m.setState(state)
	st := m.Status()
	m.logger.Infof("mining %s %s: processed %d, accepted %d, failed %d", m.tag, state, st.Processed, st.Accepted, st.Failed)
	title, content := notify.CompletionMessage(m.progress(), string(state))
	_ = m.opts.Notifier.Notify(context.WithoutCancel(ctx), title, content)
	return nil
}

func (m *Miner) fail(ctx context.Context, kind string, err error) error {
	m.recordError(err)
	m.setState(StateError)
	m.logger.Errorf("mining %s failed: %v", m.tag, err)
	title, content := notify.ErrorMessage(kind, err.Error(), m.cfg.Dataset, m.cfg.Stage)
	_ = m.opts.Notifier.Notify(context.WithoutCancel(ctx), title, content)
	return err
}

type simulatorFunc func(ctx context.Context, batch []factory.Candidate, settings svc.Settings) []svc.Outcome

func (f simulatorFunc) SubmitBatch(ctx context.Context, batch []factory.Candidate, settings svc.Settings) []svc.Outcome {
	return f(ctx, batch, settings)
}
