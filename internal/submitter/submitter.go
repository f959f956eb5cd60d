package submitter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"

	"wq_miner/internal/factory"
	"wq_miner/internal/svc"
)

type BatchTask struct {
	ID         int64
	Candidates []factory.Candidate
	Outcomes   []svc.Outcome
	RetryNum   int64
}

type SafeChan struct {
	batchTaskChan chan BatchTask
	once          sync.Once
	isClosed      bool
	mutex         sync.Mutex
}

func NewSafeChan(len int64) *SafeChan {
	return &SafeChan{
		batchTaskChan: make(chan BatchTask, len),
	}
}

// Write drops the task once the channel is closed.
func (safeChan *SafeChan) Write(task BatchTask) bool {
	safeChan.mutex.Lock()
	defer safeChan.mutex.Unlock()
	if safeChan.isClosed {
		return false
	}
	safeChan.batchTaskChan <- task
	return true
}

func (safeChan *SafeChan) Close() {
	safeChan.mutex.Lock()
	defer safeChan.mutex.Unlock()
	safeChan.once.Do(func() {
		safeChan.isClosed = true
		close(safeChan.batchTaskChan)
	})
}

func (safeChan *SafeChan) GetReadChan() <-chan BatchTask {
	return safeChan.batchTaskChan
}

// Simulator resolves one batch of candidates.
type Simulator interface {
	SubmitBatch(ctx context.Context, candidates []factory.Candidate, settings svc.Settings) []svc.Outcome
}

// Source yields the next batch to dispatch; ok is false once the generator is exhausted.
type Source func() (batch []factory.Candidate, ok bool)

// Handler persists resolved outcomes. HandleBatch returns the candidates that failed
// transiently and should be retried.
type Handler interface {
	HandleBatch(ctx context.Context, task BatchTask) []factory.Candidate
	Dropped(ctx context.Context, candidates []factory.Candidate)
}

type Options struct {
	Concurrency int
	ChannelLen  int64
	RetryNum    int64
	Settings    svc.Settings
}

// Submitter keeps Concurrency batches in flight, refilling from Source as batches resolve.
type Submitter struct {
	sim     Simulator
	source  Source
	handler Handler
	opts    Options

	AlphaChan  *SafeChan
	DeadChan   *SafeChan
	FinishChan *SafeChan
	WorkerPool *ants.Pool

	// persistCtx survives stop so resolved results are always written
	persistCtx  context.Context
	forceCtx    context.Context
	forceCancel context.CancelFunc

	sourceMutex sync.Mutex
	exhausted   bool
	stopping    atomic.Bool
	outstanding atomic.Int64
	nextId      atomic.Int64

	done     chan struct{}
	doneOnce sync.Once
	once     sync.Once
}

func NewSubmitter(ctx context.Context, sim Simulator, source Source, handler Handler, opts Options) (*Submitter, error) {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.ChannelLen < int64(opts.Concurrency)*2 {
		opts.ChannelLen = int64(opts.Concurrency) * 2
	}
	// workers plus the finish and retry loops
	workerPool, err := ants.NewPool(opts.Concurrency+2, ants.WithPreAlloc(false))
	if err != nil {
		return nil, fmt.Errorf("init worker pool: %w", err)
	}
	forceCtx, forceCancel := context.WithCancel(ctx)
	return &Submitter{
		sim:         sim,
		source:      source,
		handler:     handler,
		opts:        opts,
		AlphaChan:   NewSafeChan(opts.ChannelLen),
		DeadChan:    NewSafeChan(opts.ChannelLen),
		FinishChan:  NewSafeChan(opts.ChannelLen),
		WorkerPool:  workerPool,
		persistCtx:  context.WithoutCancel(ctx),
		forceCtx:    forceCtx,
		forceCancel: forceCancel,
		done:        make(chan struct{}),
	}, nil
}

func (s *Submitter) Run() error {
	for i := 0; i < s.opts.Concurrency; i++ {
		if err := s.WorkerPool.Submit(s.executeBatch); err != nil {
			return fmt.Errorf("submit worker: %w", err)
		}
	}
	//开启重试线程,关闭DeadChan就退出了
	if err := s.WorkerPool.Submit(s.retryBatch); err != nil {
		return fmt.Errorf("submit retryBatch: %w", err)
	}
	//开启结果处理线程,关闭FinishChan就退出了
	if err := s.WorkerPool.Submit(s.afterBatchFinish); err != nil {
		return fmt.Errorf("submit afterBatchFinish: %w", err)
	}
	s.initLoad()
	return nil
}

// Done is closed once the source is exhausted (or stop was requested) and nothing is in flight.
func (s *Submitter) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until Done or ctx ends.
func (s *Submitter) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop dispatches nothing new. With force, in-flight batches are cancelled too.
func (s *Submitter) Stop(force bool) {
	s.stopping.Store(true)
	if force {
		s.forceCancel()
	}
	s.checkDone()
}

func (s *Submitter) Stopping() bool {
	return s.stopping.Load()
}

// Close releases the workers; call after Done.
func (s *Submitter) Close() {
	s.once.Do(func() {
		s.stopping.Store(true)
		s.forceCancel()
		s.AlphaChan.Close()
		s.DeadChan.Close()
		s.FinishChan.Close()
		if err := s.WorkerPool.ReleaseTimeout(5 * time.Second); err != nil {
			log.Warnf("release worker pool: %v", err)
		}
	})
}

func (s *Submitter) initLoad() {
	initial := int(s.opts.ChannelLen)
	if initial > s.opts.Concurrency*2 {
		initial = s.opts.Concurrency * 2
	}
	for i := 0; i < initial; i++ {
		if !s.refill() {
			break
		}
	}
	s.checkDone()
}

// refill pulls one batch from the source into AlphaChan.
func (s *Submitter) refill() bool {
	if s.stopping.Load() {
		return false
	}
	s.sourceMutex.Lock()
	if s.exhausted {
		s.sourceMutex.Unlock()
		return false
	}
	batch, ok := s.source()
	if !ok || len(batch) == 0 {
		s.exhausted = true
		s.sourceMutex.Unlock()
		return false
	}
	s.outstanding.Add(1)
	s.sourceMutex.Unlock()

	task := BatchTask{ID: s.nextId.Add(1), Candidates: batch}
	if !s.AlphaChan.Write(task) {
		s.outstanding.Add(-1)
		return false
	}
	return true
}

func (s *Submitter) checkDone() {
	if s.outstanding.Load() != 0 {
		return
	}
	s.sourceMutex.Lock()
	finished := s.exhausted || s.stopping.Load()
	s.sourceMutex.Unlock()
	if finished && s.outstanding.Load() == 0 {
		s.doneOnce.Do(func() { close(s.done) })
	}
}

// resolve retires one outstanding batch and tops the queue back up.
func (s *Submitter) resolve() {
	s.outstanding.Add(-1)
	s.refill()
	s.checkDone()
}

// 提交batch
func (s *Submitter) executeBatch() {
	for task := range s.AlphaChan.GetReadChan() {
		if s.stopping.Load() {
			s.handler.Dropped(s.persistCtx, task.Candidates)
			s.resolve()
			continue
		}
		task.Outcomes = s.sim.SubmitBatch(s.forceCtx, task.Candidates, s.opts.Settings)
		s.FinishChan.Write(task)
	}
}

func (s *Submitter) afterBatchFinish() {
	for task := range s.FinishChan.GetReadChan() {
		requeue := s.handler.HandleBatch(s.persistCtx, task)
		if len(requeue) > 0 && !s.stopping.Load() {
			s.DeadChan.Write(BatchTask{ID: task.ID, Candidates: requeue, RetryNum: task.RetryNum})
			continue
		}
		if len(requeue) > 0 {
			s.handler.Dropped(s.persistCtx, requeue)
		}
		s.resolve()
	}
}

func (s *Submitter) retryBatch() {
	for task := range s.DeadChan.GetReadChan() {
		task.RetryNum++
		// 超过最大重试次数
		if task.RetryNum > s.opts.RetryNum || s.stopping.Load() {
			log.Warnf("batch %d dropped after %d retries", task.ID, task.RetryNum-1)
			s.handler.Dropped(s.persistCtx, task.Candidates)
			s.resolve()
			continue
		}
		task.Outcomes = nil
		s.AlphaChan.Write(task)
	}
}
