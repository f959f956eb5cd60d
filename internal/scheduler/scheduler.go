package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"

	"wq_miner/configs"
	"wq_miner/internal/constant"
	"wq_miner/internal/model"
	"wq_miner/internal/repo"
	"wq_miner/internal/viewer"
)

//管理挖掘/相关性任务的启动、停止和状态

var (
	ErrInvalid      = errors.New("invalid task request")
	ErrNotFound     = errors.New("task not found")
	ErrNotRunning   = errors.New("task is not running")
	ErrStillRunning = errors.New("task is still running")
	ErrDuplicate    = errors.New("an identical task is already running")
	ErrTooManyTasks = errors.New("task limit reached")
)

type StartRequest struct {
	ScriptType string `json:"script_type"`
	Stage      int    `json:"stage"`
	Dataset    string `json:"dataset"`
	NJobs      int    `json:"n_jobs"`
}

func (r StartRequest) Validate() error {
	switch r.ScriptType {
	case constant.ScriptMining:
		if r.Dataset == "" {
			return fmt.Errorf("%w: dataset is required", ErrInvalid)
		}
		if r.Stage < 1 || r.Stage > 3 {
			return fmt.Errorf("%w: stage %d out of range [1, 3]", ErrInvalid, r.Stage)
		}
		if r.NJobs < 0 {
			return fmt.Errorf("%w: n_jobs must not be negative", ErrInvalid)
		}
	case constant.ScriptCorrelation:
	default:
		return fmt.Errorf("%w: unknown script type %q", ErrInvalid, r.ScriptType)
	}
	return nil
}

func (r StartRequest) key() string {
	if r.ScriptType == constant.ScriptCorrelation {
		return r.ScriptType
	}
	return fmt.Sprintf("%s/%d/%s", r.ScriptType, r.Stage, r.Dataset)
}

// Progress is what a job reports while it runs.
type Progress struct {
	State     string
	Tag       string
	Processed int64
	Accepted  int64
	Failed    int64
	LastError string
}

// Job is one long running task. Run blocks until the job is done or stopped.
type Job interface {
	Run(ctx context.Context) error
	Stop(force bool)
}

// Builder creates the job of a validated request.
type Builder func(req StartRequest, logger *log.Entry, report func(Progress)) (Job, error)

type Options struct {
	LogDir   string
	LogLevel log.Level
	MaxTasks int
}

type runningTask struct {
	req  StartRequest
	job  Job
	fd   *os.File
	done chan struct{}
}

type ProcessManager struct {
	tasks      *repo.ProcessTaskRepo
	build      Builder
	opts       Options
	ctx        context.Context
	cancelFunc context.CancelFunc
	workerPool *ants.Pool

	mutex   sync.Mutex
	running map[string]*runningTask
	once    sync.Once
}

func NewProcessManager(ctx context.Context, tasks *repo.ProcessTaskRepo, build Builder, opts Options) (*ProcessManager, error) {
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = 15
	}
	if opts.LogDir == "" {
		opts.LogDir = "./logs/tasks"
	}
	if opts.LogLevel == 0 {
		opts.LogLevel = log.InfoLevel
	}
	workerPool, err := ants.NewPool(opts.MaxTasks, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("init task pool: %w", err)
	}
	ctx, cancelFunc := context.WithCancel(ctx)
	pm := &ProcessManager{
		tasks:      tasks,
		build:      build,
		opts:       opts,
		ctx:        ctx,
		cancelFunc: cancelFunc,
		workerPool: workerPool,
		running:    make(map[string]*runningTask),
	}
	if n, err := pm.recoverStale(ctx); err != nil {
		log.Warnf("recover stale tasks: %v", err)
	} else if n > 0 {
		log.Infof("%d tasks left running by the previous process marked stopped", n)
	}
	return pm, nil
}

// recoverStale marks rows still flagged running as stopped; their process is gone.
func (pm *ProcessManager) recoverStale(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []string{constant.TaskRunning, constant.TaskStopping} {
		tasks, err := pm.tasks.FindByStatus(ctx, status)
		if err != nil {
			return n, err
		}
		for _, t := range tasks {
			err := pm.tasks.UpdateFields(ctx, t.TaskID, map[string]interface{}{
				"status":     constant.TaskStopped,
				"last_error": "interrupted by restart",
				"stopped_at": time.Now(),
			})
			if err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (pm *ProcessManager) Start(ctx context.Context, req StartRequest) (*viewer.ProcessTask, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	if pm.ctx.Err() != nil {
		return nil, fmt.Errorf("process manager is shut down")
	}
	for _, rt := range pm.running {
		if rt.req.key() == req.key() {
			return nil, ErrDuplicate
		}
	}
	if pm.workerPool.Free() == 0 {
		return nil, ErrTooManyTasks
	}

	taskID := uuid.NewString()
	logger, fd, err := configs.NewTaskLogger(pm.opts.LogDir, taskID, pm.opts.LogLevel)
	if err != nil {
		return nil, err
	}
	entry := logger.WithFields(log.Fields{"task": taskID, "script": req.ScriptType})
	job, err := pm.build(req, entry, pm.reporter(taskID))
	if err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	task := &model.ProcessTask{
		TaskID:     taskID,
		ScriptType: req.ScriptType,
		Stage:      req.Stage,
		Dataset:    req.Dataset,
		Pid:        os.Getpid(),
		Status:     constant.TaskRunning,
		State:      "INIT",
		LogPath:    filepath.Join(pm.opts.LogDir, taskID+".log"),
		StartedAt:  time.Now(),
	}
	if _, err := pm.tasks.Add(ctx, task); err != nil {
		_ = fd.Close()
		return nil, err
	}

	rt := &runningTask{req: req, job: job, fd: fd, done: make(chan struct{})}
	pm.running[taskID] = rt
	if err := pm.workerPool.Submit(func() { pm.run(taskID, rt) }); err != nil {
		delete(pm.running, taskID)
		_ = fd.Close()
		pm.finish(taskID, fmt.Errorf("submit task: %w", err))
		if errors.Is(err, ants.ErrPoolOverload) {
			return nil, ErrTooManyTasks
		}
		return nil, err
	}
	entry.Infof("task started: %+v", req)
	v := viewer.NewProcessTask(task, true)
	return &v, nil
}

func (pm *ProcessManager) reporter(taskID string) func(Progress) {
	return func(p Progress) {
		fields := map[string]interface{}{
			"state":      p.State,
			"processed":  p.Processed,
			"accepted":   p.Accepted,
			"failed":     p.Failed,
			"last_error": p.LastError,
		}
		if p.Tag != "" {
			fields["tag"] = p.Tag
		}
		if err := pm.tasks.UpdateFields(context.Background(), taskID, fields); err != nil {
			log.Warnf("report progress of %s: %v", taskID, err)
		}
	}
}

func (pm *ProcessManager) run(taskID string, rt *runningTask) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		pm.mutex.Lock()
		delete(pm.running, taskID)
		pm.mutex.Unlock()
		pm.finish(taskID, err)
		_ = rt.fd.Close()
		close(rt.done)
	}()
	err = rt.job.Run(pm.ctx)
}

func (pm *ProcessManager) finish(taskID string, err error) {
	fields := map[string]interface{}{
		"status":     constant.TaskStopped,
		"stopped_at": time.Now(),
	}
	if err != nil {
		fields["status"] = constant.TaskError
		fields["last_error"] = err.Error()
		log.Errorf("task %s failed: %v", taskID, err)
	}
	if updateErr := pm.tasks.UpdateFields(context.Background(), taskID, fields); updateErr != nil {
		log.Errorf("finish task %s: %v", taskID, updateErr)
	}
}

// Stop asks a running task to stop. A graceful stop lets in-flight work finish.
func (pm *ProcessManager) Stop(ctx context.Context, taskID string, force bool) error {
	pm.mutex.Lock()
	rt, ok := pm.running[taskID]
	pm.mutex.Unlock()
	if !ok {
		if _, err := pm.find(ctx, taskID); err != nil {
			return err
		}
		return ErrNotRunning
	}
	if err := pm.tasks.UpdateFields(ctx, taskID, map[string]interface{}{"status": constant.TaskStopping}); err != nil {
		log.Warnf("mark %s stopping: %v", taskID, err)
	}
	log.Infof("stopping task %s (force=%v)", taskID, force)
	rt.job.Stop(force)
	return nil
}

// Wait blocks until the task is no longer running or ctx ends.
func (pm *ProcessManager) Wait(ctx context.Context, taskID string) error {
	pm.mutex.Lock()
	rt, ok := pm.running[taskID]
	pm.mutex.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-rt.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (pm *ProcessManager) isRunning(taskID string) bool {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	_, ok := pm.running[taskID]
	return ok
}

func (pm *ProcessManager) find(ctx context.Context, taskID string) (*model.ProcessTask, error) {
	task, err := pm.tasks.FindByTaskId(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	return task, err
}

// Status returns the task with the last lines of its log.
func (pm *ProcessManager) Status(ctx context.Context, taskID string, lines int) (*viewer.ProcessTask, error) {
	task, err := pm.find(ctx, taskID)
	if err != nil {
		return nil, err
	}
	v := viewer.NewProcessTask(task, pm.isRunning(taskID))
	if lines > 0 {
		tail, err := tailFile(task.LogPath, lines)
		if err != nil && !os.IsNotExist(err) {
			log.Warnf("tail %s: %v", task.LogPath, err)
		}
		v.LogTail = tail
	}
	return &v, nil
}

func (pm *ProcessManager) List(ctx context.Context) ([]viewer.ProcessTask, error) {
	tasks, err := pm.tasks.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	list := make([]viewer.ProcessTask, 0, len(tasks))
	for i := range tasks {
		list = append(list, viewer.NewProcessTask(&tasks[i], pm.isRunning(tasks[i].TaskID)))
	}
	return list, nil
}

func (pm *ProcessManager) Log(ctx context.Context, taskID string, lines int) ([]string, error) {
	task, err := pm.find(ctx, taskID)
	if err != nil {
		return nil, err
	}
	tail, err := tailFile(task.LogPath, lines)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return tail, err
}

// Delete removes a stopped task record together with its log file.
func (pm *ProcessManager) Delete(ctx context.Context, taskID string) error {
	if pm.isRunning(taskID) {
		return ErrStillRunning
	}
	task, err := pm.find(ctx, taskID)
	if err != nil {
		return err
	}
	deleted, err := pm.tasks.DeleteByTaskId(ctx, taskID)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	if task.LogPath != "" {
		if err := os.Remove(task.LogPath); err != nil && !os.IsNotExist(err) {
			log.Warnf("remove log %s: %v", task.LogPath, err)
		}
	}
	return nil
}

// Shutdown stops every task gracefully, forcing whatever is still running after timeout.
func (pm *ProcessManager) Shutdown(timeout time.Duration) {
	pm.once.Do(func() {
		pm.mutex.Lock()
		running := make([]*runningTask, 0, len(pm.running))
		for _, rt := range pm.running {
			running = append(running, rt)
		}
		pm.mutex.Unlock()

		for _, rt := range running {
			rt.job.Stop(false)
		}
		deadline := time.After(timeout)
		for _, rt := range running {
			select {
			case <-rt.done:
			case <-deadline:
				log.Warn("tasks did not stop in time, cancelling")
				pm.cancelFunc()
				for _, left := range running {
					left.job.Stop(true)
				}
				<-rt.done
			}
		}
		pm.cancelFunc()
		if err := pm.workerPool.ReleaseTimeout(timeout); err != nil {
			log.Warnf("release task pool: %v", err)
		}
	})
}
