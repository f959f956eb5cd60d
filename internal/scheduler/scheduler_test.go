package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"wq_miner/configs"
	"wq_miner/internal/constant"
	"wq_miner/internal/model"
	"wq_miner/internal/pkg/gormcli"
	"wq_miner/internal/repo"
)

// fakeJob runs until stopped, or returns err right away when set.
type fakeJob struct {
	logger *log.Entry
	report func(Progress)
	err    error

	mutex  sync.Mutex
	force  bool
	stopCh chan struct{}
	once   sync.Once
}

func (j *fakeJob) Run(ctx context.Context) error {
	j.logger.Info("job running")
	j.report(Progress{State: "DISPATCHING", Tag: "USA_1_EQUITY_TOP3000_ds_step1", Processed: 3, Accepted: 1})
	if j.err != nil {
		return j.err
	}
	select {
	case <-j.stopCh:
	case <-ctx.Done():
	}
	j.logger.Info("job stopped")
	j.report(Progress{State: "ABORTED", Processed: 3, Accepted: 1})
	return nil
}

func (j *fakeJob) Stop(force bool) {
	j.mutex.Lock()
	j.force = force
	j.mutex.Unlock()
	j.once.Do(func() { close(j.stopCh) })
}

type fixture struct {
	tasks   *repo.ProcessTaskRepo
	manager *ProcessManager
	logDir  string

	mutex sync.Mutex
	jobs  []*fakeJob
	fail  error
}

func newFixture(t *testing.T, maxTasks int) *fixture {
	t.Helper()
	db, err := gormcli.Open(configs.DbConf{Driver: "sqlite"})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	f := &fixture{tasks: repo.NewProcessTaskRepo(db), logDir: t.TempDir()}
	build := func(req StartRequest, logger *log.Entry, report func(Progress)) (Job, error) {
		f.mutex.Lock()
		defer f.mutex.Unlock()
		j := &fakeJob{logger: logger, report: report, err: f.fail, stopCh: make(chan struct{})}
		f.jobs = append(f.jobs, j)
		return j, nil
	}
	f.manager, err = NewProcessManager(context.Background(), f.tasks, build, Options{LogDir: f.logDir, MaxTasks: maxTasks})
	require.NoError(t, err)
	t.Cleanup(func() { f.manager.Shutdown(time.Second) })
	return f
}

func mining(stage int, dataset string) StartRequest {
	return StartRequest{ScriptType: constant.ScriptMining, Stage: stage, Dataset: dataset, NJobs: 3}
}

func waitStatus(t *testing.T, f *fixture, taskID, status string) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := f.tasks.FindByTaskId(context.Background(), taskID)
		return err == nil && task.Status == status
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStartStopLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)

	task, err := f.manager.Start(ctx, mining(1, "fundamental6"))
	require.NoError(t, err)
	assert.True(t, task.Running)
	assert.Len(t, task.TaskID, 36)
	assert.Equal(t, filepath.Join(f.logDir, task.TaskID+".log"), task.LogPath)

	require.Eventually(t, func() bool {
		st, err := f.manager.Status(ctx, task.TaskID, 0)
		return err == nil && st.State == "DISPATCHING"
	}, 5*time.Second, 5*time.Millisecond)

	_, err = f.manager.Start(ctx, mining(1, "fundamental6"))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.ErrorIs(t, f.manager.Delete(ctx, task.TaskID), ErrStillRunning)

	require.NoError(t, f.manager.Stop(ctx, task.TaskID, true))
	require.NoError(t, f.manager.Wait(ctx, task.TaskID))
	waitStatus(t, f, task.TaskID, constant.TaskStopped)
	assert.True(t, f.jobs[0].force)

	st, err := f.manager.Status(ctx, task.TaskID, 10)
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, "ABORTED", st.State)
	assert.Equal(t, "USA_1_EQUITY_TOP3000_ds_step1", st.Tag)
	assert.Equal(t, int64(3), st.Processed)
	assert.Equal(t, int64(1), st.Accepted)
	assert.NotNil(t, st.StoppedAt)
	require.Len(t, st.LogTail, 3)
	assert.Contains(t, strings.Join(st.LogTail, "\n"), "job running")
	assert.Contains(t, st.LogTail[2], "job stopped")

	assert.ErrorIs(t, f.manager.Stop(ctx, task.TaskID, false), ErrNotRunning)
	assert.ErrorIs(t, f.manager.Stop(ctx, "missing", false), ErrNotFound)

	list, err := f.manager.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, f.manager.Delete(ctx, task.TaskID))
	_, err = os.Stat(task.LogPath)
	assert.True(t, os.IsNotExist(err))
	_, err = f.manager.Status(ctx, task.TaskID, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.manager.Delete(ctx, task.TaskID), ErrNotFound)

	f.manager.Shutdown(time.Second)
	goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

func TestFailedJobMarkedError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	f.fail = errors.New("fetch data fields of ds: boom")

	task, err := f.manager.Start(ctx, mining(1, "ds"))
	require.NoError(t, err)
	waitStatus(t, f, task.TaskID, constant.TaskError)

	st, err := f.manager.Status(ctx, task.TaskID, 0)
	require.NoError(t, err)
	assert.Contains(t, st.LastError, "boom")
	assert.Nil(t, st.LogTail)
}

func TestStartValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	for _, req := range []StartRequest{
		{ScriptType: "unknown"},
		mining(0, "ds"),
		mining(4, "ds"),
		mining(1, ""),
	} {
		_, err := f.manager.Start(ctx, req)
		assert.ErrorIs(t, err, ErrInvalid, "%+v", req)
	}

	_, err := f.manager.Start(ctx, mining(1, "ds"))
	require.NoError(t, err)
	_, err = f.manager.Start(ctx, StartRequest{ScriptType: constant.ScriptCorrelation})
	assert.ErrorIs(t, err, ErrTooManyTasks)
}

func TestShutdownStopsEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)
	a, err := f.manager.Start(ctx, mining(1, "ds"))
	require.NoError(t, err)
	b, err := f.manager.Start(ctx, StartRequest{ScriptType: constant.ScriptCorrelation})
	require.NoError(t, err)

	f.manager.Shutdown(time.Second)
	for _, id := range []string{a.TaskID, b.TaskID} {
		waitStatus(t, f, id, constant.TaskStopped)
	}
	for _, j := range f.jobs {
		assert.False(t, j.force)
	}
	_, err = f.manager.Start(ctx, mining(2, "ds"))
	assert.Error(t, err)
}

func TestRecoverStaleTasks(t *testing.T) {
	ctx := context.Background()
	db, err := gormcli.Open(configs.DbConf{Driver: "sqlite"})
	require.NoError(t, err)
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()
	tasks := repo.NewProcessTaskRepo(db)
	_, err = tasks.Add(ctx, &model.ProcessTask{TaskID: "old", ScriptType: constant.ScriptMining, Status: constant.TaskRunning, StartedAt: time.Now()})
	require.NoError(t, err)

	pm, err := NewProcessManager(ctx, tasks, nil, Options{LogDir: t.TempDir()})
	require.NoError(t, err)
	defer pm.Shutdown(time.Second)

	task, err := tasks.FindByTaskId(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, constant.TaskStopped, task.Status)
	assert.Equal(t, "interrupted by restart", task.LastError)
}

func TestTailFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.log")
	var lines []string
	for i := 0; i < 25; i++ {
		lines = append(lines, strings.Repeat("x", i))
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	got, err := tailFile(path, 5)
	require.NoError(t, err)
	assert.Equal(t, lines[20:], got)

	got, err = tailFile(path, 100)
	require.NoError(t, err)
	assert.Equal(t, lines, got)

	got, err = tailFile(path, 0)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = tailFile(filepath.Join(t.TempDir(), "missing.log"), 5)
	assert.True(t, os.IsNotExist(err))
}
