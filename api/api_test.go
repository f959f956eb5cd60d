package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wq_miner/internal/constant"
	"wq_miner/internal/model"
	"wq_miner/internal/scheduler"
	"wq_miner/internal/viewer"
)

type fakeProcesses struct {
	started  []scheduler.StartRequest
	stopped  map[string]bool
	deleted  []string
	startErr error
	tasks    map[string]viewer.ProcessTask
}

func newFakeProcesses() *fakeProcesses {
	return &fakeProcesses{
		stopped: make(map[string]bool),
		tasks: map[string]viewer.ProcessTask{
			"t1": {TaskID: "t1", ScriptType: constant.ScriptMining, Stage: 1, Dataset: "fundamental6", Running: true},
			"t2": {TaskID: "t2", ScriptType: constant.ScriptCorrelation},
		},
	}
}

func (f *fakeProcesses) Start(_ context.Context, req scheduler.StartRequest) (*viewer.ProcessTask, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, req)
	return &viewer.ProcessTask{TaskID: "new", ScriptType: req.ScriptType, Stage: req.Stage, Dataset: req.Dataset, Running: true}, nil
}

func (f *fakeProcesses) Stop(_ context.Context, taskID string, force bool) error {
	task, ok := f.tasks[taskID]
	if !ok {
		return scheduler.ErrNotFound
	}
	if !task.Running {
		return scheduler.ErrNotRunning
	}
	f.stopped[taskID] = force
	return nil
}

func (f *fakeProcesses) Status(_ context.Context, taskID string, lines int) (*viewer.ProcessTask, error) {
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, scheduler.ErrNotFound
	}
	for i := 0; i < lines && i < 2; i++ {
		task.LogTail = append(task.LogTail, "line")
	}
	return &task, nil
}

func (f *fakeProcesses) List(context.Context) ([]viewer.ProcessTask, error) {
	return []viewer.ProcessTask{f.tasks["t1"], f.tasks["t2"]}, nil
}

func (f *fakeProcesses) Log(_ context.Context, taskID string, lines int) ([]string, error) {
	if _, ok := f.tasks[taskID]; !ok {
		return nil, scheduler.ErrNotFound
	}
	return []string{"a", "b"}[:min(lines, 2)], nil
}

func (f *fakeProcesses) Delete(_ context.Context, taskID string) error {
	task, ok := f.tasks[taskID]
	if !ok {
		return scheduler.ErrNotFound
	}
	if task.Running {
		return scheduler.ErrStillRunning
	}
	f.deleted = append(f.deleted, taskID)
	return nil
}

type fakeAlphas struct {
	alphas    []model.Alpha
	minSharpe float64
	limit     int
	err       error
}

func (f *fakeAlphas) FindPending(_ context.Context, minSharpe float64, limit int) ([]model.Alpha, error) {
	f.minSharpe, f.limit = minSharpe, limit
	return f.alphas, f.err
}

func (f *fakeAlphas) CountByStatus(context.Context, string) (int64, error) {
	return int64(len(f.alphas)), f.err
}

func newEngine(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/hello", Hello)
	r.POST("/process/start", h.StartProcess)
	r.POST("/process/stop", h.StopProcess)
	r.POST("/process/delete", h.DeleteProcess)
	r.GET("/process/status", h.ProcessStatus)
	r.GET("/process/list", h.ListProcess)
	r.GET("/process/log", h.ProcessLog)
	r.GET("/alpha/pending", h.PendingAlphas)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestStartProcess(t *testing.T) {
	processes := newFakeProcesses()
	r := newEngine(NewHandler(processes, &fakeAlphas{}))

	w := do(t, r, http.MethodPost, "/process/start", StartProcessReq{ScriptType: "mining", Stage: 2, Dataset: "analyst4", NJobs: 3})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[ProcessResp](t, w)
	assert.Equal(t, "Success", resp.Message)
	assert.Equal(t, "new", resp.Task.TaskID)
	assert.Equal(t, []scheduler.StartRequest{{ScriptType: "mining", Stage: 2, Dataset: "analyst4", NJobs: 3}}, processes.started)

	w = do(t, r, http.MethodPost, "/process/start", StartProcessReq{ScriptType: "mining", Stage: 5, Dataset: "analyst4"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/process/start", map[string]any{"stage": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	processes.startErr = scheduler.ErrDuplicate
	w = do(t, r, http.MethodPost, "/process/start", StartProcessReq{ScriptType: "correlation"})
	assert.Equal(t, http.StatusConflict, w.Code)

	processes.startErr = scheduler.ErrTooManyTasks
	w = do(t, r, http.MethodPost, "/process/start", StartProcessReq{ScriptType: "correlation"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	processes.startErr = errors.New("db down")
	w = do(t, r, http.MethodPost, "/process/start", StartProcessReq{ScriptType: "correlation"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestStopAndDeleteProcess(t *testing.T) {
	processes := newFakeProcesses()
	r := newEngine(NewHandler(processes, &fakeAlphas{}))

	w := do(t, r, http.MethodPost, "/process/stop", StopProcessReq{TaskId: "t1", Force: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]bool{"t1": true}, processes.stopped)

	w = do(t, r, http.MethodPost, "/process/stop", StopProcessReq{TaskId: "t2"})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = do(t, r, http.MethodPost, "/process/stop", StopProcessReq{TaskId: "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, r, http.MethodPost, "/process/stop", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/process/delete", DeleteProcessReq{TaskId: "t1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = do(t, r, http.MethodPost, "/process/delete", DeleteProcessReq{TaskId: "t2"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"t2"}, processes.deleted)
}

func TestProcessQueries(t *testing.T) {
	r := newEngine(NewHandler(newFakeProcesses(), &fakeAlphas{}))

	w := do(t, r, http.MethodGet, "/process/status?task_id=t1&lines=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[ProcessResp](t, w)
	assert.Equal(t, "fundamental6", status.Task.Dataset)
	assert.Len(t, status.Task.LogTail, 2)

	w = do(t, r, http.MethodGet, "/process/status", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, r, http.MethodGet, "/process/status?task_id=t1&lines=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, r, http.MethodGet, "/process/status?task_id=nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/process/list", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[ProcessListResp](t, w).Tasks, 2)

	w = do(t, r, http.MethodGet, "/process/log?task_id=t2&lines=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"a"}, decode[ProcessLogResp](t, w).Lines)
	w = do(t, r, http.MethodGet, "/process/log?task_id=nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/hello", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPendingAlphas(t *testing.T) {
	alphas := &fakeAlphas{alphas: []model.Alpha{
		{AlphaID: "A1", Expression: "rank(close)", Sharpe: 1.9, Status: constant.AlphaPending, Color: constant.ColorYellow},
		{AlphaID: "A2", Expression: "rank(open)", Sharpe: 1.3, Status: constant.AlphaPending, Color: constant.ColorYellow},
	}}
	r := newEngine(NewHandler(newFakeProcesses(), alphas))

	w := do(t, r, http.MethodGet, "/alpha/pending?min_sharpe=1.25&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[PendingAlphaResp](t, w)
	assert.Equal(t, int64(2), resp.Count)
	require.Len(t, resp.Alphas, 2)
	assert.Equal(t, "A1", resp.Alphas[0].AlphaID)
	assert.Equal(t, 1.25, alphas.minSharpe)
	assert.Equal(t, 10, alphas.limit)

	w = do(t, r, http.MethodGet, "/alpha/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100, alphas.limit)

	w = do(t, r, http.MethodGet, "/alpha/pending?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, r, http.MethodGet, "/alpha/pending?min_sharpe=high", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	alphas.err = errors.New("db down")
	w = do(t, r, http.MethodGet, "/alpha/pending", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}
