package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"wq_miner/internal/scheduler"
	"wq_miner/internal/viewer"
)

// Processes is the task control surface served over HTTP.
type Processes interface {
	Start(ctx context.Context, req scheduler.StartRequest) (*viewer.ProcessTask, error)
	Stop(ctx context.Context, taskID string, force bool) error
	Status(ctx context.Context, taskID string, lines int) (*viewer.ProcessTask, error)
	List(ctx context.Context) ([]viewer.ProcessTask, error)
	Log(ctx context.Context, taskID string, lines int) ([]string, error)
	Delete(ctx context.Context, taskID string) error
}

type Handler struct {
	processes Processes
	alphas    AlphaReader
}

func NewHandler(processes Processes, alphas AlphaReader) *Handler {
	return &Handler{processes: processes, alphas: alphas}
}

// errorStatus maps scheduler errors to an http status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrNotRunning), errors.Is(err, scheduler.ErrStillRunning),
		errors.Is(err, scheduler.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrTooManyTasks):
		return http.StatusTooManyRequests
	}
	return http.StatusBadGateway
}

func (h *Handler) StartProcess(ctx *gin.Context) {
	req := StartProcessReq{}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, ProcessResp{Message: err.Error()})
		return
	}
	task, err := h.processes.Start(ctx.Request.Context(), scheduler.StartRequest{
		ScriptType: req.ScriptType,
		Stage:      req.Stage,
		Dataset:    req.Dataset,
		NJobs:      req.NJobs,
	})
	if err != nil {
		log.Errorf("API|| start process %+v: %v", req, err)
		ctx.JSON(errorStatus(err), ProcessResp{Message: err.Error()})
		return
	}
	log.Infof("API|| StartProcess Success, task %s", task.TaskID)
	ctx.JSON(http.StatusOK, ProcessResp{Message: "Success", Task: task})
}

func (h *Handler) StopProcess(ctx *gin.Context) {
	req := StopProcessReq{}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, MessageResp{Message: err.Error()})
		return
	}
	if err := h.processes.Stop(ctx.Request.Context(), req.TaskId, req.Force); err != nil {
		ctx.JSON(errorStatus(err), MessageResp{Message: err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, MessageResp{Message: "Stopping"})
}

func (h *Handler) ProcessStatus(ctx *gin.Context) {
	taskId := ctx.Query("task_id")
	if taskId == "" {
		ctx.JSON(http.StatusBadRequest, ProcessResp{Message: "Need Params task_id"})
		return
	}
	lines, err := queryInt(ctx, "lines", 20)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, ProcessResp{Message: "Bad Params lines"})
		return
	}
	task, err := h.processes.Status(ctx.Request.Context(), taskId, lines)
	if err != nil {
		ctx.JSON(errorStatus(err), ProcessResp{Message: err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, ProcessResp{Message: "Success", Task: task})
}

func (h *Handler) ListProcess(ctx *gin.Context) {
	tasks, err := h.processes.List(ctx.Request.Context())
	if err != nil {
		log.Error(err.Error())
		ctx.JSON(http.StatusBadGateway, ProcessListResp{Message: "Server Error"})
		return
	}
	ctx.JSON(http.StatusOK, ProcessListResp{Message: "Success", Tasks: tasks})
}

func (h *Handler) DeleteProcess(ctx *gin.Context) {
	req := DeleteProcessReq{}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, MessageResp{Message: err.Error()})
		return
	}
	if err := h.processes.Delete(ctx.Request.Context(), req.TaskId); err != nil {
		ctx.JSON(errorStatus(err), MessageResp{Message: err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, MessageResp{Message: "Deleted"})
}

func (h *Handler) ProcessLog(ctx *gin.Context) {
	taskId := ctx.Query("task_id")
	if taskId == "" {
		ctx.JSON(http.StatusBadRequest, ProcessLogResp{Message: "Need Params task_id"})
		return
	}
	lines, err := queryInt(ctx, "lines", 100)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, ProcessLogResp{Message: "Bad Params lines"})
		return
	}
	tail, err := h.processes.Log(ctx.Request.Context(), taskId, lines)
	if err != nil {
		ctx.JSON(errorStatus(err), ProcessLogResp{Message: err.Error(), TaskId: taskId})
		return
	}
	ctx.JSON(http.StatusOK, ProcessLogResp{Message: "Success", TaskId: taskId, Lines: tail})
}
