package restserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/complab-ci/complab/model"
	"github.com/complab-ci/complab/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TaskReader provides the task read model
type TaskReader interface {
	TaskByID(ctx context.Context, id uint64) (*model.Task, error)
}

type taskHandle struct {
	tasks  TaskReader
	logger *zap.Logger
}

// NewTaskHandle creates the task status endpoints
func NewTaskHandle(tasks TaskReader, logger *zap.Logger) Register {
	return &taskHandle{tasks: tasks, logger: logger}
}

func (h *taskHandle) Register(r *gin.Engine) {
	r.GET("/tasks/:id", h.handleStatus)
	r.GET("/tasks/:id/results", h.handleResults)
}

func (h *taskHandle) load(ctx *gin.Context) *model.Task {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return nil
	}
	task, err := h.tasks.TaskByID(ctx.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		ctx.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown task"})
		return nil
	}
	if err != nil {
		ctx.Error(err)
		ctx.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil
	}
	return task
}

type taskStatusResponse struct {
	ID            uint64     `json:"id"`
	Status        string     `json:"status"`
	Commit        string     `json:"commit"`
	CommitMessage string     `json:"commit_message"`
	QueueTime     time.Time  `json:"queue_time"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Passed        int        `json:"passed"`
	Total         int        `json:"total"`
}

func (h *taskHandle) handleStatus(ctx *gin.Context) {
	task := h.load(ctx)
	if task == nil {
		return
	}
	passed := 0
	for _, tr := range task.TestResults {
		if tr.Passed {
			passed++
		}
	}
	ctx.JSON(http.StatusOK, taskStatusResponse{
		ID:            task.ID,
		Status:        model.OutwardStatus(task),
		Commit:        task.CommitHash,
		CommitMessage: task.CommitMessage,
		QueueTime:     task.QueueTime,
		StartedAt:     task.StartedAt,
		FinishedAt:    task.FinishedAt,
		Passed:        passed,
		Total:         len(task.TestResults),
	})
}

type executionResponse struct {
	Result   model.ResultTag `json:"result"`
	ExitCode int             `json:"exit_code"`
	Stdout   string          `json:"stdout"`
	Stderr   string          `json:"stderr"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration_ns"`
}

type testResultResponse struct {
	TestID    uint64            `json:"test_id"`
	Passed    bool              `json:"passed"`
	Execution executionResponse `json:"execution"`
}

func (h *taskHandle) handleResults(ctx *gin.Context) {
	task := h.load(ctx)
	if task == nil {
		return
	}
	resp := gin.H{"id": task.ID, "status": model.OutwardStatus(task)}
	if task.BuildResult != nil {
		resp["build"] = convertExecution(*task.BuildResult)
	}
	tests := make([]testResultResponse, 0, len(task.TestResults))
	for _, tr := range task.TestResults {
		tests = append(tests, testResultResponse{
			TestID:    tr.TestID,
			Passed:    tr.Passed,
			Execution: convertExecution(tr.ExecutionResult),
		})
	}
	resp["tests"] = tests
	ctx.JSON(http.StatusOK, resp)
}

func convertExecution(e model.ExecutionResult) executionResponse {
	return executionResponse{
		Result:   e.Result,
		ExitCode: e.ExitCode,
		Stdout:   e.Stdout,
		Stderr:   e.Stderr,
		Error:    e.ErrorText,
		Duration: e.Duration,
	}
}
