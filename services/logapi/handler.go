package logapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"taskpilot/pkg/db/pagination"
	"taskpilot/pkg/errutil"
	"taskpilot/pkg/pubsub"
	"taskpilot/services/dispatch"
	"taskpilot/services/pool"
	"taskpilot/services/recorder"
	"taskpilot/services/task"
)

// Canceller stops a running execution.
type Canceller interface {
	Cancel(ctx context.Context, executionID string) (*task.TaskExecution, error)
}

// Enqueuer dispatches a manual run.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskID string, source dispatch.Source) (*task.TaskExecution, error)
}

// InstanceLister reads the persisted browser pool snapshots.
type InstanceLister interface {
	List(ctx context.Context) ([]*pool.BrowserInstance, error)
}

type Handler struct {
	tasks     *task.Store
	rec       *recorder.Recorder
	broker    pubsub.Broker
	enqueuer  Enqueuer
	canceller Canceller
	instances InstanceLister
	heartbeat time.Duration
}

func NewHandler(tasks *task.Store, rec *recorder.Recorder, broker pubsub.Broker, enqueuer Enqueuer, canceller Canceller) *Handler {
	return &Handler{
		tasks:     tasks,
		rec:       rec,
		broker:    broker,
		enqueuer:  enqueuer,
		canceller: canceller,
		heartbeat: 15 * time.Second,
	}
}

func (h *Handler) WithInstances(l InstanceLister) *Handler {
	h.instances = l
	return h
}

func (h *Handler) Register(r gin.IRouter) {
	r.GET("/tasks/:id/logs", h.TaskLogs)
	r.GET("/tasks/:id/logs/text", h.TaskTranscript)
	r.GET("/tasks/:id/events", h.TaskEvents)
	r.GET("/tasks/:id/executions", h.TaskExecutions)
	r.POST("/tasks/:id/run", h.RunTask)

	r.GET("/executions/:id", h.Execution)
	r.GET("/executions/:id/logs", h.ExecutionLogs)
	r.GET("/executions/:id/events", h.ExecutionEvents)
	r.POST("/executions/:id/cancel", h.CancelExecution)

	r.GET("/browser-instances", h.BrowserInstances)
}

// LogView is one log row as served by the API.
type LogView struct {
	ID              string               `json:"id"`
	ExecutionID     string               `json:"execution_id"`
	Level           recorder.Level       `json:"level"`
	Message         string               `json:"message"`
	Context         datatypes.JSON       `json:"context"`
	ScreenshotPath  string               `json:"screenshot_path,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	ExecutionStatus task.ExecutionStatus `json:"execution_status"`
}

type LogsResponse struct {
	Logs                []LogView            `json:"logs"`
	Task                *task.Task           `json:"task"`
	Execution           *task.TaskExecution  `json:"execution,omitempty"`
	LatestExecution     *task.TaskExecution  `json:"latest_execution"`
	HasRunningExecution bool                 `json:"has_running_execution"`
	TotalCount          int64                `json:"total_count"`
	PageInfo            *pagination.PageInfo `json:"page_info"`
}

// apiError translates domain errors into their HTTP representation.
func apiError(err error) error {
	switch {
	case errors.Is(err, task.ErrTaskNotFound),
		errors.Is(err, task.ErrExecutionNotFound),
		errors.Is(err, recorder.ErrLogNotFound):
		return errutil.NotFound("not found", err)
	case errors.Is(err, dispatch.ErrAlreadyRunning),
		errors.Is(err, task.ErrExecutionFinished):
		return errutil.Conflict("conflict", err)
	case errors.Is(err, dispatch.ErrTaskDisabled):
		return errutil.BadRequest("task cannot run", err)
	case errors.Is(err, context.DeadlineExceeded):
		return errutil.Timeout("request timed out", err)
	default:
		return err
	}
}

func parseQuery(c *gin.Context) (recorder.Query, error) {
	var q recorder.Query
	if err := c.ShouldBindQuery(&q.Pagination); err != nil {
		return q, errutil.BadRequest("invalid query", err)
	}
	if raw := c.Query("limit"); raw != "" {
		if n, _ := strconv.Atoi(raw); n < 1 || n > pagination.MaxLimit {
			return q, errutil.BadRequest("limit must be between 1 and 500", nil)
		}
	}
	switch c.DefaultQuery("order", "desc") {
	case "asc":
		q.Ascending = true
	case "desc":
	default:
		return q, errutil.BadRequest("order must be asc or desc", nil)
	}
	return q, nil
}

func (h *Handler) views(ctx context.Context, logs []*recorder.TaskLog) ([]LogView, error) {
	ids := make([]string, 0, len(logs))
	seen := make(map[string]bool)
	for _, l := range logs {
		if !seen[l.ExecutionID] {
			seen[l.ExecutionID] = true
			ids = append(ids, l.ExecutionID)
		}
	}
	statuses, err := h.tasks.ExecutionStatuses(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]LogView, 0, len(logs))
	for _, l := range logs {
		out = append(out, LogView{
			ID:              l.ID,
			ExecutionID:     l.ExecutionID,
			Level:           l.Level,
			Message:         l.Message,
			Context:         l.Context,
			ScreenshotPath:  l.ScreenshotPath,
			CreatedAt:       l.CreatedAt,
			ExecutionStatus: statuses[l.ExecutionID],
		})
	}
	return out, nil
}

// respond fills the task-level summary around a page of logs.
func (h *Handler) respond(c *gin.Context, t *task.Task, exec *task.TaskExecution, page *recorder.Page) {
	ctx := c.Request.Context()

	latest, err := h.tasks.LatestExecution(ctx, t.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	running, err := h.tasks.HasRunningExecution(ctx, t.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	views, err := h.views(ctx, page.Logs)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, &LogsResponse{
		Logs:                views,
		Task:                t,
		Execution:           exec,
		LatestExecution:     latest,
		HasRunningExecution: running,
		TotalCount:          page.Total,
		PageInfo:            page.PageInfo,
	})
}

func (h *Handler) TaskLogs(c *gin.Context) {
	ctx := c.Request.Context()

	q, err := parseQuery(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	t, err := h.tasks.GetTask(ctx, c.Param("id"))
	if err != nil {
		_ = c.Error(apiError(err))
		return
	}

	q.TaskID = t.ID
	page, err := h.rec.List(ctx, q)
	if err != nil {
		_ = c.Error(apiError(err))
		return
	}
	h.respond(c, t, nil, page)
}

func (h *Handler) ExecutionLogs(c *gin.Context) {
	ctx := c.Request.Context()

	q, err := parseQuery(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	exec, err := h.tasks.GetExecution(ctx, c.Param("id"))
	if err != nil {
		_ = c.Error(apiError(err))
		return
	}
	t, err := h.tasks.GetTask(ctx, exec.TaskID)
	if err != nil {
		_ = c.Error(apiError(err))
		return
	}

	q.ExecutionID = exec.ID
	page, err := h.rec.List(ctx, q)
	if err != nil {
		_ = c.Error(apiError(err))
		return
	}
	h.respond(c, t, exec, page)
}

func (h *Handler) Execution(c *gin.Context) {
	exec, err := h.tasks.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(apiError(err))
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (h *Handler) TaskExecutions(c *gin.Context) {
	ctx := c.Request.Context()

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit < 1 || limit > pagination.MaxLimit {
		_ = c.Error(errutil.BadRequest("limit must be between 1 and 500", nil))
		return
	}
	if _, err := h.tasks.GetTask(ctx, c.Param("id")); err != nil {
		_ = c.Error(apiError(err))
		return
	}
	execs, err := h.tasks.ListExecutions(ctx, c.Param("id"), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

func (h *Handler) RunTask(c *gin.Context) {
	if h.enqueuer == nil {
		_ = c.Error(errutil.ServiceUnavailable("dispatch is not configured on this node", nil))
		return
	}
	exec, err := h.enqueuer.Enqueue(c.Request.Context(), c.Param("id"), dispatch.SourceManual)
	if err != nil {
		_ = c.Error(apiError(err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution": exec})
}

func (h *Handler) CancelExecution(c *gin.Context) {
	if h.canceller == nil {
		_ = c.Error(errutil.ServiceUnavailable("cancellation is not configured on this node", nil))
		return
	}
	exec, err := h.canceller.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(apiError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": exec})
}

// BrowserInstances lists the pool snapshots of every worker node.
func (h *Handler) BrowserInstances(c *gin.Context) {
	if h.instances == nil {
		_ = c.Error(errutil.ServiceUnavailable("browser instances are not available on this node", nil))
		return
	}
	rows, err := h.instances.List(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": rows})
}
