package logapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"taskpilot/pkg/db/pagination"
	"taskpilot/pkg/errutil"
	"taskpilot/services/recorder"
	"taskpilot/services/task"
)

// TaskTranscript renders the most recent execution of a task as plain text.
func (h *Handler) TaskTranscript(c *gin.Context) {
	ctx := c.Request.Context()

	t, err := h.tasks.GetTask(ctx, c.Param("id"))
	if err != nil {
		_ = c.Error(apiError(err))
		return
	}
	exec, err := h.tasks.LatestExecution(ctx, t.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if exec == nil {
		_ = c.Error(errutil.NotFound("task has no executions yet", nil))
		return
	}

	logs, err := h.allLogs(ctx, exec.ID)
	if err != nil {
		_ = c.Error(apiError(err))
		return
	}

	var b strings.Builder
	writeTranscript(&b, t, exec, logs)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(b.String()))
}

func (h *Handler) allLogs(ctx context.Context, executionID string) ([]*recorder.TaskLog, error) {
	var out []*recorder.TaskLog
	q := recorder.Query{
		ExecutionID: executionID,
		Ascending:   true,
		Pagination:  pagination.Pagination{Limit: pagination.MaxLimit},
	}
	for {
		page, err := h.rec.List(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Logs...)
		if !page.PageInfo.HasMore {
			return out, nil
		}
		q.After = page.PageInfo.NextCursor
	}
}

func stamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func writeTranscript(w io.Writer, t *task.Task, exec *task.TaskExecution, logs []*recorder.TaskLog) {
	fmt.Fprintf(w, "Task: %s\n", t.Name)
	fmt.Fprintf(w, "Execution: %s (attempt %d)\n", exec.ID, exec.Attempt)
	fmt.Fprintf(w, "Status: %s\n", exec.Status)
	fmt.Fprintf(w, "Started: %s\n", stamp(&exec.StartTime))
	fmt.Fprintf(w, "Ended: %s\n", stamp(exec.EndTime))
	if exec.Duration != nil {
		fmt.Fprintf(w, "Duration: %s\n", time.Duration(*exec.Duration)*time.Millisecond)
	}
	fmt.Fprintln(w, strings.Repeat("-", 60))

	for _, l := range logs {
		fmt.Fprintf(w, "[%s] [%s] %s\n", l.CreatedAt.UTC().Format("15:04:05"), strings.ToUpper(string(l.Level)), l.Message)
		writeContext(w, l)
	}

	if exec.ErrorMessage != "" {
		fmt.Fprintln(w, strings.Repeat("-", 60))
		fmt.Fprintln(w, "ERROR:")
		fmt.Fprintln(w, exec.ErrorMessage)
	}
}

func writeContext(w io.Writer, l *recorder.TaskLog) {
	var fields map[string]any
	if len(l.Context) > 0 {
		_ = json.Unmarshal(l.Context, &fields)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "    %s: %v\n", k, fields[k])
	}
	if l.ScreenshotPath != "" {
		fmt.Fprintf(w, "    screenshot: %s\n", l.ScreenshotPath)
	}
}
