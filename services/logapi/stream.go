package logapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"taskpilot/pkg/db/pagination"
	"taskpilot/pkg/errutil"
	"taskpilot/pkg/rediskey"
	"taskpilot/services/recorder"
)

func (h *Handler) TaskEvents(c *gin.Context) {
	t, err := h.tasks.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(apiError(err))
		return
	}
	h.stream(c, rediskey.TaskLogs(t.ID), recorder.Query{TaskID: t.ID})
}

func (h *Handler) ExecutionEvents(c *gin.Context) {
	exec, err := h.tasks.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(apiError(err))
		return
	}
	h.stream(c, rediskey.ExecutionLogs(exec.ID), recorder.Query{ExecutionID: exec.ID})
}

// lastEventID is the resume cursor: the Last-Event-ID header a reconnecting
// EventSource sends, or the last_event_id query parameter.
func lastEventID(c *gin.Context) string {
	if id := c.GetHeader("Last-Event-ID"); id != "" {
		return id
	}
	return c.Query("last_event_id")
}

// backlog returns the logs stored after the cursor, oldest first.
func (h *Handler) backlog(ctx context.Context, q recorder.Query, after string) ([]*recorder.TaskLog, error) {
	if after == "" {
		return nil, nil
	}
	q.Ascending = true
	q.Pagination = pagination.Pagination{Limit: pagination.MaxLimit, After: after}

	var out []*recorder.TaskLog
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

// stream relays a live topic as Server-Sent Events until the client goes
// away. log.created events carry the log id as the event id; a client that
// resumes with it gets the stored logs it missed before live ones. When the
// broker drops this subscriber for falling behind the response ends so the
// client reconnects and replays.
func (h *Handler) stream(c *gin.Context, topic string, q recorder.Query) {
	ctx := c.Request.Context()

	if h.broker == nil {
		_ = c.Error(errutil.ServiceUnavailable("live updates are not configured", nil))
		return
	}
	sub, err := h.broker.Subscribe(ctx, topic)
	if err != nil {
		_ = c.Error(errutil.ServiceUnavailable("live updates unavailable", err))
		return
	}
	defer sub.Close()

	// read after subscribing so nothing falls between replay and live
	missed, err := h.backlog(ctx, q, lastEventID(c))
	if err != nil {
		if errors.Is(err, recorder.ErrLogNotFound) {
			_ = c.Error(errutil.NotFound("unknown last event id", err))
			return
		}
		_ = c.Error(err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("ready", gin.H{"topic": topic})
	replayed := make(map[string]bool, len(missed))
	for _, l := range missed {
		replayed[l.ID] = true
		c.Render(-1, sse.Event{Id: l.ID, Event: recorder.EventLogCreated, Data: l.Created()})
	}
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-heartbeat.C:
			_, err := io.WriteString(w, ": ping\n\n")
			return err == nil
		case msg, ok := <-sub.C():
			if !ok {
				zap.L().Info("live subscription ended, closing stream", zap.String("topic", topic))
				return false
			}
			var ev struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				zap.L().Warn("dropping malformed live event", zap.String("topic", topic), zap.Error(err))
				return true
			}
			var id string
			if ev.Type == recorder.EventLogCreated {
				var ref struct {
					ID string `json:"id"`
				}
				_ = json.Unmarshal(ev.Data, &ref)
				if replayed[ref.ID] {
					return true
				}
				id = ref.ID
			}
			c.Render(-1, sse.Event{Id: id, Event: ev.Type, Data: ev.Data})
			return true
		}
	})
}
