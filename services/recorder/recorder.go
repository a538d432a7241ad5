package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"taskpilot/pkg/db/pagination"
	"taskpilot/pkg/gen"
	"taskpilot/pkg/pubsub"
	"taskpilot/pkg/rediskey"
	"taskpilot/services/task"
)

var ErrLogNotFound = errors.New("log not found")

// ObjectStore keeps screenshot bytes.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Recorder appends execution logs and fans them out to live subscribers.
type Recorder struct {
	db      *gorm.DB
	broker  pubsub.Broker
	objects ObjectStore
	ids     gen.IDGenerator
	now     func() time.Time

	mu      sync.Mutex
	streams map[string]*stream
}

// stream serializes appends for one execution.
type stream struct {
	mu     sync.Mutex
	loaded bool
	taskID string
	last   time.Time
	shots  int
}

func New(db *gorm.DB, broker pubsub.Broker, objects ObjectStore, ids gen.IDGenerator) *Recorder {
	return &Recorder{
		db:      db,
		broker:  broker,
		objects: objects,
		ids:     ids,
		now:     time.Now,
		streams: make(map[string]*stream),
	}
}

func (r *Recorder) stream(executionID string) *stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[executionID]
	if !ok {
		s = &stream{}
		r.streams[executionID] = s
	}
	return s
}

// load fills s from the database on first use. Caller holds s.mu.
func (r *Recorder) load(ctx context.Context, executionID string, s *stream) error {
	if s.loaded {
		return nil
	}

	var exec task.TaskExecution
	err := r.db.WithContext(ctx).Select("id", "task_id").Where("id = ?", executionID).First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", task.ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return err
	}

	var last TaskLog
	err = r.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("created_at DESC").
		First(&last).Error
	switch {
	case err == nil:
		s.last = last.CreatedAt
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return err
	}

	s.taskID = exec.TaskID
	s.loaded = true
	return nil
}

// Forget drops the cached stream state of a finished execution.
func (r *Recorder) Forget(executionID string) {
	r.mu.Lock()
	delete(r.streams, executionID)
	r.mu.Unlock()
}

// Append persists e with a microsecond timestamp strictly after the previous
// log of the same execution, then publishes it on the execution and task topics.
func (r *Recorder) Append(ctx context.Context, e Entry) (*TaskLog, error) {
	if e.Level == "" {
		e.Level = LevelInfo
	}
	if !e.Level.Valid() {
		return nil, fmt.Errorf("invalid log level %q", e.Level)
	}

	s := r.stream(e.ExecutionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := r.load(ctx, e.ExecutionID, s); err != nil {
		return nil, err
	}

	ts := r.now().UTC().Truncate(time.Microsecond)
	if !ts.After(s.last) {
		ts = s.last.Add(time.Microsecond)
	}

	var ctxJSON datatypes.JSON
	if len(e.Context) > 0 {
		raw, err := json.Marshal(e.Context)
		if err != nil {
			return nil, fmt.Errorf("encode log context: %w", err)
		}
		ctxJSON = raw
	}

	row := &TaskLog{
		ID:             r.ids.NextID(),
		ExecutionID:    e.ExecutionID,
		Level:          e.Level,
		Message:        e.Message,
		Context:        ctxJSON,
		ScreenshotPath: e.ScreenshotPath,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	if err := r.db.WithContext(context.WithoutCancel(ctx)).Create(row).Error; err != nil {
		return nil, fmt.Errorf("insert task log: %w", err)
	}
	s.last = ts

	r.publish(ctx, s.taskID, e.ExecutionID, Event{
		Type: EventLogCreated,
		Data: LogCreated{
			ID:             row.ID,
			ExecutionID:    row.ExecutionID,
			Level:          row.Level,
			Message:        row.Message,
			Context:        e.Context,
			ScreenshotPath: row.ScreenshotPath,
			CreatedAt:      row.CreatedAt,
		},
	})
	return row, nil
}

// Logf is a convenience wrapper that drops the error after logging it.
func (r *Recorder) Logf(ctx context.Context, executionID string, level Level, fields map[string]any, format string, args ...any) {
	_, err := r.Append(ctx, Entry{
		ExecutionID: executionID,
		Level:       level,
		Message:     fmt.Sprintf(format, args...),
		Context:     fields,
	})
	if err != nil {
		zap.L().Warn("failed to record execution log", zap.String("execution_id", executionID), zap.Error(err))
	}
}

func (r *Recorder) publish(ctx context.Context, taskID, executionID string, ev Event) {
	if r.broker == nil {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		zap.L().Warn("failed to encode event", zap.String("type", ev.Type), zap.Error(err))
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, topic := range []string{rediskey.ExecutionLogs(executionID), rediskey.TaskLogs(taskID)} {
		if err := r.broker.Publish(ctx, topic, payload); err != nil {
			zap.L().Warn("failed to publish event",
				zap.String("topic", topic),
				zap.String("type", ev.Type),
				zap.Error(err),
			)
		}
	}
}

// CaptureScreenshot uploads a PNG for the execution and announces it.
func (r *Recorder) CaptureScreenshot(ctx context.Context, executionID, description string, data []byte) (*Screenshot, error) {
	if r.objects == nil {
		return nil, errors.New("no screenshot store configured")
	}

	s := r.stream(executionID)
	s.mu.Lock()
	if err := r.load(ctx, executionID, s); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.shots++
	seq := s.shots
	taskID := s.taskID
	s.mu.Unlock()

	now := r.now().UTC()
	filename := fmt.Sprintf("%s_%03d", now.Format("20060102T150405.000000"), seq)
	if label := slug.Make(description); label != "" {
		if len(label) > 48 {
			label = strings.TrimRight(label[:48], "-")
		}
		filename += "_" + label
	}
	filename += ".png"
	key := fmt.Sprintf("executions/%s/%s", executionID, filename)

	path, err := r.objects.Put(ctx, key, "image/png", data)
	if err != nil {
		return nil, err
	}

	r.publish(ctx, taskID, executionID, Event{
		Type: EventScreenshotCaptured,
		Data: ScreenshotCaptured{
			ExecutionID: executionID,
			TaskID:      taskID,
			Filename:    filename,
			Description: description,
			CapturedAt:  now,
		},
	})
	return &Screenshot{Filename: filename, Path: path}, nil
}

// Query selects logs for List. Exactly one of TaskID and ExecutionID is set.
type Query struct {
	TaskID      string
	ExecutionID string
	pagination.Pagination
	// Ascending returns oldest first. It is implied when After is set.
	Ascending bool
}

type Page struct {
	Logs     []*TaskLog
	Total    int64
	PageInfo *pagination.PageInfo
}

func (r *Recorder) scope(ctx context.Context, q Query) *gorm.DB {
	tx := r.db.WithContext(ctx).Model(&TaskLog{})
	if q.ExecutionID != "" {
		return tx.Where("execution_id = ?", q.ExecutionID)
	}
	sub := r.db.Model(&task.TaskExecution{}).Select("id").Where("task_id = ?", q.TaskID)
	return tx.Where("execution_id IN (?)", sub)
}

// List returns logs in creation order. After is an exclusive keyset cursor.
func (r *Recorder) List(ctx context.Context, q Query) (*Page, error) {
	if q.TaskID == "" && q.ExecutionID == "" {
		return nil, errors.New("list logs: task or execution id required")
	}
	q.Pagination = q.Pagination.Normalize()

	var total int64
	if err := r.scope(ctx, q).Count(&total).Error; err != nil {
		return nil, err
	}

	tx := r.scope(ctx, q)
	order := "DESC"
	if q.Ascending || q.After != "" {
		order = "ASC"
	}

	if q.After != "" {
		var anchor TaskLog
		err := r.db.WithContext(ctx).Where("id = ?", q.After).First(&anchor).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrLogNotFound, q.After)
		}
		if err != nil {
			return nil, err
		}
		tx = tx.Where("created_at > ? OR (created_at = ? AND id > ?)", anchor.CreatedAt, anchor.CreatedAt, anchor.ID)
	}

	var logs []*TaskLog
	err := tx.Order("created_at " + order).Order("id " + order).Limit(q.Limit + 1).Find(&logs).Error
	if err != nil {
		return nil, err
	}

	logs, info := pagination.BuildPageInfo(logs, q.Limit, func(l *TaskLog) string { return l.ID })
	return &Page{Logs: logs, Total: total, PageInfo: info}, nil
}

// PurgeOlderThan deletes logs created before now-horizon.
func (r *Recorder) PurgeOlderThan(ctx context.Context, horizon time.Duration) (int64, error) {
	cutoff := r.now().UTC().Add(-horizon)
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&TaskLog{})
	if res.Error != nil {
		return 0, res.Error
	}
	zap.L().Info("purged task logs", zap.Time("cutoff", cutoff), zap.Int64("count", res.RowsAffected))
	return res.RowsAffected, nil
}
