package task

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrExecutionFinished is returned when a terminal execution would be modified.
	ErrExecutionFinished = errors.New("execution already finished")
)

// Store persists tasks and their executions. Executions are only ever
// mutated through the conditional updates below, which refuse to touch a
// terminal row.
type Store struct {
	db *gorm.DB
}

type Params struct {
	fx.In
	DB *gorm.DB
}

func NewStore(p Params) *Store {
	return &Store{db: p.DB}
}

func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil, err
	}
	return &t, nil
}

// ListSchedulable returns enabled tasks that carry a trigger expression.
func (s *Store) ListSchedulable(ctx context.Context) ([]*Task, error) {
	var tasks []*Task
	err := s.db.WithContext(ctx).
		Where("status = ? AND trigger_expr <> ''", StatusEnabled).
		Order("id").
		Find(&tasks).Error
	return tasks, err
}

func (s *Store) CreateExecution(ctx context.Context, e *TaskExecution) error {
	return s.db.WithContext(ctx).Create(e).Error
}

func (s *Store) GetExecution(ctx context.Context, id string) (*TaskExecution, error) {
	var e TaskExecution
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return nil, err
	}
	return &e, nil
}

// UpdateRunning writes the mutable fields of a running execution.
func (s *Store) UpdateRunning(ctx context.Context, e *TaskExecution) error {
	res := s.db.WithContext(ctx).Model(&TaskExecution{}).
		Where("id = ? AND status = ?", e.ID, ExecutionRunning).
		Updates(map[string]any{
			"start_time":          e.StartTime,
			"browser_instance_id": e.BrowserInstanceID,
			"tab_id":              e.TabID,
			"attempt":             e.Attempt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrExecutionFinished, e.ID)
	}
	return nil
}

// Finish persists the terminal state of e. Only the first writer wins: a
// row that already left running is not overwritten.
func (s *Store) Finish(ctx context.Context, e *TaskExecution) error {
	if !e.Status.Terminal() || e.EndTime == nil {
		return fmt.Errorf("finish %s: status %q is not terminal", e.ID, e.Status)
	}

	res := s.db.WithContext(ctx).Model(&TaskExecution{}).
		Where("id = ? AND status = ?", e.ID, ExecutionRunning).
		Updates(map[string]any{
			"status":              e.Status,
			"end_time":            e.EndTime,
			"duration":            e.Duration,
			"error_message":       e.ErrorMessage,
			"screenshots":         e.Screenshots,
			"browser_instance_id": e.BrowserInstanceID,
			"tab_id":              e.TabID,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrExecutionFinished, e.ID)
	}
	return nil
}

// LatestExecution returns the most recently started execution of a task, or nil.
func (s *Store) LatestExecution(ctx context.Context, taskID string) (*TaskExecution, error) {
	var e TaskExecution
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at DESC").Order("id DESC").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) HasRunningExecution(ctx context.Context, taskID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&TaskExecution{}).
		Where("task_id = ? AND status = ?", taskID, ExecutionRunning).
		Count(&n).Error
	return n > 0, err
}

// ListExecutions returns the newest executions of a task first.
func (s *Store) ListExecutions(ctx context.Context, taskID string, limit int) ([]*TaskExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	var execs []*TaskExecution
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&execs).Error
	return execs, err
}

// ExecutionStatuses maps each of ids to its current status.
func (s *Store) ExecutionStatuses(ctx context.Context, ids []string) (map[string]ExecutionStatus, error) {
	out := make(map[string]ExecutionStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []struct {
		ID     string
		Status ExecutionStatus
	}
	err := s.db.WithContext(ctx).Model(&TaskExecution{}).
		Select("id", "status").
		Where("id IN ?", ids).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.ID] = r.Status
	}
	return out, nil
}
