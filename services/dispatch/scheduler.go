package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"taskpilot/pkg/taskname"
	"taskpilot/services/task"
)

// Schedules feeds the asynq periodic task manager. Each enabled task with a
// trigger_expr becomes a task:trigger entry; the manager re-reads the set on
// every sync so edits to tasks take effect without a restart.
type Schedules struct {
	tasks     *task.Store
	sweepCron string
	timeout   time.Duration
}

func NewSchedules(tasks *task.Store, sweepCron string) *Schedules {
	return &Schedules{tasks: tasks, sweepCron: sweepCron, timeout: 10 * time.Second}
}

// ValidateTrigger reports whether expr is a cron spec or descriptor the
// scheduler accepts.
func ValidateTrigger(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid trigger_expr %q: %w", expr, err)
	}
	return nil
}

func (s *Schedules) GetConfigs() ([]*asynq.PeriodicTaskConfig, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	tasks, err := s.tasks.ListSchedulable(ctx)
	if err != nil {
		zap.L().Error("[Scheduler] failed to list schedulable tasks", zap.Error(err))
		return nil, err
	}

	configs := make([]*asynq.PeriodicTaskConfig, 0, len(tasks)+1)
	for _, t := range tasks {
		if err := ValidateTrigger(t.TriggerExpr); err != nil {
			zap.L().Warn("[Scheduler] skipping task", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		payload, err := json.Marshal(TaskTriggerPayload{TaskID: t.ID})
		if err != nil {
			return nil, err
		}
		configs = append(configs, &asynq.PeriodicTaskConfig{
			Cronspec: t.TriggerExpr,
			Task:     asynq.NewTask(taskname.TaskTrigger, payload),
			Opts: []asynq.Option{
				asynq.Queue(taskname.QueueDefault),
				asynq.MaxRetry(0),
				// schedulers on several nodes fire the same tick
				asynq.Unique(30 * time.Second),
			},
		})
	}

	if s.sweepCron != "" {
		if err := ValidateTrigger(s.sweepCron); err != nil {
			zap.L().Warn("[Scheduler] housekeeping disabled", zap.Error(err))
		} else {
			configs = append(configs, &asynq.PeriodicTaskConfig{
				Cronspec: s.sweepCron,
				Task:     asynq.NewTask(taskname.HousekeepingSweep, nil),
				Opts: []asynq.Option{
					asynq.Queue(taskname.QueueDefault),
					asynq.Unique(time.Minute),
				},
			})
		}
	}

	return configs, nil
}
