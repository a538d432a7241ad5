package dispatch

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	asynqx "taskpilot/pkg/asynq"
	"taskpilot/pkg/config"
	"taskpilot/pkg/featureflags"
	"taskpilot/pkg/gen"
	"taskpilot/pkg/taskname"
	"taskpilot/services/orchestrator"
	"taskpilot/services/pool"
	"taskpilot/services/recorder"
	"taskpilot/services/task"
)

// Producer is what the API node needs to queue executions.
var Producer = fx.Module("dispatch.producer",
	fx.Provide(provideDispatcher),
)

// Worker consumes the queues and runs the scheduler.
var Worker = fx.Module("dispatch.worker",
	fx.Provide(
		provideHousekeeper,
		provideHandler,
		provideSchedules,
	),
	fx.Invoke(registerHandlers, registerScheduler),
)

type dispatcherParams struct {
	fx.In

	Config *config.Config
	Tasks  *task.Store
	Client *asynq.Client
	IDs    gen.IDGenerator
	Flags  featureflags.FeatureFlag `optional:"true"`
}

func provideDispatcher(p dispatcherParams) *Dispatcher {
	d := NewDispatcher(Config{
		Timeout:      p.Config.Dispatch.Timeout,
		MaxAttempts:  p.Config.Dispatch.MaxAttempts,
		AllowOverlap: p.Config.Dispatch.AllowOverlap,
	}, p.Tasks, p.Client, p.IDs)
	if p.Flags != nil {
		d.WithGate(p.Flags)
	}
	return d
}

type housekeeperParams struct {
	fx.In

	Config   *config.Config
	Recorder *recorder.Recorder
	Pool     *pool.Manager `optional:"true"`
}

func provideHousekeeper(p housekeeperParams) *Housekeeper {
	return NewHousekeeper(p.Recorder, p.Pool, p.Config.Retention.LogHorizon, p.Config.Browser.IdleTimeout)
}

func provideHandler(orch *orchestrator.Service, d *Dispatcher, h *Housekeeper) *Handler {
	return NewHandler(orch, d, h)
}

func provideSchedules(cfg *config.Config, tasks *task.Store) *Schedules {
	return NewSchedules(tasks, cfg.Retention.SweepCron)
}

func registerHandlers(mux *asynq.ServeMux, h *Handler) {
	mux.HandleFunc(taskname.ExecutionRun, h.HandleExecutionRun)
	mux.HandleFunc(taskname.TaskTrigger, h.HandleTaskTrigger)
	mux.HandleFunc(taskname.HousekeepingSweep, h.HandleHousekeepingSweep)
}

func registerScheduler(lc fx.Lifecycle, cfg *config.Config, s *Schedules) error {
	interval := cfg.Dispatch.SchedulerSyncInterval
	if interval <= 0 {
		interval = time.Minute
	}

	mgr, err := asynq.NewPeriodicTaskManager(asynq.PeriodicTaskManagerOpts{
		PeriodicTaskConfigProvider: s,
		RedisConnOpt:               asynqx.RedisOpt(cfg),
		SyncInterval:               interval,
		SchedulerOpts: &asynq.SchedulerOpts{
			Logger: zap.S().Named("asynq.scheduler"),
			PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
				if err != nil {
					zap.L().Debug("[Scheduler] tick not enqueued", zap.Error(err))
				}
			},
		},
	})
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := mgr.Start(); err != nil {
				zap.L().Error("[Scheduler] failed to start", zap.Error(err))
				return err
			}
			zap.L().Info("[Scheduler] started", zap.Duration("sync_interval", interval))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			mgr.Shutdown()
			return nil
		},
	})
	return nil
}
