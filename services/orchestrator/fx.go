package orchestrator

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"taskpilot/pkg/config"
	"taskpilot/pkg/gen"
	"taskpilot/pkg/pubsub"
	"taskpilot/services/executor"
	"taskpilot/services/pool"
	"taskpilot/services/recorder"
	"taskpilot/services/task"
)

var Module = fx.Module("orchestrator.service",
	fx.Provide(New),
	fx.Invoke(listenForCancels),
)

type Params struct {
	fx.In

	Config    *config.Config
	Tasks     *task.Store
	Pool      *pool.Manager `optional:"true"`
	Executors *executor.Registry
	Recorder  *recorder.Recorder
	Broker    pubsub.Broker
	IDs       gen.IDGenerator
	Notifier  Notifier `optional:"true"`
}

func New(p Params) *Service {
	return NewService(
		Config{
			Timeout:      p.Config.Dispatch.Timeout,
			MaxAttempts:  p.Config.Dispatch.MaxAttempts,
			CancelGrace:  p.Config.Dispatch.CancelGrace,
			PollInterval: p.Config.Dispatch.CancelPollInterval,
		},
		p.Tasks,
		p.Pool,
		p.Executors,
		p.Recorder,
		p.Broker,
		p.IDs,
		p.Notifier,
	)
}

func listenForCancels(lc fx.Lifecycle, s *Service) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := s.ListenForCancels(ctx); err != nil {
				zap.L().Error("failed to subscribe to cancel requests", zap.Error(err))
				return err
			}
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
