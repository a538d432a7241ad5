package asynq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"taskpilot/pkg/config"
	"taskpilot/pkg/taskname"
)

var Client = fx.Module("asynq:client",
	fx.Provide(registerClient),
)

func registerClient(lc fx.Lifecycle, redis *redis.Client) *asynq.Client {
	client := asynq.NewClientFromRedisClient(redis)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

var Server = fx.Module("asynq:server",
	fx.Provide(registerServerMux),
	fx.Invoke(registerLaneServers),
)

func registerServerMux() *asynq.ServeMux {
	return asynq.NewServeMux()
}

// RedisOpt builds the connection options asynq servers and schedulers use.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}
}

// Lane is one asynq server bound to a set of queues with its own concurrency.
type Lane struct {
	Name        string
	Concurrency int
	Queues      map[string]int
}

// Lanes splits browser work from everything else. Scheduler triggers and
// housekeeping share the API lane.
func Lanes(cfg *config.Config) []Lane {
	return []Lane{
		{
			Name:        taskname.QueueBrowser,
			Concurrency: max(cfg.Dispatch.BrowserConcurrency, 1),
			Queues:      map[string]int{taskname.QueueBrowser: 1},
		},
		{
			Name:        taskname.QueueAPI,
			Concurrency: max(cfg.Dispatch.APIConcurrency, 1),
			Queues: map[string]int{
				taskname.QueueAPI:     6,
				taskname.QueueDefault: 3,
			},
		},
	}
}

func errorHandler(lane string) asynq.ErrorHandler {
	return asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		id, _ := asynq.GetTaskID(ctx)

		zapLog := zap.L().With(
			zap.String("lane", lane),
			zap.String("task_type", task.Type()),
			zap.String("task_id", id),
			zap.Int("retried", retried),
			zap.Error(err),
		)
		if retried >= maxRetry || errors.Is(err, asynq.SkipRetry) {
			zapLog.Error("asynq task permanently failed")
			return
		}
		zapLog.Warn("asynq task failed, will retry")
	})
}

func registerLaneServers(lc fx.Lifecycle, cfg *config.Config, mux *asynq.ServeMux) {
	for _, lane := range Lanes(cfg) {
		server := asynq.NewServer(
			RedisOpt(cfg),
			asynq.Config{
				Concurrency:     lane.Concurrency,
				RetryDelayFunc:  asynq.DefaultRetryDelayFunc,
				Queues:          lane.Queues,
				ErrorHandler:    errorHandler(lane.Name),
				ShutdownTimeout: cfg.Dispatch.CancelGrace + 5*time.Second,
				Logger:          zap.S().Named("asynq." + lane.Name),
			},
		)

		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := server.Start(mux); err != nil {
					return fmt.Errorf("start %s lane: %w", lane.Name, err)
				}
				zap.L().Info("[Asynq] lane started",
					zap.String("lane", lane.Name),
					zap.Int("concurrency", lane.Concurrency),
				)
				return nil
			},
			OnStop: func(ctx context.Context) error {
				server.Shutdown()
				return nil
			},
		})
	}
}
