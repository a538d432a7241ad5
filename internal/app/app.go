// Package app groups the fx modules each binary is assembled from.
package app

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"taskpilot/pkg/asynq"
	"taskpilot/pkg/browser"
	"taskpilot/pkg/config"
	"taskpilot/pkg/db"
	"taskpilot/pkg/featureflags"
	"taskpilot/pkg/gen"
	"taskpilot/pkg/hashistack/secretmanager"
	"taskpilot/pkg/hashistack/servicediscover"
	"taskpilot/pkg/health"
	"taskpilot/pkg/logger"
	"taskpilot/pkg/minio"
	"taskpilot/pkg/otelcol"
	"taskpilot/pkg/profiling"
	"taskpilot/pkg/pubsub"
	"taskpilot/pkg/redis"
	"taskpilot/pkg/server"
	"taskpilot/services/cookie"
	"taskpilot/services/dispatch"
	"taskpilot/services/executor"
	"taskpilot/services/logapi"
	"taskpilot/services/orchestrator"
	"taskpilot/services/pool"
	"taskpilot/services/recorder"
	"taskpilot/services/schema"
	"taskpilot/services/task"
)

// Core is shared by every binary: config, telemetry, storage and the log
// recorder.
var Core = fx.Options(
	secretmanager.Optional(),
	config.Module,
	logger.Module,
	otelcol.Module,
	profiling.Module,
	db.Module,
	redis.Module,
	pubsub.Module,
	minio.Client,
	gen.Module,
	featureflags.Module,
	task.Module,
	cookie.Module,
	recorder.Module,
	pool.StoreModule,
	executor.Module,
	asynq.Client,
	dispatch.Producer,
	health.Module,
	server.ProvideHTTPServer,
	servicediscover.Module,
)

// API serves the log API and accepts run and cancel requests. It owns schema
// migration. Its orchestrator has no browser pool and only relays cancels.
var API = fx.Options(
	schema.Module,
	orchestrator.Module,
	logapi.Module,
)

// Worker consumes the dispatch queues, runs the scheduler and owns the
// browser pool.
var Worker = fx.Options(
	browser.Module,
	pool.Module,
	orchestrator.Module,
	asynq.Server,
	dispatch.Worker,
)

// All runs API and worker in one process.
var All = fx.Options(
	schema.Module,
	browser.Module,
	pool.Module,
	orchestrator.Module,
	logapi.Module,
	asynq.Server,
	dispatch.Worker,
)

var Logger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger.Named("fx")}
	}
	return fxevent.NopLogger
})
