package logapi

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"taskpilot/pkg/pubsub"
	"taskpilot/services/dispatch"
	"taskpilot/services/orchestrator"
	"taskpilot/services/pool"
	"taskpilot/services/recorder"
	"taskpilot/services/task"
)

var Module = fx.Module("logapi",
	fx.Provide(New),
	fx.Invoke(registerRoutes),
)

type Params struct {
	fx.In

	Tasks        *task.Store
	Recorder     *recorder.Recorder
	Broker       pubsub.Broker
	Dispatcher   *dispatch.Dispatcher  `optional:"true"`
	Orchestrator *orchestrator.Service `optional:"true"`
	Instances    *pool.GormStore       `optional:"true"`
}

func New(p Params) *Handler {
	var (
		enqueuer  Enqueuer
		canceller Canceller
	)
	if p.Dispatcher != nil {
		enqueuer = p.Dispatcher
	}
	if p.Orchestrator != nil {
		canceller = p.Orchestrator
	}
	h := NewHandler(p.Tasks, p.Recorder, p.Broker, enqueuer, canceller)
	if p.Instances != nil {
		h.WithInstances(p.Instances)
	}
	return h
}

func registerRoutes(r *gin.Engine, h *Handler) {
	h.Register(r.Group("/api/v1"))
}
