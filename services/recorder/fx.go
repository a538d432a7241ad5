package recorder

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"taskpilot/pkg/gen"
	"taskpilot/pkg/minio"
	"taskpilot/pkg/pubsub"
)

var Module = fx.Module("recorder",
	fx.Provide(NewFx),
)

type Params struct {
	fx.In
	DB     *gorm.DB
	Broker pubsub.Broker
	IDs    gen.IDGenerator
	Bucket *minio.Bucket `optional:"true"`
}

func NewFx(p Params) *Recorder {
	var objects ObjectStore
	if p.Bucket != nil {
		objects = p.Bucket
	} else {
		zap.L().Warn("MINIO.ENDPOINT not configured, screenshots are kept in memory")
		objects = NewMemoryObjects()
	}
	return New(p.DB, p.Broker, objects, p.IDs)
}
