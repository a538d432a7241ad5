package pubsub

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// Module backs the Broker with Redis.
var Module = fx.Module("pubsub",
	fx.Provide(
		fx.Annotate(
			func(rdb *redis.Client) *Redis { return NewRedis(rdb) },
			fx.As(new(Broker)),
		),
	),
)
