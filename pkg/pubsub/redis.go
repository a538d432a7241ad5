package pubsub

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis publishes over Redis channels so API nodes see events produced by
// any worker.
type Redis struct {
	rdb    *redis.Client
	buffer int
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, buffer: 64}
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	return r.rdb.Publish(ctx, topic, payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	ps := r.rdb.Subscribe(ctx, topics...)
	// Receive blocks until the subscription is confirmed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	s := &redisSub{ps: ps, ch: make(chan Message, r.buffer), done: make(chan struct{})}
	go s.pump()
	return s, nil
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan Message
	done chan struct{}
	once sync.Once
}

func (s *redisSub) pump() {
	defer close(s.ch)

	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.ch <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			default:
				zap.L().Warn("closing slow pubsub subscriber", zap.String("topic", msg.Channel))
				return
			}
		}
	}
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
