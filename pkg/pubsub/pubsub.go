// Package pubsub fans out log and control events between workers and API
// subscribers. Publishers never stall: a subscriber that falls behind has its
// subscription closed, so it knows it missed messages and can resubscribe and
// replay from storage.
package pubsub

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("broker closed")

type Message struct {
	Topic   string
	Payload []byte
}

// Subscription delivers messages for the topics it was opened with until
// Close is called, the broker shuts down, or the subscriber overflows its
// buffer. In every case C is closed.
type Subscription interface {
	C() <-chan Message
	Close() error
}

type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
}
