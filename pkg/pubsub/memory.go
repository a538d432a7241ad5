package pubsub

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Memory is an in-process Broker used by single-binary deployments and tests.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	buffer int
	closed bool
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 64
	}
	return &Memory{subs: make(map[string]map[*memorySub]struct{}), buffer: buffer}
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	for s := range m.subs[topic] {
		s.deliver(Message{Topic: topic, Payload: payload})
	}
	return ctx.Err()
}

func (m *Memory) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	s := &memorySub{broker: m, topics: topics, ch: make(chan Message, m.buffer)}
	for _, t := range topics {
		if m.subs[t] == nil {
			m.subs[t] = make(map[*memorySub]struct{})
		}
		m.subs[t][s] = struct{}{}
	}
	return s, nil
}

// Close ends every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	var all []*memorySub
	for _, set := range m.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	m.subs = make(map[string]map[*memorySub]struct{})
	m.mu.Unlock()

	for _, s := range all {
		s.shut()
	}
	return nil
}

type memorySub struct {
	broker *Memory
	topics []string

	mu     sync.Mutex
	ch     chan Message
	closed bool
}

func (s *memorySub) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
		zap.L().Warn("closing slow pubsub subscriber", zap.String("topic", msg.Topic))
		s.closed = true
		close(s.ch)
	}
}

func (s *memorySub) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *memorySub) C() <-chan Message { return s.ch }

func (s *memorySub) Close() error {
	s.broker.mu.Lock()
	for _, t := range s.topics {
		delete(s.broker.subs[t], s)
		if len(s.broker.subs[t]) == 0 {
			delete(s.broker.subs, t)
		}
	}
	s.broker.mu.Unlock()

	s.shut()
	return nil
}
