package pool

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// persister writes instance snapshots off the allocation lock. Snapshots of
// one instance coalesce: only the latest pending one is written, and drains
// are serialized so an older snapshot never lands after a newer one.
type persister struct {
	store Store

	mu      sync.Mutex
	pending map[string]*BrowserInstance // nil value deletes the row
	order   []string

	drainMu sync.Mutex
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

func newPersister(store Store) *persister {
	p := &persister{
		store:   store,
		pending: make(map[string]*BrowserInstance),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *persister) enqueue(id string, row *BrowserInstance) {
	p.mu.Lock()
	if _, queued := p.pending[id]; !queued {
		p.order = append(p.order, id)
	}
	p.pending[id] = row
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *persister) loop() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			p.drain(context.Background())
			return
		case <-p.wake:
			p.drain(context.Background())
		}
	}
}

// drain writes everything queued so far.
func (p *persister) drain(ctx context.Context) {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	p.mu.Lock()
	batch, order := p.pending, p.order
	p.pending, p.order = make(map[string]*BrowserInstance), nil
	p.mu.Unlock()

	for _, id := range order {
		var err error
		if row := batch[id]; row != nil {
			err = p.store.Save(ctx, row)
		} else {
			err = p.store.Delete(ctx, id)
		}
		if err != nil {
			zap.L().Warn("failed to persist browser instance", zap.String("instance_id", id), zap.Error(err))
		}
	}
}

func (p *persister) close() {
	close(p.stop)
	<-p.done
}
