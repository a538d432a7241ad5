package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"taskpilot/pkg/browser"
	"taskpilot/pkg/gen"
)

var (
	// ErrResourceUnavailable means no (instance, tab) could be granted within
	// the wait bound. Callers treat it as a retryable execution failure.
	ErrResourceUnavailable = errors.New("browser resource unavailable")
	ErrInstanceNotFound    = errors.New("browser instance not found")
	ErrInstanceInUse       = errors.New("browser instance has active tabs")
	ErrPoolClosed          = errors.New("browser pool closed")
)

type Config struct {
	// NodeID tags the persisted snapshots of this manager's instances.
	NodeID         int64
	MaxInstances   int
	MaxTabs        int
	AcquireTimeout time.Duration
}

// Manager owns every live browser instance. All capacity checks and claims
// happen under mu, so a check-then-claim can never interleave with another
// worker's claim. Slow work (launching browsers, opening and closing pages)
// happens outside the lock against a slot reserved beforehand.
type Manager struct {
	cfg      Config
	launcher browser.Launcher
	writer   *persister
	ids      gen.IDGenerator
	now      func() time.Time

	mu           sync.Mutex
	instances    map[string]*instance
	provisioning int
	changed      chan struct{}
	closed       bool
}

type instance struct {
	id            string
	driver        browser.Browser
	status        InstanceStatus
	primaryDomain string
	exclusive     bool
	tabs          map[string]string // tab id -> domain
	reserved      int
	lastActivity  time.Time
}

func (in *instance) load() int {
	return len(in.tabs) + in.reserved
}

func (in *instance) sameDomainTabs(domain string) int {
	n := 0
	for _, d := range in.tabs {
		if d == domain {
			n++
		}
	}
	return n
}

func (in *instance) refresh(maxTabs int) {
	if in.status == InstanceError {
		return
	}
	if in.exclusive || in.load() >= maxTabs {
		in.status = InstanceBusy
		return
	}
	in.status = InstanceIdle
}

func NewManager(cfg Config, launcher browser.Launcher, store Store, ids gen.IDGenerator) *Manager {
	if cfg.MaxTabs <= 0 {
		cfg.MaxTabs = 5
	}
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = 1
	}
	m := &Manager{
		cfg:       cfg,
		launcher:  launcher,
		ids:       ids,
		now:       time.Now,
		instances: make(map[string]*instance),
		changed:   make(chan struct{}),
	}
	if store != nil {
		m.writer = newPersister(store)
	}
	return m
}

func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// persistLocked queues a snapshot of in; the write happens after mu is
// released.
func (m *Manager) persistLocked(in *instance) {
	if m.writer == nil {
		return
	}

	tabs := make([]string, 0, len(in.tabs))
	for id := range in.tabs {
		tabs = append(tabs, id)
	}
	sort.Strings(tabs)
	tabsJSON, _ := json.Marshal(tabs)

	var usage []byte
	if in.driver != nil {
		usage, _ = json.Marshal(in.driver.Usage())
	}

	m.writer.enqueue(in.id, &BrowserInstance{
		ID:             in.id,
		NodeID:         m.cfg.NodeID,
		Status:         in.status,
		PrimaryDomain:  in.primaryDomain,
		IsExclusive:    in.exclusive,
		ActiveTabs:     datatypes.JSON(tabsJSON),
		ResourceUsage:  datatypes.JSON(usage),
		LastActivityAt: in.lastActivity,
	})
}

// Flush blocks until every queued snapshot has been written.
func (m *Manager) Flush(ctx context.Context) {
	if m.writer != nil {
		m.writer.drain(ctx)
	}
}

// pick chooses an instance for a claim, or nil. allowForeign lets a shared
// claim land on an instance bound to another domain.
func (m *Manager) pick(domain string, exclusive, allowForeign bool) *instance {
	var best *instance
	better := func(a, b *instance) bool { return b == nil || a.id < b.id }

	if exclusive {
		for _, in := range m.instances {
			if in.status == InstanceError || in.exclusive || in.load() != 0 {
				continue
			}
			switch {
			case best == nil:
				best = in
			case (in.primaryDomain == domain) != (best.primaryDomain == domain):
				if in.primaryDomain == domain {
					best = in
				}
			case better(in, best):
				best = in
			}
		}
		return best
	}

	var affine []*instance
	var empty []*instance
	var foreign []*instance
	for _, in := range m.instances {
		if in.status != InstanceIdle || in.exclusive || in.load() >= m.cfg.MaxTabs {
			continue
		}
		switch {
		case in.sameDomainTabs(domain) > 0 || in.primaryDomain == domain:
			affine = append(affine, in)
		case in.load() == 0:
			empty = append(empty, in)
		default:
			foreign = append(foreign, in)
		}
	}

	if len(affine) > 0 {
		sort.Slice(affine, func(i, j int) bool {
			a, b := affine[i], affine[j]
			if sa, sb := a.sameDomainTabs(domain), b.sameDomainTabs(domain); sa != sb {
				return sa > sb
			}
			if a.load() != b.load() {
				return a.load() < b.load()
			}
			return a.id < b.id
		})
		return affine[0]
	}
	if len(empty) > 0 {
		sort.Slice(empty, func(i, j int) bool { return empty[i].id < empty[j].id })
		return empty[0]
	}
	if allowForeign && len(foreign) > 0 {
		sort.Slice(foreign, func(i, j int) bool {
			if foreign[i].load() != foreign[j].load() {
				return foreign[i].load() < foreign[j].load()
			}
			return foreign[i].id < foreign[j].id
		})
		return foreign[0]
	}
	return nil
}

func (m *Manager) canProvisionLocked() bool {
	return len(m.instances)+m.provisioning < m.cfg.MaxInstances
}

func (m *Manager) reserveLocked(in *instance, domain string, exclusive bool) {
	in.reserved++
	if exclusive {
		in.exclusive = true
	}
	if len(in.tabs) == 0 {
		in.primaryDomain = domain
	}
	in.lastActivity = m.now()
	in.refresh(m.cfg.MaxTabs)
}

// Acquire claims a tab for domain. An exclusive claim needs an instance with
// no tabs and holds it alone until Release. Acquire blocks until capacity
// frees up, ctx ends, or the configured acquire timeout passes; the latter
// two return ErrResourceUnavailable.
func (m *Manager) Acquire(ctx context.Context, domain string, exclusive bool) (*Handle, error) {
	ctx, span := otel.Tracer("taskpilot/pool").Start(ctx, "pool.Acquire")
	span.SetAttributes(attribute.String("domain", domain), attribute.Bool("exclusive", exclusive))
	defer span.End()

	if m.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.AcquireTimeout)
		defer cancel()
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrPoolClosed
		}

		in := m.pick(domain, exclusive, false)
		if in == nil && !m.canProvisionLocked() && !exclusive {
			in = m.pick(domain, false, true)
		}
		if in != nil {
			m.reserveLocked(in, domain, exclusive)
			m.persistLocked(in)
			m.mu.Unlock()
			return m.openTab(ctx, in, domain, exclusive)
		}

		if m.canProvisionLocked() {
			m.provisioning++
			m.mu.Unlock()

			in, err := m.provision(ctx, domain, exclusive)
			if err != nil {
				return nil, err
			}
			return m.openTab(ctx, in, domain, exclusive)
		}

		wait := m.changed
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrResourceUnavailable, context.Cause(ctx))
		}
	}
}

// provision launches a browser against a provisioning slot taken by the
// caller and registers it with a reservation already held for the caller.
func (m *Manager) provision(ctx context.Context, domain string, exclusive bool) (*instance, error) {
	driver, err := m.launcher.Launch(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.provisioning--

	if err != nil {
		m.notifyLocked()
		return nil, fmt.Errorf("%w: launch browser: %w", ErrResourceUnavailable, err)
	}
	if m.closed {
		_ = driver.Close()
		return nil, ErrPoolClosed
	}

	in := &instance{
		id:     m.ids.NextID(),
		driver: driver,
		status: InstanceIdle,
		tabs:   make(map[string]string),
	}
	m.instances[in.id] = in
	m.reserveLocked(in, domain, exclusive)
	m.persistLocked(in)
	m.notifyLocked()

	zap.L().Info("browser instance provisioned",
		zap.String("instance_id", in.id),
		zap.String("domain", domain),
		zap.Bool("exclusive", exclusive),
	)
	return in, nil
}

func (m *Manager) openTab(ctx context.Context, in *instance, domain string, exclusive bool) (*Handle, error) {
	tab, err := in.driver.NewTab(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	in.reserved--
	in.lastActivity = m.now()

	if err != nil {
		if exclusive {
			in.exclusive = false
		}
		in.status = InstanceError
		m.persistLocked(in)
		m.notifyLocked()
		zap.L().Warn("failed to open tab, instance marked as error",
			zap.String("instance_id", in.id),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: open tab on %s: %w", ErrResourceUnavailable, in.id, err)
	}

	in.tabs[tab.ID()] = domain
	in.refresh(m.cfg.MaxTabs)
	m.persistLocked(in)

	return &Handle{
		InstanceID: in.id,
		TabID:      tab.ID(),
		Domain:     domain,
		Exclusive:  exclusive,
		Tab:        tab,
	}, nil
}

// Release returns the handle's tab to the pool. Releasing a handle twice,
// or one whose instance was recycled, is a no-op.
func (m *Manager) Release(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}

	m.mu.Lock()
	in, ok := m.instances[h.InstanceID]
	if !ok {
		m.mu.Unlock()
		m.closeTab(h)
		return
	}
	if _, held := in.tabs[h.TabID]; !held {
		m.mu.Unlock()
		return
	}

	delete(in.tabs, h.TabID)
	if in.exclusive && in.load() == 0 {
		in.exclusive = false
	}
	in.lastActivity = m.now()
	in.refresh(m.cfg.MaxTabs)
	m.persistLocked(in)
	m.notifyLocked()
	m.mu.Unlock()

	m.closeTab(h)
}

func (m *Manager) closeTab(h *Handle) {
	if h.Tab == nil {
		return
	}
	if err := h.Tab.Close(); err != nil {
		zap.L().Debug("tab close failed", zap.String("instance_id", h.InstanceID), zap.String("tab_id", h.TabID), zap.Error(err))
	}
}

// MarkError excludes an instance from allocation until it is recycled.
func (m *Manager) MarkError(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	in.status = InstanceError
	in.lastActivity = m.now()
	m.persistLocked(in)

	zap.L().Warn("browser instance marked as error", zap.String("instance_id", instanceID))
	return nil
}

// Recycle closes and forgets an instance. Instances in error status are
// recycled even with tabs open; healthy ones must be empty.
func (m *Manager) Recycle(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	in, ok := m.instances[instanceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if in.status != InstanceError && in.load() > 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceInUse, instanceID)
	}

	delete(m.instances, instanceID)
	if m.writer != nil {
		m.writer.enqueue(instanceID, nil)
	}
	m.notifyLocked()
	m.mu.Unlock()

	if err := in.driver.Close(); err != nil {
		zap.L().Warn("browser close failed", zap.String("instance_id", instanceID), zap.Error(err))
	}
	zap.L().Info("browser instance recycled", zap.String("instance_id", instanceID))
	return nil
}

// ReapIdle recycles empty instances idle for longer than maxIdle, and every
// error instance without tabs. It returns the number recycled.
func (m *Manager) ReapIdle(ctx context.Context, maxIdle time.Duration) int {
	cutoff := m.now().Add(-maxIdle)

	m.mu.Lock()
	var victims []string
	for id, in := range m.instances {
		if in.load() > 0 {
			continue
		}
		if in.status == InstanceError || in.lastActivity.Before(cutoff) {
			victims = append(victims, id)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, id := range victims {
		if err := m.Recycle(ctx, id); err == nil {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the allocation table ordered by id.
func (m *Manager) Snapshot() []InstanceView {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]InstanceView, 0, len(m.instances))
	for _, in := range m.instances {
		tabs := make([]string, 0, len(in.tabs))
		for id := range in.tabs {
			tabs = append(tabs, id)
		}
		sort.Strings(tabs)
		out = append(out, InstanceView{
			ID:             in.id,
			Status:         in.status,
			PrimaryDomain:  in.primaryDomain,
			IsExclusive:    in.exclusive,
			ActiveTabs:     tabs,
			LastActivityAt: in.lastActivity,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown closes every browser and fails pending and future acquisitions.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	drivers := make([]browser.Browser, 0, len(m.instances))
	for id, in := range m.instances {
		drivers = append(drivers, in.driver)
		delete(m.instances, id)
	}
	m.notifyLocked()
	m.mu.Unlock()

	var errs []error
	for _, d := range drivers {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.writer != nil {
		m.writer.close()
	}
	return errors.Join(errs...)
}
