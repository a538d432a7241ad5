package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskpilot/pkg/browser/browsertest"
	"taskpilot/pkg/gen"
	"taskpilot/services/testutil"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *browsertest.Launcher) {
	t.Helper()
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 200 * time.Millisecond
	}
	l := &browsertest.Launcher{}
	m := NewManager(cfg, l, nil, gen.MustNode(1))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, l
}

func viewOf(t *testing.T, m *Manager, id string) InstanceView {
	t.Helper()
	for _, v := range m.Snapshot() {
		if v.ID == id {
			return v
		}
	}
	t.Fatalf("instance %s not in snapshot", id)
	return InstanceView{}
}

func TestAcquireExclusive(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxInstances: 1, MaxTabs: 5})
	ctx := context.Background()

	h, err := m.Acquire(ctx, "bank.example", true)
	require.NoError(t, err)
	require.True(t, h.Exclusive)

	v := viewOf(t, m, h.InstanceID)
	require.True(t, v.IsExclusive)
	require.Equal(t, InstanceBusy, v.Status)
	require.Equal(t, "bank.example", v.PrimaryDomain)
	require.Len(t, v.ActiveTabs, 1)

	m.Release(ctx, h)

	v = viewOf(t, m, h.InstanceID)
	require.False(t, v.IsExclusive)
	require.Equal(t, InstanceIdle, v.Status)
	require.Empty(t, v.ActiveTabs)
}

func TestExclusiveBlocksSharedAcquire(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxInstances: 1, MaxTabs: 5, AcquireTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	h, err := m.Acquire(ctx, "a.example", true)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "a.example", false)
	require.ErrorIs(t, err, ErrResourceUnavailable)

	m.Release(ctx, h)

	h2, err := m.Acquire(ctx, "a.example", false)
	require.NoError(t, err)
	require.Equal(t, h.InstanceID, h2.InstanceID)
}

func TestExclusiveNeedsEmptyInstance(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxInstances: 1, MaxTabs: 5, AcquireTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	shared, err := m.Acquire(ctx, "a.example", false)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "a.example", true)
	require.ErrorIs(t, err, ErrResourceUnavailable)

	m.Release(ctx, shared)

	h, err := m.Acquire(ctx, "a.example", true)
	require.NoError(t, err)
	require.True(t, viewOf(t, m, h.InstanceID).IsExclusive)
}

func TestTabLimitProvisionsSecondInstance(t *testing.T) {
	m, l := newTestManager(t, Config{MaxInstances: 2, MaxTabs: 5})
	ctx := context.Background()

	var handles []*Handle
	for i := 0; i < 5; i++ {
		h, err := m.Acquire(ctx, "shop.example", false)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	first := handles[0].InstanceID
	for _, h := range handles {
		require.Equal(t, first, h.InstanceID)
	}
	require.Equal(t, InstanceBusy, viewOf(t, m, first).Status)

	sixth, err := m.Acquire(ctx, "shop.example", false)
	require.NoError(t, err)
	require.NotEqual(t, first, sixth.InstanceID)
	require.Equal(t, 2, l.Launched())
}

func TestTabLimitBlocksUntilRelease(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxInstances: 1, MaxTabs: 5, AcquireTimeout: 2 * time.Second})
	ctx := context.Background()

	var handles []*Handle
	for i := 0; i < 5; i++ {
		h, err := m.Acquire(ctx, "shop.example", false)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	got := make(chan *Handle, 1)
	go func() {
		h, err := m.Acquire(ctx, "shop.example", false)
		if err == nil {
			got <- h
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("sixth acquire should block while the instance is full")
	case <-time.After(50 * time.Millisecond):
	}

	m.Release(ctx, handles[0])

	select {
	case h, ok := <-got:
		require.True(t, ok)
		require.Equal(t, handles[0].InstanceID, h.InstanceID)
	case <-time.After(time.Second):
		t.Fatal("blocked acquire was not woken by release")
	}
}

func TestAcquireTimesOut(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxInstances: 1, MaxTabs: 1, AcquireTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	_, err := m.Acquire(ctx, "a.example", false)
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(ctx, "a.example", false)
	require.ErrorIs(t, err, ErrResourceUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestAcquireHonoursCallerCancel(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxInstances: 1, MaxTabs: 1, AcquireTimeout: time.Minute})

	_, err := m.Acquire(context.Background(), "a.example", false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = m.Acquire(ctx, "a.example", false)
	require.ErrorIs(t, err, ErrResourceUnavailable)
	require.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentAcquireRespectsLimits(t *testing.T) {
	m, l := newTestManager(t, Config{MaxInstances: 2, MaxTabs: 5, AcquireTimeout: time.Second})
	ctx := context.Background()

	const workers = 12
	var wg sync.WaitGroup
	handles := make(chan *Handle, workers)
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.Acquire(ctx, "shop.example", false)
			if err != nil {
				errs <- err
				return
			}
			handles <- h
		}()
	}

	// 10 slots exist; the remaining two wait until we release.
	var held []*Handle
	for len(held) < 10 {
		select {
		case h := <-handles:
			held = append(held, h)
		case err := <-errs:
			t.Fatalf("unexpected acquire error: %v", err)
		case <-time.After(time.Second):
			t.Fatalf("only %d acquisitions completed", len(held))
		}
	}

	for _, v := range m.Snapshot() {
		require.LessOrEqual(t, len(v.ActiveTabs), 5)
	}
	require.Equal(t, 2, l.Launched())

	m.Release(ctx, held[0])
	m.Release(ctx, held[1])
	wg.Wait()
	close(handles)
	close(errs)

	require.Len(t, handles, 2)
	require.Empty(t, errs)
	for _, v := range m.Snapshot() {
		require.LessOrEqual(t, len(v.ActiveTabs), 5)
	}
}

func TestProvisioningRespectsMaxInstances(t *testing.T) {
	l := &browsertest.Launcher{LaunchDelay: 30 * time.Millisecond}
	m := NewManager(Config{MaxInstances: 2, MaxTabs: 1, AcquireTimeout: 300 * time.Millisecond}, l, nil, gen.MustNode(1))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Acquire(context.Background(), "a.example", false)
		}()
	}
	wg.Wait()

	require.Equal(t, 2, l.Launched())
	require.Len(t, m.Snapshot(), 2)
}

func TestDomainAffinity(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxInstances: 2, MaxTabs: 5})
	ctx := context.Background()

	a1, err := m.Acquire(ctx, "a.example", false)
	require.NoError(t, err)
	b1, err := m.Acquire(ctx, "b.example", false)
	require.NoError(t, err)
	require.NotEqual(t, a1.InstanceID, b1.InstanceID)

	a2, err := m.Acquire(ctx, "a.example", false)
	require.NoError(t, err)
	require.Equal(t, a1.InstanceID, a2.InstanceID)

	b2, err := m.Acquire(ctx, "b.example", false)
	require.NoError(t, err)
	require.Equal(t, b1.InstanceID, b2.InstanceID)
}

func TestForeignDomainSharesWhenPoolIsFull(t *testing.T) {
	m, l := newTestManager(t, Config{MaxInstances: 1, MaxTabs: 5})
	ctx := context.Background()

	a, err := m.Acquire(ctx, "a.example", false)
	require.NoError(t, err)
	b, err := m.Acquire(ctx, "b.example", false)
	require.NoError(t, err)

	require.Equal(t, a.InstanceID, b.InstanceID)
	require.Equal(t, 1, l.Launched())
	require.Equal(t, "a.example", viewOf(t, m, a.InstanceID).PrimaryDomain)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, l := newTestManager(t, Config{MaxInstances: 1, MaxTabs: 5})
	ctx := context.Background()

	h1, err := m.Acquire(ctx, "a.example", false)
	require.NoError(t, err)
	h2, err := m.Acquire(ctx, "a.example", false)
	require.NoError(t, err)

	m.Release(ctx, h1)
	m.Release(ctx, h1)
	m.Release(ctx, nil)

	v := viewOf(t, m, h2.InstanceID)
	require.Equal(t, []string{h2.TabID}, v.ActiveTabs)
	require.Equal(t, 1, l.Browsers()[0].OpenTabs())
}

func TestMarkErrorExcludesInstance(t *testing.T) {
	m, l := newTestManager(t, Config{MaxInstances: 2, MaxTabs: 5})
	ctx := context.Background()

	h, err := m.Acquire(ctx, "a.example", false)
	require.NoError(t, err)
	require.NoError(t, m.MarkError(ctx, h.InstanceID))

	m.Release(ctx, h)
	require.Equal(t, InstanceError, viewOf(t, m, h.InstanceID).Status)

	h2, err := m.Acquire(ctx, "a.example", false)
	require.NoError(t, err)
	require.NotEqual(t, h.InstanceID, h2.InstanceID)
	require.Equal(t, 2, l.Launched())

	require.ErrorIs(t, m.MarkError(ctx, "missing"), ErrInstanceNotFound)
}

func TestRecycle(t *testing.T) {
	m, l := newTestManager(t, Config{MaxInstances: 1, MaxTabs: 5})
	ctx := context.Background()

	h, err := m.Acquire(ctx, "a.example", false)
	require.NoError(t, err)
	require.ErrorIs(t, m.Recycle(ctx, h.InstanceID), ErrInstanceInUse)

	require.NoError(t, m.MarkError(ctx, h.InstanceID))
	require.NoError(t, m.Recycle(ctx, h.InstanceID))
	require.True(t, l.Browsers()[0].Closed())
	require.Empty(t, m.Snapshot())

	// a late release of a recycled instance is harmless
	m.Release(ctx, h)

	h2, err := m.Acquire(ctx, "a.example", false)
	require.NoError(t, err)
	require.NotEqual(t, h.InstanceID, h2.InstanceID)
}

func TestReapIdle(t *testing.T) {
	m, l := newTestManager(t, Config{MaxInstances: 2, MaxTabs: 5})
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	idle, err := m.Acquire(ctx, "a.example", false)
	require.NoError(t, err)
	busy, err := m.Acquire(ctx, "b.example", false)
	require.NoError(t, err)
	m.Release(ctx, idle)

	now = now.Add(time.Hour)
	require.Equal(t, 1, m.ReapIdle(ctx, 30*time.Minute))

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, busy.InstanceID, snap[0].ID)
	require.True(t, l.Browsers()[0].Closed())
}

func TestOpenTabFailureMarksError(t *testing.T) {
	m, l := newTestManager(t, Config{MaxInstances: 1, MaxTabs: 5})
	ctx := context.Background()

	h, err := m.Acquire(ctx, "a.example", false)
	require.NoError(t, err)
	m.Release(ctx, h)

	require.NoError(t, l.Browsers()[0].Close())

	_, err = m.Acquire(ctx, "a.example", false)
	require.ErrorIs(t, err, ErrResourceUnavailable)
	require.Equal(t, InstanceError, viewOf(t, m, h.InstanceID).Status)
}

func TestLaunchFailure(t *testing.T) {
	l := &browsertest.Launcher{FailLaunch: errors.New("chromium missing")}
	m := NewManager(Config{MaxInstances: 1, MaxTabs: 5, AcquireTimeout: time.Second}, l, nil, gen.MustNode(1))

	_, err := m.Acquire(context.Background(), "a.example", false)
	require.ErrorIs(t, err, ErrResourceUnavailable)
	require.Contains(t, err.Error(), "chromium missing")
	require.Empty(t, m.Snapshot())
}

func TestShutdownFailsWaiters(t *testing.T) {
	m, l := newTestManager(t, Config{MaxInstances: 1, MaxTabs: 1, AcquireTimeout: 5 * time.Second})
	ctx := context.Background()

	_, err := m.Acquire(ctx, "a.example", false)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "a.example", false)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Shutdown(ctx))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by shutdown")
	}
	require.True(t, l.Browsers()[0].Closed())
}

func TestSnapshotsArePersisted(t *testing.T) {
	db := testutil.NewTestDB(t, &BrowserInstance{})
	store := NewGormStore(db)
	l := &browsertest.Launcher{}
	m := NewManager(Config{NodeID: 1, MaxInstances: 1, MaxTabs: 5, AcquireTimeout: time.Second}, l, store, gen.MustNode(1))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	ctx := context.Background()

	h, err := m.Acquire(ctx, "a.example", true)
	require.NoError(t, err)
	m.Flush(ctx)

	rows, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, h.InstanceID, rows[0].ID)
	require.True(t, rows[0].IsExclusive)
	require.Equal(t, InstanceBusy, rows[0].Status)
	require.Contains(t, string(rows[0].ActiveTabs), h.TabID)

	m.Release(ctx, h)
	require.NoError(t, m.MarkError(ctx, h.InstanceID))
	require.NoError(t, m.Recycle(ctx, h.InstanceID))
	m.Flush(ctx)

	rows, err = store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestPurgeNodeKeepsOtherNodesRows(t *testing.T) {
	db := testutil.NewTestDB(t, &BrowserInstance{})
	store := NewGormStore(db)
	ctx := context.Background()

	a := NewManager(Config{NodeID: 1, MaxInstances: 1, AcquireTimeout: time.Second}, &browsertest.Launcher{}, store, gen.MustNode(1))
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	b := NewManager(Config{NodeID: 2, MaxInstances: 1, AcquireTimeout: time.Second}, &browsertest.Launcher{}, store, gen.MustNode(2))
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	ha, err := a.Acquire(ctx, "a.example", false)
	require.NoError(t, err)
	hb, err := b.Acquire(ctx, "b.example", false)
	require.NoError(t, err)
	a.Flush(ctx)
	b.Flush(ctx)

	// node 2 restarts
	n, err := store.PurgeNode(ctx, 2)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	rows, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, ha.InstanceID, rows[0].ID)
	require.EqualValues(t, 1, rows[0].NodeID)
	require.NotEqual(t, hb.InstanceID, rows[0].ID)
}

type blockingStore struct {
	gate  chan struct{}
	mu    sync.Mutex
	saved []*BrowserInstance
}

func (s *blockingStore) Save(ctx context.Context, inst *BrowserInstance) error {
	<-s.gate
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, inst)
	return nil
}

func (s *blockingStore) Delete(ctx context.Context, id string) error {
	<-s.gate
	return nil
}

func (s *blockingStore) last() *BrowserInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return nil
	}
	return s.saved[len(s.saved)-1]
}

func TestSlowStoreDoesNotStallAllocation(t *testing.T) {
	store := &blockingStore{gate: make(chan struct{})}
	m := NewManager(Config{NodeID: 1, MaxInstances: 1, MaxTabs: 5, AcquireTimeout: time.Second}, &browsertest.Launcher{}, store, gen.MustNode(1))
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			h, err := m.Acquire(ctx, "a.example", false)
			if err != nil {
				return
			}
			m.Release(ctx, h)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool operations waited on the store")
	}

	close(store.gate)
	m.Flush(ctx)
	require.NoError(t, m.Shutdown(ctx))

	last := store.last()
	require.NotNil(t, last)
	require.Equal(t, InstanceIdle, last.Status)
	require.JSONEq(t, "[]", string(last.ActiveTabs))
}
