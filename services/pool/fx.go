package pool

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"taskpilot/pkg/browser"
	"taskpilot/pkg/config"
	"taskpilot/pkg/gen"
)

var Module = fx.Module("browser.pool",
	fx.Provide(New),
)

// StoreModule exposes the persisted snapshots to every node, including API
// nodes that run no pool.
var StoreModule = fx.Module("browser.pool.store",
	fx.Provide(NewGormStore),
)

type Params struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
	Launcher  browser.Launcher
	Store     *GormStore
	IDs       gen.IDGenerator
}

func New(p Params) *Manager {
	m := NewManager(Config{
		NodeID:         p.Config.NodeID,
		MaxInstances:   p.Config.Browser.MaxInstances,
		MaxTabs:        p.Config.Browser.MaxTabsPerInstance,
		AcquireTimeout: p.Config.Browser.AcquireTimeout,
	}, p.Launcher, p.Store, p.IDs)

	if err := RegisterMetrics(prometheus.DefaultRegisterer, m); err != nil {
		zap.L().Warn("browser pool metrics unavailable", zap.Error(err))
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// this node's browsers did not survive its restart
			n, err := p.Store.PurgeNode(ctx, p.Config.NodeID)
			if err != nil {
				return err
			}
			if n > 0 {
				zap.L().Info("cleared stale browser instance rows", zap.Int64("count", n))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			zap.L().Info("shutting down browser pool")
			return m.Shutdown(ctx)
		},
	})
	return m
}

var _ Store = (*GormStore)(nil)
