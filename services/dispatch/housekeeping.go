package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taskpilot/services/pool"
)

// LogPurger deletes logs older than a horizon.
type LogPurger interface {
	PurgeOlderThan(ctx context.Context, horizon time.Duration) (int64, error)
}

// Housekeeper trims logs past retention and browsers nobody uses. Error
// instances without tabs are reaped regardless of idle time.
type Housekeeper struct {
	logs        LogPurger
	pool        *pool.Manager
	logHorizon  time.Duration
	idleTimeout time.Duration
}

func NewHousekeeper(logs LogPurger, pm *pool.Manager, logHorizon, idleTimeout time.Duration) *Housekeeper {
	return &Housekeeper{logs: logs, pool: pm, logHorizon: logHorizon, idleTimeout: idleTimeout}
}

type SweepResult struct {
	LogsPurged      int64
	InstancesReaped int
}

func (h *Housekeeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	g, ctx := errgroup.WithContext(ctx)

	if h.logs != nil && h.logHorizon > 0 {
		g.Go(func() error {
			n, err := h.logs.PurgeOlderThan(ctx, h.logHorizon)
			res.LogsPurged = n
			return err
		})
	}

	if h.pool != nil && h.idleTimeout > 0 {
		g.Go(func() error {
			res.InstancesReaped = h.pool.ReapIdle(ctx, h.idleTimeout)
			return nil
		})
	}

	err := g.Wait()
	zap.L().Info("housekeeping sweep finished",
		zap.Int64("logs_purged", res.LogsPurged),
		zap.Int("instances_reaped", res.InstancesReaped),
		zap.Error(err),
	)
	return res, err
}
