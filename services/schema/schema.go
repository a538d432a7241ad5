package schema

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"taskpilot/pkg/config"
	"taskpilot/services/cookie"
	"taskpilot/services/pool"
	"taskpilot/services/recorder"
	"taskpilot/services/task"
)

// Module migrates the tables on start when DATABASE.AUTO_MIGRATE is set.
var Module = fx.Module("schema",
	fx.Invoke(register),
)

// Models lists every persisted type.
func Models() []any {
	return []any{
		&task.Task{},
		&task.TaskExecution{},
		&recorder.TaskLog{},
		&cookie.Cookie{},
		&pool.BrowserInstance{},
	}
}

func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func register(lc fx.Lifecycle, cfg *config.Config, db *gorm.DB) {
	if !cfg.Database.AutoMigrate {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := Migrate(ctx, db); err != nil {
				return err
			}
			zap.L().Info("[DB] schema up to date", zap.Int("tables", len(Models())))
			return nil
		},
	})
}
