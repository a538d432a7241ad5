package browser

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"taskpilot/pkg/config"
)

var Module = fx.Module("browser",
	fx.Provide(
		NewLauncher,
	),
)

type Params struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
}

// NewLauncher provides the playwright launcher as a Launcher and stops the
// playwright driver on shutdown.
func NewLauncher(p Params) Launcher {
	l := NewPlaywrightLauncher(Options{
		Headless:       p.Config.Browser.Headless,
		ViewportWidth:  p.Config.Browser.ViewportWidth,
		ViewportHeight: p.Config.Browser.ViewportHeight,
		DefaultTimeout: p.Config.Browser.DefaultActionTimeout,
	})

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			zap.L().Info("stopping playwright driver")
			return l.Shutdown()
		},
	})
	return l
}
