package executor

import (
	"go.uber.org/fx"

	"taskpilot/services/cookie"
	"taskpilot/services/recorder"
)

var Module = fx.Module("executor",
	fx.Provide(
		func(rec *recorder.Recorder, cookies *cookie.Store) *BrowserExecutor {
			return NewBrowserExecutor(rec, cookies)
		},
		func(rec *recorder.Recorder) *APIExecutor {
			return NewAPIExecutor(rec, nil)
		},
		NewRegistry,
	),
)
