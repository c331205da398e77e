package cleaner

import "go.uber.org/fx"

// Module provides the Cleaner.
var Module = fx.Options(
	fx.Provide(NewCleaner),
)

// ScheduleModule runs the Cleaner's periodic loop for the lifetime of the application.
var ScheduleModule = fx.Options(
	fx.Invoke(func(lc fx.Lifecycle, c *Cleaner) {
		lc.Append(fx.Hook{OnStart: c.Start, OnStop: c.Stop})
	}),
)
