package usecase

import (
	"context"

	"go.uber.org/fx"
)

// Module provides the job monitor, queue and operator, and ties the dispatcher to the
// application lifecycle.
var Module = fx.Options(
	fx.Provide(NewJobMonitor),
	fx.Provide(NewJobQueue),
	fx.Provide(NewJobOperator),
	fx.Invoke(func(lc fx.Lifecycle, q *JobQueue) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error { return q.Start(ctx) },
			OnStop:  func(ctx context.Context) error { return q.Stop(ctx) },
		})
	}),
)
