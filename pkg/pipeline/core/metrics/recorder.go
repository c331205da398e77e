// Package metrics defines the metric recording contract used by the pipeline components.
package metrics

import (
	"context"
	"time"

	model "github.com/tigerroll/logstats/pkg/pipeline/core/domain/model"
)

// Cache lookup outcomes.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// MetricRecorder records operational metrics. Implementations must be safe for
// concurrent use.
type MetricRecorder interface {
	// RecordJobTransition counts a job entering a new state.
	RecordJobTransition(ctx context.Context, jobType string, state model.JobState)
	// RecordJobDuration observes how long a job ran once it reached a terminal state.
	RecordJobDuration(ctx context.Context, jobType string, state model.JobState, duration time.Duration)

	// RecordCacheLookup counts a cache hit or miss for a query.
	RecordCacheLookup(ctx context.Context, queryName, outcome string)
	// RecordUpstreamCall observes one upstream attempt. outcome is "ok", or the error kind.
	RecordUpstreamCall(ctx context.Context, queryName, outcome string, duration time.Duration)
	// RecordRetry counts a retry scheduled for a query.
	RecordRetry(ctx context.Context, queryName string)
	// RecordCircuitState records the circuit breaker's state.
	RecordCircuitState(ctx context.Context, name, state string)

	// RecordCacheWrite counts rows and bytes written to a dataset.
	RecordCacheWrite(ctx context.Context, dataset string, rows int, bytes int64)
	// RecordEviction counts a cache entry removed by the cleaner for reason.
	RecordEviction(ctx context.Context, reason string)
}
