package metrics

import (
	"context"
	"time"

	model "github.com/tigerroll/logstats/pkg/pipeline/core/domain/model"
)

// NoOpMetricRecorder discards every metric. It is used in tests and when metrics are disabled.
type NoOpMetricRecorder struct{}

// NewNoOpMetricRecorder creates a NoOpMetricRecorder.
func NewNoOpMetricRecorder() MetricRecorder {
	return &NoOpMetricRecorder{}
}

func (r *NoOpMetricRecorder) RecordJobTransition(ctx context.Context, jobType string, state model.JobState) {
}

func (r *NoOpMetricRecorder) RecordJobDuration(ctx context.Context, jobType string, state model.JobState, duration time.Duration) {
}

func (r *NoOpMetricRecorder) RecordCacheLookup(ctx context.Context, queryName, outcome string) {}

func (r *NoOpMetricRecorder) RecordUpstreamCall(ctx context.Context, queryName, outcome string, duration time.Duration) {
}

func (r *NoOpMetricRecorder) RecordRetry(ctx context.Context, queryName string) {}

func (r *NoOpMetricRecorder) RecordCircuitState(ctx context.Context, name, state string) {}

func (r *NoOpMetricRecorder) RecordCacheWrite(ctx context.Context, dataset string, rows int, bytes int64) {
}

func (r *NoOpMetricRecorder) RecordEviction(ctx context.Context, reason string) {}
