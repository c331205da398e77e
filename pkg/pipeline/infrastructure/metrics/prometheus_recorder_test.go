package metrics_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/tigerroll/logstats/pkg/pipeline/core/domain/model"
	"github.com/tigerroll/logstats/pkg/pipeline/infrastructure/metrics"
)

func TestPrometheusRecorder_Counters(t *testing.T) {
	r := metrics.NewPrometheusRecorder()
	ctx := context.Background()

	r.RecordJobTransition(ctx, "zone-stats", model.JobStateRunning)
	r.RecordJobTransition(ctx, "zone-stats", model.JobStateRunning)
	r.RecordCacheLookup(ctx, "fights", "hit")
	r.RecordUpstreamCall(ctx, "fights", "ok", 120*time.Millisecond)
	r.RecordEviction(ctx, "ttl")
	r.RecordCircuitState(ctx, "upstream", "open")

	count, err := testutil.GatherAndCount(r.GetRegistry(), "logstats_job_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "one label combination")

	count, err = testutil.GatherAndCount(r.GetRegistry(), "logstats_circuit_breaker_state")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestPrometheusRecorder_Handler(t *testing.T) {
	r := metrics.NewPrometheusRecorder()
	r.RecordRetry(context.Background(), "fights")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `logstats_upstream_retries_total{query="fights"} 1`)
}
