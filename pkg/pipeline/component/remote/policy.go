package remote

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sony/gobreaker"

	"github.com/tigerroll/logstats/pkg/pipeline/core/config"
	"github.com/tigerroll/logstats/pkg/pipeline/core/metrics"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/exception"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

const breakerName = "remote"

// scheduleBackOff waits the durations of a fixed schedule in order and stops once the
// schedule is exhausted.
type scheduleBackOff struct {
	schedule []time.Duration
	next     int
}

var _ backoff.BackOff = (*scheduleBackOff)(nil)

func newScheduleBackOff(schedule []time.Duration) *scheduleBackOff {
	return &scheduleBackOff{schedule: schedule}
}

// NextBackOff implements backoff.BackOff.
func (s *scheduleBackOff) NextBackOff() time.Duration {
	if s.next >= len(s.schedule) {
		return backoff.Stop
	}
	d := s.schedule[s.next]
	s.next++
	return d
}

// Reset implements backoff.BackOff.
func (s *scheduleBackOff) Reset() {
	s.next = 0
}

// newBreaker builds the circuit breaker for upstream calls. Only transient failures
// count towards tripping it; permanent rejections prove the upstream is reachable.
func newBreaker(cfg config.RetryConfig, recorder metrics.MetricRecorder) *gobreaker.CircuitBreaker {
	threshold := uint32(cfg.CircuitBreakerThreshold)
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.CircuitBreakerResetInterval
	if timeout <= 0 {
		timeout = time.Minute
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !exception.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("Circuit breaker '%s' moved from %s to %s.", name, from, to)
			recorder.RecordCircuitState(context.Background(), name, to.String())
		},
	})
}

// breakerError maps gobreaker rejections to ErrCircuitOpen.
func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return exception.NewTransientUpstreamError(module, 0, exception.ErrCircuitOpen)
	}
	return err
}

// classifyStatus returns nil for 2xx, a transient error for 408, 429 and 5xx, and a
// permanent error for every other status.
func classifyStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	cause := errors.New(truncate(string(body), 256))
	if status == 408 || status == 429 || status >= 500 {
		return exception.NewTransientUpstreamError(module, status, cause)
	}
	return exception.NewPermanentUpstreamError(module, status, cause)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// outcome is the metric label for an attempt's error.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, exception.ErrCircuitOpen):
		return "circuit_open"
	case exception.IsKind(err, exception.KindTransientUpstream):
		return "transient"
	case exception.IsKind(err, exception.KindPermanentUpstream):
		return "permanent"
	case exception.IsKind(err, exception.KindSerialization):
		return "serialization"
	}
	return "error"
}
