package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/logstats/pkg/pipeline/core/application/usecase"
	model "github.com/tigerroll/logstats/pkg/pipeline/core/domain/model"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/exception"
)

func startedQueue(t *testing.T) *usecase.JobQueue {
	t.Helper()
	q := usecase.NewJobQueue(usecase.NewJobMonitor(nil))
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestJobQueue_Succeeds(t *testing.T) {
	q := startedQueue(t)
	h, err := usecase.Submit(context.Background(), q, "test", &params{}, func(ctx context.Context, p usecase.ProgressReporter) (int, error) {
		p.ReportStep(1, 2)
		return 42, nil
	})
	require.NoError(t, err)

	got, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	job, err := q.Monitor().Get(h.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateSucceeded, job.State)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 42, job.Result)
	assert.False(t, job.StartedAt.IsZero())
	assert.False(t, job.EndedAt.IsZero())
}

func TestJobQueue_UsesParameterID(t *testing.T) {
	q := startedQueue(t)
	h, err := q.Enqueue(context.Background(), "test", &params{BaseParameters: model.BaseParameters{ID: "fixed"}}, func(context.Context, usecase.ProgressReporter) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed", h.ID)

	_, err = q.Enqueue(context.Background(), "test", &params{BaseParameters: model.BaseParameters{ID: "fixed"}}, func(context.Context, usecase.ProgressReporter) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, usecase.ErrDuplicateJob)
}

func TestJobQueue_FailureIsStoredAndNotRetried(t *testing.T) {
	q := startedQueue(t)
	var runs atomic.Int32
	boom := errors.New("boom")
	h, err := q.Enqueue(context.Background(), "test", &params{}, func(context.Context, usecase.ProgressReporter) (any, error) {
		runs.Add(1)
		return nil, boom
	})
	require.NoError(t, err)

	_, err = h.Wait(waitCtx(t))
	assert.ErrorIs(t, err, boom)
	job, _ := q.Monitor().Get(h.ID)
	assert.Equal(t, model.JobStateFailed, job.State)
	assert.ErrorIs(t, job.Err, boom)
	assert.EqualValues(t, 1, runs.Load())
}

func TestJobQueue_PanicFailsJob(t *testing.T) {
	q := startedQueue(t)
	h, err := q.Enqueue(context.Background(), "test", &params{}, func(context.Context, usecase.ProgressReporter) (any, error) {
		panic("kaboom")
	})
	require.NoError(t, err)

	_, err = h.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	job, _ := q.Monitor().Get(h.ID)
	assert.Equal(t, model.JobStateFailed, job.State)
}

func TestJobQueue_PartialSuccessKeepsPartialResult(t *testing.T) {
	q := startedQueue(t)
	h, err := usecase.Submit(context.Background(), q, "test", &params{}, func(context.Context, usecase.ProgressReporter) ([]string, error) {
		partial := []string{"zone-1"}
		errs := multierror.Append(nil, &exception.UnitError{Unit: "zone-2", Err: errors.New("upstream 503")})
		return partial, exception.NewPartialSuccess(partial, errs)
	})
	require.NoError(t, err)

	got, err := h.Wait(waitCtx(t))
	var pe *exception.PartialSuccessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []string{"zone-1"}, got)
	assert.Contains(t, err.Error(), "zone-2")

	job, _ := q.Monitor().Get(h.ID)
	assert.Equal(t, model.JobStateSucceededWithErrors, job.State)
	assert.Equal(t, []string{"zone-1"}, job.Result)
}

func TestJobQueue_CancelQueuedJobNeverRuns(t *testing.T) {
	q := usecase.NewJobQueue(usecase.NewJobMonitor(nil))
	var ran atomic.Bool
	h, err := q.Enqueue(context.Background(), "test", &params{}, func(context.Context, usecase.ProgressReporter) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	require.NoError(t, err)

	ok, err := q.Monitor().TryCancel(h.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = h.Wait(waitCtx(t))
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Stop(context.Background()) })
	time.Sleep(50 * time.Millisecond)

	assert.False(t, ran.Load())
	job, _ := q.Monitor().Get(h.ID)
	assert.Equal(t, model.JobStateCancelled, job.State)
	assert.True(t, job.StartedAt.IsZero())
}

func TestJobQueue_CancelRunningJob(t *testing.T) {
	q := startedQueue(t)
	started := make(chan struct{})
	h, err := q.Enqueue(context.Background(), "test", &params{}, func(ctx context.Context, _ usecase.ProgressReporter) (any, error) {
		close(started)
		<-ctx.Done()
		return "ignored", nil
	})
	require.NoError(t, err)
	<-started

	ok, err := q.Monitor().TryCancel(h.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = h.Wait(waitCtx(t))
	assert.ErrorIs(t, err, context.Canceled)
	job, _ := q.Monitor().Get(h.ID)
	assert.Equal(t, model.JobStateCancelled, job.State)
	assert.Nil(t, job.Result)
}

func TestJobQueue_CancelledRecordIgnoresLateWorkError(t *testing.T) {
	q := startedQueue(t)
	started := make(chan struct{})
	release := make(chan struct{})
	h, err := q.Enqueue(context.Background(), "test", &params{}, func(ctx context.Context, _ usecase.ProgressReporter) (any, error) {
		close(started)
		<-ctx.Done()
		<-release
		return nil, fmt.Errorf("zone scan interrupted: %w", ctx.Err())
	})
	require.NoError(t, err)
	<-started

	ok, err := q.Monitor().TryCancel(h.ID)
	require.NoError(t, err)
	require.True(t, ok)
	cancelled, _ := q.Monitor().Get(h.ID)
	close(release)

	_, err = h.Wait(waitCtx(t))
	assert.ErrorIs(t, err, context.Canceled)
	job, _ := q.Monitor().Get(h.ID)
	assert.Equal(t, model.JobStateCancelled, job.State)
	assert.Equal(t, cancelled.Version, job.Version)
	assert.Equal(t, cancelled.EndedAt, job.EndedAt)
	assert.Equal(t, context.Canceled, job.Err)
}

func TestJobQueue_SlowJobDoesNotBlockDispatch(t *testing.T) {
	q := startedQueue(t)
	release := make(chan struct{})
	defer close(release)
	_, err := q.Enqueue(context.Background(), "slow", &params{}, func(ctx context.Context, _ usecase.ProgressReporter) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})
	require.NoError(t, err)

	h, err := q.Enqueue(context.Background(), "fast", &params{}, func(context.Context, usecase.ProgressReporter) (any, error) {
		return "done", nil
	})
	require.NoError(t, err)
	got, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "done", got)
}

func TestJobQueue_ProgressIsReported(t *testing.T) {
	q := startedQueue(t)
	step := make(chan struct{})
	resume := make(chan struct{})
	h, err := q.Enqueue(context.Background(), "test", &params{}, func(_ context.Context, p usecase.ProgressReporter) (any, error) {
		p.ReportStep(3, 4)
		close(step)
		<-resume
		return nil, nil
	})
	require.NoError(t, err)
	<-step

	job, _ := q.Monitor().Get(h.ID)
	assert.Equal(t, model.JobStateRunning, job.State)
	assert.Equal(t, 75, job.Progress)
	close(resume)
	_, err = h.Wait(waitCtx(t))
	require.NoError(t, err)
}

func TestJobQueue_StopCancelsRunningAndRejectsNewWork(t *testing.T) {
	q := usecase.NewJobQueue(usecase.NewJobMonitor(nil))
	require.NoError(t, q.Start(context.Background()))
	started := make(chan struct{})
	h, err := q.Enqueue(context.Background(), "test", &params{}, func(ctx context.Context, _ usecase.ProgressReporter) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, q.Stop(waitCtx(t)))
	_, err = h.Wait(waitCtx(t))
	assert.ErrorIs(t, err, context.Canceled)
	job, _ := q.Monitor().Get(h.ID)
	assert.Equal(t, model.JobStateCancelled, job.State)

	_, err = q.Enqueue(context.Background(), "test", &params{}, func(context.Context, usecase.ProgressReporter) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, usecase.ErrQueueStopped)
}

func TestFanOut_BoundsConcurrencyAndAggregatesFailures(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := []int{1, 2, 3, 4, 5, 6, 7, 8}
	outcomes, errs, err := usecase.FanOut(context.Background(), 2, items, func(i int) string { return fmt.Sprintf("zone-%d", i) },
		func(_ context.Context, i int) (int, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			if i%4 == 0 {
				return 0, errors.New("unavailable")
			}
			return i * 10, nil
		})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	require.Len(t, outcomes, 8)
	assert.Equal(t, 10, outcomes[0].Value)
	require.NotNil(t, errs)
	assert.Len(t, errs.Errors, 2)
	assert.Contains(t, errs.Error(), "zone-4")
	assert.Contains(t, errs.Error(), "zone-8")
}

func TestFanOut_StopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	outcomes, errs, err := usecase.FanOut(ctx, 1, []int{1, 2, 3, 4}, func(i int) string { return fmt.Sprint(i) },
		func(ctx context.Context, i int) (int, error) {
			calls.Add(1)
			cancel()
			return i, nil
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, errs)
	assert.EqualValues(t, 1, calls.Load())
	require.Len(t, outcomes, 4)
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, 1, outcomes[0].Value)
	for _, o := range outcomes[1:] {
		if o.Err != nil {
			assert.ErrorIs(t, o.Err, context.Canceled, "scheduled but skipped")
		}
	}
}

func TestFanOut_ReportsExpiredDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	var calls atomic.Int32
	outcomes, errs, err := usecase.FanOut(ctx, 2, []int{1, 2}, func(i int) string { return fmt.Sprint(i) },
		func(context.Context, int) (int, error) {
			calls.Add(1)
			return 0, nil
		})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, errs)
	assert.Zero(t, calls.Load())
	assert.Len(t, outcomes, 2)
}

func TestFanOut_ItemFailuresDoNotFailTheGroup(t *testing.T) {
	boom := errors.New("boom")
	outcomes, errs, err := usecase.FanOut(context.Background(), 3, []int{1, 2, 3}, func(i int) string { return fmt.Sprintf("zone-%d", i) },
		func(context.Context, int) (int, error) {
			return 0, boom
		})
	require.NoError(t, err)
	require.NotNil(t, errs)
	assert.Len(t, errs.Errors, 3)
	for _, o := range outcomes {
		assert.ErrorIs(t, o.Err, boom)
	}
}
