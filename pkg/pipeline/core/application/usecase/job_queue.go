package usecase

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	model "github.com/tigerroll/logstats/pkg/pipeline/core/domain/model"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/exception"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

const queueModule = "JobQueue"

// ErrQueueStopped is returned by Enqueue after Stop.
var ErrQueueStopped = errors.New("job queue is stopped")

var errNotQueued = errors.New("job is no longer queued")

// ProgressReporter lets a unit of work publish its progress.
type ProgressReporter interface {
	// ReportProgress sets the job progress to percent, clamped to [0, 100].
	ReportProgress(percent int)
	// ReportStep sets the progress to done of total units.
	ReportStep(done, total int)
}

// WorkFunc is a unit of work. It must return promptly once ctx is cancelled.
// Returning an *exception.PartialSuccessError finishes the job SUCCEEDED_WITH_ERRORS.
type WorkFunc func(ctx context.Context, progress ProgressReporter) (any, error)

// Handle tracks the completion of an enqueued job.
type Handle struct {
	ID string

	done   chan struct{}
	once   sync.Once
	result any
	err    error
}

func newHandle(id string) *Handle {
	return &Handle{ID: id, done: make(chan struct{})}
}

func (h *Handle) complete(result any, err error) {
	h.once.Do(func() {
		h.result = result
		h.err = err
		close(h.done)
	})
}

// Done is closed once the job reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job finishes or ctx is done. For SUCCEEDED_WITH_ERRORS it
// returns the partial result together with the *exception.PartialSuccessError.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TypedHandle is a Handle whose result is known to be a T.
type TypedHandle[T any] struct {
	*Handle
}

// Wait is Handle.Wait with the result converted to T.
func (h *TypedHandle[T]) Wait(ctx context.Context) (T, error) {
	var out T
	res, err := h.Handle.Wait(ctx)
	if v, ok := res.(T); ok {
		out = v
	}
	return out, err
}

type queuedWork struct {
	id      string
	jobType string
	ctx     context.Context
	cancel  context.CancelFunc
	work    WorkFunc
	handle  *Handle
}

// JobQueue runs units of work in the background. Producers append to an unbounded queue;
// a single dispatcher drains it and starts every job on its own goroutine, so a slow job
// never delays the next dispatch.
type JobQueue struct {
	monitor *JobMonitor

	mu      sync.Mutex
	pending []*queuedWork
	stopped bool
	wake    chan struct{}

	baseCtx    context.Context
	cancelBase context.CancelFunc
	startOnce  sync.Once
	stopOnce   sync.Once
	stop       chan struct{}
	wg         sync.WaitGroup
}

// NewJobQueue creates a queue that records job state in monitor.
func NewJobQueue(monitor *JobMonitor) *JobQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &JobQueue{
		monitor:    monitor,
		wake:       make(chan struct{}, 1),
		baseCtx:    ctx,
		cancelBase: cancel,
		stop:       make(chan struct{}),
	}
}

// Monitor returns the JobMonitor the queue writes to.
func (q *JobQueue) Monitor() *JobMonitor {
	return q.monitor
}

// Enqueue registers a QUEUED job for params and schedules work. The job's cancellation
// context is created here, detached from ctx, and registered with the monitor.
func (q *JobQueue) Enqueue(ctx context.Context, jobType string, params model.JobParameters, work WorkFunc) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if work == nil {
		return nil, exception.NewBatchErrorf(queueModule, "job type '%s' has no work function", jobType)
	}
	job := model.NewJob(jobType, params)
	jobCtx, cancel := context.WithCancel(q.baseCtx)
	w := &queuedWork{id: job.ID, jobType: jobType, ctx: jobCtx, cancel: cancel, work: work, handle: newHandle(job.ID)}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		cancel()
		return nil, ErrQueueStopped
	}
	if err := q.monitor.Add(job, func() { q.cancelled(w) }); err != nil {
		cancel()
		return nil, err
	}
	q.pending = append(q.pending, w)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	logger.Infof("Enqueued job %s of type '%s'.", job.ID, jobType)
	return w.handle, nil
}

// Submit enqueues a unit of work with a typed result.
func Submit[T any](ctx context.Context, q *JobQueue, jobType string, params model.JobParameters, work func(ctx context.Context, progress ProgressReporter) (T, error)) (*TypedHandle[T], error) {
	h, err := q.Enqueue(ctx, jobType, params, func(ctx context.Context, p ProgressReporter) (any, error) {
		return work(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return &TypedHandle[T]{Handle: h}, nil
}

// cancelled is the cancellation function registered with the monitor. A job that is
// still waiting in the queue is dropped and its handle completed at once.
func (q *JobQueue) cancelled(w *queuedWork) {
	w.cancel()
	q.mu.Lock()
	for i, p := range q.pending {
		if p == w {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	if job, err := q.monitor.Get(w.id); err == nil && job.StartedAt.IsZero() {
		w.handle.complete(nil, context.Canceled)
	}
}

// Start launches the dispatcher. Calling it more than once has no effect.
func (q *JobQueue) Start(ctx context.Context) error {
	q.startOnce.Do(func() {
		q.wg.Add(1)
		go q.dispatch()
		logger.Infof("Job dispatcher started.")
	})
	return ctx.Err()
}

// Stop rejects new work, cancels running jobs and waits for them until ctx is done.
// Jobs still waiting in the queue are cancelled without running.
func (q *JobQueue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		left := q.pending
		q.pending = nil
		q.mu.Unlock()

		close(q.stop)
		for _, w := range left {
			if _, err := q.monitor.TryCancel(w.id); err != nil {
				logger.Warnf("Failed to cancel queued job %s on shutdown: %v", w.id, err)
			}
			w.handle.complete(nil, context.Canceled)
		}
		q.cancelBase()
	})

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Infof("Job dispatcher stopped.")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

func (q *JobQueue) dispatch() {
	defer q.wg.Done()
	for {
		w, ok := q.next()
		if !ok {
			return
		}
		q.launch(w)
	}
}

func (q *JobQueue) next() (*queuedWork, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			w := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return w, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.stop:
			return nil, false
		}
	}
}

func (q *JobQueue) launch(w *queuedWork) {
	job, err := q.monitor.TryUpdate(w.id, func(j model.Job) (model.Job, error) {
		if j.State != model.JobStateQueued {
			return j, errNotQueued
		}
		j.State = model.JobStateRunning
		j.StartedAt = time.Now()
		return j, nil
	})
	if err != nil {
		logger.Infof("Skipping job %s: %v", w.id, err)
		w.handle.complete(nil, context.Canceled)
		return
	}

	q.wg.Add(1)
	go q.run(w, job)
}

func (q *JobQueue) run(w *queuedWork, job model.Job) {
	defer q.wg.Done()
	defer w.cancel()

	logger.Infof("Job %s of type '%s' started.", w.id, w.jobType)
	result, err := q.invoke(w)

	var state model.JobState
	var partial *exception.PartialSuccessError
	switch {
	case err == nil:
		state = model.JobStateSucceeded
	case errors.As(err, &partial):
		state = model.JobStateSucceededWithErrors
		result = partial.Partial
	case w.ctx.Err() != nil:
		state = model.JobStateCancelled
		result = nil
	default:
		state = model.JobStateFailed
		result = nil
	}

	final, uerr := q.monitor.TryUpdate(w.id, func(j model.Job) (model.Job, error) {
		j.State = state
		j.Result = result
		j.Err = err
		j.EndedAt = time.Now()
		if state == model.JobStateSucceeded || state == model.JobStateSucceededWithErrors {
			j.Progress = 100
		}
		return j, nil
	})
	switch {
	case errors.Is(uerr, ErrTerminalState):
		// Cancelled while running; the cancellation wins over whatever the work returned.
		w.handle.complete(nil, context.Canceled)
		logger.Infof("Job %s of type '%s' was cancelled.", w.id, w.jobType)
		return
	case uerr != nil:
		logger.Errorf("Failed to record completion of job %s: %v", w.id, uerr)
		final = job
		final.State = state
	}

	switch final.State {
	case model.JobStateSucceeded:
		logger.Infof("Job %s of type '%s' succeeded.", w.id, w.jobType)
	case model.JobStateSucceededWithErrors:
		logger.Warnf("Job %s of type '%s' succeeded with errors: %v", w.id, w.jobType, err)
	case model.JobStateCancelled:
		logger.Infof("Job %s of type '%s' was cancelled.", w.id, w.jobType)
	default:
		logger.Errorf("Job %s of type '%s' failed: %v", w.id, w.jobType, err)
	}
	w.handle.complete(result, err)
}

// invoke runs the work and converts a panic into an error.
func (q *JobQueue) invoke(w *queuedWork) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Job %s panicked: %v\n%s", w.id, r, debug.Stack())
			result = nil
			err = exception.NewBatchErrorf(queueModule, "job %s panicked: %v", w.id, r)
		}
	}()
	return w.work(w.ctx, &progressReporter{monitor: q.monitor, id: w.id})
}

type progressReporter struct {
	monitor *JobMonitor
	id      string
}

func (p *progressReporter) ReportProgress(percent int) {
	_, err := p.monitor.TryUpdate(p.id, func(j model.Job) (model.Job, error) {
		if j.State != model.JobStateRunning {
			return j, ErrTerminalState
		}
		j.Progress = model.ClampProgress(percent)
		return j, nil
	})
	if err != nil && !errors.Is(err, ErrTerminalState) {
		logger.Debugf("Progress update of job %s dropped: %v", p.id, err)
	}
}

func (p *progressReporter) ReportStep(done, total int) {
	if total <= 0 {
		return
	}
	p.ReportProgress(done * 100 / total)
}
