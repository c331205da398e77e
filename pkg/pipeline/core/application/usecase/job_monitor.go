package usecase

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	model "github.com/tigerroll/logstats/pkg/pipeline/core/domain/model"
	"github.com/tigerroll/logstats/pkg/pipeline/core/metrics"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/exception"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

const (
	monitorModule = "JobMonitor"
	// maxUpdateAttempts bounds the compare-and-swap loop of TryUpdate.
	maxUpdateAttempts = 16
)

var (
	// ErrTerminalState is returned when an update targets a job that already finished.
	ErrTerminalState = errors.New("job is in a terminal state")
	// ErrCancellationUnavailable is returned when a job has no cancellation function registered.
	ErrCancellationUnavailable = errors.New("job has no registered cancellation")
	// ErrDuplicateJob is returned by Add for an id that is already tracked.
	ErrDuplicateJob = errors.New("job id already exists")
)

type monitoredJob struct {
	job    model.Job
	cancel context.CancelFunc
}

// JobMonitor is the thread-safe store of job records and their cancellation functions.
// Records are kept by value, so every read returns a copy.
type JobMonitor struct {
	mu       sync.RWMutex
	jobs     map[string]*monitoredJob
	recorder metrics.MetricRecorder
}

// NewJobMonitor creates an empty JobMonitor.
func NewJobMonitor(recorder metrics.MetricRecorder) *JobMonitor {
	if recorder == nil {
		recorder = metrics.NewNoOpMetricRecorder()
	}
	return &JobMonitor{jobs: make(map[string]*monitoredJob), recorder: recorder}
}

func jobNotFound(id string) error {
	return fmt.Errorf("%w: %s", exception.ErrJobNotFound, id)
}

// Add registers job together with the function that cancels it.
func (m *JobMonitor) Add(job model.Job, cancel context.CancelFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	m.jobs[job.ID] = &monitoredJob{job: job, cancel: cancel}
	m.recorder.RecordJobTransition(context.Background(), job.Type, job.State)
	return nil
}

// Get returns a copy of the job, or ErrJobNotFound.
func (m *JobMonitor) Get(id string) (model.Job, error) {
	job, ok := m.TryGet(id)
	if !ok {
		return model.Job{}, jobNotFound(id)
	}
	return job, nil
}

// TryGet returns a copy of the job and whether it exists.
func (m *JobMonitor) TryGet(id string) (model.Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.jobs[id]
	if !ok {
		return model.Job{}, false
	}
	return e.job, true
}

// Set replaces the stored record. A terminal record is final and cannot be replaced.
func (m *JobMonitor) Set(job model.Job) error {
	m.mu.Lock()
	e, ok := m.jobs[job.ID]
	if !ok {
		m.mu.Unlock()
		return jobNotFound(job.ID)
	}
	prev := e.job
	if prev.State.IsTerminal() {
		m.mu.Unlock()
		return ErrTerminalState
	}
	job.Progress = model.ClampProgress(job.Progress)
	job.Version = prev.Version + 1
	e.job = job
	m.mu.Unlock()
	m.observe(prev, job)
	return nil
}

// TryUpdate applies fn to a snapshot of the job outside the lock and commits the result
// only if no other writer committed in between. Conflicting writes make it re-read and
// re-apply fn, up to maxUpdateAttempts times, after which it fails with
// ErrOptimisticLockingFailure. An error from fn aborts the update and is returned as is.
// Terminal records are final: fn is not called for them and ErrTerminalState is returned.
func (m *JobMonitor) TryUpdate(id string, fn func(model.Job) (model.Job, error)) (model.Job, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		snapshot, ok := m.TryGet(id)
		if !ok {
			return model.Job{}, jobNotFound(id)
		}
		if snapshot.State.IsTerminal() {
			return snapshot, ErrTerminalState
		}
		updated, err := fn(snapshot)
		if err != nil {
			return snapshot, err
		}
		updated.ID = snapshot.ID
		updated.Progress = model.ClampProgress(updated.Progress)

		m.mu.Lock()
		e, ok := m.jobs[id]
		if !ok {
			m.mu.Unlock()
			return model.Job{}, jobNotFound(id)
		}
		if e.job.Version == snapshot.Version {
			updated.Version = snapshot.Version + 1
			e.job = updated
			m.mu.Unlock()
			m.observe(snapshot, updated)
			return updated, nil
		}
		m.mu.Unlock()
		logger.Debugf("Job %s changed concurrently (attempt %d), retrying update.", id, attempt+1)
		runtime.Gosched()
	}
	return model.Job{}, exception.NewOptimisticLockingFailure(monitorModule, fmt.Sprintf("job %s kept changing during %d update attempts", id, maxUpdateAttempts))
}

// GetAll returns copies of all jobs ordered by creation time.
func (m *JobMonitor) GetAll() []model.Job {
	m.mu.RLock()
	jobs := make([]model.Job, 0, len(m.jobs))
	for _, e := range m.jobs {
		jobs = append(jobs, e.job)
	}
	m.mu.RUnlock()
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// TryCancel marks a QUEUED or RUNNING job CANCELLED and signals its context. It returns
// false for jobs that already finished and ErrCancellationUnavailable when no
// cancellation function was registered.
func (m *JobMonitor) TryCancel(id string) (bool, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	var cancel context.CancelFunc
	if ok {
		cancel = e.cancel
	}
	m.mu.RUnlock()
	if !ok {
		return false, jobNotFound(id)
	}
	if cancel == nil {
		return false, fmt.Errorf("%w: %s", ErrCancellationUnavailable, id)
	}

	_, err := m.TryUpdate(id, func(j model.Job) (model.Job, error) {
		if !j.State.IsCancellable() {
			return j, ErrTerminalState
		}
		j.State = model.JobStateCancelled
		j.EndedAt = time.Now()
		j.Err = context.Canceled
		return j, nil
	})
	if errors.Is(err, ErrTerminalState) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	cancel()
	logger.Infof("Sent cancellation signal to job %s.", id)
	return true, nil
}

func (m *JobMonitor) observe(prev, next model.Job) {
	if prev.State == next.State {
		return
	}
	ctx := context.Background()
	m.recorder.RecordJobTransition(ctx, next.Type, next.State)
	if next.State.IsTerminal() && !next.StartedAt.IsZero() {
		end := next.EndedAt
		if end.IsZero() {
			end = time.Now()
		}
		m.recorder.RecordJobDuration(ctx, next.Type, next.State, end.Sub(next.StartedAt))
	}
	logger.Debugf("Job %s moved from %s to %s.", next.ID, prev.State, next.State)
}
