package usecase

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/fx"

	"github.com/tigerroll/logstats/pkg/pipeline/core/config"
	model "github.com/tigerroll/logstats/pkg/pipeline/core/domain/model"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/exception"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/serialization"
)

const operatorModule = "JobOperator"

// ErrJobNotTerminal is returned by GetJobResult for jobs that are still queued or running.
var ErrJobNotTerminal = errors.New("job has not finished")

// JobFactory builds the work of one job type from its decoded parameters.
type JobFactory struct {
	// NewParameters returns a pointer to a zero parameter struct to decode into.
	NewParameters func() model.JobParameters
	// Build returns the work for params.
	Build func(params model.JobParameters) (WorkFunc, error)
}

// Validator is implemented by parameter structs that check themselves after decoding.
type Validator interface {
	Validate() error
}

// NewJobFactory adapts a typed run function to a JobFactory. P must be a pointer to a
// struct implementing model.JobParameters.
func NewJobFactory[P model.JobParameters, R any](run func(ctx context.Context, params P, progress ProgressReporter) (R, error)) JobFactory {
	return JobFactory{
		NewParameters: func() model.JobParameters {
			var zero P
			return reflect.New(reflect.TypeOf(zero).Elem()).Interface().(P)
		},
		Build: func(params model.JobParameters) (WorkFunc, error) {
			p, ok := params.(P)
			if !ok {
				return nil, fmt.Errorf("unexpected parameter type %T", params)
			}
			return func(ctx context.Context, progress ProgressReporter) (any, error) {
				return run(ctx, p, progress)
			}, nil
		},
	}
}

// JobStatus is the externally visible state of a job.
type JobStatus struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	State     model.JobState `json:"state"`
	Progress  int            `json:"progress"`
	CreatedAt time.Time      `json:"created_at"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// JobResult is the outcome of a finished job. PartialResult is set for
// SUCCEEDED_WITH_ERRORS, Result for SUCCEEDED.
type JobResult struct {
	State         model.JobState
	Result        any
	PartialResult any
	Err           error
}

// OperatorParams are the JobOperator's collaborators.
type OperatorParams struct {
	fx.In

	Queue  *JobQueue
	Config *config.Config `optional:"true"`
}

// JobOperator is the external entry point for submitting, inspecting and cancelling jobs.
type JobOperator struct {
	queue      *JobQueue
	maskedKeys []string

	mu        sync.RWMutex
	factories map[string]JobFactory
}

// NewJobOperator creates a JobOperator with no job types registered.
func NewJobOperator(p OperatorParams) *JobOperator {
	o := &JobOperator{queue: p.Queue, factories: make(map[string]JobFactory)}
	if p.Config != nil {
		o.maskedKeys = p.Config.Logstats.Security.MaskedParameterKeys
	}
	return o
}

// RegisterJobType makes jobType submittable.
func (o *JobOperator) RegisterJobType(jobType string, factory JobFactory) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.factories[jobType]; exists {
		logger.Warnf("Job type '%s' is registered again; the previous registration is replaced.", jobType)
	}
	o.factories[jobType] = factory
	logger.Debugf("Registered job type '%s'.", jobType)
}

// JobTypes returns the registered job types in name order.
func (o *JobOperator) JobTypes() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.factories))
	for name := range o.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SubmitJob decodes params into the parameter struct of jobType, enqueues the job and
// returns its id.
func (o *JobOperator) SubmitJob(ctx context.Context, jobType string, params map[string]any) (string, error) {
	o.mu.RLock()
	factory, ok := o.factories[jobType]
	o.mu.RUnlock()
	if !ok {
		return "", exception.NewNotFoundError(operatorModule, fmt.Sprintf("job type '%s'", jobType))
	}

	p := factory.NewParameters()
	if err := decodeParameters(params, p); err != nil {
		return "", exception.NewSerializationError(operatorModule, fmt.Sprintf("invalid parameters for job type '%s'", jobType), err)
	}
	if v, ok := p.(Validator); ok {
		if err := v.Validate(); err != nil {
			return "", exception.NewSerializationError(operatorModule, fmt.Sprintf("invalid parameters for job type '%s'", jobType), err)
		}
	}
	work, err := factory.Build(p)
	if err != nil {
		return "", exception.NewBatchError(operatorModule, fmt.Sprintf("failed to build job of type '%s'", jobType), err, false)
	}

	handle, err := o.queue.Enqueue(ctx, jobType, p, work)
	if err != nil {
		return "", err
	}
	logger.Infof("Submitted job %s of type '%s' with parameters %v.", handle.ID, jobType, serialization.MaskParameters(params, o.maskedKeys))
	return handle.ID, nil
}

func decodeParameters(in map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Squash:           true,
		ErrorUnused:      true,
		Result:           out,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(in)
}

// GetJobStatus returns the state and progress of a job.
func (o *JobOperator) GetJobStatus(id string) (JobStatus, error) {
	job, err := o.queue.Monitor().Get(id)
	if err != nil {
		return JobStatus{}, err
	}
	return statusOf(job), nil
}

// ListJobs returns the status of every known job.
func (o *JobOperator) ListJobs() []JobStatus {
	jobs := o.queue.Monitor().GetAll()
	out := make([]JobStatus, len(jobs))
	for i, j := range jobs {
		out[i] = statusOf(j)
	}
	return out
}

func statusOf(job model.Job) JobStatus {
	s := JobStatus{ID: job.ID, Type: job.Type, State: job.State, Progress: job.Progress, CreatedAt: job.CreatedAt}
	if !job.StartedAt.IsZero() {
		t := job.StartedAt
		s.StartedAt = &t
	}
	if !job.EndedAt.IsZero() {
		t := job.EndedAt
		s.EndedAt = &t
	}
	return s
}

// GetJobResult returns the outcome of a finished job, or ErrJobNotTerminal.
func (o *JobOperator) GetJobResult(id string) (JobResult, error) {
	job, err := o.queue.Monitor().Get(id)
	if err != nil {
		return JobResult{}, err
	}
	if !job.State.IsTerminal() {
		return JobResult{State: job.State}, fmt.Errorf("%w: %s is %s", ErrJobNotTerminal, id, job.State)
	}
	res := JobResult{State: job.State, Err: job.Err}
	switch job.State {
	case model.JobStateSucceeded:
		res.Result = job.Result
	case model.JobStateSucceededWithErrors:
		res.PartialResult = job.Result
	}
	return res, nil
}

// CancelJob requests cancellation. It returns false when the job already finished.
func (o *JobOperator) CancelJob(id string) (bool, error) {
	ok, err := o.queue.Monitor().TryCancel(id)
	if err != nil {
		return false, err
	}
	if !ok {
		logger.Warnf("Job %s cannot be cancelled because it already finished.", id)
	}
	return ok, nil
}
