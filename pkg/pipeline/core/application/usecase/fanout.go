package usecase

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/tigerroll/logstats/pkg/pipeline/support/util/exception"
)

// DefaultFanOutWorkers is used when no worker count is configured.
const DefaultFanOutWorkers = 4

// Outcome is the result of one fan-out item.
type Outcome[R any] struct {
	Value R
	Err   error
}

// FanOut calls fn for every item with at most workers calls in flight. Item failures do
// not stop the others: they are returned in the outcomes and aggregated as
// *exception.UnitError values named by unit. The returned error is non-nil only when ctx
// was cancelled, in which case unstarted items are skipped and items that were scheduled
// but not run carry ctx's error in their outcome.
func FanOut[T, R any](ctx context.Context, workers int, items []T, unit func(T) string, fn func(ctx context.Context, item T) (R, error)) ([]Outcome[R], *multierror.Error, error) {
	if workers <= 0 {
		workers = DefaultFanOutWorkers
	}
	outcomes := make([]Outcome[R], len(items))

	// Item failures stay in outcomes; only a skip because of ctx fails the group.
	var g errgroup.Group
	g.SetLimit(workers)
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i].Err = err
				return err
			}
			v, err := fn(ctx, item)
			outcomes[i] = Outcome[R]{Value: v, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, nil, err
	}
	if err := ctx.Err(); err != nil {
		return outcomes, nil, err
	}
	var errs *multierror.Error
	for i, o := range outcomes {
		if o.Err != nil {
			errs = multierror.Append(errs, &exception.UnitError{Unit: unit(items[i]), Err: o.Err})
		}
	}
	return outcomes, errs, nil
}
