package exception_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"

	"github.com/tigerroll/logstats/pkg/pipeline/support/util/exception"
)

func TestUpstreamErrorClassification(t *testing.T) {
	transient := exception.NewTransientUpstreamError("remote", 503, nil)
	permanent := exception.NewPermanentUpstreamError("remote", 404, nil)

	assert.True(t, exception.IsTransient(transient))
	assert.False(t, exception.IsPermanent(transient))
	assert.False(t, exception.IsTransient(permanent))
	assert.True(t, exception.IsPermanent(permanent))
	assert.Equal(t, 503, transient.StatusCode)
	assert.Contains(t, permanent.Error(), "404")

	wrapped := fmt.Errorf("query failed: %w", transient)
	assert.True(t, exception.IsKind(wrapped, exception.KindTransientUpstream))
}

func TestIsKind_LooksThroughNestedBatchErrors(t *testing.T) {
	inner := exception.NewCacheIOError("columnar", "rename failed", errors.New("disk full"))
	outer := exception.NewBatchError("remote", "store result", inner, false)

	assert.True(t, exception.IsKind(outer, exception.KindCacheIO))
	assert.False(t, exception.IsKind(outer, exception.KindSerialization))
}

func TestIsTransient_NonBatchErrors(t *testing.T) {
	assert.True(t, exception.IsTransient(context.DeadlineExceeded))
	assert.True(t, exception.IsTransient(exception.ErrCircuitOpen))
	assert.True(t, exception.IsTransient(errors.New("read tcp: connection reset by peer")))
	assert.False(t, exception.IsTransient(errors.New("invalid argument")))
	assert.False(t, exception.IsTransient(nil))
}

func TestNotFound(t *testing.T) {
	err := exception.NewNotFoundError("usecase", "job abc")
	assert.True(t, exception.IsNotFound(err))
	assert.True(t, exception.IsNotFound(exception.ErrJobNotFound))
	assert.True(t, exception.IsKind(err, exception.KindNotFound))
}

func TestOptimisticLockingFailure(t *testing.T) {
	err := exception.NewOptimisticLockingFailure("usecase", "job changed concurrently")
	assert.True(t, exception.IsOptimisticLockingFailure(err))
	assert.Equal(t, "job changed concurrently", exception.ExtractErrorMessage(err))
}

func TestNewBatchErrorf_TrailingErrorIsCause(t *testing.T) {
	cause := errors.New("boom")
	err := exception.NewBatchErrorf("config", "failed to read %s", "app.yaml", cause)
	assert.Equal(t, "failed to read app.yaml", err.Message)
	assert.ErrorIs(t, err, cause)
}

func TestPartialSuccessError(t *testing.T) {
	var errs *multierror.Error
	errs = multierror.Append(errs, &exception.UnitError{Unit: "zone-2", Err: errors.New("upstream 500")})

	ps := exception.NewPartialSuccess([]string{"zone-1", "zone-3"}, errs)

	assert.Contains(t, ps.Error(), "zone-2")
	assert.Contains(t, ps.Error(), "1 unit(s) failed")
	assert.Equal(t, []string{"zone-1", "zone-3"}, ps.Partial)

	var unitErr *exception.UnitError
	assert.True(t, errors.As(ps, &unitErr))
	assert.Equal(t, "zone-2", unitErr.Unit)
}
