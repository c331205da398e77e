package exception

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// PartialSuccessError signals that a unit of work produced a usable result even though
// some of its sub-units failed. It is not a failure: the job queue stores Partial as the
// job result and marks the job SUCCEEDED_WITH_ERRORS.
type PartialSuccessError struct {
	// Partial is the best-effort result built from the sub-units that succeeded.
	Partial any
	// Errs holds one error per failed sub-unit.
	Errs *multierror.Error
}

// NewPartialSuccess creates a PartialSuccessError. errs must contain at least one error.
func NewPartialSuccess(partial any, errs *multierror.Error) *PartialSuccessError {
	return &PartialSuccessError{Partial: partial, Errs: errs}
}

// Error returns the aggregated error text.
func (e *PartialSuccessError) Error() string {
	if e.Errs == nil || len(e.Errs.Errors) == 0 {
		return "partial success"
	}
	msgs := make([]string, 0, len(e.Errs.Errors))
	for _, err := range e.Errs.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("partial success, %d unit(s) failed: %s", len(msgs), strings.Join(msgs, "; "))
}

// Unwrap exposes the aggregated errors to errors.Is/As.
func (e *PartialSuccessError) Unwrap() []error {
	if e.Errs == nil {
		return nil
	}
	return e.Errs.Errors
}

// UnitError names the sub-unit that failed within a fan-out.
type UnitError struct {
	Unit string
	Err  error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("unit %s: %v", e.Unit, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}
