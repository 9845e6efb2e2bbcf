package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptySlice is reported when the requirement selects no endpoints.
	ErrEmptySlice = errors.New("requirement matched no API paths")
	// ErrInternal marks runs aborted by a panic or an invariant violation.
	ErrInternal = errors.New("internal pipeline error")
)

// InternalError aborts a run. It matches ErrInternal with errors.Is.
type InternalError struct {
	Node string
	Err  error
}

func (e *InternalError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("%v: %v", ErrInternal, e.Err)
	}
	return fmt.Sprintf("%v at %s: %v", ErrInternal, e.Node, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

func (e *InternalError) Is(target error) bool { return target == ErrInternal }
