package ot

import (
	"errors"
	"fmt"
)

var (
	ErrIterationBoundExceeded = errors.New("transform iteration bound exceeded")
	ErrValidation             = errors.New("invalid operation")
	ErrUnknownTransformPair   = errors.New("unknown transform pair")
)

// ValidationError describes why an operation was rejected.
type ValidationError struct {
	OperationID string
	Field       string
	Reason      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid operation %s: %s %s", e.OperationID, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

type IterationBoundError struct {
	Limit      int
	Iterations int
}

func (e *IterationBoundError) Error() string {
	return fmt.Sprintf("transform iterations %d exceeded limit %d", e.Iterations, e.Limit)
}

func (e *IterationBoundError) Unwrap() error {
	return ErrIterationBoundExceeded
}

func unknownPair(t1, t2 OpType) error {
	return fmt.Errorf("%w: (%s, %s)", ErrUnknownTransformPair, t1, t2)
}
