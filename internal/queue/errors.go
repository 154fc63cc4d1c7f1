package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrCapacityExceeded matches every *CapacityExceededError.
	ErrCapacityExceeded = errors.New("queue capacity exceeded")
)

// ValidationError reports a malformed identifier or capacity.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// CapacityExceededError is returned when a new subscription cannot be queued
// because the queue is full.
type CapacityExceededError struct {
	SubscriptionID int64
	Capacity       int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("queue full (capacity %d): cannot enqueue subscription %d", e.Capacity, e.SubscriptionID)
}

func (e *CapacityExceededError) Is(target error) bool { return target == ErrCapacityExceeded }
