package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRecord is returned when a record violates a field invariant.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrUnsupportedMetric is returned for metric types outside MetricTypes.
	ErrUnsupportedMetric = errors.New("unsupported metric type")
	// ErrUserNotFound is returned when a username cannot be resolved.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when creating a user whose username is taken.
	ErrUserExists = errors.New("user already exists")
)

// UnknownUserError aborts a sync unit whose subject user cannot be resolved.
type UnknownUserError struct {
	UserID   string
	Username string
}

func (e *UnknownUserError) Error() string {
	if e.Username != "" {
		return fmt.Sprintf("unknown user %q", e.Username)
	}
	return fmt.Sprintf("unknown user id %q", e.UserID)
}

// Is lets callers match UnknownUserError against ErrUserNotFound.
func (e *UnknownUserError) Is(target error) bool {
	return target == ErrUserNotFound
}

// StoreError wraps a failed write or read against the record store.
type StoreError struct {
	Op     string
	Metric MetricType
	Err    error
}

func (e *StoreError) Error() string {
	if e.Metric != "" {
		return fmt.Sprintf("store %s (%s): %v", e.Op, e.Metric, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
