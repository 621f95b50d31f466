package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidOrder       = errors.New("invalid order parameters")
	ErrSigningFailed      = errors.New("signing failed")
	ErrScanInFlight       = errors.New("scan already in flight")
	ErrQueueDraining      = errors.New("queue already draining")
	ErrQueueStopped       = errors.New("queue stopped")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrMonitorStopped     = errors.New("monitor stopped")
)

// TransientError marks a failure worth retrying: network faults,
// timeouts, 5xx responses. Callers retry a bounded number of times and
// then degrade.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError for the given operation.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// ParseError marks one malformed record inside an otherwise healthy
// batch. The record is skipped; the batch continues.
type ParseError struct {
	Entity string // e.g. "market", "book message"
	Detail string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s (%s): %v", e.Entity, e.Detail, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ExecutionError marks a failed execution attempt. The dispatch queue
// records it and moves to the next task.
type ExecutionError struct {
	TaskID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute task %s: %v", e.TaskID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrRateLimited)
}
