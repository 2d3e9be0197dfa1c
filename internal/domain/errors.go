package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRateLimited is returned when an upstream API refuses a request for
	// exceeding its quota.
	ErrRateLimited = errors.New("rate limited")
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskRunning       = errors.New("task already running")
	ErrLockHeld          = errors.New("lock already held")
)
