package domain

import "errors"

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrSessionNotFound    = errors.New("session not found")
	ErrCapacityExceeded   = errors.New("session capacity exceeded")
	ErrBackendUnavailable = errors.New("backend unavailable")
)
