package k8s

import "errors"

// Sentinel errors the API layer maps to HTTP statuses.
var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrSessionRunning  = errors.New("session is already running")
	ErrSessionNotFound = errors.New("no such session")
	ErrDrainInProgress = errors.New("drain already in progress")
)
