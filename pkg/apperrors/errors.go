package apperrors

import "errors"

var (
	// ErrInvalidConfig indicates missing or malformed mandatory configuration.
	// Fatal at startup.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrBackendUnavailable indicates the initial handshake with a backend
	// could not complete.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrPoolExhausted indicates no pooled connection became free within the
	// acquisition timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrProvisioningFailed indicates schema or constraint setup failed.
	// Fatal for the backend being provisioned.
	ErrProvisioningFailed = errors.New("schema provisioning failed")

	// ErrNotInitialized indicates the orchestrator was used before Init
	// completed, after shutdown, or for an optional backend that never came up.
	ErrNotInitialized = errors.New("backend not initialized")

	// ErrOperationTimeout indicates a deadline or cancellation cut an
	// operation short.
	ErrOperationTimeout = errors.New("operation timed out")
)
