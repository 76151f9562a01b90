package api

import "codeberg.org/mutker/asicsim/internal/errors"

const (
	ErrBindFailed     = errors.ErrorCode("api_bind_failed")
	ErrInvalidPayload = errors.ErrorCode("api_invalid_payload")
	ErrShutdownFailed = errors.ErrorCode("api_shutdown_failed")
)
