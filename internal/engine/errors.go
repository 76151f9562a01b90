package engine

import "codeberg.org/mutker/asicsim/internal/errors"

const (
	ErrNotActive     = errors.ErrorCode("engine_not_active")
	ErrInvalidState  = errors.ErrorCode("engine_invalid_state")
	ErrInvalidConfig = errors.ErrorCode("engine_invalid_config")
)
