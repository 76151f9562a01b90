package faults

import "codeberg.org/mutker/asicsim/internal/errors"

const (
	ErrInvalidUnitCount = errors.ErrorCode("faults_invalid_unit_count")
	ErrInvalidRate      = errors.ErrorCode("faults_invalid_error_rate")
)
