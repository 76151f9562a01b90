package timing

import "codeberg.org/mutker/asicsim/internal/errors"

const (
	ErrInvalidMeanInterval = errors.ErrorCode("timing_invalid_mean_interval")
	ErrInvalidFloor        = errors.ErrorCode("timing_invalid_floor_interval")
)
