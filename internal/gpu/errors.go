package gpu

import (
	"codeberg.org/mutker/asicsim/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const (
	ErrProbeFailed           = errors.ErrorCode("gpu_probe_failed")
	ErrProbeTimeout          = errors.ErrorCode("gpu_probe_timeout")
	ErrNotAvailable          = errors.ErrorCode("gpu_not_available")
	ErrShutdownFailed        = errors.ErrorCode("gpu_shutdown_failed")
	ErrSetPowerLimit         = errors.ErrorCode("gpu_set_power_limit_failed")
	ErrSetFanSpeed           = errors.ErrorCode("gpu_set_fan_speed_failed")
	ErrTemperatureReadFailed = errors.ErrorCode("gpu_temperature_read_failed")
)

// nvmlError represents an NVML-specific error
type nvmlError struct {
	ret nvml.Return
}

func (e nvmlError) Error() string {
	return nvml.ErrorString(e.ret)
}

// newNVMLError creates an error from an NVML return code
func newNVMLError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}
	return &nvmlError{ret: ret}
}

// IsNVMLSuccess checks if a Return value indicates success
func IsNVMLSuccess(ret nvml.Return) bool {
	return ret == nvml.SUCCESS
}
