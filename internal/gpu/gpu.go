// Package gpu is the optional native control channel. When the emulator
// runs on a host with an NVIDIA GPU, applied profiles are forwarded to the
// real device through NVML on a best-effort basis; when no GPU (or no
// driver) is present, the probe fails quietly and the engine runs in pure
// simulation mode.
package gpu

import (
	"math"
	"sync"
	"time"

	"codeberg.org/mutker/asicsim/internal/errors"
	"codeberg.org/mutker/asicsim/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const milliWattsToWatts = 1000

// Channel wraps a probed NVML device. The zero-value-like channel returned
// for a failed probe reports Available() == false and rejects forwarding
// calls with a coded error.
type Channel struct {
	mu        sync.Mutex
	device    nvml.Device
	name      string
	fanCount  int
	available bool
}

// Probe attempts to initialize NVML and grab the first device within the
// given timeout. The probe runs exactly once per process session; it never
// panics and never fails the caller. The result is meant to be cached for
// the session, not re-probed.
func Probe(timeout time.Duration) *Channel {
	type result struct {
		ch  *Channel
		err error
	}

	done := make(chan result, 1)
	go func() {
		ch, err := probe()
		done <- result{ch: ch, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			logger.Info().
				AnErr("error", res.err).
				Msg("Native control channel unavailable, running simulation-only")
			return &Channel{}
		}
		logger.Info().
			Str("device", res.ch.name).
			Int("fans", res.ch.fanCount).
			Msg("Native control channel detected")
		return res.ch
	case <-time.After(timeout):
		// The probe goroutine is left to finish on its own; its result
		// is discarded.
		logger.Warn().
			Dur("timeout", timeout).
			Msg("Native control channel probe timed out, running simulation-only")
		return &Channel{}
	}
}

func probe() (*Channel, error) {
	errFactory := errors.New()

	if ret := nvml.Init(); !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrProbeFailed, newNVMLError(ret))
	}

	device, ret := nvml.DeviceGetHandleByIndex(0)
	if !IsNVMLSuccess(ret) {
		nvml.Shutdown()
		return nil, errFactory.Wrap(ErrProbeFailed, newNVMLError(ret))
	}

	name, ret := device.GetName()
	if !IsNVMLSuccess(ret) {
		name = "unknown"
	}

	fanCount, ret := device.GetNumFans()
	if !IsNVMLSuccess(ret) {
		fanCount = 0
	}

	return &Channel{
		device:    device,
		name:      name,
		fanCount:  fanCount,
		available: true,
	}, nil
}

// Available reports whether the probe found a controllable device.
func (c *Channel) Available() bool {
	return c.available
}

// Name returns the probed device name, or an empty string when unavailable.
func (c *Channel) Name() string {
	return c.name
}

// ForwardPowerLimit pushes a power limit to the real device.
func (c *Channel) ForwardPowerLimit(watts int) error {
	errFactory := errors.New()

	if !c.available {
		return errFactory.New(ErrNotAvailable)
	}
	if watts < 0 || watts > math.MaxUint32/milliWattsToWatts {
		return errFactory.WithData(errors.ErrInvalidArgument, watts)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ret := c.device.SetPowerManagementLimit(uint32(watts) * milliWattsToWatts); !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrSetPowerLimit, newNVMLError(ret))
	}
	logger.Debug().Msgf("Forwarded power limit: %dW", watts)

	return nil
}

// ForwardFanSpeed pushes a fan duty percentage to every fan on the device.
func (c *Channel) ForwardFanSpeed(percent int) error {
	errFactory := errors.New()

	if !c.available {
		return errFactory.New(ErrNotAvailable)
	}
	if percent < 0 || percent > 100 {
		return errFactory.WithData(errors.ErrInvalidArgument, percent)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < c.fanCount; i++ {
		if ret := nvml.DeviceSetFanSpeed_v2(c.device, i, percent); !IsNVMLSuccess(ret) {
			return errFactory.Wrap(ErrSetFanSpeed, newNVMLError(ret))
		}
	}
	logger.Debug().Msgf("Forwarded fan speed: %d%%", percent)

	return nil
}

// ReadTemperature returns the real device temperature, usable as an
// ambient reference when available.
func (c *Channel) ReadTemperature() (int, error) {
	errFactory := errors.New()

	if !c.available {
		return 0, errFactory.New(ErrNotAvailable)
	}

	temp, ret := c.device.GetTemperature(nvml.TEMPERATURE_GPU)
	if !IsNVMLSuccess(ret) {
		return 0, errFactory.Wrap(ErrTemperatureReadFailed, newNVMLError(ret))
	}

	return int(temp), nil
}

// Shutdown releases NVML. Safe to call on an unavailable channel.
func (c *Channel) Shutdown() {
	if !c.available {
		return
	}

	c.available = false
	if ret := nvml.Shutdown(); !IsNVMLSuccess(ret) {
		logger.Warn().
			AnErr("error", newNVMLError(ret)).
			Msg("NVML shutdown failed")
	}
}
