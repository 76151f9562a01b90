// Package domain maps named operating profiles to concrete control
// parameters and forwards them to the native control channel when one was
// detected at startup. Forwarding is best-effort: the in-memory active
// config is always swapped so telemetry stays internally consistent even
// when no real hardware responds.
package domain

import (
	"sync/atomic"
	"time"

	"codeberg.org/mutker/asicsim/internal/errors"
	"codeberg.org/mutker/asicsim/internal/logger"
)

const (
	ErrUnknownProfile = errors.ErrorCode("domain_unknown_profile")
	ErrInvalidConfig  = errors.ErrorCode("domain_invalid_config")
)

const defaultForwardTimeout = 2 * time.Second

// ProfileName identifies one operating point.
type ProfileName string

const (
	LowPower        ProfileName = "low_power"
	Balanced        ProfileName = "balanced"
	HighPerformance ProfileName = "high_performance"
)

// Config is one immutable operating point.
type Config struct {
	Name         ProfileName
	VoltageMV    int
	FrequencyMHz int
	PowerLimitW  int
	FanPercent   int
}

// NativeChannel is the optional hardware forwarding path. *gpu.Channel
// satisfies it.
type NativeChannel interface {
	Available() bool
	ForwardPowerLimit(watts int) error
	ForwardFanSpeed(percent int) error
}

// Controller owns the profile table and the active config pointer.
type Controller struct {
	table          map[ProfileName]Config
	native         NativeChannel
	forwardTimeout time.Duration
	active         atomic.Pointer[Config]
}

// DefaultTable returns the built-in operating profiles.
func DefaultTable() map[ProfileName]Config {
	return map[ProfileName]Config{
		LowPower: {
			Name:         LowPower,
			VoltageMV:    1100,
			FrequencyMHz: 400,
			PowerLimitW:  2400,
			FanPercent:   60,
		},
		Balanced: {
			Name:         Balanced,
			VoltageMV:    1225,
			FrequencyMHz: 450,
			PowerLimitW:  2800,
			FanPercent:   75,
		},
		HighPerformance: {
			Name:         HighPerformance,
			VoltageMV:    1350,
			FrequencyMHz: 500,
			PowerLimitW:  3425,
			FanPercent:   100,
		},
	}
}

// NewController builds a controller around the given native channel, which
// must already have been probed; the controller never re-probes. A nil
// channel means simulation-only.
func NewController(native NativeChannel, initial ProfileName) (*Controller, error) {
	errFactory := errors.New()

	c := &Controller{
		table:          DefaultTable(),
		native:         native,
		forwardTimeout: defaultForwardTimeout,
	}

	cfg, ok := c.table[initial]
	if !ok {
		return nil, errFactory.WithData(ErrUnknownProfile, string(initial))
	}
	c.swap(cfg)

	return c, nil
}

// Apply looks up a named profile and makes it active. Unknown names are
// rejected with state unchanged. Native forwarding failures are logged,
// never returned.
func (c *Controller) Apply(name string) error {
	errFactory := errors.New()

	cfg, ok := c.table[ProfileName(name)]
	if !ok {
		return errFactory.WithData(ErrUnknownProfile, name)
	}

	c.swap(cfg)
	logger.Info().
		Str("profile", name).
		Int("power_limit_w", cfg.PowerLimitW).
		Int("fan_percent", cfg.FanPercent).
		Msg("Operating profile applied")

	return nil
}

// ApplyRaw makes an explicit numeric operating point active, used by the
// configuration API. Values must already be validated by the caller.
func (c *Controller) ApplyRaw(cfg Config) {
	if cfg.Name == "" {
		cfg.Name = "custom"
	}
	c.swap(cfg)
	logger.Info().
		Int("frequency_mhz", cfg.FrequencyMHz).
		Int("voltage_mv", cfg.VoltageMV).
		Int("power_limit_w", cfg.PowerLimitW).
		Int("fan_percent", cfg.FanPercent).
		Msg("Raw operating config applied")
}

// Active returns the current operating config.
func (c *Controller) Active() Config {
	return *c.active.Load()
}

// Profiles returns the known profile names.
func (c *Controller) Profiles() []ProfileName {
	names := make([]ProfileName, 0, len(c.table))
	for name := range c.table {
		names = append(names, name)
	}

	return names
}

func (c *Controller) swap(cfg Config) {
	c.active.Store(&cfg)
	c.forward(cfg)
}

// forward pushes the operating point to the native channel, fire-and-forget
// with a bounded timeout so a wedged driver call cannot stall the caller.
func (c *Controller) forward(cfg Config) {
	if c.native == nil || !c.native.Available() {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.native.ForwardPowerLimit(cfg.PowerLimitW); err != nil {
			logger.Warn().AnErr("error", err).Msg("Native power limit forwarding failed")
		}
		if err := c.native.ForwardFanSpeed(cfg.FanPercent); err != nil {
			logger.Warn().AnErr("error", err).Msg("Native fan speed forwarding failed")
		}
	}()

	select {
	case <-done:
	case <-time.After(c.forwardTimeout):
		logger.Warn().
			Dur("timeout", c.forwardTimeout).
			Msg("Native forwarding still in flight, not waiting")
	}
}
