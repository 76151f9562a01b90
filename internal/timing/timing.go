// Package timing paces share submissions so they match a real device's
// cadence instead of the burst pattern a host CPU would produce.
package timing

import (
	"math/rand"
	"sync"
	"time"

	"codeberg.org/mutker/asicsim/internal/errors"
)

// State is a copy of the controller's mutable state.
type State struct {
	LastSubmission time.Time
	MeanInterval   time.Duration
	JitterStddev   time.Duration
	FloorInterval  time.Duration
}

// Controller gates an event stream to a gaussian inter-arrival
// distribution with a hard floor. Safe for concurrent use.
type Controller struct {
	mu     sync.Mutex
	last   time.Time
	mean   time.Duration
	stddev time.Duration
	floor  time.Duration
	rng    *rand.Rand
}

// Config holds controller parameters. Rand may be nil.
type Config struct {
	MeanInterval  time.Duration
	JitterStddev  time.Duration
	FloorInterval time.Duration
	Rand          *rand.Rand
}

func New(cfg Config) (*Controller, error) {
	errFactory := errors.New()

	if cfg.MeanInterval <= 0 {
		return nil, errFactory.WithData(ErrInvalidMeanInterval, cfg.MeanInterval)
	}
	if cfg.FloorInterval < 0 || cfg.FloorInterval > cfg.MeanInterval {
		return nil, errFactory.WithData(ErrInvalidFloor, cfg.FloorInterval)
	}

	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Controller{
		mean:   cfg.MeanInterval,
		stddev: cfg.JitterStddev,
		floor:  cfg.FloorInterval,
		rng:    rng,
	}, nil
}

// ShouldSubmit reports whether enough time has passed since the last
// submission. A true result records now as the new submission time, so
// two consecutive trues are never closer together than the floor interval.
func (c *Controller) ShouldSubmit(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last.IsZero() {
		c.last = now
		return true
	}

	elapsed := now.Sub(c.last)
	if elapsed < c.floor {
		return false
	}

	target := time.Duration(c.rng.NormFloat64()*float64(c.stddev)) + c.mean
	if target < c.floor {
		target = c.floor
	}

	if elapsed < target {
		return false
	}

	c.last = now

	return true
}

// State returns a copy of the current timing state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return State{
		LastSubmission: c.last,
		MeanInterval:   c.mean,
		JitterStddev:   c.stddev,
		FloorInterval:  c.floor,
	}
}
