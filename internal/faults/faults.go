// Package faults injects the failure statistics of real hash boards into
// an otherwise perfect compute loop: random nonce drops at a configured
// error rate, a rotating "silent board" window, and a slow degradation of
// the error rate with uptime and thermal stress.
package faults

import (
	"math/rand"
	"sync"
	"time"

	"codeberg.org/mutker/asicsim/internal/errors"
	"codeberg.org/mutker/asicsim/internal/logger"
)

// Decision is the outcome of evaluating one nonce.
type Decision int

const (
	Accepted Decision = iota
	Dropped
)

// Profile is a copy of the injector's current state for snapshot building.
type Profile struct {
	NonceErrorRate   float64
	SilencedUnit     int
	SilenceStartedAt time.Time
	SilencePeriod    time.Duration
}

// Injector drops nonces and silences boards. Safe for concurrent use.
type Injector struct {
	mu            sync.Mutex
	baseRate      float64
	rate          float64
	unitCount     int
	silencedUnit  int
	silenceStart  time.Time
	silencePeriod time.Duration
	optimalTempC  float64
	startedAt     time.Time
	rng           *rand.Rand
}

// Config holds injector parameters. Rand must not be nil so behavior is
// reproducible under test with a fixed seed.
type Config struct {
	NonceErrorRate float64
	UnitCount      int
	SilencePeriod  time.Duration
	OptimalTempC   float64
	StartedAt      time.Time
	Rand           *rand.Rand
}

func New(cfg Config) (*Injector, error) {
	errFactory := errors.New()

	if cfg.UnitCount <= 0 {
		return nil, errFactory.WithData(ErrInvalidUnitCount, cfg.UnitCount)
	}
	if cfg.NonceErrorRate < 0 || cfg.NonceErrorRate > 1 {
		return nil, errFactory.WithData(ErrInvalidRate, cfg.NonceErrorRate)
	}

	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Injector{
		baseRate:      cfg.NonceErrorRate,
		rate:          cfg.NonceErrorRate,
		unitCount:     cfg.UnitCount,
		silencedUnit:  0,
		silenceStart:  cfg.StartedAt,
		silencePeriod: cfg.SilencePeriod,
		optimalTempC:  cfg.OptimalTempC,
		startedAt:     cfg.StartedAt,
		rng:           rng,
	}, nil
}

// Evaluate decides whether the nonce computed by unitID survives. A unit
// inside its silence window drops everything; otherwise the nonce is
// dropped with the current error rate.
func (i *Injector) Evaluate(now time.Time, unitID int) Decision {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.rotateSilence(now)

	if unitID < 0 || unitID >= i.unitCount {
		return Dropped
	}
	if unitID == i.silencedUnit {
		return Dropped
	}
	if i.rate > 0 && i.rng.Float64() < i.rate {
		return Dropped
	}

	return Accepted
}

// ObserveTemperature folds thermal stress into the error rate. The
// effective rate only ever increases; cooling down does not undo wear.
func (i *Injector) ObserveTemperature(now time.Time, tempC float64) {
	i.mu.Lock()
	defer i.mu.Unlock()

	degraded := DegradedRate(i.baseRate, now.Sub(i.startedAt), tempC, i.optimalTempC)
	if degraded > i.rate {
		i.rate = degraded
	}
}

// Profile returns a copy of the current fault state.
func (i *Injector) Profile(now time.Time) Profile {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.rotateSilence(now)

	return Profile{
		NonceErrorRate:   i.rate,
		SilencedUnit:     i.silencedUnit,
		SilenceStartedAt: i.silenceStart,
		SilencePeriod:    i.silencePeriod,
	}
}

// rotateSilence advances the silenced unit when the window elapsed.
// Callers must hold i.mu.
func (i *Injector) rotateSilence(now time.Time) {
	if i.silencePeriod <= 0 {
		return
	}
	if i.silenceStart.IsZero() {
		i.silenceStart = now
		return
	}

	for now.Sub(i.silenceStart) >= i.silencePeriod {
		i.silencedUnit = (i.silencedUnit + 1) % i.unitCount
		i.silenceStart = i.silenceStart.Add(i.silencePeriod)
		logger.Debug().
			Int("silenced_unit", i.silencedUnit).
			Msg("Board silence window rotated")
	}
}

// DegradedRate computes the error rate after uptime and thermal wear. It
// is a pure function: all state lives in the arguments.
//
// Uptime adds roughly one part in 10^6 per hour; every degree above the
// optimal temperature adds 2% of the base rate. The result is capped at 1.
func DegradedRate(baseRate float64, uptime time.Duration, tempC, optimalTempC float64) float64 {
	rate := baseRate

	rate += uptime.Hours() * 1e-6

	if tempC > optimalTempC {
		rate += baseRate * 0.02 * (tempC - optimalTempC)
	}

	if rate > 1 {
		rate = 1
	}

	return rate
}
