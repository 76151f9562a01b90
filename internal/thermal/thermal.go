// Package thermal implements a single-node RC thermal model. Power draw
// charges the node toward power * rThermal with time constant
// rThermal * cThermal, which reproduces the gradual heat-up and cool-down
// curves of a real hash board closely enough for telemetry mimicry.
package thermal

import (
	"math/rand"
	"sync"
	"time"
)

const (
	// maxStep bounds a single integration step. Larger update gaps are
	// integrated as repeated sub-steps so a stalled caller cannot produce
	// a discontinuous temperature jump.
	maxStep = 2 * time.Second

	defaultNoiseC = 0.3
)

// State is a copy of the model's mutable state, safe to hand out.
type State struct {
	JunctionTempC float64
	LastUpdate    time.Time
	RThermal      float64
	CThermal      float64
}

// Model simulates junction temperature in response to time-varying power.
// All methods are safe for concurrent use.
type Model struct {
	mu         sync.Mutex
	tempC      float64
	lastUpdate time.Time
	rThermal   float64
	cThermal   float64
	floorC     float64
	ceilingC   float64
	noiseC     float64
	rng        *rand.Rand
}

// Config holds the model parameters. Rand may be nil, in which case read
// noise is seeded from InitialTempC for reproducibility.
type Config struct {
	RThermal     float64
	CThermal     float64
	InitialTempC float64
	AmbientC     float64
	CeilingC     float64
	NoiseC       float64
	Rand         *rand.Rand
}

func NewModel(cfg Config) *Model {
	noise := cfg.NoiseC
	if noise <= 0 {
		noise = defaultNoiseC
	}

	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(int64(cfg.InitialTempC * 1000)))
	}

	return &Model{
		tempC:    clamp(cfg.InitialTempC, cfg.AmbientC, cfg.CeilingC),
		rThermal: cfg.RThermal,
		cThermal: cfg.CThermal,
		floorC:   cfg.AmbientC,
		ceilingC: cfg.CeilingC,
		noiseC:   noise,
		rng:      rng,
	}
}

// Update advances the simulation to now using the given power draw.
// Negative power and backward clock movement are tolerated, not rejected:
// this model backs a best-effort simulation.
func (m *Model) Update(powerWatts float64, now time.Time) {
	if powerWatts < 0 {
		powerWatts = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastUpdate.IsZero() {
		m.lastUpdate = now
		return
	}

	dt := now.Sub(m.lastUpdate)
	if dt <= 0 {
		return
	}
	m.lastUpdate = now

	target := powerWatts * m.rThermal
	tau := m.rThermal * m.cThermal
	if tau <= 0 {
		m.tempC = clamp(target, m.floorC, m.ceilingC)
		return
	}

	for dt > 0 {
		step := dt
		if step > maxStep {
			step = maxStep
		}
		dt -= step

		frac := step.Seconds() / tau
		if frac > 1 {
			frac = 1
		}
		m.tempC += (target - m.tempC) * frac
	}

	m.tempC = clamp(m.tempC, m.floorC, m.ceilingC)
}

// Calibrate replaces the current junction temperature with an external
// reference reading, clamped to the model's range. The RC dynamics are
// unchanged; only the starting point moves.
func (m *Model) Calibrate(tempC float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tempC = clamp(tempC, m.floorC, m.ceilingC)
}

// Read returns the current junction temperature with bounded symmetric
// noise so repeated polls look like a real sensor.
func (m *Model) Read() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	noisy := m.tempC + (m.rng.Float64()*2-1)*m.noiseC

	return clamp(noisy, m.floorC, m.ceilingC)
}

// State returns a copy of the current model state.
func (m *Model) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return State{
		JunctionTempC: m.tempC,
		LastUpdate:    m.lastUpdate,
		RThermal:      m.rThermal,
		CThermal:      m.cThermal,
	}
}

func clamp(value, minValue, maxValue float64) float64 {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}

	return value
}
