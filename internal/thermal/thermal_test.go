package thermal_test

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"codeberg.org/mutker/asicsim/internal/thermal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newModel(t *testing.T, cfg thermal.Config) *thermal.Model {
	t.Helper()
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(1))
	}
	return thermal.NewModel(cfg)
}

func TestBoundedness(t *testing.T) {
	model := newModel(t, thermal.Config{
		RThermal:     1.5,
		CThermal:     250,
		InitialTempC: 65,
		AmbientC:     25,
		CeilingC:     95,
	})

	rng := rand.New(rand.NewSource(42))
	now := time.Unix(1700000000, 0)

	for i := 0; i < 5000; i++ {
		power := rng.Float64() * 5000
		now = now.Add(time.Duration(rng.Intn(30)) * time.Second)
		model.Update(power, now)

		temp := model.Read()
		assert.GreaterOrEqual(t, temp, 25.0, "temperature below ambient floor at step %d", i)
		assert.LessOrEqual(t, temp, 95.0, "temperature above ceiling at step %d", i)
		assert.False(t, math.IsNaN(temp), "temperature not finite at step %d", i)
	}
}

func TestConvergence(t *testing.T) {
	const power = 3000.0

	model := newModel(t, thermal.Config{
		RThermal:     0.02,
		CThermal:     2500,
		InitialTempC: 25,
		AmbientC:     25,
		CeilingC:     95,
	})

	target := power * 0.02
	now := time.Unix(1700000000, 0)
	model.Update(power, now) // primes lastUpdate

	prevErr := math.Abs(target - model.State().JunctionTempC)
	for i := 0; i < 600; i++ {
		now = now.Add(time.Second)
		model.Update(power, now)

		err := math.Abs(target - model.State().JunctionTempC)
		assert.LessOrEqual(t, err, prevErr, "error grew at step %d", i)
		prevErr = err
	}

	// After 600s with tau=50s the model is essentially settled.
	assert.InDelta(t, target, model.State().JunctionTempC, 0.01)
}

func TestBackwardClockIsNoOp(t *testing.T) {
	model := newModel(t, thermal.Config{
		RThermal:     0.02,
		CThermal:     2500,
		InitialTempC: 60,
		AmbientC:     25,
		CeilingC:     95,
	})

	now := time.Unix(1700000000, 0)
	model.Update(3000, now)
	model.Update(3000, now.Add(time.Second))
	before := model.State()

	model.Update(3000, now) // clock went backward
	after := model.State()

	assert.Equal(t, before.JunctionTempC, after.JunctionTempC)
	assert.Equal(t, before.LastUpdate, after.LastUpdate, "last update must be monotonically non-decreasing")
}

func TestLargeGapIsClamped(t *testing.T) {
	cfg := thermal.Config{
		RThermal:     0.02,
		CThermal:     2500,
		InitialTempC: 25,
		AmbientC:     25,
		CeilingC:     95,
	}

	stepped := newModel(t, cfg)
	gapped := newModel(t, cfg)

	now := time.Unix(1700000000, 0)
	stepped.Update(3000, now)
	gapped.Update(3000, now)

	// One 60s gap must integrate like thirty 2s steps, not one jump.
	for i := 0; i < 30; i++ {
		now = now.Add(2 * time.Second)
		stepped.Update(3000, now)
	}
	gapped.Update(3000, now)

	assert.InDelta(t, stepped.State().JunctionTempC, gapped.State().JunctionTempC, 1e-9)
}

func TestReadNoiseIsBounded(t *testing.T) {
	model := newModel(t, thermal.Config{
		RThermal:     0.02,
		CThermal:     2500,
		InitialTempC: 60,
		AmbientC:     25,
		CeilingC:     95,
	})

	base := model.State().JunctionTempC
	for i := 0; i < 1000; i++ {
		assert.InDelta(t, base, model.Read(), 0.3001)
	}
}

func TestCalibrateReplacesTemperature(t *testing.T) {
	model := newModel(t, thermal.Config{
		RThermal:     0.02,
		CThermal:     2500,
		InitialTempC: 25,
		AmbientC:     25,
		CeilingC:     95,
	})

	model.Calibrate(62)
	assert.InDelta(t, 62, model.State().JunctionTempC, 1e-9)

	// Out-of-range references are clamped like every other write.
	model.Calibrate(300)
	assert.InDelta(t, 95, model.State().JunctionTempC, 1e-9)
	model.Calibrate(-40)
	assert.InDelta(t, 25, model.State().JunctionTempC, 1e-9)

	// Dynamics continue from the calibrated point.
	now := time.Unix(1700000000, 0)
	model.Calibrate(62)
	model.Update(3000, now)
	model.Update(3000, now.Add(time.Second))
	assert.Less(t, model.State().JunctionTempC, 62.0,
		"temperature must relax toward the 60C target from above")
}

func TestRatedPowerScenario(t *testing.T) {
	// r_thermal=1.5 at full rated power targets a temperature no silicon
	// survives; the scenario verifies monotone convergence toward it with
	// a ceiling high enough not to clip.
	model := newModel(t, thermal.Config{
		RThermal:     1.5,
		CThermal:     250,
		InitialTempC: 65,
		AmbientC:     25,
		CeilingC:     5200,
	})

	target := 3425 * 1.5
	now := time.Unix(1700000000, 0)
	model.Update(3425, now)

	var midTemp float64
	prev := model.State().JunctionTempC
	for i := 1; i <= 3600; i++ {
		now = now.Add(time.Second)
		model.Update(3425, now)

		temp := model.State().JunctionTempC
		require.Greater(t, temp, prev, "temperature did not increase at iteration %d", i)
		require.LessOrEqual(t, temp, 5200.0)
		prev = temp

		if i == 1800 {
			midTemp = temp
		}
	}

	assert.Less(t, math.Abs(target-prev), math.Abs(target-midTemp),
		"final value not closer to target than midpoint")
}
