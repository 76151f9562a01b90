package engine_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/asicsim/internal/domain"
	"codeberg.org/mutker/asicsim/internal/engine"
	"codeberg.org/mutker/asicsim/internal/errors"
	"codeberg.org/mutker/asicsim/internal/logger"
	"codeberg.org/mutker/asicsim/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.Init(false, false, true)
	os.Exit(m.Run())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(clock *fakeClock) engine.Config {
	return engine.Config{
		Listen:         "127.0.0.1:0",
		Units:          3,
		NominalPowerW:  3250,
		NominalRateMHS: 13500000,
		AmbientTempC:   25,
		MaxTempC:       95,
		RThermal:       0.018,
		CThermal:       2500,
		NonceErrorRate: 0.0005,
		SilencePeriod:  20 * time.Minute,
		ShareMean:      100 * time.Millisecond,
		ShareJitter:    10 * time.Millisecond,
		ShareFloor:     10 * time.Millisecond,
		InitialProfile: domain.Balanced,
		Telemetry:      telemetry.Config{Enabled: false},
		ProbeTimeout:   5 * time.Millisecond,
		Seed:           42,
		Clock:          clock.Now,
	}
}

func startEngine(t *testing.T, cfg engine.Config) *engine.Engine {
	t.Helper()

	eng, err := engine.New(cfg)
	require.NoError(t, err)
	require.NoError(t, eng.Init())
	t.Cleanup(func() { eng.Shutdown() })

	return eng
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	clock := newFakeClock()

	cfg := testConfig(clock)
	cfg.Units = 0
	_, err := engine.New(cfg)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, engine.ErrInvalidConfig))

	cfg = testConfig(clock)
	cfg.NominalPowerW = -1
	_, err = engine.New(cfg)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, engine.ErrInvalidConfig))
}

func TestLifecycle(t *testing.T) {
	clock := newFakeClock()
	eng, err := engine.New(testConfig(clock))
	require.NoError(t, err)

	assert.Equal(t, engine.Uninitialized, eng.Current())
	require.NoError(t, eng.Init())
	assert.Equal(t, engine.Active, eng.Current())

	err = eng.Init()
	require.Error(t, err, "second Init must be rejected")
	assert.True(t, errors.HasCode(err, engine.ErrInvalidState))

	require.NoError(t, eng.Shutdown())
	assert.Equal(t, engine.Stopped, eng.Current())
	require.NoError(t, eng.Shutdown(), "shutdown is idempotent")
}

func TestShutdownWithoutInit(t *testing.T) {
	clock := newFakeClock()
	eng, err := engine.New(testConfig(clock))
	require.NoError(t, err)

	require.NoError(t, eng.Shutdown())
	assert.Equal(t, engine.Stopped, eng.Current())
}

func TestFeedPower(t *testing.T) {
	clock := newFakeClock()
	eng := startEngine(t, testConfig(clock))

	clock.Advance(time.Second)
	require.NoError(t, eng.FeedPower(3250))

	err := eng.FeedPower(-1)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
}

func TestFeedPowerBeforeInit(t *testing.T) {
	clock := newFakeClock()
	eng, err := engine.New(testConfig(clock))
	require.NoError(t, err)

	err = eng.FeedPower(3250)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, engine.ErrNotActive))
}

func TestApplyProfileBeforeInit(t *testing.T) {
	clock := newFakeClock()
	eng, err := engine.New(testConfig(clock))
	require.NoError(t, err)

	err = eng.ApplyProfile("balanced")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, engine.ErrNotActive))
}

func TestSnapshotBeforeInit(t *testing.T) {
	clock := newFakeClock()
	eng, err := engine.New(testConfig(clock))
	require.NoError(t, err)

	snapshot := eng.Snapshot()
	assert.Empty(t, snapshot.Summary)
	assert.Empty(t, snapshot.Devs)

	// A never-initialized engine stays inert after shutdown too.
	require.NoError(t, eng.Shutdown())
	assert.Empty(t, eng.Snapshot().Summary)
	err = eng.ApplyProfile("balanced")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, engine.ErrNotActive))
}

func TestShareCountersAppearInSnapshot(t *testing.T) {
	clock := newFakeClock()
	eng := startEngine(t, testConfig(clock))

	released := 0
	for i := 0; i < 50; i++ {
		clock.Advance(200 * time.Millisecond)
		if eng.ShouldSubmitShare() {
			released++
		}
	}
	require.Positive(t, released)

	summary := eng.Snapshot().Summary[0]
	assert.Equal(t, uint64(released), summary.Accepted+summary.Rejected,
		"every released share lands in exactly one counter")
}

func TestEvaluateUnit(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(clock)
	cfg.NonceErrorRate = 0
	eng := startEngine(t, cfg)

	_, ok := eng.EvaluateUnit(-1)
	assert.False(t, ok)
	_, ok = eng.EvaluateUnit(cfg.Units)
	assert.False(t, ok)

	// Unit 0 starts silenced; unit 1 must pass with a zero error rate.
	_, ok = eng.EvaluateUnit(1)
	assert.True(t, ok)
	_, ok = eng.EvaluateUnit(0)
	assert.False(t, ok, "silenced unit drops every nonce")
}

func TestSnapshotTotalHashesGrow(t *testing.T) {
	clock := newFakeClock()
	eng := startEngine(t, testConfig(clock))

	clock.Advance(time.Minute)
	first := eng.Snapshot().Summary[0].TotalMH
	clock.Advance(time.Minute)
	second := eng.Snapshot().Summary[0].TotalMH

	assert.Greater(t, second, first)
}

func TestApplyProfile(t *testing.T) {
	clock := newFakeClock()
	eng := startEngine(t, testConfig(clock))

	require.NoError(t, eng.ApplyProfile("high_performance"))

	err := eng.ApplyProfile("turbo")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, domain.ErrUnknownProfile))
}

func TestConfRoundTripOverHTTP(t *testing.T) {
	clock := newFakeClock()
	eng := startEngine(t, testConfig(clock))
	require.NotEmpty(t, eng.APIAddr())
	base := "http://" + eng.APIAddr()

	body := []byte(`{"freq": 500, "volt": 1350, "fan": 20, "power-strict": 3425}`)
	resp, err := http.Post(base+"/cgi-bin/set_miner_conf.cgi", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/cgi-bin/get_miner_status.cgi")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc struct {
		Fans []struct {
			Speed int `json:"Speed"`
		} `json:"FANS"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	require.NotEmpty(t, doc.Fans)
	for _, fan := range doc.Fans {
		assert.InDelta(t, 20*60, fan.Speed, 51, "fan rpm must follow the posted duty")
	}
}

func TestBindFailureContinuesSimulationOnly(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(clock)
	cfg.Listen = "203.0.113.1:0" // TEST-NET address, never assigned locally

	eng, err := engine.New(cfg)
	require.NoError(t, err)
	require.NoError(t, eng.Init(), "bind failure must not abort initialization")
	t.Cleanup(func() { eng.Shutdown() })

	assert.Equal(t, engine.Active, eng.Current())
	assert.Empty(t, eng.APIAddr())

	clock.Advance(time.Second)
	require.NoError(t, eng.FeedPower(3250), "simulation keeps running without the API")
}

func TestDeterministicWithFixedSeed(t *testing.T) {
	run := func() []bool {
		clock := newFakeClock()
		cfg := testConfig(clock)
		cfg.Listen = "127.0.0.1:0"
		eng := startEngine(t, cfg)

		var outcomes []bool
		for i := 0; i < 40; i++ {
			clock.Advance(150 * time.Millisecond)
			outcomes = append(outcomes, eng.ShouldSubmitShare())
		}
		eng.Shutdown()
		return outcomes
	}

	assert.Equal(t, run(), run(), "fixed seed and clock must reproduce the share pattern")
}
