// Package engine owns the lifecycle of the emulation subsystems and
// exposes the single integration surface consumed by the mining loop:
// FeedPower, ShouldSubmitShare, EvaluateUnit, Snapshot and ApplyProfile.
package engine

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/asicsim/internal/api"
	"codeberg.org/mutker/asicsim/internal/domain"
	"codeberg.org/mutker/asicsim/internal/errors"
	"codeberg.org/mutker/asicsim/internal/faults"
	"codeberg.org/mutker/asicsim/internal/gpu"
	"codeberg.org/mutker/asicsim/internal/logger"
	"codeberg.org/mutker/asicsim/internal/observability"
	"codeberg.org/mutker/asicsim/internal/status"
	"codeberg.org/mutker/asicsim/internal/telemetry"
	"codeberg.org/mutker/asicsim/internal/thermal"
	"codeberg.org/mutker/asicsim/internal/timing"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultProbeTimeout = 2 * time.Second
	shutdownGrace       = 5 * time.Second
	recordTimeout       = time.Second

	// Fraction of released shares the emulated pool rejects, so the
	// Pool Rejected% field carries a realistic nonzero value.
	poolRejectFraction = 0.01

	bestShareBits = 40
)

// Config assembles the engine's subsystem parameters. The caller supplies
// it at construction; there is no ambient global configuration.
type Config struct {
	Listen         string
	Metrics        bool
	Units          int
	NominalPowerW  float64
	NominalRateMHS float64
	AmbientTempC   float64
	MaxTempC       float64
	RThermal       float64
	CThermal       float64
	NonceErrorRate float64
	SilencePeriod  time.Duration
	ShareMean      time.Duration
	ShareJitter    time.Duration
	ShareFloor     time.Duration
	InitialProfile domain.ProfileName
	Telemetry      telemetry.Config
	ProbeTimeout   time.Duration

	// Seed fixes all randomness for reproducible runs; 0 means time-based.
	Seed int64
	// Clock overrides time.Now, used by tests to drive the simulation.
	Clock func() time.Time
	// Registry receives the engine's Prometheus metrics; nil gets a
	// private registry.
	Registry prometheus.Registerer
}

// Engine is the emulation orchestrator.
type Engine struct {
	cfg   Config
	state atomic.Int32

	thermal  *thermal.Model
	faults   *faults.Injector
	timing   *timing.Controller
	domain   *domain.Controller
	native   *gpu.Channel
	server   *api.Server
	obs      *observability.Collector
	recorder telemetry.Recorder

	sessionID string
	startedAt time.Time
	clock     func() time.Time

	// mu guards counters and rng. Subsystems carry their own locks; no
	// I/O happens while mu is held.
	mu       sync.Mutex
	counters status.Counters
	rng      *rand.Rand

	shutdownOnce sync.Once
	shutdownErr  error
}

// New constructs an engine in the Uninitialized state.
func New(cfg Config) (*Engine, error) {
	errFactory := errors.New()

	if cfg.Units <= 0 {
		return nil, errFactory.WithMessage(ErrInvalidConfig, "unit count must be positive").
			WithData(cfg.Units)
	}
	if cfg.NominalPowerW < 0 {
		return nil, errFactory.WithMessage(ErrInvalidConfig, "nominal power must be non-negative").
			WithData(cfg.NominalPowerW)
	}
	if cfg.InitialProfile == "" {
		cfg.InitialProfile = domain.Balanced
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = clock().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	now := clock()

	model := thermal.NewModel(thermal.Config{
		RThermal:     cfg.RThermal,
		CThermal:     cfg.CThermal,
		InitialTempC: cfg.AmbientTempC,
		AmbientC:     cfg.AmbientTempC,
		CeilingC:     cfg.MaxTempC,
		Rand:         rand.New(rand.NewSource(seed + 1)),
	})

	injector, err := faults.New(faults.Config{
		NonceErrorRate: cfg.NonceErrorRate,
		UnitCount:      cfg.Units,
		SilencePeriod:  cfg.SilencePeriod,
		OptimalTempC:   cfg.AmbientTempC + 40,
		StartedAt:      now,
		Rand:           rand.New(rand.NewSource(seed + 2)),
	})
	if err != nil {
		return nil, err
	}

	gate, err := timing.New(timing.Config{
		MeanInterval:  cfg.ShareMean,
		JitterStddev:  cfg.ShareJitter,
		FloorInterval: cfg.ShareFloor,
		Rand:          rand.New(rand.NewSource(seed + 3)),
	})
	if err != nil {
		return nil, err
	}

	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	obs, err := observability.NewCollector(reg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		thermal:   model,
		faults:    injector,
		timing:    gate,
		obs:       obs,
		sessionID: uuid.NewString(),
		startedAt: now,
		clock:     clock,
		rng:       rng,
	}
	e.state.Store(int32(Uninitialized))

	return e, nil
}

// Init probes the native channel, primes the thermal model, and starts the
// telemetry API server. A bind failure is logged and the engine continues
// in simulation-only mode; only an invalid initial profile is fatal.
func (e *Engine) Init() error {
	errFactory := errors.New()

	if !e.state.CompareAndSwap(int32(Uninitialized), int32(Initializing)) {
		return errFactory.WithData(ErrInvalidState, e.Current().String())
	}

	e.native = gpu.Probe(e.cfg.ProbeTimeout)
	if e.native.Available() {
		// Real silicon gives a better starting temperature than the
		// configured ambient.
		if deviceTempC, err := e.native.ReadTemperature(); err == nil {
			e.thermal.Calibrate(float64(deviceTempC))
			logger.Debug().
				Str("device", e.native.Name()).
				Int("device_temp_c", deviceTempC).
				Msg("Thermal model calibrated from native device")
		}
	}

	controller, err := domain.NewController(e.native, e.cfg.InitialProfile)
	if err != nil {
		e.state.Store(int32(Uninitialized))
		return errFactory.Wrap(errors.ErrInitEngine, err)
	}
	e.domain = controller

	recorder, err := telemetry.NewService(e.cfg.Telemetry)
	if err != nil {
		// History recording is an extra; never fatal.
		logger.Warn().AnErr("error", err).Msg("Telemetry recorder unavailable, snapshots will not be persisted")
	} else {
		e.recorder = recorder
	}

	// Prime the model so the first snapshot reports a plausible warm
	// temperature instead of ambient.
	e.thermal.Update(e.cfg.NominalPowerW, e.clock())

	server := api.NewServer(api.Config{
		Listen:  e.cfg.Listen,
		Metrics: e.cfg.Metrics,
	}, e, e.obs)
	if err := server.Start(); err != nil {
		logger.ErrorWithCode(toCoded(err)).Msg("Telemetry API unreachable, continuing in simulation-only mode")
	} else {
		e.server = server
	}

	e.state.Store(int32(Active))
	logger.Info().
		Str("session_id", e.sessionID).
		Int("units", e.cfg.Units).
		Bool("native_channel", e.native.Available()).
		Bool("api_reachable", e.server != nil).
		Msg("Emulation engine active")

	return nil
}

// Current returns the lifecycle state.
func (e *Engine) Current() State {
	return State(e.state.Load())
}

// APIAddr returns the bound API address, or an empty string when the
// engine runs without a reachable API.
func (e *Engine) APIAddr() string {
	if e.server == nil {
		return ""
	}
	return e.server.Addr()
}

// FeedPower advances the thermal simulation with the mining loop's real
// power draw. Negative power is a programmer error in the calling loop and
// is rejected rather than clamped.
func (e *Engine) FeedPower(watts float64) error {
	errFactory := errors.New()

	if e.Current() != Active {
		return errFactory.WithData(ErrNotActive, e.Current().String())
	}
	if watts < 0 {
		return errFactory.WithMessage(errors.ErrInvalidArgument, "negative power").WithData(watts)
	}

	now := e.clock()
	e.thermal.Update(watts, now)

	temp := e.thermal.State().JunctionTempC
	e.faults.ObserveTemperature(now, temp)

	e.obs.JunctionTemp.Set(temp)
	e.obs.ErrorRate.Set(e.faults.Profile(now).NonceErrorRate)

	return nil
}

// ShouldSubmitShare reports whether the mining loop may submit a share
// now. Released shares advance the cumulative counters.
func (e *Engine) ShouldSubmitShare() bool {
	if e.Current() != Active {
		return false
	}

	if !e.timing.ShouldSubmit(e.clock()) {
		e.obs.SharesGated.Inc()
		return false
	}

	e.mu.Lock()
	if e.rng.Float64() < poolRejectFraction {
		e.counters.Rejected++
	} else {
		e.counters.Accepted++
	}
	if candidate := uint64(e.rng.Int63n(1 << bestShareBits)); candidate > e.counters.BestShare {
		e.counters.BestShare = candidate
	}
	e.mu.Unlock()

	e.obs.SharesAccepted.Inc()

	return true
}

// EvaluateUnit asks the fault injector whether the nonce computed by the
// given board survives; the returned value stands in for the nonce.
func (e *Engine) EvaluateUnit(unitID int) (uint32, bool) {
	if e.Current() != Active {
		return 0, false
	}
	if unitID < 0 || unitID >= e.cfg.Units {
		logger.Debug().Int("unit_id", unitID).Msg("Evaluation for unknown unit")
		return 0, false
	}

	now := e.clock()
	if e.faults.Evaluate(now, unitID) == faults.Dropped {
		e.mu.Lock()
		e.counters.HardwareErrors++
		e.mu.Unlock()
		e.obs.NoncesDropped.Inc()
		e.obs.SilencedUnit.Set(float64(e.faults.Profile(now).SilencedUnit))
		return 0, false
	}

	e.mu.Lock()
	value := e.rng.Uint32()
	e.mu.Unlock()

	return value, true
}

// ApplyProfile switches the active operating profile.
func (e *Engine) ApplyProfile(name string) error {
	errFactory := errors.New()

	if e.Current() != Active {
		return errFactory.WithData(ErrNotActive, e.Current().String())
	}

	return e.domain.Apply(name)
}

// SetMinerConf applies an explicit operating point from the API write
// path. Range validation happened at the API boundary.
func (e *Engine) SetMinerConf(freqMHz, voltMV, fanPercent, powerLimitW int) error {
	e.domain.ApplyRaw(domain.Config{
		VoltageMV:    voltMV,
		FrequencyMHz: freqMHz,
		PowerLimitW:  powerLimitW,
		FanPercent:   fanPercent,
	})

	return nil
}

// Snapshot builds a fresh, fully populated status document. State is
// copied under short locks; the document is assembled outside them.
// Outside the Active and ShuttingDown states the subsystems are not
// (or no longer) wired, so an empty document is returned instead.
// Requests draining during shutdown still get a full document.
func (e *Engine) Snapshot() status.Snapshot {
	if state := e.Current(); state != Active && state != ShuttingDown {
		return status.Snapshot{}
	}

	now := e.clock()

	e.mu.Lock()
	// Total hashes only ever grow with elapsed time.
	totalMH := now.Sub(e.startedAt).Seconds() * e.cfg.NominalRateMHS
	if totalMH > e.counters.TotalMH {
		e.counters.TotalMH = totalMH
	}
	counters := e.counters
	snapSeed := e.rng.Int63()
	e.mu.Unlock()

	input := status.BuildInput{
		Now:           now,
		StartedAt:     e.startedAt,
		JunctionTempC: e.thermal.Read(),
		Units:         e.cfg.Units,
		NominalMHS:    e.cfg.NominalRateMHS,
		Fault:         e.faults.Profile(now),
		Domain:        e.domain.Active(),
		Counters:      counters,
		Rand:          rand.New(rand.NewSource(snapSeed)),
	}

	snapshot := status.Build(input)
	e.record(now, &snapshot, input)

	return snapshot
}

func (e *Engine) record(now time.Time, snapshot *status.Snapshot, input status.BuildInput) {
	if e.recorder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	row := &telemetry.SnapshotRow{
		Timestamp:      now,
		SessionID:      e.sessionID,
		JunctionTempC:  input.JunctionTempC,
		AvgRateMHS:     snapshot.Summary[0].MHSAv,
		Accepted:       input.Counters.Accepted,
		Rejected:       input.Counters.Rejected,
		HardwareErrors: input.Counters.HardwareErrors,
		ErrorRate:      input.Fault.NonceErrorRate,
		SilencedUnit:   input.Fault.SilencedUnit,
		Profile:        string(input.Domain.Name),
		PowerLimitW:    input.Domain.PowerLimitW,
		FanPercent:     input.Domain.FanPercent,
	}
	if err := e.recorder.Record(ctx, row); err != nil {
		logger.Warn().AnErr("error", err).Msg("Failed to record snapshot")
	}
}

// Shutdown stops the engine. It is idempotent: the first call from any
// state performs the teardown, later calls return the same result.
func (e *Engine) Shutdown() error {
	e.shutdownOnce.Do(func() {
		if e.Current() == Uninitialized {
			e.state.Store(int32(Stopped))
			return
		}

		e.state.Store(int32(ShuttingDown))

		if e.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			if err := e.server.Shutdown(ctx); err != nil {
				logger.Warn().AnErr("error", err).Msg("Telemetry API shutdown exceeded grace period")
				e.shutdownErr = err
			}
			cancel()
		}

		if e.recorder != nil {
			if err := e.recorder.Close(); err != nil {
				logger.Warn().AnErr("error", err).Msg("Failed to close telemetry recorder")
				if e.shutdownErr == nil {
					e.shutdownErr = err
				}
			}
		}

		if e.native != nil {
			e.native.Shutdown()
		}

		e.state.Store(int32(Stopped))
		logger.Info().Str("session_id", e.sessionID).Msg("Emulation engine stopped")
	})

	return e.shutdownErr
}

func toCoded(err error) errors.Error {
	var coded errors.Error
	if errors.As(err, &coded) {
		return coded
	}

	return errors.New().Wrap(errors.ErrInternal, err)
}
