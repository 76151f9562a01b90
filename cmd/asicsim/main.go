package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/asicsim/internal/config"
	"codeberg.org/mutker/asicsim/internal/domain"
	"codeberg.org/mutker/asicsim/internal/engine"
	"codeberg.org/mutker/asicsim/internal/logger"
	"codeberg.org/mutker/asicsim/internal/pid"
	"codeberg.org/mutker/asicsim/internal/telemetry"
)

const powerJitter = 0.02

var (
	cfg *config.Config
	eng *engine.Engine
)

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	logger.Debug().Msg("Config loaded")

	eng, err = engine.New(engineConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct emulation engine")
	}
}

func main() {
	if err := pid.Write(); err != nil {
		logger.Fatal().Err(err).Msg("failed to write PID file")
	}
	defer pid.Remove()

	if err := eng.Init(); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize emulation engine")
	}
	defer eng.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := loop(ctx); err != nil {
		logger.Error().Err(err).Msg("error in main loop")
	}
}

// loop is a synthetic mining loop standing in for the external caller:
// it feeds power, computes nonces per board, and paces share submissions
// through the engine exactly the way real integration code would.
func loop(ctx context.Context) error {
	if cfg.Interval <= 0 {
		return fmt.Errorf("invalid interval: %d", cfg.Interval)
	}

	interval := time.Duration(cfg.Interval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	if cfg.Monitor {
		logger.Info().Msg("Monitor mode activated. Logging emulated miner status...")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			watts := cfg.NominalPower * (1 + (rng.Float64()*2-1)*powerJitter)
			if err := eng.FeedPower(watts); err != nil {
				return err
			}

			for unit := 0; unit < cfg.Units; unit++ {
				eng.EvaluateUnit(unit)
			}

			submitted := eng.ShouldSubmitShare()
			logStatus(watts, submitted)
		}
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func logStatus(watts float64, submitted bool) {
	if !cfg.Monitor && !cfg.Verbose && !cfg.Debug {
		return
	}

	snapshot := eng.Snapshot()
	summary := snapshot.Summary[0]

	logger.Info().
		Float64("power_w", watts).
		Float64("temperature", summary.Temperature).
		Float64("mhs_av", summary.MHSAv).
		Uint64("accepted", summary.Accepted).
		Uint64("rejected", summary.Rejected).
		Uint64("hw_errors", summary.HardwareErrors).
		Bool("share_submitted", submitted).
		Msg("")
}

func engineConfig(c *config.Config) engine.Config {
	return engine.Config{
		Listen:         c.Listen,
		Metrics:        c.Metrics,
		Units:          c.Units,
		NominalPowerW:  c.NominalPower,
		NominalRateMHS: c.NominalRate,
		AmbientTempC:   c.AmbientTemp,
		MaxTempC:       c.MaxTemperature,
		RThermal:       c.RThermal,
		CThermal:       c.CThermal,
		NonceErrorRate: c.NonceErrorRate,
		SilencePeriod:  time.Duration(c.SilenceMinutes) * time.Minute,
		ShareMean:      time.Duration(c.ShareMean * float64(time.Second)),
		ShareJitter:    time.Duration(c.ShareJitter * float64(time.Second)),
		ShareFloor:     time.Duration(c.ShareFloor * float64(time.Second)),
		InitialProfile: domain.ProfileName(c.Profile),
		Telemetry: telemetry.Config{
			Enabled: c.Telemetry,
			DBPath:  c.TelemetryDB,
		},
	}
}
