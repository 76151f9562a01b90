package config

import (
	"os"
	"strings"

	"codeberg.org/mutker/asicsim/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel = "info"

	defaultInterval       = 2
	defaultListenAddress  = ":8080"
	defaultUnits          = 3
	defaultNominalPowerW  = 3250.0
	defaultNominalRateMHS = 13500000.0
	defaultAmbientTempC   = 25.0
	defaultMaxTempC       = 95.0
	defaultRThermal       = 0.018
	defaultCThermal       = 2500.0
	defaultErrorRate      = 0.0005
	defaultSilenceMinutes = 20
	defaultShareMeanSec   = 5.0
	defaultShareJitterSec = 1.5
	defaultShareFloorSec  = 0.5
	defaultProfile        = "balanced"
	defaultTelemetryDB    = "/var/lib/asicsim/telemetry.db"
)

// Config holds the full emulator configuration. Values come from
// /etc/asicsim.toml (or the file named by ASICSIM_CONFIG), overridden by
// command-line flags.
type Config struct {
	Interval       int     `mapstructure:"interval"`
	Listen         string  `mapstructure:"listen"`
	Units          int     `mapstructure:"units"`
	NominalPower   float64 `mapstructure:"nominal_power"`
	NominalRate    float64 `mapstructure:"nominal_mhs"`
	AmbientTemp    float64 `mapstructure:"ambient_temp"`
	MaxTemperature float64 `mapstructure:"max_temperature"`
	RThermal       float64 `mapstructure:"r_thermal"`
	CThermal       float64 `mapstructure:"c_thermal"`
	NonceErrorRate float64 `mapstructure:"nonce_error_rate"`
	SilenceMinutes int     `mapstructure:"silence_minutes"`
	ShareMean      float64 `mapstructure:"share_mean"`
	ShareJitter    float64 `mapstructure:"share_jitter"`
	ShareFloor     float64 `mapstructure:"share_floor"`
	Profile        string  `mapstructure:"profile"`
	Monitor        bool    `mapstructure:"monitor"`
	Telemetry      bool    `mapstructure:"telemetry"`
	TelemetryDB    string  `mapstructure:"database"`
	Metrics        bool    `mapstructure:"metrics"`
	LogLevel       string  `mapstructure:"log_level"`
	Debug          bool    `mapstructure:"debug"`
	Verbose        bool    `mapstructure:"verbose"`
}

// Load reads configuration from file, environment and flags.
func Load() (*Config, error) {
	errFactory := errors.New()

	v := viper.New()
	setDefaults(v)

	fs := pflag.NewFlagSet("asicsim", pflag.ContinueOnError)
	fs.Int("interval", defaultInterval, "Seconds between driver loop ticks")
	fs.String("listen", defaultListenAddress, "Telemetry API listen address")
	fs.Int("units", defaultUnits, "Number of emulated hash boards")
	fs.Float64("nominal-power", defaultNominalPowerW, "Nominal power draw in watts")
	fs.String("profile", defaultProfile, "Initial operating profile")
	fs.Bool("monitor", false, "Log emulated status every tick")
	fs.Bool("telemetry", false, "Record snapshots to the telemetry database")
	fs.String("database", defaultTelemetryDB, "Path to the telemetry database")
	fs.Bool("metrics", true, "Expose Prometheus metrics on the API server")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	bindings := map[string]string{
		"interval":      "interval",
		"listen":        "listen",
		"units":         "units",
		"nominal-power": "nominal_power",
		"profile":       "profile",
		"monitor":       "monitor",
		"telemetry":     "telemetry",
		"database":      "database",
		"metrics":       "metrics",
		"log-level":     "log_level",
		"debug":         "debug",
		"verbose":       "verbose",
	}
	for flagName, key := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	if path := os.Getenv("ASICSIM_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("asicsim")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, errFactory.WithMessage(errors.ErrReadConfig, "Failed to read config file").
				WithData(err.Error())
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interval", defaultInterval)
	v.SetDefault("listen", defaultListenAddress)
	v.SetDefault("units", defaultUnits)
	v.SetDefault("nominal_power", defaultNominalPowerW)
	v.SetDefault("nominal_mhs", defaultNominalRateMHS)
	v.SetDefault("ambient_temp", defaultAmbientTempC)
	v.SetDefault("max_temperature", defaultMaxTempC)
	v.SetDefault("r_thermal", defaultRThermal)
	v.SetDefault("c_thermal", defaultCThermal)
	v.SetDefault("nonce_error_rate", defaultErrorRate)
	v.SetDefault("silence_minutes", defaultSilenceMinutes)
	v.SetDefault("share_mean", defaultShareMeanSec)
	v.SetDefault("share_jitter", defaultShareJitterSec)
	v.SetDefault("share_floor", defaultShareFloorSec)
	v.SetDefault("profile", defaultProfile)
	v.SetDefault("monitor", false)
	v.SetDefault("telemetry", false)
	v.SetDefault("database", defaultTelemetryDB)
	v.SetDefault("metrics", true)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)
}

// Validate checks the loaded configuration for values the emulator
// cannot run with.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if c.Units <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "units must be positive").
			WithData(c.Units)
	}
	if c.NonceErrorRate < 0 || c.NonceErrorRate > 1 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "nonce_error_rate outside [0,1]").
			WithData(c.NonceErrorRate)
	}
	if c.RThermal <= 0 || c.CThermal <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "thermal constants must be positive")
	}
	if c.MaxTemperature <= c.AmbientTemp {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "max_temperature must exceed ambient_temp")
	}
	if c.SilenceMinutes <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "silence_minutes must be positive").
			WithData(c.SilenceMinutes)
	}
	if c.ShareFloor < 0 || c.ShareMean <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "share timing intervals must be positive")
	}

	return nil
}
