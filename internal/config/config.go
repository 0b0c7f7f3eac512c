// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	// GP holds the default prior for newly created models; fit requests
	// may override individual fields.
	GP struct {
		Kernel         string  `env:"GP_KERNEL" envDefault:"rbf"`
		LengthScale    float64 `env:"GP_LENGTH_SCALE" envDefault:"1.0"`
		SignalVariance float64 `env:"GP_SIGNAL_VAR" envDefault:"1.0"`
		NoiseVariance  float64 `env:"GP_NOISE_VAR" envDefault:"1e-6"`
		BiasVariance   float64 `env:"GP_BIAS_VAR" envDefault:"0"`
	}
	// Tune bounds the length-scale search started by the tune endpoint.
	Tune struct {
		MinLengthScale float64 `env:"TUNE_LS_MIN" envDefault:"0.01"`
		MaxLengthScale float64 `env:"TUNE_LS_MAX" envDefault:"100"`
		MaxEvaluations int     `env:"TUNE_MAX_EVALS" envDefault:"40"`
		Tolerance      float64 `env:"TUNE_TOL" envDefault:"1e-4"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.GP.NoiseVariance < 0 {
		return fmt.Errorf("config: GP_NOISE_VAR must be non-negative, got %v", c.GP.NoiseVariance)
	}
	if c.GP.LengthScale <= 0 || c.GP.SignalVariance <= 0 {
		return fmt.Errorf("config: GP_LENGTH_SCALE and GP_SIGNAL_VAR must be positive")
	}
	if c.Tune.MinLengthScale <= 0 || c.Tune.MaxLengthScale < c.Tune.MinLengthScale {
		return fmt.Errorf("config: invalid tune interval [%v, %v]", c.Tune.MinLengthScale, c.Tune.MaxLengthScale)
	}
	if c.Tune.MaxEvaluations <= 0 {
		return fmt.Errorf("config: TUNE_MAX_EVALS must be positive, got %d", c.Tune.MaxEvaluations)
	}
	return nil
}
