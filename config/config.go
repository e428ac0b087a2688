/*
config.go - Process configuration

PURPOSE:
  Collects every knob the server reads at startup into one struct.
  Values come from the environment, optionally seeded from a .env file.

PRECEDENCE:
  1. Real environment variables
  2. .env file (never overrides variables already set)
  3. Default()

LIST VALUES:
  Slices are semicolon separated: CORS_ORIGINS="http://a;http://b"
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/warp/intake-engine/store/sqldb"
)

type Config struct {
	Port     int    `env:"PORT"`
	DBDriver string `env:"DB_DRIVER"`
	DBDSN    string `env:"DB_DSN"`
	LogMode  string `env:"LOG_MODE"`

	ProvisionWorkers int    `env:"PROVISION_WORKERS"`
	ProvisionCron    string `env:"PROVISION_CRON"`
	SchedulerEnabled bool   `env:"SCHEDULER_ENABLED"`

	OFFBaseURL    string  `env:"OFF_BASE_URL"`
	OFFRatePerSec float64 `env:"OFF_RATE_PER_SEC"`
	USDABaseURL   string  `env:"USDA_BASE_URL"`
	USDAAPIKey    string  `env:"USDA_API_KEY"`

	APIRatePerSec float64  `env:"API_RATE_PER_SEC"`
	APIRateBurst  int      `env:"API_RATE_BURST"`
	CORSOrigins   []string `env:"CORS_ORIGINS"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
	DemoScenarios   bool          `env:"DEMO_SCENARIOS"`
}

func Default() Config {
	return Config{
		Port:             8080,
		DBDriver:         sqldb.DriverSQLite,
		DBDSN:            "intake.db",
		LogMode:          "production",
		ProvisionWorkers: 4,
		ProvisionCron:    "0 0 * * *",
		SchedulerEnabled: true,
		OFFBaseURL:       "https://world.openfoodfacts.org",
		OFFRatePerSec:    5,
		USDABaseURL:      "https://api.nal.usda.gov/fdc/v1",
		APIRatePerSec:    10,
		APIRateBurst:     20,
		CORSOrigins:      []string{"http://localhost:5173", "http://localhost:8080"},
		ShutdownTimeout:  30 * time.Second,
	}
}

// Load reads envFile when it exists, then overlays the environment on
// Default(). An empty envFile means ".env".
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	switch c.DBDriver {
	case sqldb.DriverSQLite, sqldb.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER %q is not one of %s, %s", c.DBDriver, sqldb.DriverSQLite, sqldb.DriverPostgres))
	}
	if c.DBDSN == "" {
		errs = append(errs, errors.New("DB_DSN is empty"))
	}
	if c.ProvisionWorkers <= 0 {
		errs = append(errs, fmt.Errorf("PROVISION_WORKERS must be positive, got %d", c.ProvisionWorkers))
	}
	if c.SchedulerEnabled {
		if _, err := cron.ParseStandard(c.ProvisionCron); err != nil {
			errs = append(errs, fmt.Errorf("PROVISION_CRON: %w", err))
		}
	}
	for _, o := range c.CORSOrigins {
		if strings.Contains(o, "*") {
			errs = append(errs, fmt.Errorf("CORS_ORIGINS must list explicit origins, got %q", o))
		}
	}
	if c.APIRatePerSec < 0 || c.APIRateBurst < 0 {
		errs = append(errs, errors.New("API rate settings must not be negative"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }
