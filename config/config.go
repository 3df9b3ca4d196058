/*
config.go - Server configuration

SOURCES (later wins):
  1. Defaults
  2. .env file (path from LEAVE_ENV_FILE, default ".env"; missing file is fine)
  3. Environment variables
  4. Command-line flags

KEYS:
  LEAVE_PORT              -port            HTTP port (8080)
  LEAVE_DB_DRIVER         -driver          sqlite | postgres | memory (sqlite)
  LEAVE_DB_PATH           -db              SQLite path, ":memory:" allowed (leave.db)
  LEAVE_POSTGRES_DSN      -postgres-dsn    Required when driver is postgres
  LEAVE_LOG_LEVEL         -log-level       debug | info | warn | error (info)
  LEAVE_LOG_FORMAT        -log-format      json | console (json)
  LEAVE_CORS_ORIGINS                       Comma-separated allowed origins
  LEAVE_STALE_AFTER                        Age of a stale request (72h)
  LEAVE_MONITOR_INTERVAL                   Stale check period (1h)
  LEAVE_MONITOR_ENABLED                    Run the stale monitor (true)
  LEAVE_REJECT_OVERLAPS   -reject-overlaps Refuse overlapping requests (false)
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port        int
	DBDriver    string
	DBPath      string
	PostgresDSN string

	LogLevel  string
	LogFormat string

	CORSOrigins []string

	StaleAfter      time.Duration
	MonitorInterval time.Duration
	MonitorEnabled  bool

	RejectOverlaps bool
}

func Default() Config {
	return Config{
		Port:            8080,
		DBDriver:        DriverSQLite,
		DBPath:          "leave.db",
		LogLevel:        "info",
		LogFormat:       "json",
		CORSOrigins:     []string{"http://localhost:5173", "http://localhost:8080"},
		StaleAfter:      72 * time.Hour,
		MonitorInterval: time.Hour,
		MonitorEnabled:  true,
	}
}

// Load builds the configuration from every source and validates it.
// args are the command-line arguments without the program name.
func Load(args []string) (Config, error) {
	envFile := getEnv("LEAVE_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.applyFlags(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error

	if c.Port, err = getEnvAsInt("LEAVE_PORT", c.Port); err != nil {
		return err
	}
	c.DBDriver = getEnv("LEAVE_DB_DRIVER", c.DBDriver)
	c.DBPath = getEnv("LEAVE_DB_PATH", c.DBPath)
	c.PostgresDSN = getEnv("LEAVE_POSTGRES_DSN", c.PostgresDSN)
	c.LogLevel = getEnv("LEAVE_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LEAVE_LOG_FORMAT", c.LogFormat)

	if raw, ok := os.LookupEnv("LEAVE_CORS_ORIGINS"); ok {
		c.CORSOrigins = splitList(raw)
	}

	if c.StaleAfter, err = getEnvAsDuration("LEAVE_STALE_AFTER", c.StaleAfter); err != nil {
		return err
	}
	if c.MonitorInterval, err = getEnvAsDuration("LEAVE_MONITOR_INTERVAL", c.MonitorInterval); err != nil {
		return err
	}
	if c.MonitorEnabled, err = getEnvAsBool("LEAVE_MONITOR_ENABLED", c.MonitorEnabled); err != nil {
		return err
	}
	if c.RejectOverlaps, err = getEnvAsBool("LEAVE_REJECT_OVERLAPS", c.RejectOverlaps); err != nil {
		return err
	}
	return nil
}

// applyFlags parses args with the current values as defaults, so a flag
// only changes what it names.
func (c *Config) applyFlags(args []string) error {
	set := flag.NewFlagSet("server", flag.ContinueOnError)
	set.IntVar(&c.Port, "port", c.Port, "HTTP server port")
	set.StringVar(&c.DBDriver, "driver", c.DBDriver, "storage driver: sqlite, postgres or memory")
	set.StringVar(&c.DBPath, "db", c.DBPath, "SQLite database path")
	set.StringVar(&c.PostgresDSN, "postgres-dsn", c.PostgresDSN, "PostgreSQL connection string")
	set.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level")
	set.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: json or console")
	set.BoolVar(&c.RejectOverlaps, "reject-overlaps", c.RejectOverlaps, "refuse overlapping leave requests")
	return set.Parse(args)
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}

	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("LEAVE_DB_PATH is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("LEAVE_POSTGRES_DSN is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown db driver %q", c.DBDriver))
	}

	if c.StaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("stale after must be positive, got %s", c.StaleAfter))
	}
	if c.MonitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("monitor interval must be positive, got %s", c.MonitorInterval))
	}

	return errors.Join(errs...)
}

// =============================================================================
// ENV HELPERS
// =============================================================================

func getEnv(key string, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getEnvAsBool(key string, defaultVal bool) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getEnvAsDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return defaultVal, nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
