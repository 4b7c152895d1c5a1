package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/neexbeast/weather-etl/internal/handoff"
	"github.com/neexbeast/weather-etl/internal/location"
	"github.com/neexbeast/weather-etl/internal/weather"
)

// ErrMissing is returned when a required variable is unset.
var ErrMissing = errors.New("required environment variable not set")

// Config is built once at startup and passed by value to the components.
type Config struct {
	DatabaseURL string
	RedisURL    string
	BearerToken string

	OpenMeteoURL string
	Timezone     string
	Locations    *location.Registry

	// FetchTimeout and LoadTimeout bound the two run phases.
	FetchTimeout time.Duration
	LoadTimeout  time.Duration
	// HTTPTimeout bounds a single Open-Meteo call.
	HTTPTimeout time.Duration
	// RedisTimeout bounds a single hand-off read or write.
	RedisTimeout time.Duration

	FetchConcurrency int
	FailurePolicy    weather.FailurePolicy
	HandoffTTL       time.Duration

	// ScheduleAt is the daily run time, HH:MM in UTC.
	ScheduleAt    string
	MigrationsDir string
	Port          string
}

// Load reads an optional .env file (or the given files) and then the
// environment. Variables already set in the environment win over the file.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		// A missing default .env is normal; an explicitly named file is not.
		if len(files) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading env file: %w", err)
		}
	}

	cfg := &Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		BearerToken:   os.Getenv("BEARER_TOKEN"),
		OpenMeteoURL:  getenvDefault("OPEN_METEO_URL", weather.DefaultBaseURL),
		Timezone:      getenvDefault("WEATHER_TIMEZONE", weather.DefaultTimezone),
		ScheduleAt:    getenvDefault("SCHEDULE_AT", "02:00"),
		MigrationsDir: getenvDefault("MIGRATIONS_DIR", "migrations"),
		Port:          getenvDefault("PORT", "8080"),
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("%w: REDIS_URL", ErrMissing)
	}

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("invalid WEATHER_TIMEZONE: %w", err)
	}
	if _, err := time.Parse("15:04", cfg.ScheduleAt); err != nil {
		return nil, fmt.Errorf("invalid SCHEDULE_AT %q: want HH:MM", cfg.ScheduleAt)
	}

	var err error
	if cfg.FetchTimeout, err = getenvDuration("FETCH_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.LoadTimeout, err = getenvDuration("LOAD_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RedisTimeout, err = getenvDuration("REDIS_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.HandoffTTL, err = getenvDuration("HANDOFF_TTL", handoff.DefaultTTL); err != nil {
		return nil, err
	}
	if cfg.FetchConcurrency, err = getenvInt("FETCH_CONCURRENCY", 4); err != nil {
		return nil, err
	}

	if cfg.FailurePolicy, err = weather.ParseFailurePolicy(os.Getenv("FAILURE_POLICY")); err != nil {
		return nil, fmt.Errorf("invalid FAILURE_POLICY: %w", err)
	}

	if spec := os.Getenv("WEATHER_LOCATIONS"); spec != "" {
		if cfg.Locations, err = location.Parse(spec); err != nil {
			return nil, fmt.Errorf("invalid WEATHER_LOCATIONS: %w", err)
		}
	} else {
		cfg.Locations = location.Default()
	}

	return cfg, nil
}

// RequireDatabaseURL reports an error when DATABASE_URL is unset. The fetch
// phase alone runs without Postgres.
func (c *Config) RequireDatabaseURL() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URL", ErrMissing)
	}
	return nil
}

// RequireBearerToken reports an error when the API token is unset. Only the
// HTTP server needs it.
func (c *Config) RequireBearerToken() error {
	if c.BearerToken == "" {
		return fmt.Errorf("%w: BEARER_TOKEN", ErrMissing)
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return n, nil
}
