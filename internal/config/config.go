package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBSource        string
	Port            string
	Env             string
	LogLevel        string
	DBMaxConns      int32
	CostSource      string
	SettleAttempts  int
	APICacheSize    int
	APICacheTTL     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MigrateOnStart  bool
}

// Load reads the configuration from the environment. Callers that want a
// .env file loaded do so before calling Load.
func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource:   dbSource,
		Port:       getEnv("SERVER_PORT", "8080"),
		Env:        getEnv("ENVIRONMENT", "development"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		CostSource: getEnv("SETTLE_COST_SOURCE", "registry"),
	}

	switch cfg.CostSource {
	case "registry", "request":
	default:
		return nil, fmt.Errorf("SETTLE_COST_SOURCE must be registry or request, got %q", cfg.CostSource)
	}

	var err error
	maxConns, err := getEnvInt("DB_MAX_CONNS", 20)
	if err != nil {
		return nil, err
	}
	cfg.DBMaxConns = int32(maxConns)
	if cfg.SettleAttempts, err = getEnvInt("SETTLE_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.SettleAttempts < 1 {
		return nil, fmt.Errorf("SETTLE_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.APICacheSize, err = getEnvInt("API_CACHE_SIZE", 1024); err != nil {
		return nil, err
	}
	if cfg.APICacheTTL, err = getEnvDuration("API_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout, err = getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.WriteTimeout, err = getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart, err = getEnvBool("MIGRATE_ON_START", true); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return i, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	return b, nil
}
