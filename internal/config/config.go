// Package config loads service configuration from the environment. All
// knobs have working defaults so a bare `server` starts with the in-memory
// store and no external providers.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Storage backend selectors.
const (
	StorageMemory = "memory"
	StorageSQL    = "sql"
)

// Config is the resolved service configuration.
type Config struct {
	LogDir    string
	LogFormat string // "console" or "json"

	MaxTasks       int
	StorageBackend string
	SQLConn        string

	GRPCPort      int
	HTTPPort      int
	EnableMetrics bool
	MetricsPort   int

	LybicOrgID       string
	LybicAPIKey      string
	LybicEndpoint    string
	LybicMaxLifeSecs int

	ToolsConfig        string
	AllowRuntimeConfig bool
}

// Load reads the environment, fills defaults and validates. godotenv runs
// in the mains before this, so .env values are already visible here.
func Load() (*Config, error) {
	cfg := &Config{
		LogDir:             envStr("LOG_DIR", "runtime"),
		LogFormat:          envStr("LOG_FORMAT", "console"),
		MaxTasks:           envInt("TASK_MAX_TASKS", 4),
		StorageBackend:     envStr("TASK_STORAGE_BACKEND", StorageMemory),
		SQLConn:            os.Getenv("SQL_CONNECTION_STRING"),
		GRPCPort:           envInt("GRPC_PORT", 50051),
		HTTPPort:           envInt("HTTP_PORT", 8080),
		EnableMetrics:      envBool("ENABLE_METRICS", false),
		MetricsPort:        envInt("METRICS_PORT", 9090),
		LybicOrgID:         os.Getenv("LYBIC_ORG_ID"),
		LybicAPIKey:        os.Getenv("LYBIC_API_KEY"),
		LybicEndpoint:      envStr("LYBIC_API_ENDPOINT", "https://api.lybic.cn"),
		LybicMaxLifeSecs:   envInt("LYBIC_MAX_LIFE_SECONDS", 3600),
		ToolsConfig:        os.Getenv("TOOLS_CONFIG"),
		AllowRuntimeConfig: envBool("ALLOW_RUNTIME_CONFIG", false),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxTasks < 1 {
		errs = append(errs, fmt.Errorf("TASK_MAX_TASKS must be at least 1, got %d", c.MaxTasks))
	}
	switch c.StorageBackend {
	case StorageMemory:
	case StorageSQL:
		if c.SQLConn == "" {
			errs = append(errs, errors.New("TASK_STORAGE_BACKEND=sql requires SQL_CONNECTION_STRING"))
		}
	default:
		errs = append(errs, fmt.Errorf("TASK_STORAGE_BACKEND must be %q or %q, got %q",
			StorageMemory, StorageSQL, c.StorageBackend))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be \"console\" or \"json\", got %q", c.LogFormat))
	}
	for name, port := range map[string]int{
		"GRPC_PORT":    c.GRPCPort,
		"HTTP_PORT":    c.HTTPPort,
		"METRICS_PORT": c.MetricsPort,
	} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s out of range: %d", name, port))
		}
	}
	if c.LybicMaxLifeSecs < 0 {
		errs = append(errs, fmt.Errorf("LYBIC_MAX_LIFE_SECONDS must not be negative, got %d", c.LybicMaxLifeSecs))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}
