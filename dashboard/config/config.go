// Package config loads the dashboard configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dashboard.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Push      PushConfig      `yaml:"push"`
	Poll      PollConfig      `yaml:"poll"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the HTTP/websocket serving side.
type ServerConfig struct {
	Port         string `yaml:"port"`
	ReadTimeout  int    `yaml:"readTimeout"`
	WriteTimeout int    `yaml:"writeTimeout"`
	MaxWSClients int    `yaml:"maxWSClients"`
}

// PushConfig holds the push channel and its retry policy.
type PushConfig struct {
	URL              string  `yaml:"url"`
	BaseDelaySeconds float64 `yaml:"baseDelaySeconds"`
	GrowthFactor     float64 `yaml:"growthFactor"`
	MaxDelaySeconds  float64 `yaml:"maxDelaySeconds"`
	MaxAttempts      int     `yaml:"maxAttempts"`
	InitialWaitSecs  float64 `yaml:"initialWaitSeconds"`
}

// PollConfig holds the poll fallback channel.
type PollConfig struct {
	URL                    string  `yaml:"url"`
	HealthURL              string  `yaml:"healthUrl"`
	IntervalSeconds        float64 `yaml:"intervalSeconds"`
	HealthCheckIntervalSec float64 `yaml:"healthCheckIntervalSeconds"`
}

// DedupConfig holds the duplicate filter tuning.
type DedupConfig struct {
	WindowMillis int `yaml:"windowMillis"`
	MaxEntries   int `yaml:"maxEntries"`
}

// TelemetryConfig holds state machine retention and estimation tuning.
type TelemetryConfig struct {
	HistoryCap          int      `yaml:"historyCap"`
	MaxTasks            int      `yaml:"maxTasks"`
	MaxAgeHours         int      `yaml:"maxAgeHours"`
	ArchiveGraceSeconds int      `yaml:"archiveGraceSeconds"`
	RecentLogCap        int      `yaml:"recentLogCap"`
	ExpectedPhaseOrder  []string `yaml:"expectedPhaseOrder"`
	SmoothingAlpha      float64  `yaml:"smoothingAlpha"`
	EtcCeilingHours     int      `yaml:"etcCeilingHours"`
}

// Default configuration values
const (
	DefaultServerPort          = "8090"
	DefaultServerReadTimeout   = 30
	DefaultServerWriteTimeout  = 30
	DefaultMaxWSClients        = 200
	DefaultPushURL             = "ws://localhost:9000/events/stream"
	DefaultPollURL             = "http://localhost:9000/events"
	DefaultPollHealthURL       = "http://localhost:9000/healthz"
	DefaultPollInterval        = 3.0
	DefaultHealthCheckInterval = 15.0
	DefaultBaseDelay           = 1.0
	DefaultGrowthFactor        = 2.0
	DefaultMaxDelay            = 30.0
	DefaultMaxAttempts         = 10
	DefaultInitialPushWait     = 5.0
	DefaultDedupWindowMillis   = 2000
	DefaultDedupMaxEntries     = 4096
	DefaultHistoryCap          = 100
	DefaultMaxTasks            = 10
	DefaultMaxAgeHours         = 24
	DefaultArchiveGrace        = 30
	DefaultRecentLogCap        = 250
	DefaultSmoothingAlpha      = 0.3
	DefaultEtcCeilingHours     = 24
)

// Load reads configuration from the given path (optional) and applies
// environment overrides on top of defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.Server.Port = getEnv("DASHBOARD_PORT", cfg.Server.Port)
	cfg.Push.URL = getEnv("PUSH_URL", cfg.Push.URL)
	cfg.Poll.URL = getEnv("POLL_URL", cfg.Poll.URL)
	cfg.Poll.HealthURL = getEnv("POLL_HEALTH_URL", cfg.Poll.HealthURL)
	cfg.Dedup.WindowMillis = getEnvInt("DEDUP_WINDOW_MS", cfg.Dedup.WindowMillis)
	cfg.Telemetry.MaxTasks = getEnvInt("MAX_TASKS", cfg.Telemetry.MaxTasks)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         DefaultServerPort,
			ReadTimeout:  DefaultServerReadTimeout,
			WriteTimeout: DefaultServerWriteTimeout,
			MaxWSClients: DefaultMaxWSClients,
		},
		Push: PushConfig{
			URL:              DefaultPushURL,
			BaseDelaySeconds: DefaultBaseDelay,
			GrowthFactor:     DefaultGrowthFactor,
			MaxDelaySeconds:  DefaultMaxDelay,
			MaxAttempts:      DefaultMaxAttempts,
			InitialWaitSecs:  DefaultInitialPushWait,
		},
		Poll: PollConfig{
			URL:                    DefaultPollURL,
			HealthURL:              DefaultPollHealthURL,
			IntervalSeconds:        DefaultPollInterval,
			HealthCheckIntervalSec: DefaultHealthCheckInterval,
		},
		Dedup: DedupConfig{
			WindowMillis: DefaultDedupWindowMillis,
			MaxEntries:   DefaultDedupMaxEntries,
		},
		Telemetry: TelemetryConfig{
			HistoryCap:          DefaultHistoryCap,
			MaxTasks:            DefaultMaxTasks,
			MaxAgeHours:         DefaultMaxAgeHours,
			ArchiveGraceSeconds: DefaultArchiveGrace,
			RecentLogCap:        DefaultRecentLogCap,
			SmoothingAlpha:      DefaultSmoothingAlpha,
			EtcCeilingHours:     DefaultEtcCeilingHours,
		},
	}
}

// Seconds converts a float seconds value into a duration.
func Seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
