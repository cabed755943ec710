package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Cache    CacheConfig    `koanf:"cache"`
	Monitor  MonitorConfig  `koanf:"monitor"`
	Export   ExportConfig   `koanf:"export"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`

	Retry RetryConfig `koanf:"retry"`
}

// RetryConfig bounds the retry wrapper around storage calls. Only
// transient storage-engine crashes are retried; the session is recreated
// between attempts.
type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
}

type CacheConfig struct {
	ListingTTL    time.Duration `koanf:"listing_ttl"`
	StatsTTL      time.Duration `koanf:"stats_ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	// MaxCachedPageSize is the largest listing page the cache will hold;
	// bigger (export-class) queries bypass it.
	MaxCachedPageSize int `koanf:"max_cached_page_size"`
}

// MonitorConfig holds the anomaly detector thresholds.
type MonitorConfig struct {
	Window             time.Duration `koanf:"window"`
	Interval           time.Duration `koanf:"interval"`
	VolumeMultiplier   float64       `koanf:"volume_multiplier"`
	UserFailedLogins   int           `koanf:"user_failed_logins"`
	IPFailedLogins     int           `koanf:"ip_failed_logins"`
	DistinctIPsPerUser int           `koanf:"distinct_ips_per_user"`
	DistinctUsersPerIP int           `koanf:"distinct_users_per_ip"`
	BotCadenceRatio    float64       `koanf:"bot_cadence_ratio"`
	HighRateThreshold  time.Duration `koanf:"high_rate_threshold"`
	BaselineDays       int           `koanf:"baseline_days"`
	ScanBatchSize      int           `koanf:"scan_batch_size"`
}

type ExportConfig struct {
	MaxRows int `koanf:"max_rows"`
}

func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   200 * time.Millisecond,
			},
		},
		Cache: CacheConfig{
			ListingTTL:        2 * time.Minute,
			StatsTTL:          5 * time.Minute,
			SweepInterval:     60 * time.Second,
			MaxCachedPageSize: 100,
		},
		Monitor: MonitorConfig{
			Window:             time.Hour,
			Interval:           5 * time.Minute,
			VolumeMultiplier:   3,
			UserFailedLogins:   5,
			IPFailedLogins:     10,
			DistinctIPsPerUser: 3,
			DistinctUsersPerIP: 5,
			BotCadenceRatio:    0.1,
			HighRateThreshold:  100 * time.Millisecond,
			BaselineDays:       30,
			ScanBatchSize:      100,
		},
		Export: ExportConfig{
			MaxRows: 10000,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional.
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	_ = k.Load(file.Provider(configPath), yaml.Parser())

	// Environment variables override everything else.
	if err := k.Load(env.Provider("CAMPUS_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "CAMPUS_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
