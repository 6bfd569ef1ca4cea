package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Brokerstream BrokerstreamConfig `yaml:"brokerstream"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Brokers      BrokersConfig      `yaml:"brokers"`
	Reconcile    ReconcileConfig    `yaml:"reconcile"`
	Stream       StreamConfig       `yaml:"stream"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Logging      LoggingConfig      `yaml:"logging"`
	CloudWatch   CloudWatchConfig   `yaml:"cloudwatch"`
}

type BrokerstreamConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// IngestConfig points at the downstream HTTP sink.
type IngestConfig struct {
	URL     string        `yaml:"url"`
	Key     string        `yaml:"key"`
	Timeout time.Duration `yaml:"timeout"`
}

type BrokersConfig struct {
	Dir string `yaml:"dir"`
}

type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type StreamConfig struct {
	ConnectTimeout time.Duration   `yaml:"connect_timeout"`
	PingInterval   time.Duration   `yaml:"ping_interval"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	Min    time.Duration `yaml:"min"`
	Max    time.Duration `yaml:"max"`
	Factor float64       `yaml:"factor"`
	Jitter bool          `yaml:"jitter"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
}

// ArchiveConfig controls the optional parquet export of every ingested event.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBuffer     int           `yaml:"max_buffer"`
	MaxWorkers    int           `yaml:"max_workers"`
	Compression   string        `yaml:"compression"`
	Prefix        string        `yaml:"prefix"`
	S3            S3Config      `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

func defaultConfig() Config {
	return Config{
		Ingest:    IngestConfig{Timeout: 10 * time.Second},
		Brokers:   BrokersConfig{Dir: "config/brokers"},
		Reconcile: ReconcileConfig{Interval: 30 * time.Second},
		Stream: StreamConfig{
			ConnectTimeout: 15 * time.Second,
			PingInterval:   20 * time.Second,
			Reconnect: ReconnectConfig{
				Min:    500 * time.Millisecond,
				Max:    30 * time.Second,
				Factor: 2,
				Jitter: true,
			},
		},
		Channels: ChannelsConfig{EventBuffer: 1024},
		Archive: ArchiveConfig{
			FlushInterval: time.Minute,
			MaxBuffer:     512,
			MaxWorkers:    2,
			Compression:   "snappy",
			Prefix:        "events",
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout", ReportInterval: 30 * time.Second},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, err
	}

	config.Archive.S3.Bucket = strings.TrimSpace(config.Archive.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("INGEST_URL"); v != "" {
		cfg.Ingest.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("INGEST_KEY"); v != "" {
		cfg.Ingest.Key = strings.TrimSpace(v)
	}
	if v := os.Getenv("BROKERS_DIR"); v != "" {
		cfg.Brokers.Dir = strings.TrimSpace(v)
	}
	if v := os.Getenv("RECONCILE_INTERVAL"); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return fmt.Errorf("invalid RECONCILE_INTERVAL %q: %w", v, err)
		}
		cfg.Reconcile.Interval = d
	}

	// Override S3 settings from environment variables if available
	if cfg.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Archive.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Archive.S3.Bucket = strings.TrimSpace(v)
		}
	}
	return nil
}

// parseInterval accepts a Go duration ("45s") or a plain number of seconds.
func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func validateConfig(cfg *Config) error {
	if cfg.Brokerstream.Name == "" {
		return fmt.Errorf("brokerstream.name is required")
	}

	if cfg.Brokerstream.Version == "" {
		return fmt.Errorf("brokerstream.version is required")
	}

	if cfg.Ingest.URL == "" {
		return fmt.Errorf("ingest.url is required")
	}
	if !strings.HasPrefix(cfg.Ingest.URL, "http://") && !strings.HasPrefix(cfg.Ingest.URL, "https://") {
		return fmt.Errorf("ingest.url '%s' must be an http(s) url", cfg.Ingest.URL)
	}

	if cfg.Brokers.Dir == "" {
		return fmt.Errorf("brokers.dir is required")
	}

	if cfg.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile.interval must be greater than 0")
	}

	if cfg.Stream.ConnectTimeout <= 0 {
		return fmt.Errorf("stream.connect_timeout must be greater than 0")
	}
	if cfg.Stream.Reconnect.Min <= 0 || cfg.Stream.Reconnect.Max < cfg.Stream.Reconnect.Min {
		return fmt.Errorf("stream.reconnect requires 0 < min <= max")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0")
		}
		if cfg.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when the archive is enabled")
		}
		if cfg.Archive.S3.Region == "" {
			return fmt.Errorf("archive.s3.region is required when the archive is enabled")
		}
		if !isValidS3Bucket(cfg.Archive.S3.Bucket) {
			return fmt.Errorf("archive.s3.bucket '%s' is invalid", cfg.Archive.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
