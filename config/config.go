// Package config loads service settings from an optional YAML file and the
// environment. Environment values win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string
	LogLevel string

	DatabaseURL string
	RedisURL    string
	JWTSecret   string

	KafkaBrokers      []string
	NotificationTopic string
	SettlementTopic   string

	OperationTimeout time.Duration
	StorageTimeout   time.Duration
	LockTTL          time.Duration
	EvidenceTTL      time.Duration

	HookTimeout     time.Duration
	HookMaxAttempts int
	HookBackoff     time.Duration

	ShutdownTimeout time.Duration
}

type configFile struct {
	Service struct {
		HTTPAddr string `yaml:"http_addr"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL       string   `yaml:"postgres_url"`
		RedisURL          string   `yaml:"redis_url"`
		KafkaBrokers      []string `yaml:"kafka_brokers"`
		NotificationTopic string   `yaml:"notification_topic"`
		SettlementTopic   string   `yaml:"settlement_topic"`
	} `yaml:"dependencies"`
	Timeouts struct {
		Operation string `yaml:"operation"`
		Storage   string `yaml:"storage"`
		Lock      string `yaml:"lock_ttl"`
		Evidence  string `yaml:"evidence_ttl"`
		Shutdown  string `yaml:"shutdown"`
	} `yaml:"timeouts"`
	Hooks struct {
		Timeout     string `yaml:"timeout"`
		MaxAttempts int    `yaml:"max_attempts"`
		Backoff     string `yaml:"backoff"`
	} `yaml:"hooks"`
}

func Defaults() Config {
	return Config{
		HTTPAddr:          ":8080",
		LogLevel:          "info",
		NotificationTopic: "chargeflow.notifications",
		SettlementTopic:   "chargeflow.refunds",
		OperationTimeout:  10 * time.Second,
		StorageTimeout:    5 * time.Second,
		LockTTL:           30 * time.Second,
		HookTimeout:       5 * time.Second,
		HookMaxAttempts:   5,
		HookBackoff:       200 * time.Millisecond,
		ShutdownTimeout:   15 * time.Second,
	}
}

// Load reads path (a missing file is fine), then applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := applyFile(&cfg, raw); err != nil {
				return Config{}, err
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.HTTPAddr = envOrDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.NotificationTopic = envOrDefault("KAFKA_TOPIC_NOTIFICATIONS", cfg.NotificationTopic)
	cfg.SettlementTopic = envOrDefault("KAFKA_TOPIC_REFUNDS", cfg.SettlementTopic)

	var err error
	if cfg.OperationTimeout, err = envDuration("OPERATION_TIMEOUT", cfg.OperationTimeout); err != nil {
		return Config{}, err
	}
	if cfg.StorageTimeout, err = envDuration("STORAGE_TIMEOUT", cfg.StorageTimeout); err != nil {
		return Config{}, err
	}
	if cfg.HookTimeout, err = envDuration("HOOK_TIMEOUT", cfg.HookTimeout); err != nil {
		return Config{}, err
	}
	if cfg.HookMaxAttempts, err = envInt("HOOK_MAX_ATTEMPTS", cfg.HookMaxAttempts); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("config: missing JWT_SECRET")
	}
	if c.OperationTimeout <= 0 || c.StorageTimeout <= 0 || c.HookTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	if c.HookMaxAttempts < 1 {
		return fmt.Errorf("config: hook max attempts must be at least 1")
	}
	return nil
}

func applyFile(cfg *Config, raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: parse file: %w", err)
	}
	if f.Service.HTTPAddr != "" {
		cfg.HTTPAddr = f.Service.HTTPAddr
	}
	if f.Service.LogLevel != "" {
		cfg.LogLevel = f.Service.LogLevel
	}
	if f.Dependencies.PostgresURL != "" {
		cfg.DatabaseURL = f.Dependencies.PostgresURL
	}
	if f.Dependencies.RedisURL != "" {
		cfg.RedisURL = f.Dependencies.RedisURL
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = trimNonEmpty(f.Dependencies.KafkaBrokers)
	}
	if f.Dependencies.NotificationTopic != "" {
		cfg.NotificationTopic = f.Dependencies.NotificationTopic
	}
	if f.Dependencies.SettlementTopic != "" {
		cfg.SettlementTopic = f.Dependencies.SettlementTopic
	}
	if f.Hooks.MaxAttempts > 0 {
		cfg.HookMaxAttempts = f.Hooks.MaxAttempts
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"timeouts.operation", f.Timeouts.Operation, &cfg.OperationTimeout},
		{"timeouts.storage", f.Timeouts.Storage, &cfg.StorageTimeout},
		{"timeouts.lock_ttl", f.Timeouts.Lock, &cfg.LockTTL},
		{"timeouts.evidence_ttl", f.Timeouts.Evidence, &cfg.EvidenceTTL},
		{"timeouts.shutdown", f.Timeouts.Shutdown, &cfg.ShutdownTimeout},
		{"hooks.timeout", f.Hooks.Timeout, &cfg.HookTimeout},
		{"hooks.backoff", f.Hooks.Backoff, &cfg.HookBackoff},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func envCSV(name string, fallback []string) []string {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	return trimNonEmpty(strings.Split(value, ","))
}

func envInt(name string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return n, nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return d, nil
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
