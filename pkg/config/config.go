// Package config loads the crrmon daemon configuration.
//
// Values are resolved in order: built-in defaults, then the YAML file, then
// variables from an optional .env file and the process environment
// (CRRMON_*). Command-line flags are applied by the caller last.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CRRMON_"

// MaxSLAWindow bounds the SLA window a rule may request
const MaxSLAWindow = 7 * 24 * time.Hour

// Config is the daemon configuration
type Config struct {
	DataDir    string `yaml:"dataDir"`
	ListenAddr string `yaml:"listenAddr"`

	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJSON"`

	DefaultSLA      time.Duration `yaml:"defaultSLA"`
	SweepInterval   time.Duration `yaml:"sweepInterval"`
	RetentionWindow time.Duration `yaml:"retentionWindow"`
	StatWindow      time.Duration `yaml:"statWindow"`
	BatchSize       int           `yaml:"batchSize"`
	ArchiveDir      string        `yaml:"archiveDir"`

	IngestWorkers   int `yaml:"ingestWorkers"`
	IngestQueueSize int `yaml:"ingestQueueSize"`

	MaxAttempts        int           `yaml:"maxAttempts"`
	MaxConflictRetries int           `yaml:"maxConflictRetries"`
	BackoffInitial     time.Duration `yaml:"backoffInitial"`
	BackoffMax         time.Duration `yaml:"backoffMax"`

	WebhookURL        string        `yaml:"webhookURL"`
	WebhookTimeout    time.Duration `yaml:"webhookTimeout"`
	DispatchAttempts  int           `yaml:"dispatchAttempts"`
	DispatchQueueSize int           `yaml:"dispatchQueueSize"`
	RedeliverInterval time.Duration `yaml:"redeliverInterval"`
	BreakerFailures   uint32        `yaml:"breakerFailures"`
	BreakerCooldown   time.Duration `yaml:"breakerCooldown"`

	APIWriteRate  float64 `yaml:"apiWriteRate"`
	APIWriteBurst int     `yaml:"apiWriteBurst"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DataDir:            "./crrmon-data",
		ListenAddr:         "127.0.0.1:9090",
		LogLevel:           "info",
		DefaultSLA:         time.Hour,
		SweepInterval:      time.Hour,
		RetentionWindow:    7 * 24 * time.Hour,
		StatWindow:         5 * time.Minute,
		BatchSize:          500,
		IngestWorkers:      8,
		IngestQueueSize:    1024,
		MaxAttempts:        5,
		MaxConflictRetries: 10,
		BackoffInitial:     50 * time.Millisecond,
		BackoffMax:         2 * time.Second,
		WebhookTimeout:     10 * time.Second,
		DispatchAttempts:   5,
		DispatchQueueSize:  256,
		RedeliverInterval:  time.Minute,
		BreakerFailures:    5,
		BreakerCooldown:    30 * time.Second,
		APIWriteBurst:      20,
	}
}

// Load reads path (if non-empty), then the optional env file, then the
// environment, and validates the result.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"DATA_DIR":    &c.DataDir,
		"LISTEN_ADDR": &c.ListenAddr,
		"LOG_LEVEL":   &c.LogLevel,
		"ARCHIVE_DIR": &c.ArchiveDir,
		"WEBHOOK_URL": &c.WebhookURL,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"DEFAULT_SLA":        &c.DefaultSLA,
		"SWEEP_INTERVAL":     &c.SweepInterval,
		"RETENTION_WINDOW":   &c.RetentionWindow,
		"STAT_WINDOW":        &c.StatWindow,
		"BACKOFF_INITIAL":    &c.BackoffInitial,
		"BACKOFF_MAX":        &c.BackoffMax,
		"WEBHOOK_TIMEOUT":    &c.WebhookTimeout,
		"REDELIVER_INTERVAL": &c.RedeliverInterval,
		"BREAKER_COOLDOWN":   &c.BreakerCooldown,
	}
	for name, dst := range durations {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"BATCH_SIZE":           &c.BatchSize,
		"INGEST_WORKERS":       &c.IngestWorkers,
		"INGEST_QUEUE_SIZE":    &c.IngestQueueSize,
		"MAX_ATTEMPTS":         &c.MaxAttempts,
		"MAX_CONFLICT_RETRIES": &c.MaxConflictRetries,
		"DISPATCH_ATTEMPTS":    &c.DispatchAttempts,
		"DISPATCH_QUEUE_SIZE":  &c.DispatchQueueSize,
		"API_WRITE_BURST":      &c.APIWriteBurst,
	}
	for name, dst := range ints {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
	}

	if v, ok := lookup(EnvPrefix + "API_WRITE_RATE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sAPI_WRITE_RATE: %w", EnvPrefix, err)
		}
		c.APIWriteRate = f
	}

	if v, ok := lookup(EnvPrefix + "LOG_JSON"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sLOG_JSON: %w", EnvPrefix, err)
		}
		c.LogJSON = b
	}
	return nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("dataDir is required"))
	}
	if c.DefaultSLA <= 0 || c.DefaultSLA > MaxSLAWindow {
		errs = append(errs, fmt.Errorf("defaultSLA must be in (0, %s]", MaxSLAWindow))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweepInterval must be positive"))
	}
	if c.RetentionWindow <= 0 {
		errs = append(errs, errors.New("retentionWindow must be positive"))
	}
	if c.StatWindow <= 0 {
		errs = append(errs, errors.New("statWindow must be positive"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batchSize must be positive"))
	}
	if c.IngestWorkers <= 0 {
		errs = append(errs, errors.New("ingestWorkers must be positive"))
	}
	if c.MaxAttempts <= 0 || c.DispatchAttempts <= 0 {
		errs = append(errs, errors.New("maxAttempts and dispatchAttempts must be positive"))
	}
	if c.MaxConflictRetries <= 0 {
		errs = append(errs, errors.New("maxConflictRetries must be positive"))
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		errs = append(errs, errors.New("backoff intervals must satisfy 0 < initial <= max"))
	}
	if c.RedeliverInterval <= 0 {
		errs = append(errs, errors.New("redeliverInterval must be positive"))
	}
	if c.APIWriteRate < 0 {
		errs = append(errs, errors.New("apiWriteRate must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
