// Package config loads and validates the orchestration core's runtime
// configuration: YAML file, then environment-variable overrides, then
// validation. Priority: defaults -> YAML file -> environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree for a single orchestration run.
type Config struct {
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Queue     QueueConfig     `yaml:"queue" env:"QUEUE"`
	Pipe      PipeConfig      `yaml:"pipe" env:"PIPE"`
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	Debug     DebugConfig     `yaml:"debug" env:"DEBUG"`
}

// LogConfig controls the zap logger the driver builds at startup.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level" env:"LEVEL"`
	// Format is "json" or "console".
	Format      string   `yaml:"format" env:"FORMAT"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// QueueConfig bounds the Notification Queue's per-handle waiter and
// subscriber counts.
type QueueConfig struct {
	MaxWaiters     int `yaml:"max_waiters" env:"MAX_WAITERS"`
	MaxSubscribers int `yaml:"max_subscribers" env:"MAX_SUBSCRIBERS"`
}

// PipeConfig controls the Broadcast Pipe's optional backpressure.
type PipeConfig struct {
	// SoftCapBytes <= 0 means unbounded (the default): Write never
	// blocks on a lagging reader. The value is validated and loaded but
	// not passed to the scheduler, whose pipes are always unbounded.
	SoftCapBytes int `yaml:"soft_cap_bytes" env:"SOFT_CAP_BYTES"`
}

// SchedulerConfig controls the main loop's worker pool.
type SchedulerConfig struct {
	MaxWorkers  int           `yaml:"max_workers" env:"MAX_WORKERS"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// DatabaseConfig configures the Dict persistence store's backend.
type DatabaseConfig struct {
	// Driver is one of "sqlite", "postgres", "mysql".
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// DSN returns the driver-appropriate connection string. Name is a file
// path for the sqlite driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite", "":
		return d.Name
	default:
		return ""
	}
}

// TelemetryConfig configures OpenTelemetry tracing export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	SampleRatio  float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
	MetricsAddr  string  `yaml:"metrics_addr" env:"METRICS_ADDR"`
}

// DebugConfig configures the optional live inspector (C11).
type DebugConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// DefaultConfig returns the configuration used before any file or
// environment override is applied.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Queue: QueueConfig{
			MaxWaiters:     256,
			MaxSubscribers: 64,
		},
		Pipe: PipeConfig{
			SoftCapBytes: 0,
		},
		Scheduler: SchedulerConfig{
			MaxWorkers:  32,
			IdleTimeout: 60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Name:   "ailets.db",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "ailets",
			SampleRatio: 1.0,
			MetricsAddr: ":9090",
		},
		Debug: DebugConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9595",
		},
	}
}

// Loader builds a Config from defaults, an optional YAML file, and
// environment-variable overrides, in that priority order.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader constructs a Loader with the "AILETS" environment prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "AILETS"}
}

// WithConfigPath sets the YAML file to load, if any.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment-variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation function run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds the Config: defaults, then the YAML file (if set and
// present), then environment overrides, then validators.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads the config at path, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks invariants that DefaultConfig alone cannot guarantee
// once a file or environment override has been applied.
func (c *Config) Validate() error {
	var problems []string

	if c.Scheduler.MaxWorkers <= 0 {
		problems = append(problems, "scheduler.max_workers must be positive")
	}
	if c.Queue.MaxWaiters <= 0 {
		problems = append(problems, "queue.max_waiters must be positive")
	}
	if c.Queue.MaxSubscribers <= 0 {
		problems = append(problems, "queue.max_subscribers must be positive")
	}
	if c.Pipe.SoftCapBytes < 0 {
		problems = append(problems, "pipe.soft_cap_bytes must not be negative")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		problems = append(problems, "database.driver must be one of sqlite, postgres, mysql")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(problems, "; "))
	}
	return nil
}
