package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/testrelay/pkg/fsutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix prefixes environment variable overrides, e.g.
	// TESTRELAY_RELAY_PORT overrides relay.port.
	EnvPrefix = "TESTRELAY"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListenHost is the interface test runners connect to.
	DefaultListenHost = "127.0.0.1"

	// DefaultPortEnv is the environment variable handed to the test process.
	DefaultPortEnv = "TEST_IN_PROGRESS_PORT"

	// DefaultMaxFrameSize bounds a single protocol frame.
	DefaultMaxFrameSize = 4 << 20

	// DefaultShutdownTimeout bounds waiting for in-flight streams.
	DefaultShutdownTimeout = "10s"

	// DefaultResultsDir is the default directory for build results.
	DefaultResultsDir = "./builds"

	// DefaultEventsDir is the event log directory inside a build directory.
	DefaultEventsDir = "unitevents"

	// DefaultSubjectPrefix is the default NATS subject root.
	DefaultSubjectPrefix = "testrelay"

	// DefaultAPIListen is the default coordinator listen address.
	DefaultAPIListen = ":8080"

	// DefaultMetricsListen is the default metrics listen address.
	DefaultMetricsListen = ":9090"

	// DefaultRequestsPerMinute is the default per-IP rate limit.
	DefaultRequestsPerMinute = 600

	// DefaultUploadConcurrency is the default number of parallel uploads.
	DefaultUploadConcurrency = 4

	// DefaultUploadPrefix is the default S3 key prefix.
	DefaultUploadPrefix = "builds"
)

// Config is the root configuration for testrelay.
type Config struct {
	Global  GlobalConfig  `yaml:"global" mapstructure:"global"`
	Relay   RelayConfig   `yaml:"relay" mapstructure:"relay"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	Index   IndexConfig   `yaml:"index" mapstructure:"index"`
	Upload  UploadConfig  `yaml:"upload" mapstructure:"upload"`
	Bus     BusConfig     `yaml:"bus" mapstructure:"bus"`
	API     APIConfig     `yaml:"api" mapstructure:"api"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// RelayConfig configures the local port forwarder and record parsing.
type RelayConfig struct {
	ListenHost      string            `yaml:"listen_host" mapstructure:"listen_host"`
	Port            int               `yaml:"port" mapstructure:"port"`
	PortEnv         string            `yaml:"port_env" mapstructure:"port_env"`
	MaxFrameSize    int               `yaml:"max_frame_size" mapstructure:"max_frame_size"`
	ShutdownTimeout string            `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	StackFilter     StackFilterConfig `yaml:"stack_filter" mapstructure:"stack_filter"`
}

// StackFilterConfig configures which failure stack frames are dropped.
type StackFilterConfig struct {
	Patterns        []string `yaml:"patterns,omitempty" mapstructure:"patterns"`
	DisableDefaults bool     `yaml:"disable_defaults" mapstructure:"disable_defaults"`
}

// StorageConfig configures where build results are written.
type StorageConfig struct {
	ResultsDir string `yaml:"results_dir" mapstructure:"results_dir"`
	EventsDir  string `yaml:"events_dir" mapstructure:"events_dir"`
	Owner      string `yaml:"owner,omitempty" mapstructure:"owner"`
	Fsync      bool   `yaml:"fsync" mapstructure:"fsync"`
}

// IndexConfig configures the completed-build index database.
type IndexConfig struct {
	Enabled  bool                 `yaml:"enabled" mapstructure:"enabled"`
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// UploadConfig configures archiving of completed builds.
type UploadConfig struct {
	S3 S3UploadConfig `yaml:"s3" mapstructure:"s3"`
}

// S3UploadConfig contains S3 upload settings.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	Concurrency     int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// BusConfig configures live event publishing.
type BusConfig struct {
	NATS NATSConfig `yaml:"nats" mapstructure:"nats"`
}

// NATSConfig contains NATS connection settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
	URL           string `yaml:"url" mapstructure:"url"`
	SubjectPrefix string `yaml:"subject_prefix" mapstructure:"subject_prefix"`
}

// APIConfig contains coordinator HTTP server settings.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	PublicURL   string          `yaml:"public_url,omitempty" mapstructure:"public_url"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"`
}

// defaults registers every key so environment overrides apply even when a
// key is absent from all config files.
var defaults = map[string]any{
	"global.log_level": DefaultLogLevel,

	"relay.listen_host":                  DefaultListenHost,
	"relay.port":                         0,
	"relay.port_env":                     DefaultPortEnv,
	"relay.max_frame_size":               DefaultMaxFrameSize,
	"relay.shutdown_timeout":             DefaultShutdownTimeout,
	"relay.stack_filter.patterns":        []string{},
	"relay.stack_filter.disable_defaults": false,

	"storage.results_dir": DefaultResultsDir,
	"storage.events_dir":  DefaultEventsDir,
	"storage.owner":       "",
	"storage.fsync":       true,

	"index.enabled":           false,
	"index.driver":            "sqlite",
	"index.sqlite.path":       "",
	"index.postgres.host":     "",
	"index.postgres.port":     5432,
	"index.postgres.user":     "",
	"index.postgres.password": "",
	"index.postgres.database": "",
	"index.postgres.ssl_mode": "disable",

	"upload.s3.enabled":           false,
	"upload.s3.endpoint_url":      "",
	"upload.s3.region":            "",
	"upload.s3.bucket":            "",
	"upload.s3.prefix":            DefaultUploadPrefix,
	"upload.s3.access_key_id":     "",
	"upload.s3.secret_access_key": "",
	"upload.s3.force_path_style":  false,
	"upload.s3.storage_class":     "",
	"upload.s3.concurrency":       DefaultUploadConcurrency,

	"bus.nats.enabled":        false,
	"bus.nats.url":            "",
	"bus.nats.subject_prefix": DefaultSubjectPrefix,

	"api.listen":                         DefaultAPIListen,
	"api.public_url":                     "",
	"api.cors_origins":                   []string{},
	"api.rate_limit.enabled":             false,
	"api.rate_limit.requests_per_minute": DefaultRequestsPerMinute,

	"metrics.enabled": false,
	"metrics.listen":  DefaultMetricsListen,
}

// Load reads and merges the configuration files in order, applies
// environment overrides and defaults. With no paths only defaults and the
// environment are used.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		err = v.MergeConfig(f)
		_ = f.Close()

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("global.log_level: %w", err)
	}

	if c.Relay.Port < 0 || c.Relay.Port > 65535 {
		return fmt.Errorf("relay.port %d out of range", c.Relay.Port)
	}

	if c.Relay.PortEnv == "" {
		return fmt.Errorf("relay.port_env is required")
	}

	if c.Relay.MaxFrameSize <= 0 {
		return fmt.Errorf("relay.max_frame_size must be positive")
	}

	if _, err := c.Relay.ShutdownTimeoutDuration(); err != nil {
		return err
	}

	if c.Storage.ResultsDir == "" {
		return fmt.Errorf("storage.results_dir is required")
	}

	if c.Storage.EventsDir == "" || filepath.IsAbs(c.Storage.EventsDir) {
		return fmt.Errorf("storage.events_dir must be a relative directory name")
	}

	if _, err := fsutil.ParseOwner(c.Storage.Owner); err != nil {
		return fmt.Errorf("storage.owner: %w", err)
	}

	if err := c.Index.validate(); err != nil {
		return err
	}

	if c.Upload.S3.Enabled {
		if c.Upload.S3.Bucket == "" {
			return fmt.Errorf("upload.s3.bucket is required when s3 upload is enabled")
		}

		if c.Upload.S3.Concurrency < 1 {
			return fmt.Errorf("upload.s3.concurrency must be at least 1")
		}
	}

	if c.Bus.NATS.Enabled && c.Bus.NATS.URL == "" {
		return fmt.Errorf("bus.nats.url is required when nats is enabled")
	}

	if c.API.RateLimit.Enabled && c.API.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("api.rate_limit.requests_per_minute must be positive")
	}

	return nil
}

func (c *IndexConfig) validate() error {
	if !c.Enabled {
		return nil
	}

	switch c.Driver {
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("index.sqlite.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Postgres.Host == "" || c.Postgres.Database == "" {
			return fmt.Errorf("index.postgres.host and index.postgres.database are required")
		}
	default:
		return fmt.Errorf("index.driver %q must be sqlite or postgres", c.Driver)
	}

	return nil
}

// Addr returns the host:port the port forwarder binds.
func (r *RelayConfig) Addr() string {
	return net.JoinHostPort(r.ListenHost, strconv.Itoa(r.Port))
}

// ShutdownTimeoutDuration parses ShutdownTimeout.
func (r *RelayConfig) ShutdownTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(r.ShutdownTimeout)
	if err != nil {
		return 0, fmt.Errorf("relay.shutdown_timeout: %w", err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("relay.shutdown_timeout must be positive")
	}

	return d, nil
}

// OwnerConfig parses the configured file owner.
func (s *StorageConfig) OwnerConfig() (*fsutil.OwnerConfig, error) {
	return fsutil.ParseOwner(s.Owner)
}

// Redacted returns a copy with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.API.CORSOrigins = append([]string(nil), c.API.CORSOrigins...)
	out.Relay.StackFilter.Patterns = append([]string(nil), c.Relay.StackFilter.Patterns...)

	if out.Upload.S3.SecretAccessKey != "" {
		out.Upload.S3.SecretAccessKey = "***"
	}

	if out.Index.Postgres.Password != "" {
		out.Index.Postgres.Password = "***"
	}

	return &out
}

// Dump renders the configuration as YAML with secrets masked.
func (c *Config) Dump() ([]byte, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("rendering config: %w", err)
	}

	return data, nil
}
