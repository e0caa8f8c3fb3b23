// Package config provides configuration loading and management for the
// identity sync service.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variables consumed by the service
const EnvPrefix = "IDSYNC"

// Defaults applied when optional fields are omitted
const (
	defaultBaseURL        = "https://graph.microsoft.com/v1.0"
	defaultScope          = "https://graph.microsoft.com/.default"
	defaultRequestTimeout = 30 * time.Second
	defaultRateLimit      = 10
	defaultRateBurst      = 5

	defaultWorkers        = 4
	defaultQueueSize      = 256
	defaultRetryLimit     = 3
	defaultSweepInterval  = 2 * time.Minute
	defaultStuckThreshold = time.Hour
)

// defaultRetryDelays is the backoff schedule for attempts 1..n
var defaultRetryDelays = []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute}

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Directory DirectoryConfig `yaml:"directory"`
	Sync      SyncConfig      `yaml:"sync,omitempty"`
	Database  *DatabaseConfig `yaml:"database,omitempty"`
}

// DirectoryConfig defines the external directory API connection settings
type DirectoryConfig struct {
	// TenantID is the directory tenant used to build the token endpoint URL
	TenantID string `yaml:"tenantID"`

	// ClientID is the application (client) id for the client-credential exchange
	ClientID string `yaml:"clientID"`

	// ClientSecretFile is the path to a file containing the client secret.
	// This is the recommended approach for production deployments.
	ClientSecretFile string `yaml:"clientSecretFile,omitempty"`

	// BaseURL is the directory API base URL. Overridable for testing against
	// a local stub.
	BaseURL string `yaml:"baseURL,omitempty"`

	// TokenURL overrides the derived token endpoint. Intended for tests.
	TokenURL string `yaml:"tokenURL,omitempty"`

	// Scope is the OAuth2 scope requested for the directory API
	Scope string `yaml:"scope,omitempty"`

	// RequestTimeout is the per-call timeout for directory API requests (e.g. "30s")
	RequestTimeout string `yaml:"requestTimeout,omitempty"`

	// RateLimit is the maximum number of directory API requests per second,
	// enforced client-side irrespective of server throttling
	RateLimit float64 `yaml:"rateLimit,omitempty"`

	// RateBurst is the token-bucket burst size for the rate limiter
	RateBurst int `yaml:"rateBurst,omitempty"`
}

// SyncConfig defines orchestrator settings
type SyncConfig struct {
	// Workers is the size of the worker pool executing sync tasks
	Workers int `yaml:"workers,omitempty"`

	// QueueSize is the capacity of the task queue
	QueueSize int `yaml:"queueSize,omitempty"`

	// RetryLimit is the number of attempts allowed before a transiently
	// failing record lands in failed
	RetryLimit int `yaml:"retryLimit,omitempty"`

	// RetryDelays is the backoff schedule applied between attempts
	// (e.g. ["30s", "2m", "10m"])
	RetryDelays []string `yaml:"retryDelays,omitempty"`

	// SweepInterval is how often the retry sweep runs (jitter is applied)
	SweepInterval string `yaml:"sweepInterval,omitempty"`

	// StuckThreshold is how long a record may stay in_progress before the
	// sweep considers the attempt lost and fails it
	StuckThreshold string `yaml:"stuckThreshold,omitempty"`
}

// DatabaseConfig defines database connection settings. When omitted the
// service runs with the in-memory user store.
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the maximum number of idle connections in the pool
	MaxIdleConns int32 `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	return c.validate()
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := c.Directory.validate(); err != nil {
		return err
	}

	if err := c.Sync.validate(); err != nil {
		return err
	}

	return nil
}

func (d *DirectoryConfig) validate() error {
	if d.TenantID == "" && d.TokenURL == "" {
		return fmt.Errorf("directory.tenantID is required")
	}
	if d.ClientID == "" {
		return fmt.Errorf("directory.clientID is required")
	}
	if d.RequestTimeout != "" {
		if _, err := time.ParseDuration(d.RequestTimeout); err != nil {
			return fmt.Errorf("directory.requestTimeout must be a valid duration: %w", err)
		}
	}
	if d.RateLimit < 0 {
		return fmt.Errorf("directory.rateLimit must not be negative")
	}
	return nil
}

func (s *SyncConfig) validate() error {
	if s.Workers < 0 {
		return fmt.Errorf("sync.workers must not be negative")
	}
	if s.RetryLimit < 0 {
		return fmt.Errorf("sync.retryLimit must not be negative")
	}
	for i, d := range s.RetryDelays {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("sync.retryDelays[%d] must be a valid duration (e.g. '30s', '2m'): %w", i, err)
		}
	}
	for name, d := range map[string]string{
		"sync.sweepInterval":  s.SweepInterval,
		"sync.stuckThreshold": s.StuckThreshold,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("%s must be a valid duration: %w", name, err)
		}
	}
	return nil
}

// GetClientSecret returns the directory client secret using the following priority:
// 1. Read from ClientSecretFile if specified
// 2. Read from IDSYNC_DIRECTORY_CLIENT_SECRET environment variable
//
// The secret read from file has leading/trailing whitespace trimmed.
func (d *DirectoryConfig) GetClientSecret() (string, error) {
	if d.ClientSecretFile != "" {
		cleanPath := filepath.Clean(d.ClientSecretFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read client secret from file %s: %w", d.ClientSecretFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envSecret := os.Getenv(EnvPrefix + "_DIRECTORY_CLIENT_SECRET"); envSecret != "" {
		return envSecret, nil
	}

	return "", fmt.Errorf(
		"no directory client secret configured: set clientSecretFile or %s_DIRECTORY_CLIENT_SECRET environment variable",
		EnvPrefix,
	)
}

// GetBaseURL returns the directory API base URL, applying the default when unset
func (d *DirectoryConfig) GetBaseURL() string {
	if d.BaseURL == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(d.BaseURL, "/")
}

// GetTokenURL returns the token endpoint, deriving it from the tenant when not overridden
func (d *DirectoryConfig) GetTokenURL() string {
	if d.TokenURL != "" {
		return d.TokenURL
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", d.TenantID)
}

// GetScope returns the requested OAuth2 scope, applying the default when unset
func (d *DirectoryConfig) GetScope() string {
	if d.Scope == "" {
		return defaultScope
	}
	return d.Scope
}

// GetRequestTimeout returns the per-call directory request timeout
func (d *DirectoryConfig) GetRequestTimeout() time.Duration {
	if d.RequestTimeout == "" {
		return defaultRequestTimeout
	}
	timeout, err := time.ParseDuration(d.RequestTimeout)
	if err != nil {
		return defaultRequestTimeout
	}
	return timeout
}

// GetRateLimit returns the client-side request rate limit in requests per second
func (d *DirectoryConfig) GetRateLimit() float64 {
	if d.RateLimit == 0 {
		return defaultRateLimit
	}
	return d.RateLimit
}

// GetRateBurst returns the token-bucket burst size
func (d *DirectoryConfig) GetRateBurst() int {
	if d.RateBurst == 0 {
		return defaultRateBurst
	}
	return d.RateBurst
}

// GetWorkers returns the worker pool size
func (s *SyncConfig) GetWorkers() int {
	if s.Workers == 0 {
		return defaultWorkers
	}
	return s.Workers
}

// GetQueueSize returns the task queue capacity
func (s *SyncConfig) GetQueueSize() int {
	if s.QueueSize == 0 {
		return defaultQueueSize
	}
	return s.QueueSize
}

// GetRetryLimit returns the number of attempts before a transient failure
// becomes terminal
func (s *SyncConfig) GetRetryLimit() int {
	if s.RetryLimit == 0 {
		return defaultRetryLimit
	}
	return s.RetryLimit
}

// GetRetryDelays returns the parsed backoff schedule
func (s *SyncConfig) GetRetryDelays() []time.Duration {
	if len(s.RetryDelays) == 0 {
		return defaultRetryDelays
	}
	delays := make([]time.Duration, 0, len(s.RetryDelays))
	for _, d := range s.RetryDelays {
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return defaultRetryDelays
		}
		delays = append(delays, parsed)
	}
	return delays
}

// GetSweepInterval returns the retry sweep interval
func (s *SyncConfig) GetSweepInterval() time.Duration {
	if s.SweepInterval == "" {
		return defaultSweepInterval
	}
	interval, err := time.ParseDuration(s.SweepInterval)
	if err != nil {
		return defaultSweepInterval
	}
	return interval
}

// GetStuckThreshold returns the in_progress staleness threshold
func (s *SyncConfig) GetStuckThreshold() time.Duration {
	if s.StuckThreshold == "" {
		return defaultStuckThreshold
	}
	threshold, err := time.ParseDuration(s.StuckThreshold)
	if err != nil {
		return defaultStuckThreshold
	}
	return threshold
}

// GetConnectionString builds a Postgres connection URL for migration tooling
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User), url.QueryEscape(password),
		d.Host, d.Port, d.Database, sslMode), nil
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from IDSYNC_DATABASE_PASSWORD environment variable
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(EnvPrefix + "_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s_DATABASE_PASSWORD environment variable",
		EnvPrefix,
	)
}
