// Package config provides configuration management for the offline engine.
// It covers downloads, retries, compression, blob storage, quota, sync and
// logging.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/forest6511/offline/pkg/ratelimit"
)

// Environment variables that override the file.
const (
	EnvDataDir      = "OFFLINE_DATA_DIR"
	EnvSyncEndpoint = "OFFLINE_SYNC_ENDPOINT"
	EnvLogLevel     = "OFFLINE_LOG_LEVEL"
)

// DownloadConfig defines how lessons are fetched.
type DownloadConfig struct {
	// MaxConcurrent is the number of tasks downloading at once
	MaxConcurrent int `json:"max_concurrent"`

	// ChunkSize is the byte length of each range request
	ChunkSize int64 `json:"chunk_size"`

	// ChunkConcurrency is the number of ranges of one task fetched at once
	ChunkConcurrency int `json:"chunk_concurrency"`

	// Timeout bounds a single range request
	Timeout time.Duration `json:"timeout"`

	// UserAgent is sent with HTTP requests
	UserAgent string `json:"user_agent"`

	// ProxyURL is an http(s) or socks5 proxy; empty uses the environment
	ProxyURL string `json:"proxy_url,omitempty"`

	// InsecureTLS disables TLS certificate verification
	InsecureTLS bool `json:"insecure_tls"`

	// Headers are added to every HTTP range request
	Headers map[string]string `json:"headers,omitempty"`

	// AutoResume restarts paused tasks when the engine starts
	AutoResume bool `json:"auto_resume"`

	// MaxRate caps total download bandwidth, e.g. "2MB/s"; empty is unlimited
	MaxRate string `json:"max_rate,omitempty"`

	// FTP holds credentials for ftp:// sources
	FTP FTPConfig `json:"ftp"`

	// S3 configures s3:// sources
	S3 S3Config `json:"s3"`
}

// FTPConfig holds FTP login settings.
type FTPConfig struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// S3Config holds S3 client settings for s3:// sources.
type S3Config struct {
	Enabled      bool   `json:"enabled"`
	Region       string `json:"region,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
	UsePathStyle bool   `json:"use_path_style"`
	Profile      string `json:"profile,omitempty"`
}

// RetryConfig defines the whole-download retry policy.
type RetryConfig struct {
	// MaxAttempts counts the first attempt
	MaxAttempts int `json:"max_attempts"`

	// BaseDelay is the delay before the second attempt
	BaseDelay time.Duration `json:"base_delay"`

	// MaxDelay caps any single delay
	MaxDelay time.Duration `json:"max_delay"`

	// BackoffFactor multiplies the delay after each attempt
	BackoffFactor float64 `json:"backoff_factor"`

	Jitter bool `json:"jitter"`
}

// CompressionConfig defines the compression worker.
type CompressionConfig struct {
	Enabled bool `json:"enabled"`

	// Backend is auto, ffmpeg or passthrough
	Backend string `json:"backend"`

	// Timeout is the hard limit after which the original payload is kept
	Timeout time.Duration `json:"timeout"`

	Workers int `json:"workers"`
}

// StorageConfig defines where state and payloads live.
type StorageConfig struct {
	// DataDir holds the database and, for the filesystem backend, the payloads
	DataDir string `json:"data_dir"`

	// Backend is filesystem, memory, redis, s3 or gcs
	Backend string `json:"backend"`

	// Options are passed to the backend; see pkg/storage/backends
	Options map[string]interface{} `json:"options,omitempty"`
}

// QuotaConfig defines capacity and retention.
type QuotaConfig struct {
	// Provider is auto, statfs or fixed
	Provider string `json:"provider"`

	// FixedQuota is the quota of the fixed provider in bytes
	FixedQuota int64 `json:"fixed_quota"`

	// Retain is how many recent lessons eviction keeps
	Retain int `json:"retain"`

	// HighWater is the usage ratio that triggers eviction
	HighWater float64 `json:"high_water"`
}

// SyncConfig defines the event sync endpoint and schedule.
type SyncConfig struct {
	// Endpoint receives POST <endpoint>/<category>; empty disables sync
	Endpoint string `json:"endpoint,omitempty"`

	Interval  time.Duration `json:"interval"`
	BatchSize int           `json:"batch_size"`
	Timeout   time.Duration `json:"timeout"`

	// Retention is how long synced events are kept locally
	Retention time.Duration `json:"retention"`

	// Headers are added to every sync request
	Headers map[string]string `json:"headers,omitempty"`

	// ProbeURL is polled to detect connectivity; empty assumes online
	ProbeURL      string        `json:"probe_url,omitempty"`
	ProbeInterval time.Duration `json:"probe_interval"`
}

// MediaConfig defines thumbnail normalization.
type MediaConfig struct {
	NormalizeThumbnails bool `json:"normalize_thumbnails"`
	MaxWidth            int  `json:"max_width"`
	MaxHeight           int  `json:"max_height"`
	Quality             int  `json:"quality"`
}

// LoggingConfig defines log output.
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `json:"level"`

	// Format is text or json
	Format string `json:"format"`
}

// Config represents the complete configuration.
type Config struct {
	// Version is the configuration schema version
	Version string `json:"version"`

	Download    DownloadConfig    `json:"download"`
	Retry       RetryConfig       `json:"retry"`
	Compression CompressionConfig `json:"compression"`
	Storage     StorageConfig     `json:"storage"`
	Quota       QuotaConfig       `json:"quota"`
	Sync        SyncConfig        `json:"sync"`
	Media       MediaConfig       `json:"media"`
	Logging     LoggingConfig     `json:"logging"`
}

// DefaultDataDir returns ~/.local/share/offline.
func DefaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "offline")
	}
	return filepath.Join(homeDir, ".local", "share", "offline")
}

// DefaultConfig returns a configuration with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		Download: DownloadConfig{
			MaxConcurrent:    3,
			ChunkSize:        1024 * 1024, // 1MiB
			ChunkConcurrency: 1,
			Timeout:          60 * time.Second,
			UserAgent:        "offline/1.0",
			AutoResume:       false,
			FTP: FTPConfig{
				Username: "anonymous",
				Password: "anonymous@example.com",
			},
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			BaseDelay:     5 * time.Second,
			MaxDelay:      5 * time.Minute,
			BackoffFactor: 2.0,
			Jitter:        false,
		},
		Compression: CompressionConfig{
			Enabled: true,
			Backend: "auto",
			Timeout: 30 * time.Second,
			Workers: 1,
		},
		Storage: StorageConfig{
			DataDir: DefaultDataDir(),
			Backend: "filesystem",
		},
		Quota: QuotaConfig{
			Provider:   "auto",
			FixedQuota: 1 << 30, // 1GiB
			Retain:     20,
			HighWater:  0.9,
		},
		Sync: SyncConfig{
			Interval:      5 * time.Minute,
			BatchSize:     100,
			Timeout:       30 * time.Second,
			Retention:     7 * 24 * time.Hour,
			ProbeInterval: 30 * time.Second,
		},
		Media: MediaConfig{
			NormalizeThumbnails: true,
			MaxWidth:            480,
			MaxHeight:           270,
			Quality:             80,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ConfigLoader handles loading and saving configuration.
type ConfigLoader struct {
	configPath string
	getenv     func(string) string
}

// NewConfigLoader creates a new configuration loader.
func NewConfigLoader(configPath string) *ConfigLoader {
	return &ConfigLoader{
		configPath: configPath,
		getenv:     os.Getenv,
	}
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", "offline", "config.json"), nil
}

// Path returns the file the loader reads and writes.
func (cl *ConfigLoader) Path() string {
	return cl.configPath
}

// Load loads configuration from file, falling back to defaults if the file
// doesn't exist. Environment overrides are applied last.
func (cl *ConfigLoader) Load() (*Config, error) {
	var config *Config

	data, err := os.ReadFile(cl.configPath)
	switch {
	case os.IsNotExist(err):
		config = DefaultConfig()
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", cl.configPath, err)
	default:
		config = &Config{}
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", cl.configPath, err)
		}
		cl.applyDefaults(config)
	}

	config.ApplyEnv(cl.getenv)

	return config, nil
}

// Save saves configuration to file.
func (cl *ConfigLoader) Save(config *Config) error {
	configDir := filepath.Dir(cl.configPath)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(cl.configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", cl.configPath, err)
	}

	return nil
}

// ApplyEnv overrides the data directory, sync endpoint and log level from
// OFFLINE_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvDataDir)); v != "" {
		c.Storage.DataDir = v
	}
	if v := strings.TrimSpace(getenv(EnvSyncEndpoint)); v != "" {
		c.Sync.Endpoint = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func (cl *ConfigLoader) applyDownloadDefaults(config, defaults *Config) {
	d, def := &config.Download, &defaults.Download
	if d.MaxConcurrent == 0 {
		d.MaxConcurrent = def.MaxConcurrent
	}
	if d.ChunkSize == 0 {
		d.ChunkSize = def.ChunkSize
	}
	if d.ChunkConcurrency == 0 {
		d.ChunkConcurrency = def.ChunkConcurrency
	}
	if d.Timeout == 0 {
		d.Timeout = def.Timeout
	}
	if d.UserAgent == "" {
		d.UserAgent = def.UserAgent
	}
	if d.FTP.Username == "" {
		d.FTP = def.FTP
	}
}

func (cl *ConfigLoader) applyRetryDefaults(config, defaults *Config) {
	if config.Retry.MaxAttempts == 0 {
		config.Retry.MaxAttempts = defaults.Retry.MaxAttempts
	}
	if config.Retry.BaseDelay == 0 {
		config.Retry.BaseDelay = defaults.Retry.BaseDelay
	}
	if config.Retry.MaxDelay == 0 {
		config.Retry.MaxDelay = defaults.Retry.MaxDelay
	}
	if config.Retry.BackoffFactor == 0 {
		config.Retry.BackoffFactor = defaults.Retry.BackoffFactor
	}
}

func (cl *ConfigLoader) applyCompressionDefaults(config, defaults *Config) {
	if config.Compression.Backend == "" {
		config.Compression.Backend = defaults.Compression.Backend
	}
	if config.Compression.Timeout == 0 {
		config.Compression.Timeout = defaults.Compression.Timeout
	}
	if config.Compression.Workers == 0 {
		config.Compression.Workers = defaults.Compression.Workers
	}
}

func (cl *ConfigLoader) applyStorageDefaults(config, defaults *Config) {
	if config.Storage.DataDir == "" {
		config.Storage.DataDir = defaults.Storage.DataDir
	}
	if config.Storage.Backend == "" {
		config.Storage.Backend = defaults.Storage.Backend
	}
}

func (cl *ConfigLoader) applyQuotaDefaults(config, defaults *Config) {
	if config.Quota.Provider == "" {
		config.Quota.Provider = defaults.Quota.Provider
	}
	if config.Quota.FixedQuota == 0 {
		config.Quota.FixedQuota = defaults.Quota.FixedQuota
	}
	if config.Quota.Retain == 0 {
		config.Quota.Retain = defaults.Quota.Retain
	}
	if config.Quota.HighWater == 0 {
		config.Quota.HighWater = defaults.Quota.HighWater
	}
}

func (cl *ConfigLoader) applySyncDefaults(config, defaults *Config) {
	if config.Sync.Interval == 0 {
		config.Sync.Interval = defaults.Sync.Interval
	}
	if config.Sync.BatchSize == 0 {
		config.Sync.BatchSize = defaults.Sync.BatchSize
	}
	if config.Sync.Timeout == 0 {
		config.Sync.Timeout = defaults.Sync.Timeout
	}
	if config.Sync.Retention == 0 {
		config.Sync.Retention = defaults.Sync.Retention
	}
	if config.Sync.ProbeInterval == 0 {
		config.Sync.ProbeInterval = defaults.Sync.ProbeInterval
	}
}

func (cl *ConfigLoader) applyMediaDefaults(config, defaults *Config) {
	if config.Media.MaxWidth == 0 {
		config.Media.MaxWidth = defaults.Media.MaxWidth
	}
	if config.Media.MaxHeight == 0 {
		config.Media.MaxHeight = defaults.Media.MaxHeight
	}
	if config.Media.Quality == 0 {
		config.Media.Quality = defaults.Media.Quality
	}
}

func (cl *ConfigLoader) applyLoggingDefaults(config, defaults *Config) {
	if config.Logging.Level == "" {
		config.Logging.Level = defaults.Logging.Level
	}
	if config.Logging.Format == "" {
		config.Logging.Format = defaults.Logging.Format
	}
}

// applyDefaults applies default values for any missing configuration fields.
func (cl *ConfigLoader) applyDefaults(config *Config) {
	defaults := DefaultConfig()

	cl.applyDownloadDefaults(config, defaults)
	cl.applyRetryDefaults(config, defaults)
	cl.applyCompressionDefaults(config, defaults)
	cl.applyStorageDefaults(config, defaults)
	cl.applyQuotaDefaults(config, defaults)
	cl.applySyncDefaults(config, defaults)
	cl.applyMediaDefaults(config, defaults)
	cl.applyLoggingDefaults(config, defaults)

	if config.Version == "" {
		config.Version = defaults.Version
	}
}

func (c *Config) validateDownload() error {
	if c.Download.MaxConcurrent <= 0 {
		return fmt.Errorf("download max_concurrent must be positive, got %d", c.Download.MaxConcurrent)
	}
	if c.Download.ChunkSize <= 0 {
		return fmt.Errorf("download chunk_size must be positive, got %d", c.Download.ChunkSize)
	}
	if c.Download.ChunkConcurrency <= 0 {
		return fmt.Errorf("download chunk_concurrency must be positive, got %d", c.Download.ChunkConcurrency)
	}
	if c.Download.Timeout <= 0 {
		return fmt.Errorf("download timeout must be positive, got %v", c.Download.Timeout)
	}
	if _, err := ratelimit.ParseRate(c.Download.MaxRate); err != nil {
		return fmt.Errorf("download max_rate: %w", err)
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay < 0 {
		return fmt.Errorf("retry base_delay must be non-negative, got %v", c.Retry.BaseDelay)
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry max_delay %v is below base_delay %v", c.Retry.MaxDelay, c.Retry.BaseDelay)
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry backoff_factor must be at least 1, got %f", c.Retry.BackoffFactor)
	}
	return nil
}

func (c *Config) validateCompression() error {
	validBackends := map[string]bool{
		"auto":        true,
		"ffmpeg":      true,
		"passthrough": true,
	}
	if !validBackends[c.Compression.Backend] {
		return fmt.Errorf("invalid compression backend: %s", c.Compression.Backend)
	}
	if c.Compression.Timeout <= 0 {
		return fmt.Errorf("compression timeout must be positive, got %v", c.Compression.Timeout)
	}
	return nil
}

func (c *Config) validateStorage() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage data_dir is required")
	}
	validBackends := map[string]bool{
		"filesystem": true,
		"memory":     true,
		"redis":      true,
		"s3":         true,
		"gcs":        true,
	}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}
	return nil
}

func (c *Config) validateQuota() error {
	validProviders := map[string]bool{
		"auto":   true,
		"statfs": true,
		"fixed":  true,
	}
	if !validProviders[c.Quota.Provider] {
		return fmt.Errorf("invalid quota provider: %s", c.Quota.Provider)
	}
	if c.Quota.FixedQuota <= 0 {
		return fmt.Errorf("quota fixed_quota must be positive, got %d", c.Quota.FixedQuota)
	}
	if c.Quota.Retain <= 0 {
		return fmt.Errorf("quota retain must be positive, got %d", c.Quota.Retain)
	}
	if c.Quota.HighWater <= 0 || c.Quota.HighWater > 1 {
		return fmt.Errorf("quota high_water must be in (0, 1], got %f", c.Quota.HighWater)
	}
	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.Endpoint != "" && !strings.HasPrefix(c.Sync.Endpoint, "http://") &&
		!strings.HasPrefix(c.Sync.Endpoint, "https://") {
		return fmt.Errorf("sync endpoint must be an http(s) URL, got %s", c.Sync.Endpoint)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %v", c.Sync.Interval)
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	return nil
}

func (c *Config) validateMedia() error {
	if c.Media.Quality < 1 || c.Media.Quality > 100 {
		return fmt.Errorf("media quality must be between 1 and 100, got %d", c.Media.Quality)
	}
	if c.Media.MaxWidth < 0 || c.Media.MaxHeight < 0 {
		return fmt.Errorf("media max dimensions must be non-negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}

// Validate validates the configuration for consistency and correctness.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateDownload,
		c.validateRetry,
		c.validateCompression,
		c.validateStorage,
		c.validateQuota,
		c.validateSync,
		c.validateMedia,
		c.validateLogging,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	// Marshal to JSON and back to create a deep copy
	data, _ := json.Marshal(c)

	var clone Config

	_ = json.Unmarshal(data, &clone)

	return &clone
}

// NewLogger builds a logrus logger from the logging section.
func (l LoggingConfig) NewLogger() (*logrus.Logger, error) {
	logger := logrus.New()
	if err := l.Configure(logger); err != nil {
		return nil, err
	}
	return logger, nil
}

// Configure applies level and format to logger.
func (l LoggingConfig) Configure(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %s", l.Level)
	}
	logger.SetLevel(level)

	switch l.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format: %s", l.Format)
	}

	return nil
}

// ConfigManager provides high-level configuration management operations.
type ConfigManager struct {
	loader *ConfigLoader
	config *Config
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (*ConfigManager, error) {
	loader := NewConfigLoader(configPath)

	config, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &ConfigManager{
		loader: loader,
		config: config,
	}, nil
}

// NewDefaultConfigManager creates a configuration manager with default path.
func NewDefaultConfigManager() (*ConfigManager, error) {
	configPath, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}

	return NewConfigManager(configPath)
}

// GetConfig returns the current configuration.
func (cm *ConfigManager) GetConfig() *Config {
	return cm.config.Clone()
}

// Path returns the configuration file path.
func (cm *ConfigManager) Path() string {
	return cm.loader.Path()
}

// UpdateConfig updates the configuration and saves it to file.
func (cm *ConfigManager) UpdateConfig(config *Config) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cm.config = config.Clone()

	return cm.loader.Save(cm.config)
}

// SaveConfig saves the current configuration to file.
func (cm *ConfigManager) SaveConfig() error {
	return cm.loader.Save(cm.config)
}

// ReloadConfig reloads the configuration from file.
func (cm *ConfigManager) ReloadConfig() error {
	config, err := cm.loader.Load()
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cm.config = config

	return nil
}
