// Package config provides configuration management for nvrcore using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultMaxOpenConns       = 6
	defaultMaxIdleConns       = 3
	defaultConnMaxIdleTime    = 30 * time.Minute
	defaultSegmentSeconds     = 4
	defaultSegmentCount       = 6
	defaultRotationSeconds    = 60
	defaultRecordingMaxBytes  = 128 * 1024 * 1024
	defaultDetectionInterval  = 1
	defaultDetectionThreshold = 0.5
	defaultPreBufferSeconds   = 5
	defaultPostBufferSeconds  = 5
	defaultReconcileInterval  = 60
	defaultHighWaterPercent   = 95
	defaultLowWaterPercent    = 85
	defaultShutdownGrace      = 20 * time.Second
	defaultWatchdogGrace      = 30 * time.Second
	defaultWatchdogKillGrace  = 15 * time.Second
	defaultEvictWaitSeconds   = 120
)

// Config holds all configuration for the application.
type Config struct {
	Server          ServerConfig         `mapstructure:"server"`
	Database        DatabaseConfig       `mapstructure:"database"`
	Storage         StorageConfig        `mapstructure:"storage"`
	Logging         LoggingConfig        `mapstructure:"logging"`
	StreamDefaults  StreamDefaultsConfig `mapstructure:"stream_defaults"`
	Streams         []StreamCfg          `mapstructure:"streams"`
	Retention       RetentionConfig      `mapstructure:"retention"`
	Shutdown        ShutdownConfig       `mapstructure:"shutdown"`
	PIDFile         PIDFileConfig        `mapstructure:"pidfile"`
	FFmpeg          FFmpegConfig         `mapstructure:"ffmpeg"`
	Detector        DetectorConfig       `mapstructure:"detector"`
	TransportHelper TransportHelperCfg   `mapstructure:"transport_helper"`
}

// ServerConfig holds configuration for the out-of-scope HTTP/API server.
// The core never binds a listener itself; this section only exists so a
// host process can read it from the same config file.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds the recording storage budget and directory layout.
type StorageConfig struct {
	BaseDir          string   `mapstructure:"base_dir"`
	HLSDir           string   `mapstructure:"hls_dir"`
	RecordingsDir    string   `mapstructure:"recordings_dir"`
	TempDir          string   `mapstructure:"temp_dir"`
	MaxStorageBytes  ByteSize `mapstructure:"max_storage_bytes"`
	HighWaterPercent int      `mapstructure:"high_water_percent"`
	LowWaterPercent  int      `mapstructure:"low_water_percent"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// StreamDefaultsConfig holds the defaults applied to a StreamCfg that does
// not override a given field.
type StreamDefaultsConfig struct {
	Transport                 string  `mapstructure:"transport"` // tcp, udp, auto
	SegmentDurationSeconds    int     `mapstructure:"segment_duration_seconds"`
	SegmentCount              int     `mapstructure:"segment_count"`
	RecordingRotationSeconds  int     `mapstructure:"recording_rotation_seconds"`
	RecordingMaxBytes         ByteSize `mapstructure:"recording_max_bytes"`
	DetectionIntervalSeconds  int     `mapstructure:"detection_interval_seconds"`
	DetectionThreshold        float64 `mapstructure:"detection_threshold"`
	PreBufferSeconds          int     `mapstructure:"pre_buffer_seconds"`
	PostBufferSeconds         int     `mapstructure:"post_buffer_seconds"`
}

// StreamCfg is the on-disk/config-file seed shape of a stream. It mirrors
// models.Stream but without persistence concerns; the Stream Manager
// reconciles this list into the database once at startup (existing rows
// always win over a seed entry with the same name).
type StreamCfg struct {
	Name                     string  `mapstructure:"name"`
	SourceURL                string  `mapstructure:"source_url"`
	Transport                string  `mapstructure:"transport"`
	Username                 string  `mapstructure:"username"`
	Password                 string  `mapstructure:"password"`
	Enabled                  bool    `mapstructure:"enabled"`
	Record                   bool    `mapstructure:"record"`
	StreamingEnabled         bool    `mapstructure:"streaming_enabled"`
	DetectionEnabled         bool    `mapstructure:"detection_enabled"`
	DetectionModel           string  `mapstructure:"detection_model"`
	DetectionThreshold       float64 `mapstructure:"detection_threshold"`
	DetectionIntervalSeconds int     `mapstructure:"detection_interval_seconds"`
	PreBufferSeconds         int     `mapstructure:"pre_buffer_seconds"`
	PostBufferSeconds        int     `mapstructure:"post_buffer_seconds"`
	SegmentDurationSeconds   int     `mapstructure:"segment_duration_seconds"`
	RetentionDays            int     `mapstructure:"retention_days"`
}

// RetentionConfig holds recording-index reconciliation and retention
// sweep scheduling.
type RetentionConfig struct {
	ReconcileIntervalSeconds int `mapstructure:"reconcile_interval_seconds"`
}

// ShutdownConfig holds the Shutdown Coordinator's phased-timer and
// watchdog parameters.
type ShutdownConfig struct {
	GraceSeconds          int  `mapstructure:"grace_seconds"`
	WatchdogEnabled       bool `mapstructure:"watchdog_enabled"`
	WatchdogGraceSeconds  int  `mapstructure:"watchdog_grace_seconds"`
	WatchdogKillGraceSecs int  `mapstructure:"watchdog_kill_grace_seconds"`
}

// PIDFileConfig holds the single-instance PID file lock parameters.
type PIDFileConfig struct {
	Path             string `mapstructure:"path"`
	EvictWaitSeconds int    `mapstructure:"evict_wait_seconds"`
}

// FFmpegConfig holds FFmpeg binary configuration, used by the Detection
// Reader to decode a single keyframe to a still image.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // empty = auto-detect
}

// DetectorConfig configures the external object-detector collaborator.
type DetectorConfig struct {
	Endpoint string        `mapstructure:"endpoint"` // HTTP API base URL; empty = no detector configured
	Timeout  time.Duration `mapstructure:"timeout"`
}

// TransportHelperCfg configures the optional external transport helper
// process (spec.md §6). Absence (Enabled=false) degrades but does not
// fail the system.
type TransportHelperCfg struct {
	Enabled         bool          `mapstructure:"enabled"`
	BinaryPath      string        `mapstructure:"binary_path"`
	ControlAddr     string        `mapstructure:"control_addr"`
	HealthPath      string        `mapstructure:"health_path"`
	ProbeRetries    int           `mapstructure:"probe_retries"`
	ProbeInterval   time.Duration `mapstructure:"probe_interval"`
	StartupTimeout  time.Duration `mapstructure:"startup_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with NVR_ and use underscores for nesting.
// Example: NVR_STORAGE_BASE_DIR=/var/lib/nvrcore.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/nvrcore")
		v.AddConfigPath("$HOME/.nvrcore")
	}

	v.SetEnvPrefix("NVR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.applyStreamDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyStreamDefaults fills unset per-stream fields from StreamDefaults.
func (c *Config) applyStreamDefaults() {
	for i := range c.Streams {
		s := &c.Streams[i]
		if s.Transport == "" {
			s.Transport = c.StreamDefaults.Transport
		}
		if s.DetectionIntervalSeconds == 0 {
			s.DetectionIntervalSeconds = c.StreamDefaults.DetectionIntervalSeconds
		}
		if s.DetectionThreshold == 0 {
			s.DetectionThreshold = c.StreamDefaults.DetectionThreshold
		}
		if s.PreBufferSeconds == 0 {
			s.PreBufferSeconds = c.StreamDefaults.PreBufferSeconds
		}
		if s.PostBufferSeconds == 0 {
			s.PostBufferSeconds = c.StreamDefaults.PostBufferSeconds
		}
		if s.SegmentDurationSeconds == 0 {
			s.SegmentDurationSeconds = c.StreamDefaults.SegmentDurationSeconds
		}
	}
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "nvrcore.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.hls_dir", "hls")
	v.SetDefault("storage.recordings_dir", "mp4")
	v.SetDefault("storage.temp_dir", "temp")
	v.SetDefault("storage.max_storage_bytes", 50*1024*1024*1024)
	v.SetDefault("storage.high_water_percent", defaultHighWaterPercent)
	v.SetDefault("storage.low_water_percent", defaultLowWaterPercent)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("stream_defaults.transport", "tcp")
	v.SetDefault("stream_defaults.segment_duration_seconds", defaultSegmentSeconds)
	v.SetDefault("stream_defaults.segment_count", defaultSegmentCount)
	v.SetDefault("stream_defaults.recording_rotation_seconds", defaultRotationSeconds)
	v.SetDefault("stream_defaults.recording_max_bytes", defaultRecordingMaxBytes)
	v.SetDefault("stream_defaults.detection_interval_seconds", defaultDetectionInterval)
	v.SetDefault("stream_defaults.detection_threshold", defaultDetectionThreshold)
	v.SetDefault("stream_defaults.pre_buffer_seconds", defaultPreBufferSeconds)
	v.SetDefault("stream_defaults.post_buffer_seconds", defaultPostBufferSeconds)

	v.SetDefault("retention.reconcile_interval_seconds", defaultReconcileInterval)

	v.SetDefault("shutdown.grace_seconds", int(defaultShutdownGrace.Seconds()))
	v.SetDefault("shutdown.watchdog_enabled", true)
	v.SetDefault("shutdown.watchdog_grace_seconds", int(defaultWatchdogGrace.Seconds()))
	v.SetDefault("shutdown.watchdog_kill_grace_seconds", int(defaultWatchdogKillGrace.Seconds()))

	v.SetDefault("pidfile.path", "./nvrcore.pid")
	v.SetDefault("pidfile.evict_wait_seconds", defaultEvictWaitSeconds)

	v.SetDefault("ffmpeg.binary_path", "")

	v.SetDefault("detector.endpoint", "")
	v.SetDefault("detector.timeout", 5*time.Second)

	v.SetDefault("transport_helper.enabled", false)
	v.SetDefault("transport_helper.health_path", "/healthz")
	v.SetDefault("transport_helper.probe_retries", 10)
	v.SetDefault("transport_helper.probe_interval", time.Second)
	v.SetDefault("transport_helper.startup_timeout", 15*time.Second)
	v.SetDefault("transport_helper.shutdown_timeout", 5*time.Second)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if c.Storage.HighWaterPercent <= c.Storage.LowWaterPercent {
		return fmt.Errorf("storage.high_water_percent must be greater than storage.low_water_percent")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	seen := make(map[string]bool, len(c.Streams))
	validTransports := map[string]bool{"tcp": true, "udp": true, "auto": true}
	for _, s := range c.Streams {
		if s.Name == "" {
			return fmt.Errorf("stream name is required")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stream name: %s", s.Name)
		}
		seen[s.Name] = true
		if s.SourceURL == "" {
			return fmt.Errorf("stream %s: source_url is required", s.Name)
		}
		if !validTransports[s.Transport] {
			return fmt.Errorf("stream %s: transport must be one of: tcp, udp, auto", s.Name)
		}
		if s.DetectionThreshold < 0 || s.DetectionThreshold > 1 {
			return fmt.Errorf("stream %s: detection_threshold must be in [0,1]", s.Name)
		}
		if s.DetectionIntervalSeconds < 1 {
			return fmt.Errorf("stream %s: detection_interval_seconds must be >= 1", s.Name)
		}
	}

	return nil
}

// Address returns the HTTP server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HLSPath returns the full path to the HLS output directory.
func (c *StorageConfig) HLSPath() string {
	return fmt.Sprintf("%s/%s", c.BaseDir, c.HLSDir)
}

// RecordingsPath returns the full path to the MP4 recordings directory.
func (c *StorageConfig) RecordingsPath() string {
	return fmt.Sprintf("%s/%s", c.BaseDir, c.RecordingsDir)
}

// TempPath returns the full path to the temp directory.
func (c *StorageConfig) TempPath() string {
	return fmt.Sprintf("%s/%s", c.BaseDir, c.TempDir)
}
