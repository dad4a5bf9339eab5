// Package config loads clipforge configuration from defaults, an optional
// YAML file, CLIPFORGE_* environment variables and runtime overrides.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Auth    AuthConfig    `mapstructure:"auth" yaml:"auth"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Blob    BlobConfig    `mapstructure:"blob" yaml:"blob"`
	Jobs    JobsConfig    `mapstructure:"jobs" yaml:"jobs"`
	Uploads UploadsConfig `mapstructure:"uploads" yaml:"uploads"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// AuthConfig configures bearer/cookie JWT verification.
type AuthConfig struct {
	JWTSecret  string `mapstructure:"jwt_secret" yaml:"-"`
	CookieName string `mapstructure:"cookie_name" yaml:"cookie_name"`
	Issuer     string `mapstructure:"issuer" yaml:"issuer"`
	Audience   string `mapstructure:"audience" yaml:"audience"`
}

// StoreConfig locates the job database. An empty path resolves to the
// application data directory.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// BlobConfig selects and configures the blob store gateway.
type BlobConfig struct {
	Provider        string        `mapstructure:"provider" yaml:"provider"`
	Bucket          string        `mapstructure:"bucket" yaml:"bucket"`
	Region          string        `mapstructure:"region" yaml:"region"`
	RegionFromIMDS  bool          `mapstructure:"region_from_imds" yaml:"region_from_imds"`
	Endpoint        string        `mapstructure:"endpoint" yaml:"endpoint"`
	Profile         string        `mapstructure:"profile" yaml:"profile"`
	AccessKeyID     string        `mapstructure:"access_key_id" yaml:"-"`
	SecretAccessKey string        `mapstructure:"secret_access_key" yaml:"-"`
	ForcePathStyle  bool          `mapstructure:"force_path_style" yaml:"force_path_style"`
	PublicBaseURL   string        `mapstructure:"public_base_url" yaml:"public_base_url"`
	PresignExpiry   time.Duration `mapstructure:"presign_expiry" yaml:"presign_expiry"`
	BaseDir         string        `mapstructure:"base_dir" yaml:"base_dir"`
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url"`
}

// JobsConfig tunes the lifecycle engine and the transform worker.
type JobsConfig struct {
	Workers           int           `mapstructure:"workers" yaml:"workers"`
	QueueSize         int           `mapstructure:"queue_size" yaml:"queue_size"`
	TransformTimeout  time.Duration `mapstructure:"transform_timeout" yaml:"transform_timeout"`
	ReapInterval      time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	OutputPrefix      string        `mapstructure:"output_prefix" yaml:"output_prefix"`
	WorkDir           string        `mapstructure:"work_dir" yaml:"work_dir"`
	ProgressInterval  time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
	SourceKeyPatterns []string      `mapstructure:"source_key_patterns" yaml:"source_key_patterns"`
	MaxSourceBytes    int64         `mapstructure:"max_source_bytes" yaml:"max_source_bytes"`
	SourceHTTPTimeout time.Duration `mapstructure:"source_http_timeout" yaml:"source_http_timeout"`
	FFmpegPath        string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	FFprobePath       string        `mapstructure:"ffprobe_path" yaml:"ffprobe_path"`
	FFmpegArgs        []string      `mapstructure:"ffmpeg_args" yaml:"ffmpeg_args"`
}

// UploadsConfig configures upload key layout and presigning.
type UploadsConfig struct {
	KeyPrefix          string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	PresignExpiry      time.Duration `mapstructure:"presign_expiry" yaml:"presign_expiry"`
	MaxPartsPerRequest int           `mapstructure:"max_parts_per_request" yaml:"max_parts_per_request"`
}

// Validate checks cross-field constraints that defaults cannot express.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch strings.ToLower(c.Blob.Provider) {
	case "s3":
		if strings.TrimSpace(c.Blob.Bucket) == "" {
			problems = append(problems, "blob.bucket is required for the s3 provider")
		}
	case "file":
		if strings.TrimSpace(c.Blob.BaseDir) == "" {
			problems = append(problems, "blob.base_dir is required for the file provider")
		}
	default:
		problems = append(problems, fmt.Sprintf("blob.provider %q must be s3 or file", c.Blob.Provider))
	}
	if c.Jobs.Workers < 1 {
		problems = append(problems, "jobs.workers must be >= 1")
	}
	if c.Jobs.QueueSize < 1 {
		problems = append(problems, "jobs.queue_size must be >= 1")
	}
	if c.Jobs.TransformTimeout < 0 || c.Jobs.ReapInterval < 0 || c.Jobs.StaleAfter < 0 {
		problems = append(problems, "jobs durations must not be negative")
	}
	if c.Jobs.MaxSourceBytes < 0 {
		problems = append(problems, "jobs.max_source_bytes must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
