// Package s3 implements the blob store gateway for AWS S3 and S3-compatible
// stores (MinIO, Wasabi, moto).
package s3

import (
	"net/url"
	"time"
)

// Config configures the S3 gateway.
//
// Credentials come from AccessKeyID/SecretAccessKey when both are set,
// otherwise from the SDK default chain (environment, shared files with
// Profile, then instance or task roles).
//
// Region resolution: Region, then the SDK chain, then instance metadata when
// RegionFromIMDS is set, then us-east-1. Nothing is defaulted when Endpoint
// points at an S3-compatible store.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Profile  string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the path. Most S3-compatible stores
	// need it.
	ForcePathStyle bool

	// RegionFromIMDS asks the EC2 instance metadata service for the region
	// when none is configured. Ignored when Endpoint is set.
	RegionFromIMDS bool

	// PublicBaseURL is prepended to object keys to build download URLs,
	// e.g. a CDN origin. Empty derives the URL from the bucket endpoint.
	PublicBaseURL string

	// PresignExpiry is used when callers pass a zero expiry.
	PresignExpiry time.Duration
}

const (
	// DefaultPresignExpiry is used when Config.PresignExpiry is zero.
	DefaultPresignExpiry = time.Hour

	// MaxPresignExpiry is the SigV4 ceiling for presigned URLs.
	MaxPresignExpiry = 7 * 24 * time.Hour

	// DefaultAWSRegion is the fallback region for AWS S3.
	DefaultAWSRegion = "us-east-1"
)

// Validate checks the config before any SDK call is made.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	if c.Endpoint != "" && !absoluteURL(c.Endpoint) {
		return &ConfigError{Field: "Endpoint", Message: "must be an absolute URL"}
	}
	if c.PublicBaseURL != "" && !absoluteURL(c.PublicBaseURL) {
		return &ConfigError{Field: "PublicBaseURL", Message: "must be an absolute URL"}
	}
	if c.PresignExpiry < 0 {
		return &ConfigError{Field: "PresignExpiry", Message: "must not be negative"}
	}
	if c.PresignExpiry > MaxPresignExpiry {
		return &ConfigError{Field: "PresignExpiry", Message: "must not exceed 7 days"}
	}
	return nil
}

func absoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// ConfigError reports an invalid Config field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
