// Package provider defines the blob store gateway: the object operations
// the worker, the upload endpoints and the delete cascade need.
//
// The core interface is only Head, Type and Close. Every other operation is
// an optional capability found by type assertion, which lets the file
// gateway back development and tests without presigning support.
package provider

import (
	"context"
	"time"
)

// Provider is the gateway core. Implementations are safe for concurrent use.
type Provider interface {
	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Type identifies the backing store.
	Type() ProviderType

	// Close releases any resources held by the provider.
	Close() error
}

// ObjectMeta contains metadata for a single object.
type ObjectMeta struct {
	// Key is the full object key (path) in the bucket.
	Key string

	// Size is the object size in bytes.
	Size int64

	// ETag is the entity tag without surrounding quotes.
	ETag string

	// LastModified is when the object was last modified.
	LastModified time.Time

	// ContentType is the MIME type of the object.
	ContentType string
}

// ProviderType identifies a blob storage provider.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents a local directory.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
