package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors. Gateways wrap them in a *ProviderError so callers can
// match with errors.Is regardless of the backing store.
var (
	ErrNotFound            = errors.New("object not found")
	ErrAccessDenied        = errors.New("access denied")
	ErrBucketNotFound      = errors.New("bucket not found")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrThrottled           = errors.New("request throttled")

	// ErrUnsupported means the gateway lacks the capability, e.g. presigned
	// uploads on the file gateway.
	ErrUnsupported = errors.New("operation not supported by provider")

	// ErrInvalidKey rejects empty keys and keys that escape the store root.
	ErrInvalidKey = errors.New("invalid object key")

	// ErrInvalidParts means the store refused a multipart completion list:
	// a wrong ETag, out-of-order parts or an undersized part.
	ErrInvalidParts = errors.New("invalid multipart parts")
)

// ProviderError records which gateway call failed and for which object.
type ProviderError struct {
	Op       string
	Provider ProviderType
	Bucket   string
	Key      string
	Err      error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Bucket != "" && e.Key != "":
		return fmt.Sprintf("%s %s %s://%s/%s: %v", e.Provider, e.Op, e.Provider, e.Bucket, e.Key, e.Err)
	case e.Bucket != "":
		return fmt.Sprintf("%s %s %s://%s: %v", e.Provider, e.Op, e.Provider, e.Bucket, e.Err)
	case e.Key != "":
		return fmt.Sprintf("%s %s %s: %v", e.Provider, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the object (or multipart upload)
// does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnsupported reports whether the gateway lacks the capability.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// IsTemporary reports whether the store was throttling or unreachable.
// The same call may succeed later.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrProviderUnavailable)
}

// IsMisconfigured reports whether the store rejected the service itself:
// a missing bucket, bad credentials or a denied policy. Every job will fail
// the same way until an operator intervenes.
func IsMisconfigured(err error) bool {
	return errors.Is(err, ErrBucketNotFound) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrAccessDenied)
}
