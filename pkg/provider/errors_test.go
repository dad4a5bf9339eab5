package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProviderError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ProviderError
		want string
	}{
		{
			name: "bucket and key",
			err:  &ProviderError{Op: "GetObject", Provider: ProviderS3, Bucket: "clips", Key: "uploads/u1/a.mp4", Err: ErrNotFound},
			want: "s3 GetObject s3://clips/uploads/u1/a.mp4: object not found",
		},
		{
			name: "bucket only",
			err:  &ProviderError{Op: "New", Provider: ProviderS3, Bucket: "clips", Err: ErrBucketNotFound},
			want: "s3 New s3://clips: bucket not found",
		},
		{
			name: "file gateway key",
			err:  &ProviderError{Op: "Head", Provider: ProviderFile, Key: "outputs/u1/j.mp4", Err: ErrNotFound},
			want: "file Head outputs/u1/j.mp4: object not found",
		},
		{
			name: "bare",
			err:  &ProviderError{Op: "New", Provider: ProviderS3, Err: errors.New("load config")},
			want: "s3 New: load config",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestClassifiers(t *testing.T) {
	wrap := func(err error) error {
		return fmt.Errorf("fetch source: %w", &ProviderError{Op: "GetObject", Provider: ProviderS3, Err: err})
	}

	tests := []struct {
		err           error
		notFound      bool
		unsupported   bool
		temporary     bool
		misconfigured bool
	}{
		{err: ErrNotFound, notFound: true},
		{err: ErrUnsupported, unsupported: true},
		{err: ErrThrottled, temporary: true},
		{err: ErrProviderUnavailable, temporary: true},
		{err: ErrBucketNotFound, misconfigured: true},
		{err: ErrInvalidCredentials, misconfigured: true},
		{err: ErrAccessDenied, misconfigured: true},
		{err: ErrInvalidParts},
		{err: errors.New("disk full")},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			err := wrap(tt.err)
			assert.Equal(t, tt.notFound, IsNotFound(err))
			assert.Equal(t, tt.unsupported, IsUnsupported(err))
			assert.Equal(t, tt.temporary, IsTemporary(err))
			assert.Equal(t, tt.misconfigured, IsMisconfigured(err))
		})
	}
}

func TestProviderType_String(t *testing.T) {
	assert.Equal(t, "s3", ProviderS3.String())
	assert.Equal(t, "file", ProviderFile.String())
}
