package provider

import (
	"context"
	"io"
	"time"
)

// Multipart part number bounds accepted by S3.
const (
	MinPartNumber = 1
	MaxPartNumber = 10000
)

// ObjectPutter stores transform output. A negative contentLength means
// unknown.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64, contentType string) error
}

// ObjectGetter streams source videos referenced by key. The caller closes
// body.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}

// ObjectDeleter can delete objects. Deleting a missing object is not an error.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}

// URLResolver maps an object key to the URL clients download it from.
type URLResolver interface {
	ObjectURL(key string) string
}

// UploadPresigner issues a time-limited URL for a single PUT of key.
type UploadPresigner interface {
	PresignPutObject(ctx context.Context, key, contentType string, expires time.Duration) (string, error)
}

// PartURL is a presigned upload URL for one multipart part.
type PartURL struct {
	PartNumber int    `json:"partNumber"`
	URL        string `json:"url"`
}

// CompletedPart identifies an uploaded part by number and the ETag the store
// returned for it.
type CompletedPart struct {
	PartNumber int    `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

// MultipartUploader coordinates client-side multipart uploads.
//
// Part bytes never pass through the service: clients PUT each part to a
// presigned URL and report the returned ETags on completion.
type MultipartUploader interface {
	CreateMultipartUpload(ctx context.Context, key, contentType string) (uploadID string, err error)
	PresignUploadParts(ctx context.Context, key, uploadID string, partNumbers []int, expires time.Duration) ([]PartURL, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (fileURL string, err error)
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}
