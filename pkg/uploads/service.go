// Package uploads mediates direct-to-store uploads of source videos.
//
// The service issues keys and presigned URLs and forwards completion and
// abort calls to the blob store. Part bytes never pass through it.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/clipforge/pkg/provider"
)

// Sentinel errors for upload operations.
var (
	// ErrInvalidRequest indicates malformed upload input.
	ErrInvalidRequest = errors.New("invalid upload request")

	// ErrForbidden indicates a key outside the caller's prefix.
	ErrForbidden = errors.New("key is outside the caller's upload prefix")
)

// DefaultKeyPrefix is used when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "uploads"

// Config configures the upload service.
type Config struct {
	// KeyPrefix is the first key segment for uploaded sources.
	KeyPrefix string

	// PresignExpiry bounds presigned URL lifetime. Zero defers to the store.
	PresignExpiry time.Duration

	// MaxPartsPerRequest caps how many part URLs one call may request.
	MaxPartsPerRequest int
}

// Upload identifies a multipart upload or a presigned single upload.
type Upload struct {
	UploadID string `json:"uploadId,omitempty"`
	Key      string `json:"key"`
	URL      string `json:"url,omitempty"`
}

// Service coordinates uploads against a blob store.
type Service struct {
	store  provider.Provider
	cfg    Config
	newKey func() string
}

// New returns a Service backed by store.
func New(store provider.Provider, cfg Config) *Service {
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	cfg.KeyPrefix = strings.Trim(cfg.KeyPrefix, "/")
	if cfg.MaxPartsPerRequest <= 0 {
		cfg.MaxPartsPerRequest = provider.MaxPartNumber
	}
	return &Service{store: store, cfg: cfg, newKey: uuid.NewString}
}

// Initiate starts a multipart upload for filename and returns its id and key.
func (s *Service) Initiate(ctx context.Context, userID, filename, contentType string) (*Upload, error) {
	mu, err := s.multipart()
	if err != nil {
		return nil, err
	}
	key, err := s.NewKey(userID, filename)
	if err != nil {
		return nil, err
	}
	uploadID, err := mu.CreateMultipartUpload(ctx, key, contentType)
	if err != nil {
		return nil, err
	}
	return &Upload{UploadID: uploadID, Key: key}, nil
}

// PartURLs presigns one upload URL per part number.
func (s *Service) PartURLs(ctx context.Context, userID, key, uploadID string, partNumbers []int) ([]provider.PartURL, error) {
	mu, err := s.multipart()
	if err != nil {
		return nil, err
	}
	if err := s.checkUpload(userID, key, uploadID); err != nil {
		return nil, err
	}
	if len(partNumbers) == 0 {
		return nil, fmt.Errorf("%w: partNumbers is required", ErrInvalidRequest)
	}
	if len(partNumbers) > s.cfg.MaxPartsPerRequest {
		return nil, fmt.Errorf("%w: at most %d parts per request", ErrInvalidRequest, s.cfg.MaxPartsPerRequest)
	}
	seen := make(map[int]struct{}, len(partNumbers))
	for _, n := range partNumbers {
		if err := checkPartNumber(n); err != nil {
			return nil, err
		}
		if _, dup := seen[n]; dup {
			return nil, fmt.Errorf("%w: duplicate part number %d", ErrInvalidRequest, n)
		}
		seen[n] = struct{}{}
	}
	return mu.PresignUploadParts(ctx, key, uploadID, partNumbers, s.cfg.PresignExpiry)
}

// Complete assembles the uploaded parts and returns the object's URL.
//
// Every part needs a non-empty ETag and a unique number. Parts may arrive in
// any order; the store receives them ascending.
func (s *Service) Complete(ctx context.Context, userID, key, uploadID string, parts []provider.CompletedPart) (string, error) {
	mu, err := s.multipart()
	if err != nil {
		return "", err
	}
	if err := s.checkUpload(userID, key, uploadID); err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: parts is required", ErrInvalidRequest)
	}
	seen := make(map[int]struct{}, len(parts))
	for _, part := range parts {
		if err := checkPartNumber(part.PartNumber); err != nil {
			return "", err
		}
		if strings.Trim(strings.TrimSpace(part.ETag), `"`) == "" {
			return "", fmt.Errorf("%w: part %d has no ETag", ErrInvalidRequest, part.PartNumber)
		}
		if _, dup := seen[part.PartNumber]; dup {
			return "", fmt.Errorf("%w: duplicate part number %d", ErrInvalidRequest, part.PartNumber)
		}
		seen[part.PartNumber] = struct{}{}
	}
	return mu.CompleteMultipartUpload(ctx, key, uploadID, parts)
}

// Abort releases the store's state for an unfinished upload.
func (s *Service) Abort(ctx context.Context, userID, key, uploadID string) error {
	mu, err := s.multipart()
	if err != nil {
		return err
	}
	if err := s.checkUpload(userID, key, uploadID); err != nil {
		return err
	}
	return mu.AbortMultipartUpload(ctx, key, uploadID)
}

// PresignUpload issues a single-PUT URL for a new key.
func (s *Service) PresignUpload(ctx context.Context, userID, filename, contentType string) (*Upload, error) {
	presigner, ok := s.store.(provider.UploadPresigner)
	if !ok {
		return nil, fmt.Errorf("presigned upload: %w", provider.ErrUnsupported)
	}
	key, err := s.NewKey(userID, filename)
	if err != nil {
		return nil, err
	}
	u, err := presigner.PresignPutObject(ctx, key, contentType, s.cfg.PresignExpiry)
	if err != nil {
		return nil, err
	}
	return &Upload{Key: key, URL: u}, nil
}

// NewKey returns <prefix>/<user>/<uuid>-<filename>.
func (s *Service) NewKey(userID, filename string) (string, error) {
	user := UserSegment(userID)
	if user == "" {
		return "", fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	name := sanitize(path.Base(strings.ReplaceAll(filename, "\\", "/")))
	if name == "" || name == "." {
		return "", fmt.Errorf("%w: filename is required", ErrInvalidRequest)
	}
	return fmt.Sprintf("%s/%s/%s-%s", s.cfg.KeyPrefix, user, s.newKey(), name), nil
}

// OwnsKey reports whether key lies under the caller's upload prefix.
func (s *Service) OwnsKey(userID, key string) bool {
	return KeyOwnedBy(s.cfg.KeyPrefix, userID, key)
}

// CheckSource rejects a crop source key that lies under the upload prefix
// but belongs to another user, and any key that is not in canonical form.
// Keys outside the upload prefix are not upload-owned and pass.
func (s *Service) CheckSource(userID, key string) error {
	if key == "" {
		return nil
	}
	if strings.HasPrefix(key, "/") || path.Clean(key) != key {
		return fmt.Errorf("%w: s3Key must be a relative key without . or .. segments", ErrInvalidRequest)
	}
	if !strings.HasPrefix(key, s.cfg.KeyPrefix+"/") {
		return nil
	}
	if !s.OwnsKey(userID, key) {
		return ErrForbidden
	}
	return nil
}

// KeyOwnedBy reports whether key lies under <prefix>/<user>/.
func KeyOwnedBy(prefix, userID, key string) bool {
	user := UserSegment(userID)
	if user == "" || key == "" {
		return false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." {
			return false
		}
	}
	return strings.HasPrefix(key, strings.Trim(prefix, "/")+"/"+user+"/")
}

// UserSegment is the key segment used for userID. Bytes outside
// [A-Za-z0-9_.-] are written as ~XX, as is a leading dot, so distinct ids
// never share a segment. It returns "" for a blank id.
func UserSegment(userID string) string {
	if strings.TrimSpace(userID) == "" {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(userID); i++ {
		c := userID[i]
		if segmentSafe(c) && (c != '.' || i > 0) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "~%02X", c)
	}
	return b.String()
}

func segmentSafe(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.':
		return true
	}
	return false
}

func (s *Service) multipart() (provider.MultipartUploader, error) {
	mu, ok := s.store.(provider.MultipartUploader)
	if !ok {
		return nil, fmt.Errorf("multipart upload: %w", provider.ErrUnsupported)
	}
	return mu, nil
}

func (s *Service) checkUpload(userID, key, uploadID string) error {
	if strings.TrimSpace(key) == "" || strings.TrimSpace(uploadID) == "" {
		return fmt.Errorf("%w: key and uploadId are required", ErrInvalidRequest)
	}
	if !s.OwnsKey(userID, key) {
		return ErrForbidden
	}
	return nil
}

func checkPartNumber(n int) error {
	if n < provider.MinPartNumber || n > provider.MaxPartNumber {
		return fmt.Errorf("%w: part number %d outside %d..%d", ErrInvalidRequest, n, provider.MinPartNumber, provider.MaxPartNumber)
	}
	return nil
}

func sanitize(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		" ", "-",
		":", "-",
		"|", "-",
		"*", "",
		"?", "",
		"#", "",
		"%", "",
		"\"", "",
		"<", "",
		">", "",
	)
	value = replacer.Replace(value)
	return strings.Trim(value, "-_.")
}
