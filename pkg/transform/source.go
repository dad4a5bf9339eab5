package transform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/clipforge/pkg/job"
	"github.com/3leaps/clipforge/pkg/provider"
)

// ErrSourceTooLarge indicates the source exceeded the configured byte cap.
var ErrSourceTooLarge = errors.New("source exceeds size limit")

// ErrSourceNotAllowed indicates a blob key outside the allow-list.
var ErrSourceNotAllowed = errors.New("source key not allowed")

// SourceConfig configures source retrieval.
type SourceConfig struct {
	// KeyPatterns are doublestar globs a source key must match. Empty allows
	// every key.
	KeyPatterns []string

	// MaxBytes caps the downloaded size. Zero means unlimited.
	MaxBytes int64

	// HTTPTimeout bounds a URL fetch. Zero keeps only the context deadline.
	HTTPTimeout time.Duration
}

// SourceFetcher copies a job source to a local file.
type SourceFetcher struct {
	getter   provider.ObjectGetter
	client   *http.Client
	patterns []string
	maxBytes int64
}

// NewSourceFetcher validates cfg. getter may be nil when only URL sources
// are expected.
func NewSourceFetcher(getter provider.ObjectGetter, cfg SourceConfig) (*SourceFetcher, error) {
	for _, p := range cfg.KeyPatterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid source key pattern %q", p)
		}
	}
	return &SourceFetcher{
		getter:   getter,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		patterns: cfg.KeyPatterns,
		maxBytes: cfg.MaxBytes,
	}, nil
}

// Fetch writes the source to dst and returns the byte count. A blob key
// takes precedence over a URL.
func (f *SourceFetcher) Fetch(ctx context.Context, src job.SourceRef, dst string) (int64, error) {
	body, err := f.open(ctx, src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()

	out, err := os.Create(dst) // #nosec G304 -- dst is a worker temp path
	if err != nil {
		return 0, fmt.Errorf("create source file: %w", err)
	}
	n, copyErr := f.copyLimited(out, body)
	closeErr := out.Close()
	if copyErr != nil {
		return n, copyErr
	}
	if closeErr != nil {
		return n, fmt.Errorf("close source file: %w", closeErr)
	}
	if n == 0 {
		return 0, errors.New("source is empty")
	}
	return n, nil
}

// KeyAllowed reports whether key matches the allow-list.
func (f *SourceFetcher) KeyAllowed(key string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, p := range f.patterns {
		if ok, _ := doublestar.Match(p, key); ok {
			return true
		}
	}
	return false
}

func (f *SourceFetcher) open(ctx context.Context, src job.SourceRef) (io.ReadCloser, error) {
	if key := strings.TrimSpace(src.Key); key != "" {
		if !f.KeyAllowed(key) {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotAllowed, key)
		}
		if f.getter == nil {
			return nil, fmt.Errorf("fetch %s: %w", key, provider.ErrUnsupported)
		}
		body, size, err := f.getter.GetObject(ctx, key)
		if err != nil {
			return nil, err
		}
		if f.maxBytes > 0 && size > f.maxBytes {
			_ = body.Close()
			return nil, fmt.Errorf("%w: %d bytes", ErrSourceTooLarge, size)
		}
		return body, nil
	}

	raw := strings.TrimSpace(src.URL)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("unsupported source url %q", raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build source request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download source: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("download source: unexpected status %d", resp.StatusCode)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %d bytes", ErrSourceTooLarge, resp.ContentLength)
	}
	return resp.Body, nil
}

func (f *SourceFetcher) copyLimited(dst io.Writer, src io.Reader) (int64, error) {
	if f.maxBytes <= 0 {
		n, err := io.Copy(dst, src)
		if err != nil {
			return n, fmt.Errorf("copy source: %w", err)
		}
		return n, nil
	}
	n, err := io.Copy(dst, io.LimitReader(src, f.maxBytes+1))
	if err != nil {
		return n, fmt.Errorf("copy source: %w", err)
	}
	if n > f.maxBytes {
		return n, fmt.Errorf("%w: more than %d bytes", ErrSourceTooLarge, f.maxBytes)
	}
	return n, nil
}
