package uploads

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/clipforge/pkg/provider"
	"github.com/3leaps/clipforge/pkg/provider/file"
)

type fakeGateway struct {
	created   []string
	presigned []int
	completed []provider.CompletedPart
	aborted   string
	expiry    time.Duration
}

func (f *fakeGateway) Head(context.Context, string) (*provider.ObjectMeta, error) {
	return nil, provider.ErrNotFound
}
func (f *fakeGateway) Type() provider.ProviderType { return provider.ProviderS3 }
func (f *fakeGateway) Close() error                { return nil }

func (f *fakeGateway) CreateMultipartUpload(_ context.Context, key, _ string) (string, error) {
	f.created = append(f.created, key)
	return "upload-1", nil
}

func (f *fakeGateway) PresignUploadParts(_ context.Context, key, uploadID string, parts []int, expires time.Duration) ([]provider.PartURL, error) {
	f.presigned = parts
	f.expiry = expires
	out := make([]provider.PartURL, 0, len(parts))
	for _, n := range parts {
		out = append(out, provider.PartURL{PartNumber: n, URL: fmt.Sprintf("https://s3/%s?uploadId=%s&partNumber=%d", key, uploadID, n)})
	}
	return out, nil
}

func (f *fakeGateway) CompleteMultipartUpload(_ context.Context, key, _ string, parts []provider.CompletedPart) (string, error) {
	f.completed = parts
	return "https://cdn/" + key, nil
}

func (f *fakeGateway) AbortMultipartUpload(_ context.Context, _, uploadID string) error {
	f.aborted = uploadID
	return nil
}

func (f *fakeGateway) PresignPutObject(_ context.Context, key, _ string, expires time.Duration) (string, error) {
	f.expiry = expires
	return "https://s3/" + key + "?signed", nil
}

func newTestService(g provider.Provider) *Service {
	s := New(g, Config{KeyPrefix: "/uploads/", PresignExpiry: 10 * time.Minute})
	s.newKey = func() string { return "fixed" }
	return s
}

func TestNewKey(t *testing.T) {
	s := newTestService(&fakeGateway{})

	tests := []struct {
		name     string
		user     string
		filename string
		want     string
		wantErr  bool
	}{
		{name: "plain", user: "u1", filename: "clip.mp4", want: "uploads/u1/fixed-clip.mp4"},
		{name: "spaces and dirs", user: "u1", filename: "../My Clip?.mp4", want: "uploads/u1/fixed-My-Clip.mp4"},
		{name: "windows path", user: "u1", filename: `C:\videos\a.mov`, want: "uploads/u1/fixed-a.mov"},
		{name: "provider style user id", user: "google-oauth2|123", filename: "a.mp4", want: "uploads/google-oauth2~7C123/fixed-a.mp4"},
		{name: "missing user", user: " ", filename: "a.mp4", wantErr: true},
		{name: "missing filename", user: "u1", filename: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.NewKey(tt.user, tt.filename)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMultipartFlow(t *testing.T) {
	ctx := context.Background()
	g := &fakeGateway{}
	s := newTestService(g)

	up, err := s.Initiate(ctx, "u1", "big.mp4", "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, "upload-1", up.UploadID)
	assert.Equal(t, "uploads/u1/fixed-big.mp4", up.Key)

	urls, err := s.PartURLs(ctx, "u1", up.Key, up.UploadID, []int{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, urls, 3)
	assert.Equal(t, 10*time.Minute, g.expiry)

	fileURL, err := s.Complete(ctx, "u1", up.Key, up.UploadID, []provider.CompletedPart{
		{PartNumber: 2, ETag: `"b"`},
		{PartNumber: 1, ETag: "a"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/uploads/u1/fixed-big.mp4", fileURL)
	assert.Len(t, g.completed, 2)

	require.NoError(t, s.Abort(ctx, "u1", up.Key, up.UploadID))
	assert.Equal(t, "upload-1", g.aborted)
}

func TestPartURLs_Validation(t *testing.T) {
	ctx := context.Background()
	s := newTestService(&fakeGateway{})
	key := "uploads/u1/fixed-a.mp4"

	tests := []struct {
		name  string
		parts []int
	}{
		{"empty", nil},
		{"zero", []int{0}},
		{"too large", []int{10001}},
		{"duplicate", []int{1, 2, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.PartURLs(ctx, "u1", key, "upload-1", tt.parts)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	t.Run("missing upload id", func(t *testing.T) {
		_, err := s.PartURLs(ctx, "u1", key, "", []int{1})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("foreign key", func(t *testing.T) {
		_, err := s.PartURLs(ctx, "u2", key, "upload-1", []int{1})
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("max per request", func(t *testing.T) {
		s := New(&fakeGateway{}, Config{MaxPartsPerRequest: 2})
		_, err := s.PartURLs(ctx, "u1", "uploads/u1/x", "upload-1", []int{1, 2, 3})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestComplete_Validation(t *testing.T) {
	ctx := context.Background()
	g := &fakeGateway{}
	s := newTestService(g)
	key := "uploads/u1/fixed-a.mp4"

	tests := []struct {
		name  string
		parts []provider.CompletedPart
	}{
		{"no parts", nil},
		{"empty etag", []provider.CompletedPart{{PartNumber: 1, ETag: ""}}},
		{"quoted empty etag", []provider.CompletedPart{{PartNumber: 1, ETag: `""`}}},
		{"duplicate number", []provider.CompletedPart{{PartNumber: 1, ETag: "a"}, {PartNumber: 1, ETag: "b"}}},
		{"out of range", []provider.CompletedPart{{PartNumber: 0, ETag: "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Complete(ctx, "u1", key, "upload-1", tt.parts)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Nil(t, g.completed, "invalid completions never reach the store")
}

func TestKeyOwnedBy(t *testing.T) {
	assert.True(t, KeyOwnedBy("uploads", "u1", "uploads/u1/a.mp4"))
	assert.False(t, KeyOwnedBy("uploads", "u1", "uploads/u10/a.mp4"))
	assert.False(t, KeyOwnedBy("uploads", "u1", "uploads/u1/../u2/a.mp4"))
	assert.False(t, KeyOwnedBy("uploads", "", "uploads//a.mp4"))
	assert.False(t, KeyOwnedBy("uploads", "u1", ""))
	assert.True(t, KeyOwnedBy("/out/", "u1", "out/u1/j.mp4"))
	assert.False(t, KeyOwnedBy("uploads", "a-b", "uploads/a~2Fb/x.mp4"))
	assert.True(t, KeyOwnedBy("uploads", "a/b", "uploads/a~2Fb/x.mp4"))
}

func TestUserSegment(t *testing.T) {
	tests := []struct {
		user string
		want string
	}{
		{"u1", "u1"},
		{"auth0|42", "auth0~7C42"},
		{"a/b", "a~2Fb"},
		{"a-b", "a-b"},
		{"a~2Fb", "a~7E2Fb"},
		{".", "~2E"},
		{"..", "~2E."},
		{"ada lovelace", "ada~20lovelace"},
		{"  ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			assert.Equal(t, tt.want, UserSegment(tt.user))
		})
	}

	seen := map[string]string{}
	for _, id := range []string{"a/b", "a-b", "a b", "a|b", "a~2Fb", "a_b", "a.b"} {
		seg := UserSegment(id)
		if other, dup := seen[seg]; dup {
			t.Fatalf("%q and %q share segment %q", id, other, seg)
		}
		seen[seg] = id
	}
}

func TestCheckSource(t *testing.T) {
	s := newTestService(&fakeGateway{})

	tests := []struct {
		name string
		user string
		key  string
		want error
	}{
		{name: "own upload", user: "u1", key: "uploads/u1/fixed-a.mp4"},
		{name: "another user's upload", user: "u2", key: "uploads/u1/private.mp4", want: ErrForbidden},
		{name: "traversal out of own prefix", user: "u1", key: "uploads/u1/../u2/a.mp4", want: ErrInvalidRequest},
		{name: "traversal into upload prefix", user: "u1", key: "videos/../uploads/u2/a.mp4", want: ErrInvalidRequest},
		{name: "absolute key", user: "u1", key: "/uploads/u2/a.mp4", want: ErrInvalidRequest},
		{name: "colliding id", user: "a-b", key: "uploads/a~2Fb/a.mp4", want: ErrForbidden},
		{name: "outside upload prefix", user: "u1", key: "videos/alice/in.mp4"},
		{name: "url source", user: "u1", key: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.CheckSource(tt.user, tt.key)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPresignUpload(t *testing.T) {
	g := &fakeGateway{}
	s := newTestService(g)

	up, err := s.PresignUpload(context.Background(), "u1", "small.mp4", "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, "uploads/u1/fixed-small.mp4", up.Key)
	assert.Equal(t, "https://s3/uploads/u1/fixed-small.mp4?signed", up.URL)
}

func TestUnsupportedProvider(t *testing.T) {
	p, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	s := New(p, Config{})

	_, err = s.Initiate(context.Background(), "u1", "a.mp4", "video/mp4")
	assert.True(t, errors.Is(err, provider.ErrUnsupported))

	_, err = s.PresignUpload(context.Background(), "u1", "a.mp4", "video/mp4")
	assert.True(t, provider.IsUnsupported(err))
}
