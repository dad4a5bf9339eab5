//go:build cloudintegration

package uploads

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/clipforge/pkg/provider"
	"github.com/3leaps/clipforge/pkg/provider/s3"
	"github.com/3leaps/clipforge/test/cloudtest"
)

func TestService_MultipartAgainstMoto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	gw, err := s3.New(ctx, s3.Config{
		Bucket:          bucket,
		Region:          cloudtest.Region,
		Endpoint:        cloudtest.Endpoint,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)

	s := New(gw, Config{})
	up, err := s.Initiate(ctx, "u1", "clip.mp4", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(up.Key, "uploads/u1/"))

	urls, err := s.PartURLs(ctx, "u1", up.Key, up.UploadID, []int{1})
	require.NoError(t, err)
	require.Len(t, urls, 1)

	// Another user cannot complete an upload under u1's prefix.
	_, err = s.Complete(ctx, "u2", up.Key, up.UploadID, nil)
	assert.ErrorIs(t, err, ErrForbidden)

	etag := cloudtest.PutPresigned(t, ctx, urls[0].URL, []byte("frames"))
	fileURL, err := s.Complete(ctx, "u1", up.Key, up.UploadID, []provider.CompletedPart{{PartNumber: 1, ETag: etag}})
	require.NoError(t, err)
	assert.Equal(t, gw.ObjectURL(up.Key), fileURL)
	assert.Equal(t, []byte("frames"), cloudtest.GetObject(t, ctx, bucket, up.Key))
}
