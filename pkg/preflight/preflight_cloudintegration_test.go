//go:build cloudintegration

package preflight_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/kioskbench/pkg/preflight"
	"github.com/3leaps/kioskbench/test/cloudtest"
)

const probePrefix = "_kioskbench/probe/"

func denyPolicy(bucket, sid, action string) string {
	return fmt.Sprintf(`{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Sid": %q,
      "Effect": "Deny",
      "Principal": "*",
      "Action": [%q],
      "Resource": ["arn:aws:s3:::%s/%s*"]
    }
  ]
}`, sid, action, bucket, probePrefix)
}

func TestWriteProbe_MultipartAbort_Allowed(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	p := cloudtest.Provider(t, ctx, bucket)

	rec, err := preflight.WriteProbe(ctx, p, preflight.Spec{
		Mode:          preflight.ModeWriteProbe,
		ProbeStrategy: preflight.ProbeMultipartAbort,
		ProbePrefix:   probePrefix,
	})
	require.NoError(t, err)
	require.Len(t, rec.Results, 1)
	assert.True(t, rec.Results[0].Allowed)
	assert.Contains(t, rec.Results[0].Method, "CreateMultipartUpload")
}

func TestWriteProbe_MultipartAbort_Denied(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	cloudtest.PutBucketPolicy(t, ctx, bucket, denyPolicy(bucket, "DenyMultipartCreate", "s3:CreateMultipartUpload"))
	p := cloudtest.Provider(t, ctx, bucket)

	rec, err := preflight.WriteProbe(ctx, p, preflight.Spec{
		Mode:          preflight.ModeWriteProbe,
		ProbeStrategy: preflight.ProbeMultipartAbort,
		ProbePrefix:   probePrefix,
	})
	require.Error(t, err)
	failed, ok := preflight.Failed(rec)
	require.True(t, ok)
	assert.Equal(t, preflight.CapTargetWrite, failed.Capability)
	assert.Equal(t, "ACCESS_DENIED", failed.ErrorCode)
}

func TestWriteProbe_PutDelete_Allowed_CleansUp(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	p := cloudtest.Provider(t, ctx, bucket)

	_, err := preflight.WriteProbe(ctx, p, preflight.Spec{
		Mode:          preflight.ModeWriteProbe,
		ProbeStrategy: preflight.ProbePutDelete,
		ProbePrefix:   probePrefix,
	})
	require.NoError(t, err)
	assert.Empty(t, cloudtest.Keys(t, ctx, bucket, probePrefix))
}

func TestWriteProbe_PutDenied(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	cloudtest.PutBucketPolicy(t, ctx, bucket, denyPolicy(bucket, "DenyPut", "s3:PutObject"))
	p := cloudtest.Provider(t, ctx, bucket)

	rec, err := preflight.WriteProbe(ctx, p, preflight.Spec{
		Mode:          preflight.ModeWriteProbe,
		ProbeStrategy: preflight.ProbePutDelete,
		ProbePrefix:   probePrefix,
	})
	require.Error(t, err)
	failed, ok := preflight.Failed(rec)
	require.True(t, ok)
	assert.Equal(t, "ACCESS_DENIED", failed.ErrorCode)
}

func TestCampaign_ReadSafeAgainstBucket(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	p := cloudtest.Provider(t, ctx, bucket)

	rec, err := preflight.Campaign(ctx, nil, p, preflight.Spec{Mode: preflight.ModeReadSafe})
	require.NoError(t, err)
	require.Len(t, rec.Results, 1)
	assert.Equal(t, preflight.CapTargetHead, rec.Results[0].Capability)
}
