package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/lychee-technology/feedsync"
)

// ValidateSnapshotConfig performs basic sanity checks on snapshot export settings.
func ValidateSnapshotConfig(cfg feedsync.SnapshotConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.S3Bucket == "" {
		return fmt.Errorf("snapshot.s3Bucket is required")
	}
	if cfg.S3Endpoint == "" && cfg.S3Region == "" {
		return fmt.Errorf("snapshot: enabled=true requires s3Region or s3Endpoint")
	}
	return nil
}

// BucketHeader is the part of the S3 client used by the bucket check.
type BucketHeader interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3BucketCheck issues HeadBucket against the snapshot bucket.
func S3BucketCheck(client BucketHeader, bucket string) Check {
	return func(ctx context.Context) error {
		if bucket == "" {
			return fmt.Errorf("s3 bucket not configured")
		}
		_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
		if err == nil {
			return nil
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("s3 bucket %s: %s", bucket, apiErr.ErrorCode())
		}
		return fmt.Errorf("s3 bucket %s: %w", bucket, err)
	}
}
