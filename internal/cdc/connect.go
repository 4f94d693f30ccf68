package cdc

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsCreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dsql/auth"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/lychee-technology/feedsync"
	"go.uber.org/zap"
)

// generateIAMTokenFn is replaced in tests.
var generateIAMTokenFn = func(ctx context.Context, endpoint, region string, creds aws.CredentialsProvider) (string, error) {
	return auth.GenerateDbConnectAuthToken(ctx, endpoint, region, creds)
}

// LoadAWSConfig loads the default AWS configuration, honouring the snapshot region and
// static credentials from the environment.
func LoadAWSConfig(ctx context.Context, cfg feedsync.SnapshotConfig) (aws.Config, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.S3Region != "" {
		awsCfg.Region = cfg.S3Region
	}
	if key := os.Getenv("AWS_ACCESS_KEY_ID"); key != "" {
		awsCfg.Credentials = awsCreds.NewStaticCredentialsProvider(key, os.Getenv("AWS_SECRET_ACCESS_KEY"), "")
	}
	return awsCfg, nil
}

// NewS3Client builds the S3 client; a custom endpoint switches to path-style addressing.
func NewS3Client(awsCfg aws.Config, cfg feedsync.SnapshotConfig) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
}

// DatabasePassword returns an IAM auth token when enabled, falling back to the configured password.
func DatabasePassword(ctx context.Context, db feedsync.DatabaseConfig, awsCfg aws.Config, logger *zap.Logger) string {
	if !db.UseIAM {
		return db.Password
	}
	if logger == nil {
		logger = zap.L()
	}
	region := db.Region
	if region == "" {
		region = awsCfg.Region
	}
	endpoint := fmt.Sprintf("%s:%d", db.Host, db.Port)
	token, err := generateIAMTokenFn(ctx, endpoint, region, awsCfg.Credentials)
	if err == nil && token != "" {
		logger.Sugar().Infow("generated IAM auth token for Postgres connection", "endpoint", endpoint)
		return token
	}
	logger.Sugar().Warnw("failed to generate IAM auth token; falling back to configured password", "err", err)
	return db.Password
}
