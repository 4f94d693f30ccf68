package cdc

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// ObjectStore is the object storage used to publish snapshots.
type ObjectStore interface {
	Copy(ctx context.Context, bucket, srcKey, dstKey string) error
	Delete(ctx context.Context, bucket, key string) error
	Put(ctx context.Context, bucket, key, contentType string, body []byte) error
}

// S3Objects implements ObjectStore on the AWS SDK.
type S3Objects struct {
	client   *s3.Client
	uploader *manager.Uploader
}

func NewS3Objects(client *s3.Client) *S3Objects {
	return &S3Objects{client: client, uploader: manager.NewUploader(client)}
}

func (o *S3Objects) Copy(ctx context.Context, bucket, srcKey, dstKey string) error {
	_, err := o.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		CopySource: aws.String(bucket + "/" + srcKey),
		Key:        aws.String(dstKey),
	})
	if err != nil {
		return describe("copy "+srcKey+" -> "+dstKey, err)
	}
	return nil
}

func (o *S3Objects) Delete(ctx context.Context, bucket, key string) error {
	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return describe("delete "+key, err)
	}
	return nil
}

func (o *S3Objects) Put(ctx context.Context, bucket, key, contentType string, body []byte) error {
	_, err := o.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return describe("upload "+key, err)
	}
	return nil
}

func describe(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("s3 %s: %s: %w", op, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("s3 %s: %w", op, err)
}
