package mirror

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"hopper/internal/config"
)

// S3Uploader streams objects to a bucket with the multipart upload manager,
// so encrypted bodies of unknown length need no buffering to disk.
type S3Uploader struct {
	bucket   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Uploader builds an uploader from the mirror configuration. Works with
// AWS S3 and S3-compatible stores when an endpoint is set.
func NewS3Uploader(ctx context.Context, cfg config.Mirror) (*S3Uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Uploader{bucket: cfg.Bucket, client: client, uploader: manager.NewUploader(client)}, nil
}

// CheckBucket confirms the bucket exists and the credentials can reach it.
func (u *S3Uploader) CheckBucket(ctx context.Context) error {
	if _, err := u.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(u.bucket)}); err != nil {
		return fmt.Errorf("head s3://%s: %w", u.bucket, err)
	}
	return nil
}

// Upload implements Uploader.
func (u *S3Uploader) Upload(ctx context.Context, obj Object) error {
	_, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(obj.Key),
		Body:     obj.Body,
		Metadata: obj.Metadata,
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", u.bucket, obj.Key, err)
	}
	return nil
}

// NewFromConfig returns the configured Mirror, or nil when mirroring is off.
func NewFromConfig(ctx context.Context, cfg config.Mirror, logger *slog.Logger) (*Mirror, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	recipients, err := ParseRecipients(cfg.AgeRecipients)
	if err != nil {
		return nil, err
	}
	uploader, err := NewS3Uploader(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(uploader, cfg.Prefix, WithRecipients(recipients...), WithLogger(logger)), nil
}
