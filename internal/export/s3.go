package export

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/snapsync/snapsync/internal/config"
)

// Uploader stores one object in a bucket (an interface for testing)
type Uploader interface {
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string, metadata map[string]string) error
}

// S3Uploader writes snapshots to an S3-compatible endpoint
type S3Uploader struct {
	client   *s3.Client
	endpoint string
	logger   *logrus.Logger
}

// NewS3Uploader creates an uploader with static credentials. An empty
// endpoint targets AWS itself.
func NewS3Uploader(cfg config.ExportConfig, logger *logrus.Logger) *S3Uploader {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	awsCfg := aws.Config{
		Region:                     cfg.Region,
		Credentials:                credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Uploader{
		client:   client,
		endpoint: cfg.Endpoint,
		logger:   logger,
	}
}

// PutObject uploads data under bucket/key.
func (u *S3Uploader) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string, metadata map[string]string) error {
	u.logger.WithFields(logrus.Fields{
		"endpoint": u.endpoint,
		"bucket":   bucket,
		"key":      key,
		"size":     len(data),
	}).Debug("Uploading snapshot to S3")

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}
