package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/relearnhq/stepline/internal/config"
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
)

type s3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	cfg       config.S3Config
	logger    *logging.Logger
	collector metrics.Collector
}

func newS3(cfg config.S3Config, logger *logging.Logger, collector metrics.Collector) (*s3Store, error) {
	awsCfg, err := buildAWSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &s3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		cfg:       cfg,
		logger:    logger,
		collector: collector,
	}, nil
}

func (s *s3Store) bucketOrDefault(bucket string) string {
	if bucket == "" {
		return s.cfg.Bucket
	}
	return bucket
}

func (s *s3Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	bucket = s.bucketOrDefault(bucket)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			s.collector.IncCounter(metrics.StorageOps, "op", "get", "outcome", "not_found")
			return nil, ErrObjectNotFound
		}
		s.logger.WithError(err).WithField("key", key).Error("s3 get failed")
		s.collector.IncCounter(metrics.StorageOps, "op", "get", "outcome", "error")
		return nil, fmt.Errorf("failed to get object %s/%s: %w", bucket, key, err)
	}

	s.collector.IncCounter(metrics.StorageOps, "op", "get", "outcome", "ok")
	return out.Body, nil
}

func (s *s3Store) Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) error {
	bucket = s.bucketOrDefault(bucket)

	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		s.logger.WithError(err).WithField("key", key).Error("s3 put failed")
		s.collector.IncCounter(metrics.StorageOps, "op", "put", "outcome", "error")
		return fmt.Errorf("failed to put object %s/%s: %w", bucket, key, err)
	}

	s.collector.IncCounter(metrics.StorageOps, "op", "put", "outcome", "ok")
	return nil
}

func (s *s3Store) Delete(ctx context.Context, bucket, key string) error {
	bucket = s.bucketOrDefault(bucket)

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		s.collector.IncCounter(metrics.StorageOps, "op", "delete", "outcome", "error")
		return fmt.Errorf("failed to delete object %s/%s: %w", bucket, key, err)
	}

	s.collector.IncCounter(metrics.StorageOps, "op", "delete", "outcome", "ok")
	return nil
}

func (s *s3Store) Exists(ctx context.Context, bucket, key string) (bool, error) {
	bucket = s.bucketOrDefault(bucket)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head object %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (s *s3Store) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	bucket = s.bucketOrDefault(bucket)
	if ttl <= 0 {
		ttl = s.cfg.PresignTTL
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign object %s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}

// buildAWSConfig builds the AWS configuration from the S3 config.
func buildAWSConfig(cfg config.S3Config) (aws.Config, error) {
	var optFns []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	return awsconfig.LoadDefaultConfig(context.Background(), optFns...)
}

// isNotFoundError checks if an error is a not found error.
func isNotFoundError(err error) bool {
	var nsk *s3types.NoSuchKey
	var nse *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nse)
}
