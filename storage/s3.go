package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/codeGROOVE-dev/retry"
)

// S3Config configures an S3-compatible bucket.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional, for S3-compatible providers
	AccessKey string
	SecretKey string
	PathStyle bool
}

type s3Backend struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// NewS3 creates a store backed by an S3-compatible bucket.
func NewS3(cfg S3Config, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.Region = cfg.Region
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		},
	}
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.PathStyle
			// S3-compatible providers reject the default flexible checksum headers.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		})
	}

	client := s3.New(s3.Options{}, opts...)
	return newStore(&s3Backend{client: client, bucket: cfg.Bucket, logger: logger}, logger), nil
}

func (b *s3Backend) String() string { return "s3" }

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	var noKey *types.NoSuchKey
	return errors.As(err, &noKey)
}

func (b *s3Backend) retryOpts(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying storage operation after error", "operation", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

func (b *s3Backend) read(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := retry.Do(
		func() error {
			out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				if isS3NotFound(err) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("get object: %w", err)
			}
			defer func() {
				if closeErr := out.Body.Close(); closeErr != nil {
					b.logger.Warn("Failed to close object body", "error", closeErr)
				}
			}()
			data, err = io.ReadAll(out.Body)
			if err != nil {
				return fmt.Errorf("read object: %w", err)
			}
			return nil
		},
		b.retryOpts(ctx, "read", key)...,
	)
	if IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

func (b *s3Backend) write(ctx context.Context, key string, data []byte) error {
	err := retry.Do(
		func() error {
			_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(b.bucket),
				Key:           aws.String(key),
				Body:          bytes.NewReader(data),
				ContentLength: aws.Int64(int64(len(data))),
				ContentType:   aws.String("application/json"),
			})
			if err != nil {
				return fmt.Errorf("put object: %w", err)
			}
			return nil
		},
		b.retryOpts(ctx, "write", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func (b *s3Backend) remove(ctx context.Context, key string) error {
	err := retry.Do(
		func() error {
			_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return fmt.Errorf("delete object: %w", err)
			}
			return nil
		},
		b.retryOpts(ctx, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

func (b *s3Backend) keys(ctx context.Context) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{Bucket: aws.String(b.bucket)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}
