package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/fly-io/deltaota/pkg/errors"
)

// S3Source serves s3://bucket/key URLs from a public mirror bucket.
type S3Source struct {
	s3Client *s3.Client
}

// NewS3Source creates an S3 source for anonymous access
func NewS3Source(ctx context.Context, region string) (*S3Source, error) {
	slog.Info("s3_client_init", "region", region)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &S3Source{s3Client: s3.NewFromConfig(cfg)}, nil
}

// SplitURL splits s3://bucket/key/path into bucket and key.
func SplitURL(url string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(url, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 url: %s", url)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 url needs bucket and key: %s", url)
	}
	return bucket, key, nil
}

func classifyS3(url string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return errors.New(errors.KindDownloadFailed, errors.Wrap(ErrNotFound, url))
	}
	return errors.New(errors.KindDownloadFailed, err)
}

func (c *S3Source) Open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	bucket, key, err := SplitURL(url)
	if err != nil {
		return nil, 0, errors.New(errors.KindDownloadFailed, err)
	}
	slog.Info("s3_get_object", "bucket", bucket, "s3_key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, errors.ErrCancelled
		}
		slog.Warn("s3_get_object_failed", "bucket", bucket, "s3_key", key, "error", err)
		return nil, 0, classifyS3(url, err)
	}

	length := int64(-1)
	if result.ContentLength != nil {
		length = *result.ContentLength
	}
	return result.Body, length, nil
}

func (c *S3Source) Probe(ctx context.Context, url string) (int64, error) {
	bucket, key, err := SplitURL(url)
	if err != nil {
		return 0, errors.New(errors.KindDownloadFailed, err)
	}

	head, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Warn("s3_head_object_failed", "bucket", bucket, "s3_key", key, "error", err)
		return 0, classifyS3(url, err)
	}
	if head.ContentLength == nil {
		return -1, errors.New(errors.KindDownloadFailed, fmt.Errorf("%s: no content length", url))
	}
	return *head.ContentLength, nil
}
