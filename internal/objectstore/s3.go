package objectstore

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"video-pipeline/internal/config"
)

// S3Uploader writes artifacts to an S3-compatible bucket.
type S3Uploader struct {
	client     *s3.Client
	bucket     string
	publicBase string
}

// NewS3Uploader loads AWS configuration (static keys when configured, the
// default chain otherwise) and targets cfg.StorageBucket.
func NewS3Uploader(ctx context.Context, cfg config.Config) (*S3Uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	})
	return &S3Uploader{
		client:     client,
		bucket:     cfg.StorageBucket,
		publicBase: s3PublicBase(cfg),
	}, nil
}

func s3PublicBase(cfg config.Config) string {
	if cfg.StoragePublicBaseURL != "" {
		return cfg.StoragePublicBaseURL
	}
	if cfg.S3Endpoint != "" {
		return strings.TrimRight(cfg.S3Endpoint, "/") + "/" + cfg.StorageBucket
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.StorageBucket, cfg.S3Region)
}

func (s *S3Uploader) Upload(ctx context.Context, localPath, key, contentType string, opts UploadOptions) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %w", ErrUpload, localPath, err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: stat %s: %w", ErrUpload, localPath, err)
	}

	key = sanitizeKey(key)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentType),
		CacheControl:  aws.String(cacheControl),
	}
	if !opts.Upsert {
		input.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("%w: put object %s/%s: %w", ErrUpload, s.bucket, key, err)
	}
	return s.PublicURL(key), nil
}

func (s *S3Uploader) PublicURL(key string) string {
	return joinURL(s.publicBase, sanitizeKey(key))
}
