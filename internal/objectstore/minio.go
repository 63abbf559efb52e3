package objectstore

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"video-pipeline/internal/config"
)

// MinioUploader writes artifacts to a MinIO bucket.
type MinioUploader struct {
	client     *minio.Client
	bucket     string
	publicBase string
}

// NewMinioUploader connects to MinIO and makes sure the bucket exists.
func NewMinioUploader(ctx context.Context, cfg config.Config) (*MinioUploader, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.StorageBucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.StorageBucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.StorageBucket, minio.MakeBucketOptions{Region: cfg.S3Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.StorageBucket, err)
		}
	}

	base := cfg.StoragePublicBaseURL
	if base == "" {
		scheme := "http"
		if cfg.MinioUseSSL {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s/%s", scheme, cfg.MinioEndpoint, cfg.StorageBucket)
	}
	return &MinioUploader{client: client, bucket: cfg.StorageBucket, publicBase: base}, nil
}

func (m *MinioUploader) Upload(ctx context.Context, localPath, key, contentType string, opts UploadOptions) (string, error) {
	key = sanitizeKey(key)
	if !opts.Upsert {
		if _, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{}); err == nil {
			return "", fmt.Errorf("%w: object %s/%s already exists", ErrUpload, m.bucket, key)
		} else if minio.ToErrorResponse(err).Code != "NoSuchKey" {
			return "", fmt.Errorf("%w: stat %s/%s: %w", ErrUpload, m.bucket, key, err)
		}
	}
	_, err := m.client.FPutObject(ctx, m.bucket, key, localPath, minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: cacheControl,
	})
	if err != nil {
		return "", fmt.Errorf("%w: put object %s/%s: %w", ErrUpload, m.bucket, key, err)
	}
	return m.PublicURL(key), nil
}

func (m *MinioUploader) PublicURL(key string) string {
	return joinURL(m.publicBase, sanitizeKey(key))
}
