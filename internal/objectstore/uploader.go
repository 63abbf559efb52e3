package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"video-pipeline/internal/config"
)

// ErrUpload wraps every failure writing to durable storage.
var ErrUpload = errors.New("upload")

const cacheControl = "public, max-age=31536000"

// UploadOptions tune a single upload.
type UploadOptions struct {
	// Upsert overwrites an existing object at the same key. When false an
	// existing object makes the upload fail.
	Upsert bool
}

// Uploader writes local artifacts to durable storage. Uploads under the same key
// with Upsert set are safe to retry.
type Uploader interface {
	Upload(ctx context.Context, localPath, key, contentType string, opts UploadOptions) (string, error)
	// PublicURL is a pure function of the key.
	PublicURL(key string) string
}

// New picks the uploader for cfg.StorageBackend.
func New(ctx context.Context, cfg config.Config) (Uploader, error) {
	switch strings.ToLower(cfg.StorageBackend) {
	case "s3":
		return NewS3Uploader(ctx, cfg)
	case "minio":
		return NewMinioUploader(ctx, cfg)
	case "local", "":
		return NewLocalUploader(cfg.LocalStorageDir, cfg.StoragePublicBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// Key builds a namespaced object key: <category>/<id>_<unix_ms><ext>. A random
// id is used when none is given.
func Key(category, id, ext string, at time.Time) string {
	if id == "" {
		id = uuid.NewString()
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return sanitizeKey(fmt.Sprintf("%s/%s_%d%s", strings.Trim(category, "/"), id, at.UnixMilli(), ext))
}

// ContentType maps an artifact extension to its MIME type.
func ContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
