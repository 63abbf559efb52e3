package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalUploader copies artifacts into a directory tree, for development and tests.
type LocalUploader struct {
	baseDir    string
	publicBase string
}

// NewLocalUploader stores objects under baseDir. URLs are built from publicBase,
// or a file:// URL of baseDir when publicBase is empty.
func NewLocalUploader(baseDir, publicBase string) *LocalUploader {
	if baseDir == "" {
		baseDir = "./output"
	}
	if publicBase == "" {
		abs, err := filepath.Abs(baseDir)
		if err != nil {
			abs = baseDir
		}
		publicBase = "file://" + filepath.ToSlash(abs)
	}
	return &LocalUploader{baseDir: baseDir, publicBase: publicBase}
}

func (l *LocalUploader) Upload(_ context.Context, localPath, key, _ string, opts UploadOptions) (string, error) {
	key = sanitizeKey(key)
	dst := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("%w: create dirs: %w", ErrUpload, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %w", ErrUpload, localPath, err)
	}
	defer src.Close()

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !opts.Upsert {
		flags = os.O_CREATE | os.O_WRONLY | os.O_EXCL
	}
	out, err := os.OpenFile(dst, flags, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: object %s already exists", ErrUpload, key)
		}
		return "", fmt.Errorf("%w: create %s: %w", ErrUpload, dst, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", fmt.Errorf("%w: write %s: %w", ErrUpload, dst, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("%w: close %s: %w", ErrUpload, dst, err)
	}
	return l.PublicURL(key), nil
}

func (l *LocalUploader) PublicURL(key string) string {
	return joinURL(l.publicBase, sanitizeKey(key))
}
