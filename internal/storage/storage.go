package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrNotFound = errors.New("blob not found")

// BlobStore holds uploaded videos under opaque keys and hands out URLs a
// client can PUT the bytes to directly.
type BlobStore interface {
	Store(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	UploadURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeS3    StorageType = "s3"
)

type BackendConfig struct {
	Type        StorageType
	LocalPath   string
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool
	// ExternalURL is the public base of the dev backend; local upload URLs
	// point at its /blobs route.
	ExternalURL string
	// URLSecret signs local upload URLs.
	URLSecret string
}

func NewBackend(config *BackendConfig) (BlobStore, error) {
	switch config.Type {
	case StorageTypeS3:
		return NewS3Storage(config)
	default:
		return NewLocalStorage(config)
	}
}

// ValidKey accepts keys made of one or more clean path segments.
func ValidKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("invalid blob key %q", key)
		}
	}
	return nil
}
