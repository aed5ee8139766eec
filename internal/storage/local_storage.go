package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const BlobsPath = "/blobs/"

var ErrInvalidSignature = errors.New("invalid upload signature")

type LocalStorage struct {
	basePath    string
	externalURL string
	secret      []byte
}

func NewLocalStorage(config *BackendConfig) (*LocalStorage, error) {
	basePath := config.LocalPath
	if basePath == "" {
		basePath = "./storage"
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	secret := config.URLSecret
	if secret == "" {
		secret = "dev-upload-secret"
	}
	return &LocalStorage{
		basePath:    basePath,
		externalURL: strings.TrimSuffix(config.ExternalURL, "/"),
		secret:      []byte(secret),
	}, nil
}

func (s *LocalStorage) fullPath(key string) (string, error) {
	if err := ValidKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(key)), nil
}

func (s *LocalStorage) Store(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	fullPath, err := s.fullPath(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return err
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return err
	}
	defer file.Close()

	written, err := io.Copy(file, reader)
	if err == nil && size >= 0 && written != size {
		err = fmt.Errorf("short write: got %d of %d bytes", written, size)
	}
	if err != nil {
		os.Remove(fullPath)
		return err
	}

	return nil
}

func (s *LocalStorage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := s.fullPath(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}

	return file, nil
}

func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	fullPath, err := s.fullPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	fullPath, err := s.fullPath(key)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// UploadURL points at the dev backend's blob route with a short-lived
// HS256 signature bound to the key.
func (s *LocalStorage) UploadURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if err := ValidKey(key); err != nil {
		return "", err
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   key,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign upload url: %w", err)
	}

	return fmt.Sprintf("%s%s%s?sig=%s", s.externalURL, BlobsPath, key, url.QueryEscape(signed)), nil
}

// VerifyUpload checks a signature produced by UploadURL.
func (s *LocalStorage) VerifyUpload(key, signature string) error {
	token, err := jwt.ParseWithClaims(signature, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithSubject(key))
	if err != nil || !token.Valid {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
