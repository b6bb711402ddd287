package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidKey = errors.New("upload: invalid key")

// LocalStorage writes uploads into a directory served by the HTTP surface.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates the directory if needed.
func NewLocalStorage(dir string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: create dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("upload: resolve dir: %w", err)
	}
	return &LocalStorage{basePath: abs}, nil
}

// Dir returns the absolute directory uploads are written to.
func (s *LocalStorage) Dir() string {
	return s.basePath
}

// fullPath rejects keys that are not a single file name inside basePath.
func (s *LocalStorage) fullPath(key string) (string, error) {
	clean := filepath.Clean(key)
	if clean == "." || clean == ".." || clean != filepath.Base(clean) || strings.HasPrefix(clean, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.basePath, clean), nil
}

// Write stores the content atomically via a temp file and rename.
func (s *LocalStorage) Write(ctx context.Context, key string, r io.Reader, _ int64, _ string) error {
	path, err := s.fullPath(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.basePath, ".tmp-*")
	if err != nil {
		return fmt.Errorf("upload: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("upload: write content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("upload: close temp file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("upload: rename: %w", err)
	}
	success = true
	return nil
}

func (s *LocalStorage) URL(_ context.Context, key, baseURL string) (string, error) {
	if _, err := s.fullPath(key); err != nil {
		return "", err
	}
	return strings.TrimSuffix(baseURL, "/") + PublicPrefix + "/" + key, nil
}
