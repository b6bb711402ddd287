// Package upload stores user files and returns a reference URL for them.
//
// The rest of the server treats the returned URL as an opaque string that
// can appear in message content, avatars or workspace icons.
package upload

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// PublicPrefix is the HTTP path local uploads are served under.
const PublicPrefix = "/uploads"

// Storage persists uploaded files.
type Storage interface {
	// Write stores content from the reader with the given key.
	// The size parameter is the expected content size (-1 if unknown).
	Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// URL returns the reference handed back to the client. baseURL is the
	// scheme and host the request arrived on, used by backends without a
	// public endpoint of their own.
	URL(ctx context.Context, key, baseURL string) (string, error)
}

// NewKey returns a fresh object key that keeps the original file extension.
func NewKey(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) > 16 || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	return uuid.NewString() + ext
}
