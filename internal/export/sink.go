// ABOUTME: Destinations for rendered exports
// ABOUTME: FileSink writes documents under a directory served at a base URL

package export

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/coven-messaging/internal/store"
)

// Sink stores a rendered export and returns the URL it can be fetched from.
type Sink interface {
	Write(ctx context.Context, name string, data []byte) (string, error)
}

// FileSink writes exports to a local directory.
type FileSink struct {
	dir     string
	baseURL string
}

// NewFileSink creates the directory if needed. baseURL must be absolute.
func NewFileSink(dir, baseURL string) (*FileSink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("export dir is required: %w", store.ErrValidation)
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid export base url %q: %w", baseURL, store.ErrValidation)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating export dir: %w", err)
	}
	return &FileSink{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Write stores data atomically under name.
func (s *FileSink) Write(ctx context.Context, name string, data []byte) (string, error) {
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid export name %q: %w", name, store.ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.dir, ".export-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("writing export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing export: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return "", fmt.Errorf("moving export into place: %w", err)
	}
	return s.baseURL + "/" + url.PathEscape(name), nil
}
