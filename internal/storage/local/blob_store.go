// Package local writes export artifacts under a directory on disk.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config names the export directory.
type Config struct {
	BaseDir string `mapstructure:"dir"`
}

// ErrPathEscapes is returned for object paths that resolve outside BaseDir.
var ErrPathEscapes = errors.New("object path escapes base directory")

// BlobStore implements harvest.BlobStore on the local filesystem.
type BlobStore struct {
	baseDir string
}

// New creates BaseDir when missing and checks that it is a directory.
func New(cfg Config) (*BlobStore, error) {
	dir := strings.TrimSpace(cfg.BaseDir)
	if dir == "" {
		return nil, fmt.Errorf("export directory is required")
	}
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create export directory: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat export directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("export path %s is not a directory", dir)
	}
	return &BlobStore{baseDir: filepath.Clean(dir)}, nil
}

// PutObject streams r into a temp file next to the target and renames it
// into place, so readers never see a partial export. Returns a file:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, _ string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Join(s.baseDir, path)
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, ErrPathEscapes)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(full)+".*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		cleanup()
		return "", fmt.Errorf("rename into place: %w", err)
	}
	return "file://" + full, nil
}
