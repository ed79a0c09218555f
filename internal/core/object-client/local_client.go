package objectclient

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/markdave123-py/crmrag/internal/core"
)

var _ core.ObjectClient = (*LocalClient)(nil)

// LocalClient keeps files under a root directory. Object metadata is not persisted.
type LocalClient struct {
	root string
}

func NewLocalClient(root string) (*LocalClient, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create %q: %w", abs, err)
	}
	return &LocalClient{root: abs}, nil
}

// resolve maps an object path to a file path, refusing anything outside root.
func (c *LocalClient) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(path))
	full := filepath.Join(c.root, clean)
	if full == c.root || !strings.HasPrefix(full, c.root+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object path %q", path)
	}
	return full, nil
}

func (c *LocalClient) Upload(ctx context.Context, path string, data []byte, _ map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := c.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", fmt.Errorf("rename: %w", err)
	}
	return "file://" + filepath.ToSlash(full), nil
}

func (c *LocalClient) Download(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("object %s: %w", path, core.ErrNotFound)
	}
	return data, err
}

// Remove deletes the file; a missing file is not an error.
func (c *LocalClient) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := c.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
