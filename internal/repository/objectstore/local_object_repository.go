package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

// LocalObjectRepository keeps blobs as files below a root directory. Keys use
// forward slashes, like S3 keys, whatever the host OS.
type LocalObjectRepository struct {
	fs   afero.Fs
	root string
}

func (r *LocalObjectRepository) path(key string) (string, error) {
	if key == "" || !filepath.IsLocal(filepath.FromSlash(key)) {
		return "", apperrors.Validationf("object key %q escapes the store root", key)
	}
	return filepath.Join(r.root, filepath.FromSlash(key)), nil
}

// Upload writes to a temporary file and renames it into place so a reader
// never sees a partial blob.
func (r *LocalObjectRepository) Upload(_ context.Context, key string, reader io.Reader, quiet bool) (string, error) {
	p, err := r.path(key)
	if err != nil {
		return "", err
	}
	if err := r.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	tmp := p + ".partial"
	f, err := r.fs.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", key, err)
	}
	if _, err := io.Copy(f, trackUpload(reader, quiet)); err != nil {
		f.Close()
		r.fs.Remove(tmp)
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		r.fs.Remove(tmp)
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := r.fs.Rename(tmp, p); err != nil {
		return "", fmt.Errorf("failed to store %s: %w", key, err)
	}
	return path.Join(r.root, key), nil
}

func (r *LocalObjectRepository) Download(_ context.Context, key string, quiet bool) (io.ReadCloser, error) {
	p, err := r.path(key)
	if err != nil {
		return nil, err
	}
	f, err := r.fs.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("object %s: %w", key, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	var size int64 = -1
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	return trackDownload(f, size, quiet), nil
}

// Delete removes one blob. A missing blob is not an error.
func (r *LocalObjectRepository) Delete(_ context.Context, key string) error {
	p, err := r.path(key)
	if err != nil {
		return err
	}
	if err := r.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every blob whose key starts with prefix.
func (r *LocalObjectRepository) DeletePrefix(_ context.Context, prefix string) error {
	var doomed []string
	err := afero.Walk(r.fs, r.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(r.root, p)
		if err != nil {
			return err
		}
		if strings.HasPrefix(filepath.ToSlash(rel), prefix) {
			doomed = append(doomed, p)
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list objects with prefix %s: %w", prefix, err)
	}

	for _, p := range doomed {
		if err := r.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to delete %s: %w", p, err)
		}
	}
	return nil
}

func (r *LocalObjectRepository) GetBucketName() string {
	return r.root
}

func (r *LocalObjectRepository) GetStorageType() string {
	return string(LocalType)
}
