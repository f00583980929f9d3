package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"

	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

// GCSObjectRepository stages blobs in a Google Cloud Storage bucket.
type GCSObjectRepository struct {
	client     *storage.Client
	bucketName string
}

func (r *GCSObjectRepository) object(key string) *storage.ObjectHandle {
	return r.client.Bucket(r.bucketName).Object(key)
}

// Upload streams reader into key. The object is only visible once the
// writer closes cleanly, so a failed upload leaves nothing behind.
func (r *GCSObjectRepository) Upload(ctx context.Context, key string, reader io.Reader, quiet bool) (string, error) {
	w := r.object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if size := remaining(reader); size >= 0 && size < int64(googleChunkSize) {
		// single request for blobs that fit
		w.ChunkSize = 0
	}

	log.Debugf("Staging gs://%s/%s", r.bucketName, key)
	if _, err := io.Copy(w, trackUpload(reader, quiet)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to upload %s to GCS: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to upload %s to GCS: %w", key, err)
	}
	return r.bucketName + "/" + key, nil
}

const googleChunkSize = 16 << 20

func (r *GCSObjectRepository) Download(ctx context.Context, key string, quiet bool) (io.ReadCloser, error) {
	rc, err := r.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("object %s: %w", key, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to download %s from GCS: %w", key, err)
	}
	return trackDownload(rc, rc.Attrs.Size, quiet), nil
}

// Delete removes key. A missing object is not an error.
func (r *GCSObjectRepository) Delete(ctx context.Context, key string) error {
	err := r.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete %s from GCS: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix and reports each failure.
func (r *GCSObjectRepository) DeletePrefix(ctx context.Context, prefix string) error {
	query := &storage.Query{Prefix: prefix}
	if err := query.SetAttrSelection([]string{"Name"}); err != nil {
		return fmt.Errorf("failed to build listing for %s: %w", prefix, err)
	}

	var result *multierror.Error
	it := r.client.Bucket(r.bucketName).Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to list objects with prefix %s: %w", prefix, err)
		}
		if err := r.Delete(ctx, attrs.Name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (r *GCSObjectRepository) GetBucketName() string { return r.bucketName }

func (r *GCSObjectRepository) GetStorageType() string { return string(GCSType) }
