package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	apperrors "github.com/zzenonn/chainstore/internal/errors"
	"github.com/zzenonn/chainstore/internal/placement"
	"github.com/zzenonn/chainstore/internal/repository/objectstore"
)

const refSeparator = "|"

// StagingService holds job bytes off-chain while a job runs: the file an
// upload is waiting to broadcast, the chunks a download has fetched and the
// reassembled result. A reference names the bucket and the key, so blobs
// stay readable if bucket registration order changes.
type StagingService struct {
	placer     placement.Placer
	redundancy Redundancy
}

func NewStagingService(placer placement.Placer) *StagingService {
	return &StagingService{placer: placer}
}

// WithRedundancy turns on erasure coding for PutFile. Every shard needs its
// own bucket.
func (s *StagingService) WithRedundancy(r Redundancy) (*StagingService, error) {
	if err := r.validate(s.placer.Len()); err != nil {
		return nil, err
	}
	s.redundancy = r
	return s, nil
}

func uploadKey(jobID string) string   { return "uploads/" + jobID + "/file" }
func chunkPrefix(jobID string) string { return "downloads/" + jobID + "/chunks/" }
func resultKey(jobID string) string   { return "downloads/" + jobID + "/result" }

func chunkKey(jobID string, index uint32) string {
	return fmt.Sprintf("%s%08d", chunkPrefix(jobID), index)
}

func makeRef(bucket, key string) string { return bucket + refSeparator + key }

func parseRef(ref string) (bucket, key string, err error) {
	i := strings.LastIndex(ref, refSeparator)
	if i <= 0 || i == len(ref)-1 {
		return "", "", apperrors.Validationf("malformed staging reference %q", ref)
	}
	return ref[:i], ref[i+1:], nil
}

// Put stores data under key in the next bucket of the rotation.
func (s *StagingService) Put(ctx context.Context, key string, r io.Reader, quiet bool) (string, error) {
	bucket, repo, err := s.placer.Next()
	if err != nil {
		return "", fmt.Errorf("failed to place %s: %w", key, err)
	}
	return s.upload(ctx, bucket, repo, key, r, quiet)
}

// PutAt stores data in the bucket placed for slot.
func (s *StagingService) PutAt(ctx context.Context, slot int, key string, r io.Reader, quiet bool) (string, error) {
	bucket, repo, err := s.placer.Place(slot)
	if err != nil {
		return "", fmt.Errorf("failed to place %s: %w", key, err)
	}
	return s.upload(ctx, bucket, repo, key, r, quiet)
}

func (s *StagingService) upload(ctx context.Context, bucket string, repo objectstore.ObjectRepository, key string, r io.Reader, quiet bool) (string, error) {
	log.Debugf("Staging %s in %s", key, bucket)
	if _, err := repo.Upload(ctx, key, r, quiet); err != nil {
		return "", fmt.Errorf("failed to stage %s: %w", key, err)
	}
	return makeRef(bucket, key), nil
}

// Get reads a whole blob. A missing blob wraps errors.ErrNotFound.
func (s *StagingService) Get(ctx context.Context, ref string) ([]byte, error) {
	if sr, ok, err := parseShardedRef(ref); ok {
		if err != nil {
			return nil, err
		}
		return s.getSharded(ctx, sr)
	}
	bucket, key, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	repo, err := s.placer.GetRepositoryForBucket(bucket)
	if err != nil {
		return nil, fmt.Errorf("staging bucket %s: %w", bucket, apperrors.ErrNotFound)
	}
	rc, err := repo.Download(ctx, key, true)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, fmt.Errorf("failed to read staged %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

// GetAt reads the blob PutAt stored for slot.
func (s *StagingService) GetAt(ctx context.Context, slot int, key string) ([]byte, error) {
	bucket, _, err := s.placer.Place(slot)
	if err != nil {
		return nil, fmt.Errorf("failed to place %s: %w", key, err)
	}
	return s.Get(ctx, makeRef(bucket, key))
}

func (s *StagingService) Delete(ctx context.Context, ref string) error {
	if sr, ok, err := parseShardedRef(ref); ok {
		if err != nil {
			return err
		}
		return s.deleteShards(ctx, sr.key, sr.DataShards+sr.ParityShards)
	}
	bucket, key, err := parseRef(ref)
	if err != nil {
		return err
	}
	repo, err := s.placer.GetRepositoryForBucket(bucket)
	if err != nil {
		return err
	}
	return repo.Delete(ctx, key)
}

// DeletePrefix sweeps prefix from every bucket and reports all failures.
func (s *StagingService) DeletePrefix(ctx context.Context, prefix string) error {
	var result *multierror.Error
	for _, bucket := range s.placer.ListBuckets() {
		repo, err := s.placer.GetRepositoryForBucket(bucket)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := repo.DeletePrefix(ctx, prefix); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", bucket, err))
		}
	}
	return result.ErrorOrNil()
}
