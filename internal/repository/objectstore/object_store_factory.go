// Package objectstore stages file bytes and downloaded chunks in S3, GCS or
// on a local filesystem while jobs are in flight.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	"github.com/spf13/afero"
)

// ObjectRepository defines the interface for object storage operations.
// Download of a missing key returns an error wrapping errors.ErrNotFound.
type ObjectRepository interface {
	Upload(ctx context.Context, key string, r io.Reader, quiet bool) (string, error)
	Download(ctx context.Context, key string, quiet bool) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	GetBucketName() string
	GetStorageType() string
}

// RepositoryType represents the type of object storage
type RepositoryType string

const (
	S3Type    RepositoryType = "s3"
	GCSType   RepositoryType = "gcs"
	LocalType RepositoryType = "file"
	// TagType names every S3 bucket carrying a tag, written "s3tag://key=value".
	TagType RepositoryType = "s3tag"
)

// BucketConfig holds configuration for a storage bucket. For LocalType the
// name is a directory.
type BucketConfig struct {
	Name string
	Type RepositoryType
}

// ObjectRepositoryFactory creates object repository instances
type ObjectRepositoryFactory struct {
	awsConfig aws.Config
	gcsClient *storage.Client
	fs        afero.Fs
	tags      TagLister

	s3Once sync.Once
	s3     *S3Store
}

// NewObjectRepositoryFactory creates a new factory. Local buckets use the OS
// filesystem unless WithFs replaces it.
func NewObjectRepositoryFactory(awsConfig aws.Config, gcsClient *storage.Client) *ObjectRepositoryFactory {
	return &ObjectRepositoryFactory{
		awsConfig: awsConfig,
		gcsClient: gcsClient,
		fs:        afero.NewOsFs(),
	}
}

func (f *ObjectRepositoryFactory) WithFs(fs afero.Fs) *ObjectRepositoryFactory {
	f.fs = fs
	return f
}

func (f *ObjectRepositoryFactory) WithTagLister(tags TagLister) *ObjectRepositoryFactory {
	f.tags = tags
	return f
}

// Expand resolves a TagType config into the buckets it selects. Other
// configs come back unchanged.
func (f *ObjectRepositoryFactory) Expand(ctx context.Context, config BucketConfig) ([]BucketConfig, error) {
	if config.Type != TagType {
		return []BucketConfig{config}, nil
	}
	if f.tags == nil {
		f.tags = resourcegroupstaggingapi.NewFromConfig(f.awsConfig)
	}
	return DiscoverTaggedBuckets(ctx, f.tags, config.Name)
}

// CreateRepository creates a repository based on bucket configuration
func (f *ObjectRepositoryFactory) CreateRepository(config BucketConfig) (ObjectRepository, error) {
	switch config.Type {
	case S3Type:
		f.s3Once.Do(func() { f.s3 = NewS3ObjectStore(f.awsConfig) })
		repo := NewS3ObjectRepository(f.s3, config.Name)
		return &repo, nil
	case GCSType:
		if f.gcsClient == nil {
			return nil, fmt.Errorf("GCS client not configured")
		}
		repo := NewGCSObjectRepository(f.gcsClient, config.Name)
		return &repo, nil
	case LocalType:
		repo := NewLocalObjectRepository(f.fs, config.Name)
		return &repo, nil
	default:
		return nil, fmt.Errorf("unsupported repository type: %s", config.Type)
	}
}

// ParseBucketConfig parses bucket configuration from string
// Formats: "s3://bucket-name", "gs://bucket-name", "file:///var/lib/chainstore",
// "s3tag://project=chainstore",
// "s3:bucket-name", or "bucket-name" (defaults to S3)
func ParseBucketConfig(bucketStr string) (BucketConfig, error) {
	bucketStr = strings.TrimSpace(bucketStr)

	if scheme, name, ok := strings.Cut(bucketStr, "://"); ok {
		scheme = strings.ToLower(strings.TrimSpace(scheme))
		name = strings.TrimSpace(name)
		if name == "" {
			return BucketConfig{}, fmt.Errorf("bucket name cannot be empty")
		}

		var repoType RepositoryType
		switch scheme {
		case "s3":
			repoType = S3Type
		case "gs", "gcs":
			repoType = GCSType
		case "file":
			repoType = LocalType
		case "s3tag":
			repoType = TagType
		default:
			return BucketConfig{}, fmt.Errorf("unsupported scheme: %s", scheme)
		}
		return BucketConfig{Name: name, Type: repoType}, nil
	}

	// Handle colon format (s3:bucket-name)
	kind, name, ok := strings.Cut(bucketStr, ":")
	if !ok {
		// Default to S3 for backward compatibility
		return BucketConfig{Name: bucketStr, Type: S3Type}, nil
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return BucketConfig{}, fmt.Errorf("bucket name cannot be empty")
	}

	repoType := RepositoryType(strings.ToLower(strings.TrimSpace(kind)))
	switch repoType {
	case S3Type, GCSType, LocalType:
	default:
		return BucketConfig{}, fmt.Errorf("unsupported repository type: %s", kind)
	}
	return BucketConfig{Name: name, Type: repoType}, nil
}
