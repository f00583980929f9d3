package objectstore

import (
	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"
)

// S3Store bundles the S3 client with a multipart uploader so staged files of
// any size stream without being buffered.
type S3Store struct {
	Client   *s3.Client
	Uploader *manager.Uploader
}

// Staged files are at most a few tens of MiB, so parts stay at the SDK
// minimum and upload a few at a time.
const (
	s3PartSize    = manager.MinUploadPartSize
	s3Concurrency = 3
)

func NewS3ObjectStore(awsConfig aws.Config) *S3Store {
	client := s3.NewFromConfig(awsConfig)
	return &S3Store{
		Client: client,
		Uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = s3PartSize
			u.Concurrency = s3Concurrency
		}),
	}
}

// NewS3ObjectRepository creates a new S3 object repository
func NewS3ObjectRepository(store *S3Store, bucketName string) S3ObjectRepository {
	return S3ObjectRepository{
		client:     store.Client,
		uploader:   store.Uploader,
		bucketName: bucketName,
	}
}

// NewGCSObjectRepository creates a new GCS object repository
func NewGCSObjectRepository(client *storage.Client, bucketName string) GCSObjectRepository {
	return GCSObjectRepository{
		client:     client,
		bucketName: bucketName,
	}
}

// NewLocalObjectRepository stores objects as files under root on fs.
func NewLocalObjectRepository(fs afero.Fs, root string) LocalObjectRepository {
	return LocalObjectRepository{
		fs:   fs,
		root: root,
	}
}
