// Package placement decides which staging bucket holds a blob.
//
// Jobs stage two kinds of blobs while they run: the uploaded file waiting for
// payment, and the chunk payloads a download has fetched but not yet joined.
// Several buckets (S3, GCS, local directories, in any mix) can be registered;
// a Placer spreads blobs over them so one slow or full backend does not hold
// up every job.
//
// Placement must be deterministic for a given slot and bucket list: the
// download pipeline stages chunk i at Place(i) and later reads it back from
// Place(i) without recording where it went.
//
//	placer := NewRoundRobinPlacer()
//	placer.RegisterBucket("s3://staging-a", s3Repo)
//	placer.RegisterBucket("gs://staging-b", gcsRepo)
//
//	name, repo, _ := placer.Place(0) // s3://staging-a
//	name, repo, _ = placer.Place(1)  // gs://staging-b
//
//	repo, _ = placer.GetRepositoryForBucket("s3://staging-a")
package placement

import (
	"github.com/zzenonn/chainstore/internal/repository/objectstore"
)

// Placer maps a slot number to a staging bucket. Implementations must be
// safe for concurrent use.
type Placer interface {
	// GetRepositoryForBucket returns the repository registered under
	// bucketName, used when a blob reference already names its bucket.
	GetRepositoryForBucket(bucketName string) (objectstore.ObjectRepository, error)

	// Place selects the bucket for slot.
	Place(slot int) (string, objectstore.ObjectRepository, error)

	// Next rotates through the buckets for blobs whose location is recorded
	// in their reference.
	Next() (string, objectstore.ObjectRepository, error)

	RegisterBucket(bucketName string, repo objectstore.ObjectRepository) error

	// ListBuckets returns all registered bucket names, for cleanup that has
	// to sweep every backend.
	ListBuckets() []string

	Len() int
}
