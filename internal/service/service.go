// Package service runs the upload and download job pipelines. Each pipeline
// advances a job by exactly one step per Advance call; the Driver decides
// when to call it.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/chainstore/internal/domain"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
	"github.com/zzenonn/chainstore/internal/logging"
	"github.com/zzenonn/chainstore/internal/metrics"
	"github.com/zzenonn/chainstore/internal/quote"
)

// JobStore is the single source of truth for where a job is. Transition must
// be atomic per job and reject a stale expected state.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	Transition(ctx context.Context, id string, expected, next domain.JobState, upd domain.JobUpdate) (domain.Job, error)
	ClaimResult(ctx context.Context, id string, version int64) (domain.Job, error)
	ListActive(ctx context.Context) ([]domain.Job, error)
	List(ctx context.Context, limit int) ([]domain.Job, error)
}

// KeySource hands out the per-job payment key. The address must be derivable
// again after a restart.
type KeySource interface {
	Address(jobID string) (string, error)
	PrivateKey(jobID string) (*btcec.PrivateKey, error)
}

// Data output tags. Chunk and manifest transactions are tagged differently so
// a chunk TXID handed to the downloader fails as a malformed manifest.
var (
	ChunkTag    = []byte("chainstore/chunk")
	ManifestTag = []byte("chainstore/manifest")
)

const (
	DefaultMaxChunkPayload  = 100 * 1024
	DefaultMaxPayload       = quote.DefaultMaxPayload
	DefaultMaxFileSize      = 50 * 1024 * 1024
	DefaultPaymentWindow    = time.Hour
	DefaultFetchConcurrency = 8
)

// Settings tune both pipelines.
type Settings struct {
	MaxChunkPayload  int
	MaxPayload       int
	TxOverhead       int
	DustLimit        int64
	MaxFileSize      int64
	PaymentWindow    time.Duration
	FetchConcurrency int
}

func (s Settings) withDefaults() Settings {
	if s.MaxChunkPayload <= 0 {
		s.MaxChunkPayload = DefaultMaxChunkPayload
	}
	if s.MaxPayload <= 0 {
		s.MaxPayload = DefaultMaxPayload
	}
	if s.MaxFileSize == 0 {
		s.MaxFileSize = DefaultMaxFileSize
	}
	if s.PaymentWindow <= 0 {
		s.PaymentWindow = DefaultPaymentWindow
	}
	if s.FetchConcurrency <= 0 {
		s.FetchConcurrency = DefaultFetchConcurrency
	}
	return s
}

// Failure reasons recorded at the front of Job.Error.
const (
	ReasonManifestNotFound  = "ManifestNotFound"
	ReasonMalformedManifest = "MalformedManifest"
	ReasonChunkUnavailable  = "ChunkUnavailable"
	ReasonHashMismatch      = "HashMismatch"
	ReasonFileHashMismatch  = "FileHashMismatch"
	ReasonStagedFileMissing = "StagedFileMissing"
	ReasonChainRejected     = "ChainRejected"
	ReasonTimeoutExpired    = "TimeoutExpired"
	ReasonIntegrity         = "IntegrityError"
	ReasonValidation        = "ValidationError"
	ReasonInternal          = "InternalError"
)

// stepError tags a permanent failure with the reason a user sees.
type stepError struct {
	reason string
	err    error
}

func (e *stepError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func failWith(reason string, err error) error {
	return &stepError{reason: reason, err: err}
}

func failf(reason, format string, args ...any) error {
	return &stepError{reason: reason, err: fmt.Errorf(format, args...)}
}

// Reason extracts the failure reason from a step error.
func Reason(err error) string {
	var se *stepError
	if errors.As(err, &se) {
		return se.reason
	}
	switch {
	case errors.Is(err, apperrors.ErrChainRejected):
		return ReasonChainRejected
	case errors.Is(err, apperrors.ErrIntegrity):
		return ReasonIntegrity
	case errors.Is(err, apperrors.ErrValidation):
		return ReasonValidation
	case errors.Is(err, apperrors.ErrTimeoutExpired):
		return ReasonTimeoutExpired
	default:
		return ReasonInternal
	}
}

func detail(err error) string {
	var se *stepError
	if errors.As(err, &se) {
		return se.Error()
	}
	return Reason(err) + ": " + err.Error()
}

// recorder applies the outcome of one step to the store.
type recorder struct {
	jobs    JobStore
	metrics *metrics.Collector
}

func (r recorder) transition(ctx context.Context, job domain.Job, next domain.JobState, upd domain.JobUpdate) (domain.Job, error) {
	j, err := r.jobs.Transition(ctx, job.ID, job.State, next, upd)
	if err != nil {
		return job, err
	}
	if next != job.State {
		r.metrics.JobTransitioned(string(j.Kind), string(next))
		logging.Job(j.ID, string(j.Kind)).WithFields(log.Fields{
			"from": job.State,
			"to":   next,
		}).Debug("job transitioned")
	}
	return j, nil
}

// settle decides what a step error means for the job. Transient errors and
// lost races leave the job where it is and are returned; anything else moves
// the job to Failed and is swallowed, since the job now carries it.
func (r recorder) settle(ctx context.Context, job domain.Job, err error, suffix string) (domain.Job, error) {
	if err == nil {
		return job, nil
	}

	entry := logging.Job(job.ID, string(job.Kind)).WithField("state", job.State)
	if apperrors.IsTransient(err) || errors.Is(err, apperrors.ErrStaleState) {
		entry.Warnf("Job step deferred: %v", err)
		return job, err
	}

	msg := detail(err) + suffix
	failed, terr := r.transition(ctx, job, domain.StateFailed, domain.JobUpdate{
		Error:   &msg,
		Message: domain.Ptr("failed"),
	})
	if terr != nil {
		return job, fmt.Errorf("failed to record failure of job %s (%s): %w", job.ID, msg, terr)
	}
	r.metrics.JobFailed(string(job.Kind), Reason(err))
	entry.Errorf("Job failed: %s", msg)
	return failed, nil
}
