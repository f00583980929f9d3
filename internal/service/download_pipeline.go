package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zzenonn/chainstore/internal/chain"
	"github.com/zzenonn/chainstore/internal/chain/bsv"
	"github.com/zzenonn/chainstore/internal/chunk"
	"github.com/zzenonn/chainstore/internal/domain"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
	"github.com/zzenonn/chainstore/internal/manifest"
	"github.com/zzenonn/chainstore/internal/metrics"
)

// Result is a reconstructed file handed to the client.
type Result struct {
	FileName    string
	ContentType string
	Data        []byte
}

type DownloadPipeline struct {
	rec     recorder
	chain   chain.Adapter
	staging *StagingService
	cfg     Settings

	now   func() time.Time
	newID func() string
}

func NewDownloadPipeline(jobs JobStore, adapter chain.Adapter, staging *StagingService, m *metrics.Collector, cfg Settings) *DownloadPipeline {
	return &DownloadPipeline{
		rec:     recorder{jobs: jobs, metrics: m},
		chain:   adapter,
		staging: staging,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Submit records a manifest TXID to reconstruct.
func (p *DownloadPipeline) Submit(ctx context.Context, manifestTxID string) (domain.Job, error) {
	txid, err := domain.ParseTxID(manifestTxID)
	if err != nil {
		return domain.Job{}, apperrors.Validationf("%v", err)
	}
	job, err := p.rec.jobs.Create(ctx, domain.Job{
		ID:           p.newID(),
		Kind:         domain.KindDownload,
		CreatedAt:    p.now().UTC(),
		ManifestTxID: txid,
		Message:      "submitted",
	})
	if err != nil {
		return domain.Job{}, err
	}
	p.rec.metrics.JobTransitioned(string(job.Kind), string(job.State))
	log.WithFields(log.Fields{"job": job.ID, "manifest": txid}).Info("Download submitted")
	return job, nil
}

func (p *DownloadPipeline) get(ctx context.Context, id string) (domain.Job, error) {
	job, err := p.rec.jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Kind != domain.KindDownload {
		return domain.Job{}, apperrors.Validationf("job %s is a %s job", id, job.Kind)
	}
	return job, nil
}

// Advance moves a download one step, with the same error contract as
// UploadPipeline.Advance.
func (p *DownloadPipeline) Advance(ctx context.Context, id string) (domain.Job, error) {
	job, err := p.get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}

	var next domain.Job
	switch job.State {
	case domain.StateSubmitted:
		next, err = p.rec.transition(ctx, job, domain.StateFetchingManifest, domain.JobUpdate{
			Message: domain.Ptr("fetching manifest " + job.ManifestTxID.String()),
		})
	case domain.StateFetchingManifest:
		next, err = p.fetchManifest(ctx, job)
	case domain.StateFetchingChunks:
		next, err = p.fetchChunks(ctx, job)
	case domain.StateReassembling:
		next, err = p.reassemble(ctx, job)
	default:
		return job, nil
	}
	return p.rec.settle(ctx, next, err, "")
}

func (p *DownloadPipeline) fetchManifest(ctx context.Context, job domain.Job) (domain.Job, error) {
	raw, err := p.chain.FetchTx(ctx, job.ManifestTxID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return job, failWith(ReasonManifestNotFound, err)
	}
	if err != nil {
		return job, err
	}
	payload, err := bsv.ExtractData(raw, ManifestTag)
	if err != nil {
		return job, failf(ReasonMalformedManifest, "%s: %w", job.ManifestTxID, err)
	}
	m, err := manifest.Decode(payload)
	if err != nil {
		return job, failf(ReasonMalformedManifest, "%s: %w", job.ManifestTxID, err)
	}

	size := int64(m.FileSize)
	chunkSize := int(m.ChunkSize)
	count := int(m.ChunkCount)
	return p.rec.transition(ctx, job, domain.StateFetchingChunks, domain.JobUpdate{
		FileName:        &m.FileName,
		ContentType:     &m.ContentType,
		FileSize:        &size,
		FileHash:        &m.FileHash,
		ChunkSize:       &chunkSize,
		ChunkCount:      &count,
		ManifestPayload: payload,
		Message:         domain.Ptr(fmt.Sprintf("fetching %d chunks of %s", count, m.FileName)),
	})
}

func (p *DownloadPipeline) manifestOf(job domain.Job) (manifest.Manifest, error) {
	m, err := manifest.Decode(job.ManifestPayload)
	if err != nil {
		return manifest.Manifest{}, failf(ReasonMalformedManifest, "stored manifest of job %s: %w", job.ID, err)
	}
	return m, nil
}

// fetchChunks pulls every chunk concurrently and stages the verified
// payloads. Nothing is staged for a chunk whose digest disagrees with its
// locator, and one bad chunk fails the whole job.
func (p *DownloadPipeline) fetchChunks(ctx context.Context, job domain.Job) (domain.Job, error) {
	m, err := p.manifestOf(job)
	if err != nil {
		return job, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.FetchConcurrency)
	for _, loc := range m.Chunks {
		loc := loc
		g.Go(func() error {
			return p.fetchChunk(gctx, job.ID, loc)
		})
	}
	if err := g.Wait(); err != nil {
		return job, err
	}

	return p.rec.transition(ctx, job, domain.StateReassembling, domain.JobUpdate{
		Message: domain.Ptr("reassembling"),
	})
}

func (p *DownloadPipeline) fetchChunk(ctx context.Context, jobID string, loc domain.Locator) error {
	raw, err := p.chain.FetchTx(ctx, loc.TxID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return failf(ReasonChunkUnavailable, "chunk %d (%s): %w", loc.Index, loc.TxID, err)
	}
	if err != nil {
		return err
	}
	payload, err := bsv.ExtractData(raw, ChunkTag)
	if err != nil {
		return failf(ReasonChunkUnavailable, "chunk %d (%s): %w", loc.Index, loc.TxID, err)
	}
	if got := domain.Sum(payload); got != loc.PayloadHash {
		return failf(ReasonHashMismatch, "chunk %d (%s): payload hash %s, locator says %s: %w",
			loc.Index, loc.TxID, got, loc.PayloadHash, chunk.ErrHashMismatch)
	}
	_, err = p.staging.PutAt(ctx, int(loc.Index), chunkKey(jobID, loc.Index), bytes.NewReader(payload), true)
	return err
}

func (p *DownloadPipeline) reassemble(ctx context.Context, job domain.Job) (domain.Job, error) {
	m, err := p.manifestOf(job)
	if err != nil {
		return job, err
	}

	chunks := make([]chunk.Chunk, 0, len(m.Chunks))
	for _, loc := range m.Chunks {
		payload, err := p.staging.GetAt(ctx, int(loc.Index), chunkKey(job.ID, loc.Index))
		if errors.Is(err, apperrors.ErrNotFound) {
			return job, failf(ReasonChunkUnavailable, "staged chunk %d lost: %w", loc.Index, err)
		}
		if err != nil {
			return job, err
		}
		chunks = append(chunks, chunk.Chunk{
			Index:       loc.Index,
			Total:       m.ChunkCount,
			Payload:     payload,
			PayloadHash: loc.PayloadHash,
		})
	}

	data, err := chunk.Join(chunks, int(m.ChunkCount))
	if errors.Is(err, chunk.ErrHashMismatch) {
		return job, failWith(ReasonHashMismatch, err)
	}
	if err != nil {
		return job, err
	}
	if uint64(len(data)) != m.FileSize || domain.Sum(data) != m.FileHash {
		return job, failf(ReasonFileHashMismatch, "reassembled %d bytes with hash %s, manifest says %d bytes with hash %s: %w",
			len(data), domain.Sum(data), m.FileSize, m.FileHash, apperrors.ErrIntegrity)
	}

	ref, err := p.staging.Put(ctx, resultKey(job.ID), bytes.NewReader(data), true)
	if err != nil {
		return job, err
	}
	if err := p.staging.DeletePrefix(ctx, chunkPrefix(job.ID)); err != nil {
		log.Warnf("Failed to remove staged chunks of job %s: %v", job.ID, err)
	}

	done, err := p.rec.transition(ctx, job, domain.StateCompleted, domain.JobUpdate{
		ResultRef: &ref,
		Message:   domain.Ptr(fmt.Sprintf("reconstructed %s (%d bytes)", m.FileName, len(data))),
	})
	if err == nil {
		log.WithFields(log.Fields{"job": job.ID, "size": len(data)}).Info("Download completed")
	}
	return done, err
}

// Retrieve hands out the reconstructed file of a completed download and
// deletes it. The store records the handout before the file is released, so
// of any number of concurrent callers exactly one gets the data and the rest
// fail with ErrResultGone.
func (p *DownloadPipeline) Retrieve(ctx context.Context, id string) (Result, error) {
	job, err := p.get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if job.State != domain.StateCompleted {
		return Result{}, apperrors.Validationf("job %s is %s, not completed", id, job.State)
	}
	if job.ResultRef == "" {
		return Result{}, apperrors.ErrResultGone
	}

	data, err := p.staging.Get(ctx, job.ResultRef)
	if errors.Is(err, apperrors.ErrNotFound) {
		return Result{}, fmt.Errorf("job %s: %w", id, apperrors.ErrResultGone)
	}
	if err != nil {
		return Result{}, err
	}

	_, err = p.rec.jobs.ClaimResult(ctx, id, job.Version)
	if errors.Is(err, apperrors.ErrStaleState) {
		return Result{}, fmt.Errorf("job %s: %w", id, apperrors.ErrResultGone)
	}
	if err != nil {
		return Result{}, err
	}
	if err := p.staging.Delete(ctx, job.ResultRef); err != nil {
		log.Warnf("Failed to release result of job %s: %v", id, err)
	}

	return Result{
		FileName:    job.FileName,
		ContentType: job.ContentType,
		Data:        data,
	}, nil
}
