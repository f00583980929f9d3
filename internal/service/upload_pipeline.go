package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/chainstore/internal/chain"
	"github.com/zzenonn/chainstore/internal/chain/bsv"
	"github.com/zzenonn/chainstore/internal/chunk"
	"github.com/zzenonn/chainstore/internal/domain"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
	"github.com/zzenonn/chainstore/internal/logging"
	"github.com/zzenonn/chainstore/internal/manifest"
	"github.com/zzenonn/chainstore/internal/metrics"
	"github.com/zzenonn/chainstore/internal/quote"
)

const defaultContentType = "application/octet-stream"

// FileInput is a file offered for upload. ContentType is guessed from the
// name when empty.
type FileInput struct {
	Name        string
	ContentType string
	Body        io.Reader
}

type UploadPipeline struct {
	rec     recorder
	chain   chain.Adapter
	keys    KeySource
	staging *StagingService
	cfg     Settings

	now   func() time.Time
	newID func() string
}

func NewUploadPipeline(jobs JobStore, adapter chain.Adapter, keys KeySource, staging *StagingService, m *metrics.Collector, cfg Settings) *UploadPipeline {
	return &UploadPipeline{
		rec:     recorder{jobs: jobs, metrics: m},
		chain:   adapter,
		keys:    keys,
		staging: staging,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Estimate prices a file without creating a job.
func (p *UploadPipeline) Estimate(ctx context.Context, name, contentType string, size int64) (quote.Quote, error) {
	rate, err := p.chain.FeeRate(ctx)
	if err != nil {
		return quote.Quote{}, fmt.Errorf("failed to get fee rate: %w", err)
	}
	return quote.Estimate(size, len(name), len(contentType), quote.Params{
		MaxChunkPayload: p.cfg.MaxChunkPayload,
		FeeRate:         rate,
		TxOverhead:      p.cfg.TxOverhead,
		DustLimit:       p.cfg.DustLimit,
		MaxFileSize:     p.cfg.MaxFileSize,
		MaxPayload:      p.cfg.MaxPayload,
	})
}

// Quote stages the file, prices it and allocates a payment address. Nothing
// touches the chain beyond the fee rate lookup.
func (p *UploadPipeline) Quote(ctx context.Context, in FileInput) (domain.Job, error) {
	name := filepath.Base(in.Name)
	if in.Name == "" || name == "." || name == string(filepath.Separator) {
		return domain.Job{}, apperrors.Validationf("file name is required")
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(name))
	}
	if contentType == "" {
		contentType = defaultContentType
	}
	if in.Body == nil {
		return domain.Job{}, apperrors.Validationf("file body is required")
	}

	body := in.Body
	if p.cfg.MaxFileSize > 0 {
		body = io.LimitReader(body, p.cfg.MaxFileSize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to read upload: %w", err)
	}

	q, err := p.Estimate(ctx, name, contentType, int64(len(data)))
	if err != nil {
		return domain.Job{}, err
	}

	id := p.newID()
	address, err := p.keys.Address(id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to derive payment address: %w", err)
	}
	ref, err := p.staging.PutFile(ctx, uploadKey(id), data)
	if err != nil {
		return domain.Job{}, err
	}

	job, err := p.rec.jobs.Create(ctx, domain.Job{
		ID:             id,
		Kind:           domain.KindUpload,
		CreatedAt:      p.now().UTC(),
		FileName:       name,
		ContentType:    contentType,
		FileSize:       int64(len(data)),
		FileHash:       domain.Sum(data),
		ChunkSize:      p.cfg.MaxChunkPayload,
		ChunkCount:     q.ChunkCount,
		TotalTxBytes:   q.TotalTxBytes,
		FeeDue:         q.FeeDue,
		PaymentAddress: address,
		AmountDue:      q.AmountDue,
		StagingRef:     ref,
		Message:        fmt.Sprintf("quote: %d chunks, send %d satoshis to %s", q.ChunkCount, q.AmountDue, address),
	})
	if err != nil {
		if derr := p.staging.Delete(ctx, ref); derr != nil {
			log.Warnf("Failed to remove staged file %s: %v", ref, derr)
		}
		return domain.Job{}, err
	}
	p.rec.metrics.JobTransitioned(string(job.Kind), string(job.State))
	log.WithFields(log.Fields{"job": job.ID, "size": job.FileSize, "amount_due": job.AmountDue}).Info("Upload quoted")
	return job, nil
}

// MaxFileSize is the largest file Quote accepts; zero means no limit.
func (p *UploadPipeline) MaxFileSize() int64 { return p.cfg.MaxFileSize }

// Confirm accepts a quote and opens the payment window.
func (p *UploadPipeline) Confirm(ctx context.Context, id string) (domain.Job, error) {
	job, err := p.get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.State != domain.StateQuoted {
		return domain.Job{}, fmt.Errorf("%w: job %s is %s, not %s", apperrors.ErrIllegalTransition, id, job.State, domain.StateQuoted)
	}
	deadline := p.now().UTC().Add(p.cfg.PaymentWindow)
	return p.rec.transition(ctx, job, domain.StateAwaitingPayment, domain.JobUpdate{
		PaymentDeadline: &deadline,
		Message:         domain.Ptr(fmt.Sprintf("awaiting %d satoshis at %s", job.AmountDue, job.PaymentAddress)),
	})
}

func (p *UploadPipeline) get(ctx context.Context, id string) (domain.Job, error) {
	job, err := p.rec.jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Kind != domain.KindUpload {
		return domain.Job{}, apperrors.Validationf("job %s is a %s job", id, job.Kind)
	}
	return job, nil
}

// Advance moves an upload one step. It returns an error only when the job
// could not move for a transient reason; permanent failures are recorded on
// the job, which is returned in Failed.
func (p *UploadPipeline) Advance(ctx context.Context, id string) (domain.Job, error) {
	job, err := p.get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}

	var next domain.Job
	switch job.State {
	case domain.StateAwaitingPayment:
		next, err = p.pollPayment(ctx, job)
	case domain.StatePaymentDetected:
		next, err = p.collectFunding(ctx, job)
	case domain.StateChunking:
		next, err = p.chunkFile(ctx, job)
	case domain.StateBroadcastingChunks:
		next, err = p.broadcastChunks(ctx, job)
	case domain.StateBroadcastingManifest:
		next, err = p.broadcastManifest(ctx, job)
	default:
		// Quoted waits for Confirm; terminal jobs never move.
		return job, nil
	}
	return p.rec.settle(ctx, next, err, abandonedNote(next))
}

func abandonedNote(job domain.Job) string {
	if len(job.Locators) == 0 {
		return ""
	}
	return fmt.Sprintf(" (%d chunk transactions already broadcast are abandoned, not refunded; remaining funds stay at %s)",
		len(job.Locators), job.PaymentAddress)
}

func (p *UploadPipeline) pollPayment(ctx context.Context, job domain.Job) (domain.Job, error) {
	expired := !job.PaymentDeadline.IsZero() && p.now().After(job.PaymentDeadline)

	balance, err := p.chain.Balance(ctx, job.PaymentAddress)
	if err != nil && !expired {
		return job, err
	}
	if err == nil && balance >= job.AmountDue {
		log.WithFields(log.Fields{"job": job.ID, "balance": balance}).Info("Payment detected")
		return p.rec.transition(ctx, job, domain.StatePaymentDetected, domain.JobUpdate{
			Message: domain.Ptr(fmt.Sprintf("received %d satoshis", balance)),
		})
	}
	if expired {
		msg := fmt.Sprintf("%s: %d satoshis not received at %s before %s",
			ReasonTimeoutExpired, job.AmountDue, job.PaymentAddress, job.PaymentDeadline.Format(time.RFC3339))
		return p.rec.transition(ctx, job, domain.StateExpired, domain.JobUpdate{
			Error:   &msg,
			Message: domain.Ptr("expired"),
		})
	}
	return job, nil
}

// collectFunding snapshots the outputs paid to the job address; every later
// transaction spends the previous one's change. The whole chain of chunk and
// manifest transactions is priced against the actual outputs at the current
// fee rate before anything is broadcast. Outputs that cost more to spend than
// the quote allowed for reopen the payment window for the difference.
func (p *UploadPipeline) collectFunding(ctx context.Context, job domain.Job) (domain.Job, error) {
	utxos, err := p.chain.Unspent(ctx, job.PaymentAddress)
	if err != nil {
		return job, err
	}
	var total int64
	for _, u := range utxos {
		total += u.Satoshis
	}
	if total < job.AmountDue {
		// the balance view ran ahead of the UTXO view; look again next tick
		return job, chain.NetworkError("unspent", fmt.Errorf("%d of %d satoshis visible", total, job.AmountDue))
	}
	rate, err := p.chain.FeeRate(ctx)
	if err != nil {
		return job, err
	}

	need := remainingFees(job, len(utxos), rate)
	if total < need {
		deadline := p.now().UTC().Add(p.cfg.PaymentWindow)
		logging.Job(job.ID, string(job.Kind)).WithFields(log.Fields{
			"outputs": len(utxos), "have": total, "need": need, "fee_rate": rate,
		}).Warn("Funding short of the transaction chain, reopening payment")
		return p.rec.transition(ctx, job, domain.StateAwaitingPayment, domain.JobUpdate{
			AmountDue:       &need,
			PaymentDeadline: &deadline,
			Message: domain.Ptr(fmt.Sprintf("%d outputs received cost more to spend than quoted: send %d more satoshis to %s",
				len(utxos), need-total, job.PaymentAddress)),
		})
	}

	return p.rec.transition(ctx, job, domain.StateChunking, domain.JobUpdate{
		Funding: utxos,
		FeeRate: &rate,
		Message: domain.Ptr(fmt.Sprintf("funded with %d outputs", len(utxos))),
	})
}

// remainingFees prices the transactions a job has yet to broadcast when the
// first spends inputs outputs and each later one spends the previous change.
func remainingFees(job domain.Job, inputs int, rate float64) int64 {
	count := chunk.Count(job.FileSize, job.ChunkSize)
	var fees int64
	for i := len(job.Locators); i < count; i++ {
		size := job.ChunkSize
		if rest := job.FileSize - int64(i)*int64(job.ChunkSize); rest < int64(size) {
			size = int(rest)
		}
		fees += bsv.DataTxFee(inputs, ChunkTag, size, rate)
		inputs = 1
	}
	size := manifest.EncodedSize(len(job.FileName), len(job.ContentType), count)
	return fees + bsv.DataTxFee(inputs, ManifestTag, size, rate)
}

// feeRate is the rate pinned when funding was collected, so a rebuilt
// transaction matches one the chain may already hold.
func (p *UploadPipeline) feeRate(ctx context.Context, job domain.Job) (float64, error) {
	if job.FeeRate > 0 {
		return job.FeeRate, nil
	}
	return p.chain.FeeRate(ctx)
}

func (p *UploadPipeline) loadStaged(ctx context.Context, job domain.Job) ([]byte, error) {
	data, err := p.staging.Get(ctx, job.StagingRef)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, failWith(ReasonStagedFileMissing, err)
	}
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != job.FileSize || domain.Sum(data) != job.FileHash {
		return nil, failf(ReasonStagedFileMissing, "staged file changed: %d bytes, hash %s", len(data), domain.Sum(data))
	}
	return data, nil
}

func (p *UploadPipeline) chunkFile(ctx context.Context, job domain.Job) (domain.Job, error) {
	data, err := p.loadStaged(ctx, job)
	if err != nil {
		return job, err
	}
	chunks, err := chunk.Split(data, job.ChunkSize)
	if err != nil {
		return job, err
	}
	count := len(chunks)
	hash := domain.Sum(data)
	return p.rec.transition(ctx, job, domain.StateBroadcastingChunks, domain.JobUpdate{
		FileHash:   &hash,
		ChunkCount: &count,
		Message:    domain.Ptr(fmt.Sprintf("broadcasting %d chunks", count)),
	})
}

// broadcastChunks resumes at the first chunk without a locator. Each
// broadcast is recorded before the next is built, so a retry never
// duplicates a chunk. Rebuilding an unrecorded transaction from the same
// funding at the pinned fee rate yields the same bytes, which the chain
// accepts as already known.
func (p *UploadPipeline) broadcastChunks(ctx context.Context, job domain.Job) (domain.Job, error) {
	data, err := p.loadStaged(ctx, job)
	if err != nil {
		return job, err
	}
	chunks, err := chunk.Split(data, job.ChunkSize)
	if err != nil {
		return job, err
	}
	key, err := p.keys.PrivateKey(job.ID)
	if err != nil {
		return job, err
	}
	rate, err := p.feeRate(ctx, job)
	if err != nil {
		return job, err
	}

	for i := len(job.Locators); i < len(chunks); i++ {
		c := chunks[i]
		txid, change, err := p.send(ctx, key, job.Funding, ChunkTag, c.Payload, rate)
		if err != nil {
			return job, annotate(err, fmt.Sprintf("chunk %d of %d", i, len(chunks)))
		}
		job, err = p.rec.transition(ctx, job, domain.StateBroadcastingChunks, domain.JobUpdate{
			AppendLocator: &domain.Locator{Index: c.Index, TxID: txid, PayloadHash: c.PayloadHash},
			Funding:       change,
			Message:       domain.Ptr(fmt.Sprintf("broadcast chunk %d of %d", i+1, len(chunks))),
		})
		if err != nil {
			return job, err
		}
		log.WithFields(log.Fields{"job": job.ID, "chunk": i, "txid": txid}).Debug("Chunk broadcast")
	}

	return p.rec.transition(ctx, job, domain.StateBroadcastingManifest, domain.JobUpdate{
		Message: domain.Ptr("broadcasting manifest"),
	})
}

func (p *UploadPipeline) broadcastManifest(ctx context.Context, job domain.Job) (domain.Job, error) {
	m, err := manifest.Build(job.FileName, job.ContentType, job.FileSize, job.FileHash, job.ChunkSize, job.Locators)
	if err != nil {
		return job, err
	}
	payload, err := manifest.Encode(m)
	if err != nil {
		return job, err
	}
	if len(payload) > p.cfg.MaxPayload {
		return job, fmt.Errorf("%w: manifest is %d bytes, limit %d", apperrors.ErrFileTooLarge, len(payload), p.cfg.MaxPayload)
	}
	key, err := p.keys.PrivateKey(job.ID)
	if err != nil {
		return job, err
	}
	rate, err := p.feeRate(ctx, job)
	if err != nil {
		return job, err
	}

	txid, change, err := p.send(ctx, key, job.Funding, ManifestTag, payload, rate)
	if err != nil {
		return job, annotate(err, "manifest")
	}

	if err := p.staging.Delete(ctx, job.StagingRef); err != nil {
		log.Warnf("Failed to remove staged file for job %s: %v", job.ID, err)
	}
	ref := txid.String()
	done, err := p.rec.transition(ctx, job, domain.StateCompleted, domain.JobUpdate{
		Funding:         change,
		ManifestTxID:    &txid,
		ManifestPayload: payload,
		ResultRef:       &ref,
		Message:         domain.Ptr("stored as " + ref),
	})
	if err == nil {
		log.WithFields(log.Fields{"job": job.ID, "manifest": ref}).Info("Upload completed")
	}
	return done, err
}

// send builds, signs and broadcasts one data transaction. The returned
// funding replaces the job's funding: the change output, or empty.
func (p *UploadPipeline) send(ctx context.Context, key *btcec.PrivateKey, funding []domain.Outpoint, tag, payload []byte, rate float64) (domain.TxID, []domain.Outpoint, error) {
	built, err := bsv.BuildDataTx(bsv.DataTx{
		Key:     key,
		Funding: funding,
		Tag:     tag,
		Payload: payload,
		FeeRate: rate,
	})
	if err != nil {
		return domain.TxID{}, nil, err
	}
	txid, err := p.chain.Broadcast(ctx, built.Raw)
	if err != nil {
		return domain.TxID{}, nil, err
	}
	if txid != built.ID {
		return domain.TxID{}, nil, fmt.Errorf("%w: chain reported txid %s for %s", apperrors.ErrIntegrity, txid, built.ID)
	}
	change := []domain.Outpoint{}
	if built.Change != nil {
		change = append(change, *built.Change)
	}
	return txid, change, nil
}

// annotate names the transaction a permanent error belongs to.
func annotate(err error, what string) error {
	if apperrors.IsTransient(err) {
		return err
	}
	if errors.Is(err, apperrors.ErrChainRejected) {
		return failWith(ReasonChainRejected, fmt.Errorf("%s: %w", what, err))
	}
	return fmt.Errorf("%s: %w", what, err)
}
