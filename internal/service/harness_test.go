package service

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/chainstore/internal/chain/memchain"
	"github.com/zzenonn/chainstore/internal/domain"
	"github.com/zzenonn/chainstore/internal/placement"
	"github.com/zzenonn/chainstore/internal/quote"
	"github.com/zzenonn/chainstore/internal/repository/db"
	"github.com/zzenonn/chainstore/internal/repository/objectstore"
	"github.com/zzenonn/chainstore/internal/wallet"
)

var epoch = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	chain    *memchain.Chain
	jobs     *db.MemoryJobRepository
	fs       afero.Fs
	staging  *StagingService
	upload   *UploadPipeline
	download *DownloadPipeline
	now      time.Time
	ids      int
}

func newHarness(t *testing.T, chunkSize int) *harness {
	t.Helper()

	w, err := wallet.New(bytes.Repeat([]byte{7}, 32), wallet.MainNet)
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	placer := placement.NewRoundRobinPlacer()
	for _, name := range []string{"a", "b"} {
		repo := objectstore.NewLocalObjectRepository(fs, "/"+name)
		require.NoError(t, placer.RegisterBucket(name, &repo))
	}

	h := &harness{
		chain:   memchain.New(0.5),
		jobs:    db.NewMemoryJobRepository(),
		fs:      fs,
		staging: NewStagingService(placer),
		now:     epoch,
	}
	cfg := Settings{
		MaxChunkPayload: chunkSize,
		DustLimit:       quote.DustLimit,
		PaymentWindow:   time.Hour,
	}
	h.upload = NewUploadPipeline(h.jobs, h.chain, w, h.staging, nil, cfg)
	h.upload.now = h.clock
	h.upload.newID = h.nextID
	h.download = NewDownloadPipeline(h.jobs, h.chain, h.staging, nil, cfg)
	h.download.now = h.clock
	h.download.newID = h.nextID
	return h
}

func (h *harness) clock() time.Time { return h.now }

func (h *harness) nextID() string {
	h.ids++
	return fmt.Sprintf("job-%d", h.ids)
}

// advance calls adv until the job reaches want or stops moving.
func advance(t *testing.T, adv Advancer, id string, want domain.JobState) domain.Job {
	t.Helper()
	var job domain.Job
	for i := 0; i < 20; i++ {
		var err error
		job, err = adv.Advance(context.Background(), id)
		require.NoError(t, err)
		if job.State == want || job.State.IsTerminal() {
			break
		}
	}
	require.Equal(t, want, job.State, "job error: %s", job.Error)
	return job
}

// store uploads data all the way to a manifest TXID.
func (h *harness) store(t *testing.T, name string, data []byte) domain.Job {
	t.Helper()
	ctx := context.Background()

	job, err := h.upload.Quote(ctx, FileInput{Name: name, Body: bytes.NewReader(data)})
	require.NoError(t, err)
	_, err = h.upload.Confirm(ctx, job.ID)
	require.NoError(t, err)
	_, err = h.chain.Fund(job.PaymentAddress, job.AmountDue)
	require.NoError(t, err)

	return advance(t, h.upload, job.ID, domain.StateCompleted)
}

// fetch downloads a manifest TXID and retrieves the result.
func (h *harness) fetch(t *testing.T, manifestTxID domain.TxID) (domain.Job, Result) {
	t.Helper()
	ctx := context.Background()

	job, err := h.download.Submit(ctx, manifestTxID.String())
	require.NoError(t, err)
	job = advance(t, h.download, job.ID, domain.StateCompleted)

	res, err := h.download.Retrieve(ctx, job.ID)
	require.NoError(t, err)
	return job, res
}
