package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/chainstore/internal/config"
	"github.com/zzenonn/chainstore/internal/domain"
	"github.com/zzenonn/chainstore/internal/service"
)

func devConfig(t *testing.T) *config.Config {
	return &config.Config{
		Chain:          config.ChainConfig{Backend: config.ChainMemory, FeeRate: 0.5, CacheSize: 16},
		Pipeline:       config.PipelineConfig{MaxChunkPayload: 4, DustLimit: 546, PaymentWindow: time.Hour},
		StoreBackend:   config.StoreMemory,
		StagingBuckets: []string{"file://" + t.TempDir(), "file://" + t.TempDir()},
		Network:        "testnet",
		WalletSeed:     strings.Repeat("ab", 32),
	}
}

func TestBuild_RoundTripOnDevChain(t *testing.T) {
	a, err := Build(devConfig(t), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.DevChain)

	ctx := context.Background()
	job, err := a.Upload.Quote(ctx, service.FileInput{Name: "hello.txt", Body: strings.NewReader("hello chain")})
	require.NoError(t, err)
	_, err = a.Upload.Confirm(ctx, job.ID)
	require.NoError(t, err)
	_, err = a.DevChain.Fund(job.PaymentAddress, job.AmountDue)
	require.NoError(t, err)

	up := drive(t, a, job.ID)
	require.Equal(t, domain.StateCompleted, up.State, up.Error)

	down, err := a.Download.Submit(ctx, up.ManifestTxID.String())
	require.NoError(t, err)
	require.Equal(t, domain.StateCompleted, drive(t, a, down.ID).State)

	res, err := a.Download.Retrieve(ctx, down.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello chain", string(res.Data))
}

func drive(t *testing.T, a *App, id string) domain.Job {
	t.Helper()
	ctx := context.Background()
	var job domain.Job
	for i := 0; i < 20; i++ {
		require.NoError(t, a.Driver.Tick(ctx))
		var err error
		job, err = a.Jobs.Get(ctx, id)
		require.NoError(t, err)
		if job.State.IsTerminal() {
			break
		}
	}
	return job
}

func TestBuild_RejectsBadWiring(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "bucket scheme", mutate: func(c *config.Config) { c.StagingBuckets = []string{"ftp://x"} }},
		{name: "seed", mutate: func(c *config.Config) { c.WalletSeed = "not hex" }},
		{name: "short seed", mutate: func(c *config.Config) { c.WalletSeed = "abcd" }},
		{name: "network", mutate: func(c *config.Config) { c.Network = "regtest" }},
		{name: "chain", mutate: func(c *config.Config) { c.Chain.Backend = "eth" }},
		{name: "shards exceed buckets", mutate: func(c *config.Config) { c.DataShards, c.ParityShards = 2, 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := devConfig(t)
			tt.mutate(cfg)
			_, err := Build(cfg, nil)
			assert.Error(t, err)
		})
	}
}
