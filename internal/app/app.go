// Package app wires configuration into a running set of stores, adapters and
// pipelines. Both the CLI and the HTTP server build one App per process.
package app

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/chainstore/internal/chain"
	"github.com/zzenonn/chainstore/internal/chain/bitails"
	"github.com/zzenonn/chainstore/internal/chain/memchain"
	"github.com/zzenonn/chainstore/internal/config"
	"github.com/zzenonn/chainstore/internal/metrics"
	"github.com/zzenonn/chainstore/internal/placement"
	"github.com/zzenonn/chainstore/internal/repository/db"
	"github.com/zzenonn/chainstore/internal/repository/objectstore"
	"github.com/zzenonn/chainstore/internal/service"
	"github.com/zzenonn/chainstore/internal/wallet"
)

// Migrator applies and reverts the job store schema.
type Migrator interface {
	MigrateDb(ctx context.Context) error
	MigrateDown(ctx context.Context) error
}

type noopMigrator struct{}

func (noopMigrator) MigrateDb(context.Context) error   { return nil }
func (noopMigrator) MigrateDown(context.Context) error { return nil }

type App struct {
	Jobs     service.JobStore
	Migrator Migrator
	Chain    chain.Adapter
	// DevChain is set when the in-process chain is in use, so callers can
	// fund payment addresses by hand.
	DevChain *memchain.Chain
	Wallet   *wallet.Wallet
	Staging  *service.StagingService
	Metrics  *metrics.Collector
	Locks    *service.KeyedLocker
	Upload   *service.UploadPipeline
	Download *service.DownloadPipeline
	Driver   *service.Driver

	closers []func() error
}

// Build connects everything cfg names. reg may be nil to skip metrics.
func Build(cfg *config.Config, reg prometheus.Registerer) (*App, error) {
	a := &App{Locks: service.NewKeyedLocker()}
	if reg != nil {
		a.Metrics = metrics.NewCollector(reg)
	}

	if err := a.buildStore(cfg); err != nil {
		return nil, err
	}
	if err := a.buildChain(cfg); err != nil {
		return nil, err
	}
	if err := a.buildStaging(cfg); err != nil {
		return nil, err
	}

	seed, err := wallet.ParseSeed(cfg.WalletSeed)
	if err != nil {
		return nil, err
	}
	a.Wallet, err = wallet.New(seed, wallet.Network(cfg.Network))
	if err != nil {
		return nil, err
	}

	settings := service.Settings{
		MaxChunkPayload:  cfg.Pipeline.MaxChunkPayload,
		MaxPayload:       cfg.Pipeline.MaxPayload,
		TxOverhead:       cfg.Pipeline.TxOverhead,
		DustLimit:        cfg.Pipeline.DustLimit,
		MaxFileSize:      cfg.Pipeline.MaxFileSize,
		PaymentWindow:    cfg.Pipeline.PaymentWindow,
		FetchConcurrency: cfg.Pipeline.FetchConcurrency,
	}
	a.Upload = service.NewUploadPipeline(a.Jobs, a.Chain, a.Wallet, a.Staging, a.Metrics, settings)
	a.Download = service.NewDownloadPipeline(a.Jobs, a.Chain, a.Staging, a.Metrics, settings)
	a.Driver = service.NewDriver(a.Jobs, a.Upload, a.Download, a.Locks, a.Metrics, service.DriverConfig{
		Interval:  cfg.Driver.PollInterval,
		Workers:   cfg.Driver.Workers,
		MaxJobAge: cfg.Driver.MaxJobAge,
	})

	log.WithFields(log.Fields{
		"chain":   cfg.Chain.Backend,
		"store":   cfg.StoreBackend,
		"buckets": len(cfg.StagingBuckets),
	}).Debug("Application wired")
	return a, nil
}

func (a *App) buildStore(cfg *config.Config) error {
	switch cfg.StoreBackend {
	case config.StoreDynamoDB:
		dynamoDb, err := db.NewDatabase(cfg.AwsConfig, cfg.DynamoDBTable)
		if err != nil {
			return fmt.Errorf("failed to connect to the database: %w", err)
		}
		jobs := dynamoDb.Jobs()
		a.Jobs = &jobs
		a.Migrator = dynamoDb
	case config.StorePostgres:
		pg, err := db.NewPostgres(cfg.PostgresDSN)
		if err != nil {
			return err
		}
		a.Jobs = pg.Jobs()
		a.Migrator = pg
		a.closers = append(a.closers, pg.Close)
	case config.StoreMemory:
		a.Jobs = db.NewMemoryJobRepository()
		a.Migrator = noopMigrator{}
	default:
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	return nil
}

func (a *App) buildChain(cfg *config.Config) error {
	var base chain.Adapter
	switch cfg.Chain.Backend {
	case config.ChainMemory:
		a.DevChain = memchain.New(cfg.Chain.FeeRate)
		base = a.DevChain
	case config.ChainBitails:
		base = bitails.New(bitails.Config{
			BaseURL:     cfg.Chain.BaseURL,
			APIKey:      cfg.Chain.APIKey,
			FallbackURL: cfg.Chain.FallbackURL,
			FeeRate:     cfg.Chain.FeeRate,
			CallTimeout: cfg.Chain.CallTimeout,
			RetryBase:   cfg.Chain.RetryBase,
			MaxRetries:  cfg.Chain.MaxRetries,
			RateLimit:   cfg.Chain.RateLimit,
		})
	default:
		return fmt.Errorf("unknown chain backend %q", cfg.Chain.Backend)
	}

	var adapter chain.Adapter = metrics.InstrumentAdapter(base, a.Metrics)
	if cfg.Chain.CacheSize > 0 {
		cached, err := chain.NewCachedAdapter(adapter, cfg.Chain.CacheSize)
		if err != nil {
			return err
		}
		adapter = cached
	}
	a.Chain = adapter
	return nil
}

func (a *App) buildStaging(cfg *config.Config) error {
	factory := objectstore.NewObjectRepositoryFactory(cfg.AwsConfig, cfg.GcsClient)
	placer := placement.NewRoundRobinPlacer()
	for _, raw := range cfg.StagingBuckets {
		bc, err := objectstore.ParseBucketConfig(raw)
		if err != nil {
			return fmt.Errorf("staging bucket %q: %w", raw, err)
		}
		expanded, err := factory.Expand(context.Background(), bc)
		if err != nil {
			return fmt.Errorf("staging bucket %q: %w", raw, err)
		}
		for _, bc := range expanded {
			repo, err := factory.CreateRepository(bc)
			if err != nil {
				return fmt.Errorf("staging bucket %q: %w", raw, err)
			}
			if err := placer.RegisterBucket(string(bc.Type)+"://"+bc.Name, repo); err != nil {
				return err
			}
		}
	}
	staging, err := service.NewStagingService(placer).WithRedundancy(service.Redundancy{
		DataShards:   cfg.DataShards,
		ParityShards: cfg.ParityShards,
	})
	if err != nil {
		return err
	}
	a.Staging = staging
	if cfg.GcsClient != nil {
		a.closers = append(a.closers, cfg.GcsClient.Close)
	}
	return nil
}

// Close releases connections opened by Build.
func (a *App) Close() error {
	var result *multierror.Error
	for _, c := range a.closers {
		if err := c(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
