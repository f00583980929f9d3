package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/zzenonn/chainstore/internal/domain"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
	"github.com/zzenonn/chainstore/internal/logging"
	"github.com/zzenonn/chainstore/internal/metrics"
)

// Advancer moves one job one step.
type Advancer interface {
	Advance(ctx context.Context, id string) (domain.Job, error)
}

const (
	DefaultPollInterval = 5 * time.Second
	DefaultWorkers      = 4
	DefaultMaxJobAge    = 24 * time.Hour
)

type DriverConfig struct {
	Interval time.Duration
	Workers  int
	// MaxJobAge fails any job still running this long after creation.
	MaxJobAge time.Duration
}

// Driver polls the store and advances every active job on a bounded pool.
// A job whose previous step is still running is skipped for the poll.
type Driver struct {
	jobs     JobStore
	upload   Advancer
	download Advancer
	locks    *KeyedLocker
	metrics  *metrics.Collector
	cfg      DriverConfig
	now      func() time.Time

	workers  *semaphore.Weighted
	inflight sync.WaitGroup
}

func NewDriver(jobs JobStore, upload, download Advancer, locks *KeyedLocker, m *metrics.Collector, cfg DriverConfig) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxJobAge <= 0 {
		cfg.MaxJobAge = DefaultMaxJobAge
	}
	if locks == nil {
		locks = NewKeyedLocker()
	}
	return &Driver{
		jobs:     jobs,
		upload:   upload,
		download: download,
		locks:    locks,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
		workers:  semaphore.NewWeighted(int64(cfg.Workers)),
	}
}

// Run polls until ctx is done. Steps run in the background, so a slow job
// occupies one worker while the others keep polling. A job that finds no free
// worker waits for the next poll.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	log.Infof("Driver started: every %s with %d workers", d.cfg.Interval, d.cfg.Workers)
	for {
		if err := d.dispatch(ctx, false); err != nil {
			log.Errorf("Driver poll failed: %v", err)
		}
		select {
		case <-ctx.Done():
			d.inflight.Wait()
			log.Info("Driver stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick advances each active job at most once and waits for every step it
// started. Per-job errors are logged, not returned; only failing to list jobs
// is an error.
func (d *Driver) Tick(ctx context.Context) error {
	err := d.dispatch(ctx, true)
	d.inflight.Wait()
	return err
}

// dispatch starts a step for every active job that is not already running.
// With wait unset a full pool skips the job instead of blocking the poll.
func (d *Driver) dispatch(ctx context.Context, wait bool) error {
	active, err := d.jobs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active jobs: %w", err)
	}

	counts := map[domain.JobKind]int{domain.KindUpload: 0, domain.KindDownload: 0}
	for _, j := range active {
		counts[j.Kind]++
	}
	for kind, n := range counts {
		d.metrics.ActiveJobs(string(kind), n)
	}

	for _, job := range active {
		if ctx.Err() != nil {
			return nil
		}
		if !d.locks.TryLock(job.ID) {
			log.Debugf("Job %s is busy, skipping", job.ID)
			continue
		}
		if !d.acquire(ctx, wait) {
			d.locks.Unlock(job.ID)
			log.Debugf("No free worker for job %s, retrying next poll", job.ID)
			continue
		}

		job := job
		d.inflight.Add(1)
		go func() {
			defer d.inflight.Done()
			defer d.workers.Release(1)
			defer d.locks.Unlock(job.ID)
			d.step(ctx, job)
		}()
	}
	return nil
}

func (d *Driver) acquire(ctx context.Context, wait bool) bool {
	if !wait {
		return d.workers.TryAcquire(1)
	}
	return d.workers.Acquire(ctx, 1) == nil
}

func (d *Driver) step(ctx context.Context, job domain.Job) {
	entry := logging.Job(job.ID, string(job.Kind)).WithField("state", job.State)

	if d.now().Sub(job.CreatedAt) > d.cfg.MaxJobAge {
		msg := fmt.Sprintf("%s: job still %s after %s", ReasonTimeoutExpired, job.State, d.cfg.MaxJobAge)
		_, err := d.jobs.Transition(ctx, job.ID, job.State, domain.StateFailed, domain.JobUpdate{
			Error:   &msg,
			Message: domain.Ptr("failed"),
		})
		if err != nil && !errors.Is(err, apperrors.ErrStaleState) {
			entry.Errorf("Failed to expire job: %v", err)
			return
		}
		if err == nil {
			d.metrics.JobFailed(string(job.Kind), ReasonTimeoutExpired)
			entry.Warn("Job exceeded its maximum age")
		}
		return
	}

	var adv Advancer
	switch job.Kind {
	case domain.KindUpload:
		adv = d.upload
	case domain.KindDownload:
		adv = d.download
	}
	if adv == nil {
		entry.Warn("No pipeline for job kind")
		return
	}

	next, err := adv.Advance(ctx, job.ID)
	if err != nil {
		entry.Warnf("Job not advanced: %v", err)
		return
	}
	if next.State != job.State {
		entry.WithField("next", next.State).Debug("Job advanced")
	}
}
