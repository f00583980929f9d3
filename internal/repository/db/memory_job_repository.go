package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zzenonn/chainstore/internal/domain"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

// MemoryJobRepository keeps jobs in process. Jobs do not survive a restart;
// used by tests and single-shot CLI runs.
type MemoryJobRepository struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{
		jobs: make(map[string]domain.Job),
		now:  time.Now,
	}
}

func (r *MemoryJobRepository) Create(_ context.Context, job domain.Job) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return domain.Job{}, apperrors.Validationf("job %s already exists", job.ID)
	}
	j, err := prepareNew(job, r.now().UTC())
	if err != nil {
		return domain.Job{}, err
	}
	r.jobs[j.ID] = j
	return cloneJob(j), nil
}

func (r *MemoryJobRepository) Get(_ context.Context, id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, apperrors.FetchingResourceError("job"))
	}
	return cloneJob(j), nil
}

func (r *MemoryJobRepository) Transition(_ context.Context, id string, expected, next domain.JobState, upd domain.JobUpdate) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, apperrors.FetchingResourceError("job"))
	}
	j, err := nextJob(cur, expected, next, upd, r.now().UTC())
	if err != nil {
		return domain.Job{}, err
	}
	r.jobs[id] = j
	return cloneJob(j), nil
}

func (r *MemoryJobRepository) ClaimResult(_ context.Context, id string, version int64) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, apperrors.FetchingResourceError("job"))
	}
	j, err := claimedResult(cur, version, r.now().UTC())
	if err != nil {
		return domain.Job{}, err
	}
	r.jobs[id] = j
	return cloneJob(j), nil
}

func (r *MemoryJobRepository) ListActive(_ context.Context) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Job
	for _, j := range r.jobs {
		if !j.State.IsTerminal() {
			out = append(out, cloneJob(j))
		}
	}
	sortOldestFirst(out)
	return out, nil
}

// List returns up to limit jobs, newest first. limit <= 0 returns all.
func (r *MemoryJobRepository) List(_ context.Context, limit int) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, cloneJob(j))
	}
	return newestFirst(out, limit), nil
}

func sortOldestFirst(jobs []domain.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID < jobs[b].ID
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
}

func newestFirst(jobs []domain.Job, limit int) []domain.Job {
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID > jobs[b].ID
		}
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}
