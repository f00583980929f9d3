package db

import (
	"fmt"
	"time"

	"github.com/zzenonn/chainstore/internal/domain"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

// nextJob validates a transition against the current stored job and returns
// the job as it should be written back.
func nextJob(cur domain.Job, expected, next domain.JobState, upd domain.JobUpdate, now time.Time) (domain.Job, error) {
	if cur.State != expected {
		return domain.Job{}, fmt.Errorf("%w: job %s is %s, expected %s", apperrors.ErrStaleState, cur.ID, cur.State, expected)
	}
	if cur.State.IsTerminal() {
		return domain.Job{}, fmt.Errorf("%w: %w: job %s is %s", apperrors.ErrIllegalTransition, apperrors.ErrTerminalJob, cur.ID, cur.State)
	}
	if !domain.CanTransition(cur.Kind, cur.State, next) {
		return domain.Job{}, fmt.Errorf("%w: %s job %s cannot move from %s to %s", apperrors.ErrIllegalTransition, cur.Kind, cur.ID, cur.State, next)
	}

	j := cloneJob(cur)
	upd.Apply(&j)
	j.State = next
	j.Version = cur.Version + 1
	j.UpdatedAt = now
	return j, nil
}

// claimedResult clears the result reference of a completed download read at
// version. Exactly one caller can win the write that follows.
func claimedResult(cur domain.Job, version int64, now time.Time) (domain.Job, error) {
	if cur.Version != version {
		return domain.Job{}, fmt.Errorf("%w: job %s is at version %d, expected %d", apperrors.ErrStaleState, cur.ID, cur.Version, version)
	}
	if cur.Kind != domain.KindDownload || cur.State != domain.StateCompleted {
		return domain.Job{}, fmt.Errorf("%w: %s job %s is %s, no result to claim", apperrors.ErrIllegalTransition, cur.Kind, cur.ID, cur.State)
	}
	if cur.ResultRef == "" {
		return domain.Job{}, fmt.Errorf("job %s: %w", cur.ID, apperrors.ErrResultGone)
	}

	j := cloneJob(cur)
	j.ResultRef = ""
	j.Message = "result retrieved"
	j.Version = cur.Version + 1
	j.UpdatedAt = now
	return j, nil
}

// prepareNew fills the bookkeeping fields of a job about to be created.
func prepareNew(j domain.Job, now time.Time) (domain.Job, error) {
	if j.ID == "" {
		return domain.Job{}, apperrors.Validationf("job id is required")
	}
	if j.Kind != domain.KindUpload && j.Kind != domain.KindDownload {
		return domain.Job{}, apperrors.Validationf("unknown job kind %q", j.Kind)
	}
	if j.State == "" {
		j.State = domain.InitialState(j.Kind)
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	j.Version = 1
	return cloneJob(j), nil
}

func cloneJob(j domain.Job) domain.Job {
	j.Funding = append([]domain.Outpoint(nil), j.Funding...)
	j.Locators = append([]domain.Locator(nil), j.Locators...)
	j.ManifestPayload = append([]byte(nil), j.ManifestPayload...)
	return j
}
