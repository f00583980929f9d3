package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/zzenonn/chainstore/internal/domain"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresJobRepository stores each job as a JSON body next to the columns
// transitions are conditioned on. state and version columns are the source
// of truth; the copies inside body are overwritten on read.
type PostgresJobRepository struct {
	db  DBTX
	now func() time.Time
}

func NewPostgresJobRepository(db DBTX) *PostgresJobRepository {
	return &PostgresJobRepository{db: db, now: time.Now}
}

const uniqueViolation = "23505"

func (r *PostgresJobRepository) Create(ctx context.Context, job domain.Job) (domain.Job, error) {
	j, err := prepareNew(job, r.now().UTC())
	if err != nil {
		return domain.Job{}, err
	}
	body, err := json.Marshal(j)
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to marshal job: %w", err)
	}

	query :=
		`INSERT INTO jobs (id, kind, state, version, created_at, updated_at, body)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.db.ExecContext(ctx, query, j.ID, string(j.Kind), string(j.State), j.Version, j.CreatedAt, j.UpdatedAt, body)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.Job{}, apperrors.Validationf("job %s already exists", j.ID)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to create job: %w", err)
	}
	return j, nil
}

func (r *PostgresJobRepository) Get(ctx context.Context, id string) (domain.Job, error) {
	query :=
		`SELECT state, version, body FROM jobs
		 WHERE id = $1`

	var (
		state   string
		version int64
		body    []byte
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(&state, &version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, apperrors.FetchingResourceError("job"))
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to get job: %w", err)
	}
	return decodeRow(state, version, body)
}

func (r *PostgresJobRepository) Transition(ctx context.Context, id string, expected, next domain.JobState, upd domain.JobUpdate) (domain.Job, error) {
	cur, err := r.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	j, err := nextJob(cur, expected, next, upd, r.now().UTC())
	if err != nil {
		return domain.Job{}, err
	}
	return r.update(ctx, j, expected, cur.Version)
}

func (r *PostgresJobRepository) ClaimResult(ctx context.Context, id string, version int64) (domain.Job, error) {
	cur, err := r.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	j, err := claimedResult(cur, version, r.now().UTC())
	if err != nil {
		return domain.Job{}, err
	}
	return r.update(ctx, j, cur.State, cur.Version)
}

func (r *PostgresJobRepository) update(ctx context.Context, j domain.Job, expected domain.JobState, version int64) (domain.Job, error) {
	body, err := json.Marshal(j)
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to marshal job: %w", err)
	}

	query :=
		`UPDATE jobs SET state = $1, version = $2, updated_at = $3, body = $4
		 WHERE id = $5 AND state = $6 AND version = $7`

	res, err := r.db.ExecContext(ctx, query, string(j.State), j.Version, j.UpdatedAt, body, j.ID, string(expected), version)
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to update job: %w", err)
	}
	if n == 0 {
		return domain.Job{}, fmt.Errorf("%w: job %s was modified concurrently", apperrors.ErrStaleState, j.ID)
	}
	return j, nil
}

func (r *PostgresJobRepository) ListActive(ctx context.Context) ([]domain.Job, error) {
	query :=
		`SELECT state, version, body FROM jobs
		 WHERE state NOT IN ('completed', 'failed', 'expired')
		 ORDER BY created_at ASC, id ASC`

	return r.query(ctx, query)
}

func (r *PostgresJobRepository) List(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		query :=
			`SELECT state, version, body FROM jobs
			 ORDER BY created_at DESC, id DESC`
		return r.query(ctx, query)
	}

	query :=
		`SELECT state, version, body FROM jobs
		 ORDER BY created_at DESC, id DESC
		 LIMIT $1`
	return r.query(ctx, query, limit)
}

func (r *PostgresJobRepository) query(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var (
			state   string
			version int64
			body    []byte
		)
		if err := rows.Scan(&state, &version, &body); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		j, err := decodeRow(state, version, body)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

func decodeRow(state string, version int64, body []byte) (domain.Job, error) {
	var j domain.Job
	if err := json.Unmarshal(body, &j); err != nil {
		return domain.Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	j.State = domain.JobState(state)
	j.Version = version
	return j, nil
}
