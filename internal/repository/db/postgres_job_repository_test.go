package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/chainstore/internal/domain"
	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

const (
	insertJobQuery = `(?s)^INSERT\s+INTO\s+jobs\s*\(id,\s*kind,\s*state,\s*version,\s*created_at,\s*updated_at,\s*body\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5,\s*\$6,\s*\$7\)\s*$`
	selectJobQuery = `(?s)^SELECT\s+state,\s*version,\s*body\s+FROM\s+jobs\s+WHERE\s+id\s*=\s*\$1\s*$`
	updateJobQuery = `(?s)^UPDATE\s+jobs\s+SET\s+state\s*=\s*\$1,\s*version\s*=\s*\$2,\s*updated_at\s*=\s*\$3,\s*body\s*=\s*\$4\s+WHERE\s+id\s*=\s*\$5\s+AND\s+state\s*=\s*\$6\s+AND\s+version\s*=\s*\$7\s*$`
)

func newPostgresRepoWithMock(t *testing.T) (*PostgresJobRepository, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	repo := NewPostgresJobRepository(conn)
	repo.now = func() time.Time { return base }
	return repo, mock
}

func jobRow(t *testing.T, j domain.Job) *sqlmock.Rows {
	t.Helper()
	body, err := json.Marshal(j)
	require.NoError(t, err)
	return sqlmock.NewRows([]string{"state", "version", "body"}).AddRow(string(j.State), j.Version, body)
}

func TestPostgresCreate(t *testing.T) {
	repo, mock := newPostgresRepoWithMock(t)

	mock.ExpectExec(insertJobQuery).
		WithArgs("a", "upload", "quoted", int64(1), base, base, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	j, err := repo.Create(context.Background(), uploadJob("a", 0))
	require.NoError(t, err)
	assert.Equal(t, domain.StateQuoted, j.State)
	assert.Equal(t, int64(1), j.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreate_Duplicate(t *testing.T) {
	repo, mock := newPostgresRepoWithMock(t)

	mock.ExpectExec(insertJobQuery).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})

	_, err := repo.Create(context.Background(), uploadJob("a", 0))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestPostgresGet(t *testing.T) {
	repo, mock := newPostgresRepoWithMock(t)

	stored := uploadJob("a", 0)
	stored.State = domain.StateQuoted // body copy is stale on purpose
	stored.Version = 1
	stored.FileHash = domain.Sum([]byte("abc"))
	stored.Locators = []domain.Locator{{Index: 0, TxID: domain.TxID{7}, PayloadHash: domain.Sum([]byte("p"))}}
	body, err := json.Marshal(stored)
	require.NoError(t, err)

	mock.ExpectQuery(selectJobQuery).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"state", "version", "body"}).AddRow("awaiting_payment", int64(4), body))

	got, err := repo.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingPayment, got.State)
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, stored.FileHash, got.FileHash)
	assert.Equal(t, stored.Locators, got.Locators)
}

func TestPostgresGet_NotFound(t *testing.T) {
	repo, mock := newPostgresRepoWithMock(t)

	mock.ExpectQuery(selectJobQuery).WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestPostgresTransition(t *testing.T) {
	cur := uploadJob("a", 0)
	cur.State = domain.StateQuoted
	cur.Version = 3

	tests := []struct {
		name     string
		expected domain.JobState
		next     domain.JobState
		affected int64
		execErr  error
		wantErr  error
	}{
		{name: "applied", expected: domain.StateQuoted, next: domain.StateAwaitingPayment, affected: 1},
		{name: "lost race", expected: domain.StateQuoted, next: domain.StateAwaitingPayment, affected: 0, wantErr: apperrors.ErrStaleState},
		{name: "db down", expected: domain.StateQuoted, next: domain.StateAwaitingPayment, execErr: errors.New("db down"), wantErr: errors.New("")},
		{name: "stale read", expected: domain.StateChunking, next: domain.StateBroadcastingChunks, wantErr: apperrors.ErrStaleState},
		{name: "illegal", expected: domain.StateQuoted, next: domain.StateCompleted, wantErr: apperrors.ErrIllegalTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newPostgresRepoWithMock(t)
			mock.ExpectQuery(selectJobQuery).WithArgs("a").WillReturnRows(jobRow(t, cur))

			reachesUpdate := tt.expected == cur.State && domain.CanTransition(cur.Kind, cur.State, tt.next)
			if reachesUpdate {
				exp := mock.ExpectExec(updateJobQuery).
					WithArgs(string(tt.next), int64(4), base, sqlmock.AnyArg(), "a", string(tt.expected), int64(3))
				if tt.execErr != nil {
					exp.WillReturnError(tt.execErr)
				} else {
					exp.WillReturnResult(sqlmock.NewResult(0, tt.affected))
				}
			}

			j, err := repo.Transition(context.Background(), "a", tt.expected, tt.next, domain.JobUpdate{Message: domain.Ptr("hi")})
			switch {
			case tt.wantErr == nil:
				require.NoError(t, err)
				assert.Equal(t, tt.next, j.State)
				assert.Equal(t, int64(4), j.Version)
				assert.Equal(t, "hi", j.Message)
			case tt.execErr != nil:
				assert.ErrorContains(t, err, "db down")
			default:
				assert.ErrorIs(t, err, tt.wantErr)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresClaimResult(t *testing.T) {
	cur := domain.Job{ID: "d", Kind: domain.KindDownload, State: domain.StateCompleted, Version: 6, CreatedAt: base, ResultRef: "a|downloads/d/result"}

	tests := []struct {
		name     string
		version  int64
		affected int64
		wantErr  error
	}{
		{name: "claimed", version: 6, affected: 1},
		{name: "lost race", version: 6, affected: 0, wantErr: apperrors.ErrStaleState},
		{name: "stale read", version: 5, wantErr: apperrors.ErrStaleState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newPostgresRepoWithMock(t)
			mock.ExpectQuery(selectJobQuery).WithArgs("d").WillReturnRows(jobRow(t, cur))
			if tt.version == cur.Version {
				mock.ExpectExec(updateJobQuery).
					WithArgs(string(domain.StateCompleted), int64(7), base, sqlmock.AnyArg(), "d", string(domain.StateCompleted), int64(6)).
					WillReturnResult(sqlmock.NewResult(0, tt.affected))
			}

			j, err := repo.ClaimResult(context.Background(), "d", tt.version)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Empty(t, j.ResultRef)
				assert.Equal(t, int64(7), j.Version)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresListActive(t *testing.T) {
	repo, mock := newPostgresRepoWithMock(t)

	a := uploadJob("a", 0)
	a.State = domain.StateAwaitingPayment
	b := uploadJob("b", time.Minute)
	b.State = domain.StateChunking
	bodyA, _ := json.Marshal(a)
	bodyB, _ := json.Marshal(b)

	mock.ExpectQuery(`(?s)^SELECT\s+state,\s*version,\s*body\s+FROM\s+jobs\s+WHERE\s+state\s+NOT\s+IN\s+\('completed',\s*'failed',\s*'expired'\)\s+ORDER\s+BY\s+created_at\s+ASC,\s*id\s+ASC\s*$`).
		WillReturnRows(sqlmock.NewRows([]string{"state", "version", "body"}).
			AddRow("awaiting_payment", int64(2), bodyA).
			AddRow("chunking", int64(5), bodyB))

	jobs, err := repo.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, int64(5), jobs[1].Version)
}

func TestPostgresList_Limit(t *testing.T) {
	repo, mock := newPostgresRepoWithMock(t)

	mock.ExpectQuery(`(?s)^SELECT\s+state,\s*version,\s*body\s+FROM\s+jobs\s+ORDER\s+BY\s+created_at\s+DESC,\s*id\s+DESC\s+LIMIT\s+\$1\s*$`).
		WithArgs(10).
		WillReturnRows(jobRow(t, uploadJob("a", 0)))

	jobs, err := repo.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrations_UseEmbeddedDir(t *testing.T) {
	conn, _, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	var gotDir string
	orig := gooseUp
	gooseUp = func(_ context.Context, _ *sql.DB, dir string) error {
		gotDir = dir
		return nil
	}
	defer func() { gooseUp = orig }()

	p := &Postgres{DB: conn}
	require.NoError(t, p.MigrateDb(context.Background()))
	assert.Equal(t, "sql", gotDir)
}
