package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/zzenonn/chainstore/internal/repository/migrate"
)

type Postgres struct {
	DB *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	return &Postgres{DB: conn}, nil
}

// gooseUp and gooseDown are seams for tests.
var (
	gooseUp = func(ctx context.Context, db *sql.DB, dir string) error {
		return goose.UpContext(ctx, db, dir)
	}
	gooseDown = func(ctx context.Context, db *sql.DB, dir string) error {
		return goose.DownToContext(ctx, db, dir, 0)
	}
)

func setupGoose() error {
	goose.SetBaseFS(migrate.SQL)
	return goose.SetDialect("pgx")
}

// MigrateDb runs the embedded goose migrations.
func (p *Postgres) MigrateDb(ctx context.Context) error {
	if err := setupGoose(); err != nil {
		return fmt.Errorf("failed to configure migrations: %w", err)
	}
	if err := gooseUp(ctx, p.DB, migrate.SQLDir); err != nil {
		return fmt.Errorf("failed to migrate postgres: %w", err)
	}
	return nil
}

// MigrateDown reverts all migrations.
func (p *Postgres) MigrateDown(ctx context.Context) error {
	if err := setupGoose(); err != nil {
		return fmt.Errorf("failed to configure migrations: %w", err)
	}
	if err := gooseDown(ctx, p.DB, migrate.SQLDir); err != nil {
		return fmt.Errorf("failed to roll back postgres: %w", err)
	}
	return nil
}

func (p *Postgres) Jobs() *PostgresJobRepository {
	return NewPostgresJobRepository(p.DB)
}

func (p *Postgres) Close() error {
	return p.DB.Close()
}
