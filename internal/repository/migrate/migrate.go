// Package migrate holds schema migrations for every job store backend.
package migrate

import (
	"context"
	"embed"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// SQL holds the goose migrations for the Postgres job store.
//
//go:embed sql/*.sql
var SQL embed.FS

// SQLDir is the directory inside SQL goose should read.
const SQLDir = "sql"

// DynamoMigration is one versioned DynamoDB schema change.
type DynamoMigration interface {
	Version() string
	TableName() string
	Up(ctx context.Context, client *dynamodb.Client) error
	Down(ctx context.Context, client *dynamodb.Client) error
}

// DynamoMigrations lists migrations in the order they apply.
func DynamoMigrations(jobsTable string) []DynamoMigration {
	return []DynamoMigration{
		&CreateJobsTable{Table: jobsTable},
	}
}
